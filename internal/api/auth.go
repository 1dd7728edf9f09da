package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"order-ledger/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const actorKey = "actor"

// ActorClaims are the claims of an API bearer token
type ActorClaims struct {
	jwt.RegisteredClaims
	Role models.ActorRole `json:"role"`
}

// Authenticator turns bearer tokens into actors
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an HS256 authenticator
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for actor, valid for ttl
func (a *Authenticator) IssueToken(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: actor.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns its actor
func (a *Authenticator) Parse(token string) (models.Actor, error) {
	var claims ActorClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Actor{}, err
	}

	if claims.Subject == "" {
		return models.Actor{}, errors.New("token has no subject")
	}
	switch claims.Role {
	case models.ActorCustomer, models.ActorStaff, models.ActorSystem:
	default:
		return models.Actor{}, errors.New("token has no valid role")
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		actor, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid token",
				"details": err.Error(),
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// requireRole rejects actors outside roles
func requireRole(roles ...models.ActorRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFrom(c)
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	}
}

func actorFrom(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}
