package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/service"
	"order-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AttentionReader lists what operators have to look at
type AttentionReader interface {
	GetAttentionOrders(ctx context.Context) ([]models.Order, error)
	GetAttentionEvents(ctx context.Context) ([]models.NotificationEvent, error)
	GetAttentionRefundJobs(ctx context.Context) ([]models.RefundJob, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService  *service.OrderService
	ledgerService *service.LedgerService
	attention     AttentionReader
	auth          *Authenticator
	readiness     []Pinger
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	ledgerService *service.LedgerService,
	attention AttentionReader,
	auth *Authenticator,
	readiness ...Pinger,
) *Handler {
	return &Handler{
		orderService:  orderService,
		ledgerService: ledgerService,
		attention:     attention,
		auth:          auth,
		readiness:     readiness,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// the gateway authenticates with its callback signature
	v1.POST("/payments/callback", h.paymentCallback)

	authed := v1.Group("", h.auth.Middleware())
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders/:id", h.getOrder)
		authed.GET("/orders/:id/history", h.getOrderHistory)
		authed.POST("/orders/:id/transitions", h.transitionOrder)
		authed.POST("/orders/:id/pay", h.payOrder)

		authed.POST("/wallets", h.openWallet)
		authed.GET("/wallets/:id", h.getWallet)
		authed.GET("/wallets/:id/entries", h.getWalletEntries)
		authed.GET("/wallets/:id/reconcile", requireRole(models.ActorStaff, models.ActorSystem), h.reconcileWallet)
		authed.POST("/wallets/:id/rewards", requireRole(models.ActorStaff, models.ActorSystem), h.creditReward)

		authed.GET("/admin/attention", requireRole(models.ActorStaff), h.listAttention)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	for _, p := range h.readiness {
		if err := p.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"details": err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, ok := h.visibleOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getOrderHistory(c *gin.Context) {
	order, ok := h.visibleOrder(c)
	if !ok {
		return
	}

	history, err := h.orderService.History(c.Request.Context(), order.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"history": history,
	})
}

// TransitionRequest asks for a status change
type TransitionRequest struct {
	Status      models.OrderStatus `json:"status" binding:"required"`
	Description string             `json:"description"`
	// ExpectedVersion pins the order version the client last saw; 0 skips the check
	ExpectedVersion int64 `json:"expected_version"`
}

func (h *Handler) transitionOrder(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.TransitionByID(c.Request.Context(), c.Param("id"),
		req.Status, actorFrom(c), req.Description, req.ExpectedVersion)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// PayRequest pays an order from its wallet
type PayRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func (h *Handler) payOrder(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orderService.PayWithWallet(c.Request.Context(), c.Param("id"), req.Amount, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entry":    result.Entry,
		"balance":  result.Balance,
		"replayed": result.Replayed,
	})
}

// OpenWalletRequest opens a wallet; customers always open their own
type OpenWalletRequest struct {
	OwnerID string `json:"owner_id"`
}

func (h *Handler) openWallet(c *gin.Context) {
	var req OpenWalletRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	actor := actorFrom(c)
	if actor.Role == models.ActorCustomer || req.OwnerID == "" {
		req.OwnerID = actor.ID
	}

	account, err := h.ledgerService.OpenAccount(c.Request.Context(), req.OwnerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *Handler) getWallet(c *gin.Context) {
	account, ok := h.visibleWallet(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) getWalletEntries(c *gin.Context) {
	account, ok := h.visibleWallet(c)
	if !ok {
		return
	}

	entries, err := h.ledgerService.Entries(c.Request.Context(), account.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"entries": entries,
	})
}

func (h *Handler) reconcileWallet(c *gin.Context) {
	rec, err := h.ledgerService.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RewardRequest credits the outcome of a reward draw
type RewardRequest struct {
	Tier   string `json:"tier" binding:"required"`
	DrawID string `json:"draw_id" binding:"required"`
}

func (h *Handler) creditReward(c *gin.Context) {
	var req RewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.ledgerService.CreditReward(c.Request.Context(), c.Param("id"), req.Tier, req.DrawID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"amount": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":   result.Entry.Amount,
		"entry":    result.Entry,
		"balance":  result.Balance,
		"replayed": result.Replayed,
	})
}

// paymentCallback acknowledges every callback it has processed, including
// repeats, so the gateway stops retrying.
func (h *Handler) paymentCallback(c *gin.Context) {
	var cb service.PaymentCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if sig := c.GetHeader("X-Signature"); sig != "" {
		cb.Signature = sig
	}

	result, err := h.ledgerService.HandlePaymentCallback(c.Request.Context(), cb)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"duplicate": result.Duplicate,
		"entry_id":  result.Entry.ID,
		"balance":   result.Balance,
	})
}

func (h *Handler) listAttention(c *gin.Context) {
	ctx := c.Request.Context()

	orders, err := h.attention.GetAttentionOrders(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	events, err := h.attention.GetAttentionEvents(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	refunds, err := h.attention.GetAttentionRefundJobs(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders":        orders,
		"notifications": events,
		"refunds":       refunds,
	})
}

// visibleOrder loads the order in the path; customers only see their own
func (h *Handler) visibleOrder(c *gin.Context) (*models.Order, bool) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	actor := actorFrom(c)
	if actor.Role == models.ActorCustomer && actor.ID != order.CustomerID {
		// not found rather than forbidden: ids of other customers stay private
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return nil, false
	}
	return order, true
}

// visibleWallet loads the wallet in the path; customers only see their own
func (h *Handler) visibleWallet(c *gin.Context) (*models.WalletAccount, bool) {
	account, err := h.ledgerService.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	actor := actorFrom(c)
	if actor.Role == models.ActorCustomer && actor.ID != account.OwnerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Wallet not found"})
		return nil, false
	}
	return account, true
}

// writeError maps service errors onto status codes
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal error"

	switch {
	case errors.Is(err, service.ErrNotFound):
		status, message = http.StatusNotFound, "Not found"
	case errors.Is(err, service.ErrInvalidTransition):
		status, message = http.StatusUnprocessableEntity, "Invalid transition"
	case errors.Is(err, service.ErrUnauthorized):
		status, message = http.StatusForbidden, "Not allowed"
	case errors.Is(err, service.ErrConflict):
		status, message = http.StatusConflict, "Conflict, reload and retry"
	case errors.Is(err, service.ErrInsufficientFunds):
		status, message = http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, service.ErrInvalidSignature):
		status, message = http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, service.ErrInvalidAmount):
		status, message = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, service.ErrRefMismatch):
		status, message = http.StatusConflict, "External ref already used"
	}

	if status == http.StatusInternalServerError {
		util.WithTrace(c.Request.Context(), h.logger).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
