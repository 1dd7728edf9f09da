package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// HMACVerifier checks gateway callbacks signed with HMAC-SHA256 over
// "ref|account|amount" using a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the gateway's shared secret
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign returns the hex signature of a callback
func (v *HMACVerifier) Sign(cb PaymentCallback) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signedMessage(cb)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify rejects callbacks whose signature does not match
func (v *HMACVerifier) Verify(cb PaymentCallback) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no gateway secret configured", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(cb.Signature))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	want, _ := hex.DecodeString(v.Sign(cb))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

func signedMessage(cb PaymentCallback) string {
	return strings.Join([]string{cb.ExternalRef, cb.AccountID, strconv.FormatInt(cb.Amount, 10)}, "|")
}
