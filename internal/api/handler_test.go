package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"order-ledger/internal/models"
	"order-ledger/internal/service"
	"order-ledger/internal/store"
	"order-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const gatewaySecret = "gateway-secret"

var (
	alice   = models.Actor{ID: "alice", Role: models.ActorCustomer}
	bob     = models.Actor{ID: "bob", Role: models.ActorCustomer}
	barista = models.Actor{ID: "staff-1", Role: models.ActorStaff}
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	auth   *Authenticator
	store  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewStore(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ledger := service.NewLedgerService(st, service.NewHMACVerifier(gatewaySecret), nil, service.DefaultTierTable(), time.Hour)
	orders := service.NewOrderService(st, ledger, nil, service.DefaultAutoRules(time.Hour))
	auth := NewAuthenticator("jwt-secret")

	router := gin.New()
	NewHandler(orders, ledger, st, auth, st).SetupRoutes(router)
	return &testServer{t: t, router: router, auth: auth, store: st}
}

func (s *testServer) token(actor models.Actor) string {
	s.t.Helper()
	token, err := s.auth.IssueToken(actor, time.Hour)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) do(method, path string, body interface{}, actor *models.Actor, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(*actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createOrder(actor models.Actor, walletID string) models.Order {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/orders", service.CreateOrderRequest{
		CustomerID:      actor.ID,
		StoreID:         "store-1",
		WalletAccountID: walletID,
	}, &actor)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Order](s.t, w)
}

func (s *testServer) openWallet(actor models.Actor) models.WalletAccount {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/wallets", nil, &actor)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.WalletAccount](s.t, w)
}

func (s *testServer) topup(accountID, ref string, amount int64) *httptest.ResponseRecorder {
	s.t.Helper()
	cb := service.PaymentCallback{ExternalRef: ref, AccountID: accountID, Amount: amount}
	signature := service.NewHMACVerifier(gatewaySecret).Sign(cb)
	return s.do(http.MethodPost, "/api/v1/payments/callback", cb, nil, "X-Signature", signature)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/orders/o1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/o1", nil, nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := NewAuthenticator("other-secret").IssueToken(alice, time.Hour)
	require.NoError(t, err)
	w = s.do(http.MethodGet, "/api/v1/orders/o1", nil, nil, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator("jwt-secret")
	token, err := auth.IssueToken(alice, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Parse(token)
	assert.Error(t, err)

	token, err = auth.IssueToken(models.Actor{ID: "x", Role: "admin"}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Parse(token)
	assert.Error(t, err)

	token, err = auth.IssueToken(barista, time.Hour)
	require.NoError(t, err)
	actor, err := auth.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, barista, actor)
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestServer(t)
	order := s.createOrder(alice, "")
	assert.Equal(t, models.OrderStatusCreated, order.Status)
	assert.Equal(t, int64(1), order.Version)

	path := "/api/v1/orders/" + order.ID

	// customers only see their own orders
	w := s.do(http.MethodGet, path, nil, &bob)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodGet, path, nil, &alice)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, path+"/transitions", TransitionRequest{Status: models.OrderStatusAccepted}, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, path+"/transitions", TransitionRequest{Status: models.OrderStatusReady}, &barista)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, path+"/transitions", TransitionRequest{Status: "shipped"}, &barista)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, path+"/transitions", TransitionRequest{Status: models.OrderStatusAccepted, ExpectedVersion: 1}, &barista)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decode[models.Order](t, w)
	assert.Equal(t, models.OrderStatusAccepted, accepted.Status)
	assert.Equal(t, int64(2), accepted.Version)

	// a client still holding version 1 is told to reload
	w = s.do(http.MethodPost, path+"/transitions", TransitionRequest{Status: models.OrderStatusPreparing, ExpectedVersion: 1}, &barista)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, path+"/history", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		History []models.OrderStatusHistory `json:"history"`
	}](t, w)
	require.Len(t, body.History, 2)
	assert.Equal(t, models.OrderStatusAccepted, body.History[1].Status)

	w = s.do(http.MethodGet, "/api/v1/orders/missing", nil, &barista)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateOrderForSomeoneElse(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/api/v1/orders", service.CreateOrderRequest{CustomerID: "bob", StoreID: "store-1"}, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders", gin.H{"customer_id": "alice"}, &alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateOrderWithSomeoneElsesWallet(t *testing.T) {
	s := newTestServer(t)
	wallet := s.openWallet(bob)
	require.Equal(t, http.StatusOK, s.topup(wallet.ID, "TX-bob", 1000).Code)

	w := s.do(http.MethodPost, "/api/v1/orders", service.CreateOrderRequest{
		CustomerID:      alice.ID,
		StoreID:         "store-1",
		WalletAccountID: wallet.ID,
	}, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallets/"+wallet.ID, nil, &bob)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1000), decode[models.WalletAccount](t, w).Balance)
}

func TestPaymentCallback(t *testing.T) {
	s := newTestServer(t)
	wallet := s.openWallet(alice)
	assert.Equal(t, "alice", wallet.OwnerID)

	w := s.topup(wallet.ID, "TX-100", 1000)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[gin.H](t, w)
	assert.Equal(t, false, first["duplicate"])
	assert.EqualValues(t, 1000, first["balance"])

	// the gateway retries; acknowledged, not credited again
	w = s.topup(wallet.ID, "TX-100", 1000)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[gin.H](t, w)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["entry_id"], second["entry_id"])

	w = s.do(http.MethodGet, "/api/v1/wallets/"+wallet.ID, nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1000), decode[models.WalletAccount](t, w).Balance)

	cb := service.PaymentCallback{ExternalRef: "TX-101", AccountID: wallet.ID, Amount: 1000, Signature: "deadbeef"}
	w = s.do(http.MethodPost, "/api/v1/payments/callback", cb, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPayOrder(t *testing.T) {
	s := newTestServer(t)
	wallet := s.openWallet(alice)
	require.Equal(t, http.StatusOK, s.topup(wallet.ID, "TX-1", 1000).Code)

	order := s.createOrder(alice, wallet.ID)
	path := "/api/v1/orders/" + order.ID + "/pay"

	w := s.do(http.MethodPost, path, PayRequest{Amount: 300}, &alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 700, decode[gin.H](t, w)["balance"])

	// paying the same order again charges once
	w = s.do(http.MethodPost, path, PayRequest{Amount: 300}, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	replay := decode[gin.H](t, w)
	assert.Equal(t, true, replay["replayed"])
	assert.EqualValues(t, 700, replay["balance"])

	w = s.do(http.MethodPost, path, PayRequest{Amount: 0}, &alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, path, PayRequest{Amount: 300}, &bob)
	assert.Equal(t, http.StatusForbidden, w.Code)

	big := s.createOrder(alice, wallet.ID)
	w = s.do(http.MethodPost, "/api/v1/orders/"+big.ID+"/pay", PayRequest{Amount: 5000}, &alice)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallets/"+wallet.ID+"/entries", nil, &alice)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[struct {
		Entries []models.LedgerEntry `json:"entries"`
	}](t, w)
	assert.Len(t, entries.Entries, 2)
}

func TestWalletVisibility(t *testing.T) {
	s := newTestServer(t)
	wallet := s.openWallet(alice)

	w := s.do(http.MethodGet, "/api/v1/wallets/"+wallet.ID, nil, &bob)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallets/"+wallet.ID+"/reconcile", nil, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallets/"+wallet.ID+"/reconcile", nil, &barista)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[gin.H](t, w)["consistent"])
}

func TestCreditReward(t *testing.T) {
	s := newTestServer(t)
	wallet := s.openWallet(alice)
	path := "/api/v1/wallets/" + wallet.ID + "/rewards"

	w := s.do(http.MethodPost, path, RewardRequest{Tier: "gold", DrawID: "draw-1"}, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, path, RewardRequest{Tier: "gold", DrawID: "draw-1"}, &barista)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[gin.H](t, w)
	assert.Greater(t, first["amount"], float64(0))

	w = s.do(http.MethodPost, path, RewardRequest{Tier: "gold", DrawID: "draw-1"}, &barista)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first["amount"], decode[gin.H](t, w)["amount"])
}

func TestAttentionRequiresStaff(t *testing.T) {
	s := newTestServer(t)
	order := s.createOrder(alice, "")
	require.NoError(t, s.store.FlagOrderAttention(t.Context(), order.ID))

	w := s.do(http.MethodGet, "/api/v1/admin/attention", nil, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/attention", nil, &barista)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Orders []models.Order `json:"orders"`
	}](t, w)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, order.ID, body.Orders[0].ID)
}
