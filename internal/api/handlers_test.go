package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/app"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
	"github.com/shopspring/decimal"
)

const testSecret = "test-signing-secret"

type stubGateway struct{}

func (stubGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error) {
	return "order_" + receipt, nil
}

func (stubGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return signature == "ok"
}

func (stubGateway) KeyID() string { return "key_test" }

type testServer struct {
	handler   http.Handler
	repo      *store.MemoryRepository
	locker    *coord.Locker
	user      uuid.UUID
	admin     uuid.UUID
	usageSvc  uuid.UUID
	rateStore *coord.MemoryStore
}

func newTestServer(t *testing.T, rateLimit int) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := store.NewMemoryRepository()
	ts := &testServer{
		repo:      repo,
		user:      uuid.New(),
		admin:     uuid.New(),
		usageSvc:  uuid.New(),
		rateStore: coord.NewMemoryStore(),
	}
	repo.SeedUser(domain.User{ID: ts.user, Email: "user@example.com", FullName: "Test User", WalletBalance: decimal.NewFromInt(100)})
	repo.SeedUser(domain.User{ID: ts.admin, Email: "admin@example.com", FullName: "Admin"})
	repo.SeedService(domain.Service{
		ID:          ts.usageSvc,
		Name:        "Print credits",
		Type:        domain.ServiceTypeUsage,
		CostPerUnit: decimal.NewFromInt(10),
		UnitName:    "page",
		Active:      true,
	})

	ts.locker = coord.NewLocker(coord.NewMemoryStore(), 12*time.Second, logger)
	svc := app.NewService(repo, ts.locker, stubGateway{}, nil, nil, nil, app.Config{
		Currency:      "INR",
		MinWithdrawal: decimal.NewFromInt(10),
	}, logger)
	limiter := coord.NewRateLimiter(ts.rateStore, rateLimit, time.Minute, logger)

	h := NewHandlers(svc, nil, limiter, logger)
	ts.handler = NewRouter(h, RouterConfig{Auth: AuthConfig{Secret: testSecret}})
	return ts
}

func token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodGet, "/wallet", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ts.user.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	rec = ts.do(t, http.MethodGet, "/wallet", forged, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rec.Code)
	}

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ts.user.String(),
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	rec = ts.do(t, http.MethodGet, "/wallet", expired, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestGetWallet(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodGet, "/wallet", token(t, ts.user, ""), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.WalletSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !summary.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected balance %s", summary.Balance)
	}
}

func TestPurchaseThenAccess(t *testing.T) {
	ts := newTestServer(t, 0)
	bearer := token(t, ts.user, "")

	rec := ts.do(t, http.MethodPost, "/services/"+ts.usageSvc.String()+"/access", bearer, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a pass, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/passes/purchase", bearer, domain.PurchaseRequest{ServiceID: ts.usageSvc, Amount: 2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var purchase domain.PurchaseResult
	if err := json.Unmarshal(rec.Body.Bytes(), &purchase); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !purchase.Balance.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected balance 80, got %s", purchase.Balance)
	}

	rec = ts.do(t, http.MethodPost, "/services/"+ts.usageSvc.String()+"/access", bearer, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var access domain.AccessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &access); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if access.RemainingAmount != 1 || access.AmountUsed != 1 {
		t.Fatalf("unexpected access result %+v", access)
	}

	rec = ts.do(t, http.MethodPost, "/services/"+ts.usageSvc.String()+"/access", bearer, domain.AccessRequest{Amount: 5})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for insufficient usage, got %d", rec.Code)
	}
}

func TestAccessWithChunkedEmptyBody(t *testing.T) {
	ts := newTestServer(t, 0)
	bearer := token(t, ts.user, "")

	rec := ts.do(t, http.MethodPost, "/passes/purchase", bearer, domain.PurchaseRequest{ServiceID: ts.usageSvc, Amount: 2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/services/"+ts.usageSvc.String()+"/access", strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an empty chunked body, got %d: %s", rec.Code, rec.Body.String())
	}
	var access domain.AccessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &access); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if access.AmountUsed != 1 || access.RemainingAmount != 1 {
		t.Fatalf("expected the default amount of 1, got %+v", access)
	}

	req = httptest.NewRequest(http.MethodPost, "/services/"+ts.usageSvc.String()+"/access", strings.NewReader("{"))
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a truncated body, got %d", rec.Code)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodPost, "/passes/purchase", token(t, ts.user, ""), domain.PurchaseRequest{ServiceID: ts.usageSvc, Amount: 11})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPurchaseWhileLockHeld(t *testing.T) {
	ts := newTestServer(t, 0)
	lease, err := ts.locker.Acquire(context.Background(), coord.UserLockKey(ts.user.String()))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release(context.Background())

	rec := ts.do(t, http.MethodPost, "/passes/purchase", token(t, ts.user, ""), domain.PurchaseRequest{ServiceID: ts.usageSvc, Amount: 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, 0)
	path := "/admin/users/" + ts.user.String() + "/wallet-lock"

	rec := ts.do(t, http.MethodPost, path, token(t, ts.user, ""), walletLockRequest{Locked: true})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, path, token(t, ts.admin, "admin"), walletLockRequest{Locked: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/passes/purchase", token(t, ts.user, ""), domain.PurchaseRequest{ServiceID: ts.usageSvc, Amount: 1})
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 on a locked wallet, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/admin/sweeps", token(t, ts.admin, "admin"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for sweep, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodDelete, "/admin/passes/"+uuid.NewString(), token(t, ts.admin, "admin"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pass, got %d", rec.Code)
	}
}

func TestDepositFlow(t *testing.T) {
	ts := newTestServer(t, 0)
	bearer := token(t, ts.user, "")

	rec := ts.do(t, http.MethodPost, "/wallet/deposits", bearer, domain.DepositOrderRequest{Amount: decimal.NewFromInt(40)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var order domain.DepositOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}

	verify := domain.DepositVerificationRequest{OrderID: order.OrderID, PaymentID: "pay_1", Signature: "bad", Amount: order.Amount}
	rec = ts.do(t, http.MethodPost, "/wallet/deposits/verify", bearer, verify)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/wallet/deposits", bearer, domain.DepositOrderRequest{Amount: decimal.NewFromInt(40)})
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	verify = domain.DepositVerificationRequest{OrderID: order.OrderID, PaymentID: "pay_2", Signature: "ok", Amount: order.Amount}
	for i, wantReplay := range []bool{false, true} {
		rec = ts.do(t, http.MethodPost, "/wallet/deposits/verify", bearer, verify)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
		var result domain.DepositVerification
		if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if result.AlreadyProcessed != wantReplay || !result.Balance.Equal(decimal.NewFromInt(140)) {
			t.Fatalf("attempt %d: unexpected result %+v", i, result)
		}
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 1)
	bearer := token(t, ts.user, "")
	path := "/services/" + ts.usageSvc.String() + "/access"

	rec := ts.do(t, http.MethodPost, path, bearer, nil)
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("first request must not be limited")
	}
	rec = ts.do(t, http.MethodPost, path, bearer, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if msg := errorMessage(t, rec); msg == "" {
		t.Fatal("expected an error message")
	}
}

func TestInvalidPathID(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodPost, "/services/not-a-uuid/access", token(t, ts.user, ""), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
