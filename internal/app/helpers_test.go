package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) byTemplate(template domain.NotificationTemplate) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, msg := range n.sent {
		if msg.Template == template {
			out = append(out, msg)
		}
	}
	return out
}

type pushed struct {
	scope string
	event string
}

type recordingPusher struct {
	mu     sync.Mutex
	events []pushed
}

func (p *recordingPusher) Push(scope, event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pushed{scope: scope, event: event})
}

func (p *recordingPusher) count(scope, event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.scope == scope && e.event == event {
			n++
		}
	}
	return n
}

// stubGateway accepts signatures of the form "sig:<orderId>|<paymentId>".
type stubGateway struct {
	orderID string
	err     error
}

func (g *stubGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.orderID, nil
}

func (g *stubGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return signature == validSignature(orderID, paymentID)
}

func (g *stubGateway) KeyID() string { return "key_test" }

func validSignature(orderID, paymentID string) string {
	return "sig:" + orderID + "|" + paymentID
}

type failingCoordStore struct{}

func (failingCoordStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func (failingCoordStore) DeleteIfValue(context.Context, string, string) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func (failingCoordStore) IncrWithExpiry(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("dial tcp: connection refused")
}

type testEnv struct {
	svc      *Service
	repo     *store.MemoryRepository
	locker   *coord.Locker
	notifier *recordingNotifier
	pusher   *recordingPusher
	gateway  *stubGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, store.NewMemoryRepository(), nil)
}

// newTestEnvWithRepo builds a service over mem. If wrap is non-nil the service talks
// to wrap(mem) instead, which lets a test inject store failures.
func newTestEnvWithRepo(t *testing.T, mem *store.MemoryRepository, wrap func(store.Repository) store.Repository) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem.SetClock(func() time.Time { return testNow })

	var repo store.Repository = mem
	if wrap != nil {
		repo = wrap(mem)
	}

	env := &testEnv{
		repo:     mem,
		locker:   coord.NewLocker(coord.NewMemoryStore(), 12*time.Second, logger),
		notifier: &recordingNotifier{},
		pusher:   &recordingPusher{},
		gateway:  &stubGateway{orderID: "order_test_1"},
	}
	cfg := Config{
		Currency:          "INR",
		ReferrerBonus:     decimal.NewFromInt(50),
		RefereeBonus:      decimal.NewFromInt(25),
		MinWithdrawal:     decimal.NewFromInt(10),
		ExpiryWarning:     10 * time.Minute,
		LowUsageThreshold: 2,
	}
	env.svc = NewService(repo, env.locker, env.gateway, env.notifier, env.pusher, nil, cfg, logger)
	env.svc.now = func() time.Time { return testNow }
	env.svc.dispatch = func(f func()) { f() }
	return env
}

func (e *testEnv) seedUser(balance string) uuid.UUID {
	id := uuid.New()
	e.repo.SeedUser(domain.User{
		ID:            id,
		Email:         id.String()[:8] + "@example.com",
		FullName:      "Test User",
		WalletBalance: decimal.RequireFromString(balance),
	})
	return id
}

func (e *testEnv) seedService(serviceType domain.ServiceType, cost string) *domain.Service {
	svc := domain.Service{
		ID:          uuid.New(),
		Name:        "Service " + string(serviceType),
		Type:        serviceType,
		CostPerUnit: decimal.RequireFromString(cost),
		Active:      true,
	}
	e.repo.SeedService(svc)
	return &svc
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) decimal.Decimal {
	t.Helper()
	u, err := e.repo.FindUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindUserByID: %v", err)
	}
	return u.WalletBalance
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: got %s, want %s", name, got.String(), want)
	}
}
