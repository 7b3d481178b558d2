package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
)

func TestAttemptAccess_ConcurrentConsumption(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser("100")
	svc := env.seedService(domain.ServiceTypeUsage, "6")
	ctx := context.Background()
	if _, err := env.svc.PurchasePass(ctx, userID, domain.PurchaseRequest{ServiceID: svc.ID, Amount: 10}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AttemptAccess: %v", err)
		}
	}

	pass, err := env.svc.FindUsablePass(ctx, userID, svc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pass.RemainingAmount != 7 {
		t.Fatalf("expected 7 remaining, got %d", pass.RemainingAmount)
	}
	logs, _ := env.svc.ListUsage(ctx, userID, 0)
	if len(logs) != 3 {
		t.Fatalf("expected 3 usage logs, got %d", len(logs))
	}
	if got := env.pusher.count(domain.UserScope(userID), domain.EventUsageChanged); got != 3 {
		t.Fatalf("expected 3 usage pushes to the user, got %d", got)
	}
	if got := env.pusher.count(domain.AdminScope, domain.EventUsageChanged); got != 3 {
		t.Fatalf("expected 3 usage pushes to admins, got %d", got)
	}
}

func TestAttemptAccess_ConcurrentNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser("100")
	svc := env.seedService(domain.ServiceTypeUsage, "1")
	ctx := context.Background()
	if _, err := env.svc.PurchasePass(ctx, userID, domain.PurchaseRequest{ServiceID: svc.ID, Amount: 4}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrNoActivePass) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 4 {
		t.Fatalf("expected exactly 4 successful accesses, got %d", succeeded)
	}
}

func TestAttemptAccess_Errors(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser("100")
	svc := env.seedService(domain.ServiceTypeUsage, "1")
	ctx := context.Background()

	if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 1); !errors.Is(err, ErrNoActivePass) {
		t.Fatalf("expected ErrNoActivePass without a pass, got %v", err)
	}

	if _, err := env.svc.PurchasePass(ctx, userID, domain.PurchaseRequest{ServiceID: svc.ID, Amount: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 3); !errors.Is(err, ErrInsufficientUsage) {
		t.Fatalf("expected ErrInsufficientUsage, got %v", err)
	}
	if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	res, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.RemainingAmount != 0 || res.Status != domain.PassExpired {
		t.Fatalf("expected exhausted pass, got %+v", res)
	}
	if env.pusher.count(domain.UserScope(userID), domain.EventPassExpired) != 1 {
		t.Fatal("expected pass.expired push on exhaustion")
	}
	if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 0); !errors.Is(err, ErrNoActivePass) {
		t.Fatalf("expected ErrNoActivePass after exhaustion, got %v", err)
	}
}

func TestAttemptAccess_TimePass(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser("0")
	svc := env.seedService(domain.ServiceTypeTime, "10")
	ctx := context.Background()
	expiresAt := testNow.Add(time.Hour)
	passID := uuid.New()
	env.repo.SeedPass(domain.Pass{
		ID: passID, UserID: userID, ServiceID: svc.ID, ServiceType: domain.ServiceTypeTime,
		TotalLimit: 1, RemainingAmount: 1, ExpiresAt: &expiresAt, Status: domain.PassActive,
	})

	for i := 0; i < 3; i++ {
		res, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if res.RemainingAmount != 1 || res.AmountUsed != 1 {
			t.Fatalf("time passes must not decrement, got %+v", res)
		}
	}

	env.svc.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 1); !errors.Is(err, ErrNoActivePass) {
		t.Fatalf("expected ErrNoActivePass after window, got %v", err)
	}
	stored, _ := env.repo.FindPassByID(ctx, passID)
	if stored.Status != domain.PassExpired {
		t.Fatalf("expected lazy expiry to be persisted, got %s", stored.Status)
	}
}

func TestListPasses_AppliesEffectiveStatus(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser("0")
	past := testNow.Add(-time.Minute)
	env.repo.SeedPass(domain.Pass{
		ID: uuid.New(), UserID: userID, ServiceID: uuid.New(), ServiceType: domain.ServiceTypeTime,
		ExpiresAt: &past, Status: domain.PassActive,
	})

	passes, err := env.svc.ListPasses(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) != 1 || passes[0].Status != domain.PassExpired {
		t.Fatalf("expected effective status expired, got %+v", passes)
	}
}

func TestRevokePass(t *testing.T) {
	env := newTestEnv(t)
	userID := env.seedUser("10")
	svc := env.seedService(domain.ServiceTypeUsage, "1")
	ctx := context.Background()
	res, err := env.svc.PurchasePass(ctx, userID, domain.PurchaseRequest{ServiceID: svc.ID, Amount: 1})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.svc.RevokePass(ctx, res.Pass.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.AttemptAccess(ctx, userID, svc.ID, 1); !errors.Is(err, ErrNoActivePass) {
		t.Fatalf("expected ErrNoActivePass after revoke, got %v", err)
	}
}
