package credits

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stylelab/fitting-service/internal/app/domain/credit"
	"github.com/stylelab/fitting-service/internal/app/storage/memory"
)

func TestBalanceIdentity(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, "u1", 5, credit.GrantPurchase); err != nil {
		t.Fatalf("grant: %v", err)
	}

	token, err := svc.Reserve(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Finalize(ctx, token); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	token, err = svc.Reserve(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if err := svc.Release(ctx, token); err != nil {
		t.Fatalf("release: %v", err)
	}

	acct, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance != acct.TotalPurchased-acct.TotalUsed {
		t.Fatalf("identity violated: %+v", acct)
	}
	if acct.Balance != 4 {
		t.Fatalf("expected balance 4, got %d", acct.Balance)
	}
}

func TestReserveInsufficient(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "u1", 1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	acct, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if acct.Balance != 0 {
		t.Fatalf("balance changed on failed reserve: %d", acct.Balance)
	}
}

func TestConcurrentReserveAdmitsOne(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, "u1", 1, credit.GrantPurchase); err != nil {
		t.Fatalf("grant: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, "u1", 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var admitted int
	for err := range results {
		if err == nil {
			admitted++
		} else if !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admitted reservation, got %d", admitted)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, "u1", 3, credit.GrantPurchase); err != nil {
		t.Fatalf("grant: %v", err)
	}
	token, err := svc.Reserve(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.Release(ctx, token); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := svc.Release(ctx, token); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}

	acct, _ := svc.Balance(ctx, "u1")
	if acct.Balance != 3 {
		t.Fatalf("balance changed more than once: %d", acct.Balance)
	}
}

func TestFinalizeAfterReleaseFails(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, "u1", 1, credit.GrantPurchase); err != nil {
		t.Fatalf("grant: %v", err)
	}
	token, err := svc.Reserve(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.Finalize(ctx, token); err == nil {
		t.Fatal("finalize after release must fail")
	}
}

func TestSignupBonusGrantedOnce(t *testing.T) {
	svc := New(memory.New(), nil, 3)
	ctx := context.Background()

	acct, granted, err := svc.Ensure(ctx, "newcomer")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !granted || acct.Balance != 3 {
		t.Fatalf("expected signup bonus, got granted=%v balance=%d", granted, acct.Balance)
	}

	acct, granted, err = svc.Ensure(ctx, "newcomer")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if granted || acct.Balance != 3 {
		t.Fatalf("bonus must not repeat: granted=%v balance=%d", granted, acct.Balance)
	}
}

func TestAdjustModes(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	ctx := context.Background()

	acct, err := svc.Adjust(ctx, "u1", 10, credit.AdjustSet)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if acct.Balance != 10 {
		t.Fatalf("set: expected 10, got %d", acct.Balance)
	}

	acct, err = svc.Adjust(ctx, "u1", 5, credit.AdjustAdd)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if acct.Balance != 15 {
		t.Fatalf("add: expected 15, got %d", acct.Balance)
	}

	acct, err = svc.Adjust(ctx, "u1", 4, credit.AdjustSubtract)
	if err != nil {
		t.Fatalf("subtract: %v", err)
	}
	if acct.Balance != 11 {
		t.Fatalf("subtract: expected 11, got %d", acct.Balance)
	}

	if _, err := svc.Adjust(ctx, "u1", 100, credit.AdjustSubtract); err == nil {
		t.Fatal("subtracting below zero must fail")
	}
	if acct, _ = svc.Balance(ctx, "u1"); acct.Balance != 11 {
		t.Fatalf("failed subtract changed balance: %d", acct.Balance)
	}
}

func TestGrantValidation(t *testing.T) {
	svc := New(memory.New(), nil, 0)
	if _, err := svc.Grant(context.Background(), "u1", 0, credit.GrantPurchase); err == nil {
		t.Fatal("zero grant must fail")
	}
	if _, err := svc.Grant(context.Background(), "u1", -4, credit.GrantPurchase); err == nil {
		t.Fatal("negative grant must fail")
	}
}
