package application

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func issueFor(t *testing.T, env *testEnv) (Reservation, IssuedToken) {
	t.Helper()
	start, end := slot(3, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))
	issued, err := env.tokens.Issue(context.Background(), reservation.ID)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	return reservation, issued
}

func TestTokenService_IssueStoresDigestOnly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	reservation, issued := issueFor(t, env)

	if len(issued.Token) < 43 {
		t.Fatalf("expected a 256-bit token, got %q", issued.Token)
	}
	if !issued.ExpiresAt.Equal(baseTime.Add(DefaultTokenTTL)) {
		t.Fatalf("expected expiry after seven days, got %s", issued.ExpiresAt)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.tokens) != 1 {
		t.Fatalf("expected one stored token, got %d", len(env.store.tokens))
	}
	for digest, token := range env.store.tokens {
		if strings.Contains(digest, issued.Token) || token.Digest != digestToken(issued.Token) {
			t.Fatalf("expected only the digest to be stored, got %+v", token)
		}
		if token.ReservationID != reservation.ID {
			t.Fatalf("expected token for %s, got %s", reservation.ID, token.ReservationID)
		}
	}
}

func TestTokenService_IssueRequiresActiveReservation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	start, end := slot(3, 10, 60)
	reservation := mustCreate(t, env, createParams("trainer-1", start, end))
	if _, err := env.reservations.Cancel(ctx, reservation.ID, "", ActorCenter); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	_, err := env.tokens.Issue(ctx, reservation.ID)
	expectErr(t, err, ErrInvalidTransition)

	_, err = env.tokens.Issue(ctx, "missing")
	expectErr(t, err, ErrNotFound)
}

func TestTokenService_Validate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	reservation, issued := issueFor(t, env)

	info, err := env.tokens.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if !info.Valid || info.Used || info.ReservationID != reservation.ID || info.Reservation.ID != reservation.ID {
		t.Fatalf("unexpected token info %+v", info)
	}

	_, err = env.tokens.Validate(ctx, "not-a-token")
	expectErr(t, err, ErrNotFound)

	env.clock.Advance(DefaultTokenTTL)
	info, err = env.tokens.Validate(ctx, issued.Token)
	if err != nil || info.Valid {
		t.Fatalf("expected expired token to be reported invalid, got %+v (%v)", info, err)
	}
}

func TestTokenService_RedeemConfirmIsSingleUse(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	reservation, issued := issueFor(t, env)

	confirmed, err := env.tokens.Redeem(ctx, issued.Token, ActionConfirm)
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if confirmed.ID != reservation.ID || confirmed.Status != StatusConfirmed {
		t.Fatalf("expected confirmed reservation, got %+v", confirmed)
	}

	_, err = env.tokens.Redeem(ctx, issued.Token, ActionConfirm)
	expectErr(t, err, ErrTokenAlreadyUsed)

	info, _ := env.tokens.Validate(ctx, issued.Token)
	if !info.Used || info.Action != ActionConfirm || info.UsedAt == nil {
		t.Fatalf("expected token to record its use, got %+v", info)
	}
}

func TestTokenService_RedeemCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, issued := issueFor(t, env)

	cancelled, err := env.tokens.Redeem(context.Background(), issued.Token, ActionCancel)
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if cancelled.Status != StatusCancelledByClient {
		t.Fatalf("expected cancelled_by_client, got %s", cancelled.Status)
	}
	if got := cancelled.Notes[len(cancelled.Notes)-1].Text; got != "Cancelled by client: cancelled via confirmation link" {
		t.Fatalf("unexpected note %q", got)
	}
}

func TestTokenService_RedeemConfirmOnConfirmedReservation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	reservation, issued := issueFor(t, env)
	if _, err := env.reservations.Confirm(ctx, reservation.ID); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	confirmed, err := env.tokens.Redeem(ctx, issued.Token, ActionConfirm)
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("expected confirmed reservation, got %s", confirmed.Status)
	}
}

func TestTokenService_RedeemRejectedActionKeepsToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *envConfig) {
		cfg.options.CancellationWindow = 7 * 24 * time.Hour
	})
	ctx := context.Background()
	_, issued := issueFor(t, env)

	_, err := env.tokens.Redeem(ctx, issued.Token, ActionCancel)
	expectErr(t, err, ErrPolicyViolation)

	info, _ := env.tokens.Validate(ctx, issued.Token)
	if info.Used || !info.Valid {
		t.Fatalf("expected token to remain usable, got %+v", info)
	}
	if _, err := env.tokens.Redeem(ctx, issued.Token, ActionConfirm); err != nil {
		t.Fatalf("Redeem confirm returned error: %v", err)
	}
}

func TestTokenService_Expired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	_, issued := issueFor(t, env)

	env.clock.Advance(DefaultTokenTTL + time.Minute)

	_, err := env.tokens.Consume(ctx, issued.Token, ActionConfirm)
	expectErr(t, err, ErrTokenExpired)
	_, err = env.tokens.Redeem(ctx, issued.Token, ActionConfirm)
	expectErr(t, err, ErrTokenExpired)
}

func TestTokenService_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, issued := issueFor(t, env)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.tokens.Consume(context.Background(), issued.Token, ActionConfirm)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, used int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTokenAlreadyUsed):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || used != callers-1 {
		t.Fatalf("expected exactly one successful consume, got %d ok and %d used", ok, used)
	}
}

func TestTokenService_ConsumeValidatesAction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, issued := issueFor(t, env)

	_, err := env.tokens.Consume(context.Background(), issued.Token, "delete")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
