package exchange

import (
	"testing"
	"time"

	"anomaly_bot/pkg/clock"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBreaker("test", 3, 30*time.Second, clk, nil)

	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != BreakerClosed || !b.Allow() {
		t.Fatal("breaker must stay closed below threshold")
	}
	b.Failure()
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatal("breaker must open at threshold")
	}

	clk.Advance(31 * time.Second)
	if !b.Allow() || b.State() != BreakerHalfOpen {
		t.Fatal("breaker must go half-open after cooldown")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("failure in half-open must reopen")
	}

	clk.Advance(31 * time.Second)
	b.Allow()
	b.Success()
	if b.State() != BreakerClosed {
		t.Fatal("success in half-open must close")
	}
}

func TestErrorClassification(t *testing.T) {
	err := Rejected("Post only order would have immediately matched")
	if IsFatal(err) {
		t.Fatal("rejection is not fatal")
	}
	if !IsFatal(ErrAuth) {
		t.Fatal("auth error is fatal")
	}
	if got := err.Error(); got != "order rejected: Post only order would have immediately matched" {
		t.Fatalf("message = %q", got)
	}
}
