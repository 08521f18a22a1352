package circuit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autogrid-core/pkg/cache"
)

func newTestBreaker() *Breaker {
	return New(cache.NewTTLStore(), DefaultConfig())
}

func TestCheckOrderAllowedClosedByDefault(t *testing.T) {
	b := newTestBreaker()
	allowed, reason := b.CheckOrderAllowed("bot-1", decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(1000), true)
	if !allowed {
		t.Fatalf("expected order allowed, got reason %q", reason)
	}
}

func TestTripOnOrderRate(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < b.config.MaxOrdersPerMinute; i++ {
		b.RecordOrderPlaced("bot-1")
	}
	allowed, reason := b.CheckOrderAllowed("bot-1", decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(1000), false)
	if allowed {
		t.Fatalf("expected order blocked after exceeding rate limit")
	}
	if reason == "" {
		t.Fatalf("expected a reason string")
	}
	if !b.IsTripped("bot-1") {
		t.Fatalf("expected circuit to be tripped")
	}
}

func TestTripOnLossLimit(t *testing.T) {
	b := newTestBreaker()
	b.RecordPnL("bot-1", decimal.NewFromInt(-60)) // 6% of 1000 investment
	allowed, _ := b.CheckOrderAllowed("bot-1", decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(1000), false)
	if allowed {
		t.Fatalf("expected order blocked after exceeding loss limit")
	}
}

func TestPriceDeviationBlocksLimitOrder(t *testing.T) {
	b := newTestBreaker()
	allowed, reason := b.CheckOrderAllowed("bot-1", decimal.NewFromInt(150), decimal.NewFromInt(100), decimal.NewFromInt(1000), true)
	if allowed {
		t.Fatalf("expected order blocked by price deviation, got none")
	}
	if reason == "" {
		t.Fatalf("expected a reason string")
	}
}

func TestPositivePnLIsNotRecordedAsLoss(t *testing.T) {
	b := newTestBreaker()
	b.RecordPnL("bot-1", decimal.NewFromInt(500))
	allowed, _ := b.CheckOrderAllowed("bot-1", decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(1000), false)
	if !allowed {
		t.Fatalf("profit should never trip the loss limit")
	}
}

func TestResetClearsTrip(t *testing.T) {
	b := newTestBreaker()
	b.Trip("bot-1", ReasonManual)
	if !b.IsTripped("bot-1") {
		t.Fatalf("expected tripped state")
	}
	b.Reset("bot-1")
	if b.IsTripped("bot-1") {
		t.Fatalf("expected reset to clear tripped state")
	}
}

func TestHalfOpenAdmitsOnlyBoundedTrialOrders(t *testing.T) {
	b := New(cache.NewTTLStore(), Config{
		MaxOrdersPerMinute:       50,
		MaxLossPercentPerHour:    decimal.NewFromFloat(5.0),
		MaxPriceDeviationPercent: decimal.NewFromFloat(10.0),
		CooldownSeconds:          300,
		HalfOpenOrders:           2,
	})
	b.Trip("bot-1", ReasonManual)
	b.HalfOpen("bot-1")

	for i := 0; i < 2; i++ {
		allowed, reason := b.CheckOrderAllowed("bot-1", decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(1000), false)
		if !allowed {
			t.Fatalf("trial order %d: expected allowed, got reason %q", i, reason)
		}
	}

	allowed, reason := b.CheckOrderAllowed("bot-1", decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(1000), false)
	if allowed {
		t.Fatal("expected the third half-open trial order to be blocked")
	}
	if reason == "" {
		t.Fatal("expected a reason string")
	}
}

func TestRecordSuccessClosesCircuitFromHalfOpen(t *testing.T) {
	b := newTestBreaker()
	b.Trip("bot-1", ReasonManual)
	b.HalfOpen("bot-1")

	b.RecordSuccess("bot-1")

	if b.GetState("bot-1") != StateClosed {
		t.Fatalf("expected CLOSED after a successful half-open trial, got %s", b.GetState("bot-1"))
	}
}

func TestRecordFailureReopensCircuitFromHalfOpen(t *testing.T) {
	b := newTestBreaker()
	b.Trip("bot-1", ReasonManual)
	b.HalfOpen("bot-1")

	b.RecordFailure("bot-1", ReasonError)

	if b.GetState("bot-1") != StateOpen {
		t.Fatalf("expected OPEN after a failed half-open trial, got %s", b.GetState("bot-1"))
	}
}

func TestRecordSuccessIsNoOpOutsideHalfOpen(t *testing.T) {
	b := newTestBreaker()
	b.RecordSuccess("bot-1")
	if b.GetState("bot-1") != StateClosed {
		t.Fatalf("expected CLOSED to remain CLOSED, got %s", b.GetState("bot-1"))
	}
}

func TestGetStatusReportsCooldown(t *testing.T) {
	b := New(cache.NewTTLStore(), Config{
		MaxOrdersPerMinute:       50,
		MaxLossPercentPerHour:    decimal.NewFromFloat(5.0),
		MaxPriceDeviationPercent: decimal.NewFromFloat(10.0),
		CooldownSeconds:          1,
	})
	b.Trip("bot-1", ReasonManual)
	status := b.GetStatus("bot-1")
	if status.State != StateOpen {
		t.Fatalf("expected open state, got %s", status.State)
	}
	if status.CooldownRemaining <= 0 {
		t.Fatalf("expected positive cooldown remaining")
	}
	time.Sleep(1100 * time.Millisecond)
	if b.GetState("bot-1") != StateHalfOpen {
		t.Fatalf("expected auto-transition to half-open after cooldown elapses")
	}
}
