package monitor

import (
	"context"
	"testing"
	"time"

	"autogrid-core/internal/events"
)

func TestMonitorForwardsPublishedAlerts(t *testing.T) {
	bus := events.NewBus()
	alerts := make(chan string, 1)
	m := &Monitor{
		Bus: bus,
		AlertFn: func(msg string) {
			alerts <- msg
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	bus.Publish(events.EventRiskAlert, "bot bot-1: PAUSE (daily drawdown)")

	select {
	case got := <-alerts:
		if got == "" {
			t.Fatal("expected a non-empty formatted alert")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the published risk alert to reach AlertFn")
	}
}

func TestMonitorSkipsWhenUnconfigured(t *testing.T) {
	m := &Monitor{}
	m.Start(context.Background())
}
