// Package notifier is the pluggable delivery interface the engine calls on
// fills and errors. Resolution happens once at startup from an env var
// naming a key in a small fixed registry (§4.9); an unset or unknown name
// installs a no-op.
package notifier

import (
	"fmt"
	"log"

	"autogrid-core/internal/monitor"
)

// Notifier is the only interface the core depends on.
type Notifier interface {
	NotifyOrderFilled(user, symbol, side string, qty, price float64) error
	NotifyError(user, message string) error
}

// NoOp drops every notification; the default when no module is configured.
type NoOp struct{}

func (NoOp) NotifyOrderFilled(user, symbol, side string, qty, price float64) error { return nil }
func (NoOp) NotifyError(user, message string) error                                { return nil }

// logSink adapts a monitor.AlertSink into a Notifier.
type logSink struct {
	sink monitor.AlertSink
}

func (l *logSink) NotifyOrderFilled(user, symbol, side string, qty, price float64) error {
	return l.sink.Send(fmt.Sprintf("order filled: user=%s %s %s qty=%.8f price=%.2f", user, symbol, side, qty, price))
}

func (l *logSink) NotifyError(user, message string) error {
	return l.sink.Send(fmt.Sprintf("error: user=%s %s", user, message))
}

// stdoutSink is the default monitor.AlertSink, writing through the standard
// logger the way the rest of the platform does.
type stdoutSink struct{}

func (stdoutSink) Send(message string) error {
	log.Println(message)
	return nil
}

// registry maps a NOTIFIER_MODULE env value to a constructor; add new
// delivery backends here rather than branching at call sites.
var registry = map[string]func() Notifier{
	"log": func() Notifier { return &logSink{sink: stdoutSink{}} },
}

// Resolve looks up name in the registry, falling back to NoOp on an unset
// or unknown value rather than failing startup.
func Resolve(name string) Notifier {
	if name == "" {
		return NoOp{}
	}
	factory, ok := registry[name]
	if !ok {
		log.Printf("notifier: unknown module %q, falling back to no-op", name)
		return NoOp{}
	}
	return factory()
}
