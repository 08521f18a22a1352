package order

import (
	"context"
	"log"
	"time"

	"github.com/jpillora/backoff"
)

// maxReconnectDelay caps the exponential backoff between stream reconnect
// attempts; venues rate-limit repeated connection churn.
const maxReconnectDelay = 60 * time.Second

// runWithReconnect calls connect in a loop, retrying with exponential
// backoff (capped at maxReconnectDelay) whenever it returns a non-nil
// error, until ctx is cancelled. connect should block for the lifetime of
// one connection and return when the stream drops.
func runWithReconnect(ctx context.Context, label string, connect func(ctx context.Context) error) {
	bo := &backoff.Backoff{Min: time.Second, Max: maxReconnectDelay, Factor: 2}
	for {
		if ctx.Err() != nil {
			return
		}
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := bo.Duration()
			log.Printf("%s: disconnected: %v; reconnecting in %s", label, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
	}
}
