package gateway

import (
	"context"
	"log"
	"time"

	"github.com/kvitebjorn/irc2me/wait"
)

// Run drives the supervisor: an immediate refresh, then periodic refreshes
// of the connection map, interleaved with the account event loop. Store
// failures back the refresh off exponentially without touching the
// existing map; event handling never terminates the loop.
func (s *Supervisor) Run(ctx context.Context, refreshInterval time.Duration) error {
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}

	backoff := wait.NewExponentialBackoffStrategy(time.Second, 2, refreshInterval, true)

	next := time.Duration(0)
	timer := time.NewTimer(next)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event := <-s.events:
			s.handleEventSafely(event)

		case <-timer.C:
			if err := s.Refresh(); err != nil {
				next, _ = backoff.Next()
				log.Printf("[supervisor] refresh failed, retrying in %s: %v", next, err)
			} else {
				backoff.Reset()
				next = refreshInterval
			}
			timer.Reset(next)
		}
	}
}

// handleEventSafely isolates the event loop from panicking subscribers.
func (s *Supervisor) handleEventSafely(event AccountEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[supervisor] recovered from event handler panic: %v", r)
		}
	}()
	s.HandleEvent(event)
}
