package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// Sweeper periodically evicts clients that have been idle longer than the
// registry's inactivity threshold. It is the only component permitted to
// evict a client for inactivity; stream write failures are handled by the
// stream writer itself.
type Sweeper struct {
	reg *Registry
	bus *event.Bus
	log zerolog.Logger
}

// NewSweeper creates a sweeper bound to a registry.
func NewSweeper(reg *Registry, bus *event.Bus) *Sweeper {
	return &Sweeper{
		reg: reg,
		bus: bus,
		log: logging.Component("sweeper"),
	}
}

// Run scans the registry on the configured period until the context is
// cancelled. It is intended to run on its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.reg.Config().SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep evicts all clients idle longer than the inactivity threshold as of
// the given time and returns the evicted client ids.
func (s *Sweeper) Sweep(now time.Time) []string {
	threshold := s.reg.Config().InactivityThreshold

	s.reg.mu.Lock()
	var stale []*Client
	for _, c := range s.reg.clients {
		c.mu.Lock()
		idle := now.Sub(c.lastSeen)
		if idle > threshold && c.state != StateClosed {
			c.state = StateClosing
			stale = append(stale, c)
		}
		c.mu.Unlock()
	}
	s.reg.mu.Unlock()

	evicted := make([]string, 0, len(stale))
	for _, c := range stale {
		idle := now.Sub(c.LastSeen())
		depth := len(c.queue)
		s.reg.Close(c.id)
		evicted = append(evicted, c.id)

		s.log.Info().
			Str("clientID", c.id).
			Dur("idle", idle).
			Msg("evicted inactive client")
		if s.bus != nil {
			s.bus.Publish(event.Event{Type: event.ClientEvicted, Data: event.ClientEvictedData{
				ClientID:   c.id,
				IdleSecs:   idle.Seconds(),
				QueueDepth: depth,
			}})
		}
	}

	if len(evicted) > 0 {
		s.log.Info().Int("count", len(evicted)).Msg("sweep complete")
	}
	return evicted
}
