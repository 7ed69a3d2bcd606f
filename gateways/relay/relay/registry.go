package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry tracks live relays so shutdown can tear every one down.
type Registry struct {
	relays map[string]*entry
	mu     sync.RWMutex
	log    *slog.Logger
}

type entry struct {
	relay     *Relay
	startTime time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		relays: make(map[string]*entry),
		log:    log,
	}
}

// Add registers r until its teardown finishes.
func (g *Registry) Add(r *Relay) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.relays[r.ID()]; exists {
		return fmt.Errorf("relay %s already registered", r.ID())
	}
	g.relays[r.ID()] = &entry{relay: r, startTime: time.Now()}
	r.OnClose(func() { g.remove(r.ID()) })

	g.log.Debug("relay registered",
		slog.String("session_id", r.ID()),
		slog.Int("active_relays", len(g.relays)))
	return nil
}

func (g *Registry) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, exists := g.relays[id]
	if !exists {
		return
	}
	delete(g.relays, id)
	g.log.Debug("relay removed",
		slog.String("session_id", id),
		slog.Duration("duration", time.Since(e.startTime)),
		slog.Int("active_relays", len(g.relays)))
}

func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relays)
}

// CloseAll tears down every live relay and waits for them or for ctx.
func (g *Registry) CloseAll(ctx context.Context) error {
	g.mu.RLock()
	relays := make([]*Relay, 0, len(g.relays))
	for _, e := range g.relays {
		relays = append(relays, e.relay)
	}
	g.mu.RUnlock()

	g.log.Info("closing live relays", slog.Int("count", len(relays)))

	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close(ReasonShutdown)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to close relays: %w", ctx.Err())
	}
}
