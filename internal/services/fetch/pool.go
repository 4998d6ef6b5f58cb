package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

const defaultProbeTimeout = 5 * time.Second

// Pool hands out backend clients for fetch work. Pool members are preferred
// over fallbacks; every client is held by at most one task at a time.
// Acquisition is best-effort: busy clients are skipped, never queued for.
type Pool struct {
	members   []ports.FetchClient
	fallbacks []ports.FetchClient

	probeTimeout time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	busy map[string]bool
}

func NewPool(members, fallbacks []ports.FetchClient, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		members:      members,
		fallbacks:    fallbacks,
		probeTimeout: defaultProbeTimeout,
		logger:       logger,
		busy:         make(map[string]bool),
	}
}

// Candidates returns all clients in preference order, deduplicated by
// identity: round-robin pool members first, designated fallbacks after.
func (p *Pool) Candidates() []ports.FetchClient {
	seen := make(map[string]bool)
	out := make([]ports.FetchClient, 0, len(p.members)+len(p.fallbacks))
	for _, group := range [][]ports.FetchClient{p.members, p.fallbacks} {
		for _, c := range group {
			if c == nil || seen[c.ID()] {
				continue
			}
			seen[c.ID()] = true
			out = append(out, c)
		}
	}
	return out
}

// TryAcquire takes exclusive ownership of the client without blocking.
func (p *Pool) TryAcquire(c ports.FetchClient) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[c.ID()] {
		return false
	}
	p.busy[c.ID()] = true
	return true
}

// Release returns the client to the pool. Safe to call for clients that
// were never acquired.
func (p *Pool) Release(c ports.FetchClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, c.ID())
}

// SelectUsable acquires up to maxWorkers connected clients that can see the
// container. The returned release function releases exactly the acquired
// clients exactly once; it must be called even when the caller bails out
// early. An empty result is not an error: the caller falls back to the
// single-client path.
func (p *Pool) SelectUsable(ctx context.Context, ref domain.ContainerRef, maxWorkers int) ([]ports.FetchClient, func()) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	var acquired []ports.FetchClient
	for _, c := range p.Candidates() {
		if len(acquired) >= maxWorkers {
			break
		}
		if !c.Connected() {
			continue
		}
		if !p.TryAcquire(c) {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		ok := c.ProbeAccess(probeCtx, ref)
		cancel()
		if !ok {
			p.Release(c)
			continue
		}
		acquired = append(acquired, c)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			for _, c := range acquired {
				p.Release(c)
			}
		})
	}
	return acquired, release
}
