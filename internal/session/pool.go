package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout   = 300 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Client is what the pool needs to know about a pooled connection.
type Client interface {
	Connected() bool
	LastUsed() time.Time
	Disconnect(ctx context.Context) error
}

// Config holds configuration for the pool.
type Config struct {
	IdleTimeout time.Duration
}

type entry[C Client] struct {
	// mu serializes reuse and eviction decisions for one session id.
	mu     sync.Mutex
	client C
	ok     bool

	// refs is guarded by Pool.mu.
	refs int
}

// Pool keeps one client per session id so that consecutive jobs of the same
// session share a connection.
type Pool[C Client] struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[C]
}

// NewPool creates an empty pool.
func NewPool[C Client](cfg Config, logger zerolog.Logger) *Pool[C] {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Pool[C]{
		cfg:     cfg,
		log:     logger.With().Str("component", "pool").Logger(),
		now:     time.Now,
		entries: make(map[string]*entry[C]),
	}
}

// Acquire returns the client registered under key, building a new one when
// there is none, it is disconnected, or match rejects it. The entry is
// marked in use until Release.
func (p *Pool[C]) Acquire(ctx context.Context, key string, match func(C) bool, build func(context.Context) (C, error)) (C, error) {
	return p.get(ctx, key, match, build, true)
}

// Get is Acquire without the in-use mark. The returned client can be
// evicted once it sits idle.
func (p *Pool[C]) Get(ctx context.Context, key string, match func(C) bool, build func(context.Context) (C, error)) (C, error) {
	return p.get(ctx, key, match, build, false)
}

func (p *Pool[C]) get(ctx context.Context, key string, match func(C) bool, build func(context.Context) (C, error), ref bool) (C, error) {
	e := p.lockEntry(key, ref)
	defer e.mu.Unlock()

	if e.ok {
		if e.client.Connected() && (match == nil || match(e.client)) {
			p.log.Debug().Str("session_id", key).Msg("reusing pooled client")
			return e.client, nil
		}
		p.log.Info().Str("session_id", key).Msg("replacing stale pooled client")
		if err := e.client.Disconnect(ctx); err != nil {
			p.log.Warn().Err(err).Str("session_id", key).Msg("failed to disconnect stale client")
		}
		var zero C
		e.client, e.ok = zero, false
	}

	client, err := build(ctx)
	if err != nil {
		p.mu.Lock()
		if ref {
			e.refs--
		}
		if e.refs == 0 && p.entries[key] == e {
			delete(p.entries, key)
		}
		p.mu.Unlock()
		var zero C
		return zero, err
	}

	e.client, e.ok = client, true
	p.log.Info().Str("session_id", key).Msg("registered pooled client")
	return client, nil
}

// lockEntry returns the current entry for key with its mutex held, creating
// it if needed.
func (p *Pool[C]) lockEntry(key string, ref bool) *entry[C] {
	for {
		p.mu.Lock()
		e, ok := p.entries[key]
		if !ok {
			e = &entry[C]{}
			p.entries[key] = e
		}
		if ref {
			e.refs++
		}
		p.mu.Unlock()

		e.mu.Lock()

		p.mu.Lock()
		current := p.entries[key] == e
		if !current && ref {
			e.refs--
		}
		p.mu.Unlock()

		if current {
			return e
		}
		e.mu.Unlock()
	}
}

// Release drops one in-use mark taken by Acquire.
func (p *Pool[C]) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok && e.refs > 0 {
		e.refs--
	}
}

// Remove disconnects and forgets the client for key, in use or not.
func (p *Pool[C]) Remove(ctx context.Context, key string) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ok {
		return nil
	}
	e.ok = false
	return e.client.Disconnect(ctx)
}

// Sweep evicts clients that are not in use and have been idle longer than
// the idle timeout, or that lost their connection. Entries busy with a reuse
// decision are skipped until the next sweep. It returns the evicted keys.
func (p *Pool[C]) Sweep(ctx context.Context) []string {
	now := p.now()

	p.mu.Lock()
	candidates := make(map[string]*entry[C], len(p.entries))
	for key, e := range p.entries {
		if e.refs == 0 {
			candidates[key] = e
		}
	}
	p.mu.Unlock()

	var evicted []string
	for key, e := range candidates {
		if !e.mu.TryLock() {
			continue
		}

		p.mu.Lock()
		evict := e.refs == 0 && p.entries[key] == e &&
			(!e.ok || !e.client.Connected() || now.Sub(e.client.LastUsed()) > p.cfg.IdleTimeout)
		if evict {
			delete(p.entries, key)
		}
		p.mu.Unlock()

		if evict && e.ok {
			e.ok = false
			if err := e.client.Disconnect(ctx); err != nil {
				p.log.Warn().Err(err).Str("session_id", key).Msg("failed to disconnect idle client")
			}
			evicted = append(evicted, key)
			p.log.Info().Str("session_id", key).Msg("evicted idle client")
		}
		e.mu.Unlock()
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (p *Pool[C]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := p.Sweep(ctx); len(evicted) > 0 {
				p.log.Debug().Int("evicted", len(evicted)).Int("remaining", p.Len()).Msg("pool sweep")
			}
		}
	}
}

// Len returns the number of tracked session ids, including ones whose
// client is still being built.
func (p *Pool[C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disconnects every client and empties the pool.
func (p *Pool[C]) Close(ctx context.Context) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry[C])
	p.mu.Unlock()

	for key, e := range entries {
		e.mu.Lock()
		if e.ok {
			e.ok = false
			if err := e.client.Disconnect(ctx); err != nil {
				p.log.Warn().Err(err).Str("session_id", key).Msg("failed to disconnect client")
			}
		}
		e.mu.Unlock()
	}
}
