// Package peerpool manages the lifecycle of client peer connections: a
// bounded configuration cache, delayed teardown to absorb acquire/release
// churn, and leak-detection statistics.
package peerpool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultTeardownDelay is how long a released connection lingers before its
// underlying transport is closed. Rejoin flows release and re-acquire within
// this window; delaying the close consolidates that churn.
const DefaultTeardownDelay = time.Second

// ErrNotSupported is returned synchronously when no connection factory is
// available in the current environment, so callers fail fast instead of
// hanging on an acquire that can never complete.
var ErrNotSupported = errors.New("peer connections not supported in this environment")

var ErrPoolClosed = errors.New("pool is closed")

// Conn is the slice of a peer connection the pool manages.
type Conn interface {
	Close() error
}

// Factory constructs one connection from a configuration. webrtcpeer.Factory
// provides the production implementation over a pion API instance.
type Factory func(cfg webrtc.Configuration) (Conn, error)

// Stats is a snapshot of the pool's lifecycle counters.
//
// created - released == active holds at every observable instant; handles in
// delayed teardown count as pendingClose, not active.
type Stats struct {
	Created      int `json:"created"`
	Released     int `json:"released"`
	Active       int `json:"active"`
	PendingClose int `json:"pendingClose"`
	CacheSize    int `json:"cacheSize"`
}

type Pool struct {
	factory       Factory
	logger        *slog.Logger
	teardownDelay time.Duration

	mu       sync.Mutex
	active   map[Conn]struct{}
	pending  map[Conn]*time.Timer
	configs  *configCache
	created  int
	released int
	closed   bool
}

type Options struct {
	// TeardownDelay overrides DefaultTeardownDelay; tests use a short one.
	TeardownDelay time.Duration
	// ConfigCacheSize overrides the default configuration cache capacity.
	ConfigCacheSize int
}

func New(factory Factory, logger *slog.Logger, opts Options) *Pool {
	if opts.TeardownDelay <= 0 {
		opts.TeardownDelay = DefaultTeardownDelay
	}
	if opts.ConfigCacheSize <= 0 {
		opts.ConfigCacheSize = defaultConfigCacheSize
	}
	return &Pool{
		factory:       factory,
		logger:        logger.With(slog.String("component", "peerpool")),
		teardownDelay: opts.TeardownDelay,
		active:        make(map[Conn]struct{}),
		pending:       make(map[Conn]*time.Timer),
		configs:       newConfigCache(opts.ConfigCacheSize),
	}
}

// Acquire constructs a fresh connection. The configuration is canonicalized
// through the bounded cache first, so repeated acquires with an equivalent
// configuration reuse one stored copy. Connections are single-use; the pool
// never hands out a previously released handle.
func (p *Pool) Acquire(cfg webrtc.Configuration) (Conn, error) {
	if p.factory == nil {
		return nil, ErrNotSupported
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	cfg = p.configs.intern(cfg)
	p.mu.Unlock()

	conn, err := p.factory(cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	p.active[conn] = struct{}{}
	p.created++
	return conn, nil
}

// Release removes the handle from the active set and schedules its close
// after the teardown delay. Releasing an unknown or already released handle
// is a no-op.
func (p *Pool) Release(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[conn]; !ok {
		return
	}
	delete(p.active, conn)
	p.released++

	p.pending[conn] = time.AfterFunc(p.teardownDelay, func() {
		p.mu.Lock()
		_, still := p.pending[conn]
		delete(p.pending, conn)
		p.mu.Unlock()
		if still {
			p.closeConn(conn)
		}
	})
}

// ReleaseImmediate cancels any pending delayed teardown and closes the
// connection synchronously.
func (p *Pool) ReleaseImmediate(conn Conn) {
	p.mu.Lock()
	if t, ok := p.pending[conn]; ok {
		t.Stop()
		delete(p.pending, conn)
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}
	if _, ok := p.active[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, conn)
	p.released++
	p.mu.Unlock()
	p.closeConn(conn)
}

// Clear closes every active and pending handle immediately and resets the
// counters and configuration cache. The pool remains usable afterwards.
func (p *Pool) Clear() {
	p.mu.Lock()
	conns := make([]Conn, 0, len(p.active)+len(p.pending))
	for c := range p.active {
		conns = append(conns, c)
	}
	for c, t := range p.pending {
		t.Stop()
		conns = append(conns, c)
	}
	p.active = make(map[Conn]struct{})
	p.pending = make(map[Conn]*time.Timer)
	p.created = 0
	p.released = 0
	p.configs.reset()
	p.mu.Unlock()

	for _, c := range conns {
		p.closeConn(c)
	}
}

// Close is Clear plus rejection of further acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Clear()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Created:      p.created,
		Released:     p.released,
		Active:       len(p.active),
		PendingClose: len(p.pending),
		CacheSize:    p.configs.len(),
	}
}

func (p *Pool) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		p.logger.Debug("peer connection close failed", slog.Any("error", err))
	}
}
