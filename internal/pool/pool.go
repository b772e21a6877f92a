// File: internal/pool/pool.go

// Package pool bounds the number of live CDP connections and multiplexes
// acquisition over them. Callers acquire a protocol client for a websocket
// endpoint and must release it; when the pool is at capacity, acquisitions
// queue FIFO until a release or a timeout.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/chromedp/cdproto/runtime"
)

const healthCheckTimeout = 10 * time.Second

// ProtocolClient is the slice of the CDP client surface the pool and its
// consumers need. *client.Client satisfies it; tests substitute fakes.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Ping(ctx context.Context) error
	Send(ctx context.Context, sessionID target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error
	SendCommand(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error
	Evaluate(ctx context.Context, expression string) (*runtime.RemoteObject, error)
	Targets(ctx context.Context) ([]*target.Info, error)
}

// Factory builds an unconnected client for a websocket endpoint. The pool
// owns calling Connect and Close.
type Factory func(wsURL string) ProtocolClient

// Config tunes the pool. Zero durations disable the corresponding loop.
type Config struct {
	MaxConnections      int
	ConnectionTimeout   time.Duration
	IdleTimeout         time.Duration
	EnableHealthChecks  bool
	HealthCheckInterval time.Duration
}

// Stats is a point-in-time pool snapshot, for observability only.
type Stats struct {
	TotalConnections   int
	ActiveConnections  int
	IdleConnections    int
	HealthyConnections int
	WaitingRequests    int
}

type pooledConn struct {
	id         string
	wsURL      string
	client     ProtocolClient // nil while the initial dial is in flight
	createdAt  time.Time
	lastUsed   time.Time
	inUse      bool
	healthy    bool
	stopHealth chan struct{}
}

type acquireResult struct {
	client ProtocolClient
	err    error
}

type waiter struct {
	wsURL    string
	ch       chan acquireResult
	enqueued time.Time
}

// Pool is a bounded CDP connection pool. All bookkeeping is guarded by a
// single mutex; only this package mutates the connection map.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	conns   map[string]*pooledConn
	waiters []*waiter
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates the pool and starts the idle reaper when an idle timeout is
// configured.
func New(cfg Config, factory Factory, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger.Named("pool"),
		conns:   make(map[string]*pooledConn),
		done:    make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p
}

// Acquire returns a connected client for wsURL. Resolution order: reuse an
// idle healthy connection to the same endpoint, create a new one below the
// connection cap, or queue until a release. Queued requests fail after the
// configured connection timeout or when ctx is cancelled.
//
// A queued request is satisfied only by an explicit Release; health-check
// recovery and the idle reaper never hand connections to waiters. With every
// connection unhealthy but unclosed, a waiter can therefore time out even
// though the pool is below its cap.
func (p *Pool) Acquire(ctx context.Context, wsURL string) (ProtocolClient, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}

	// 1. Reuse an idle healthy connection to the same endpoint.
	for _, c := range p.conns {
		if c.client != nil && !c.inUse && c.healthy && c.wsURL == wsURL {
			c.inUse = true
			c.lastUsed = time.Now()
			p.mu.Unlock()
			return c.client, nil
		}
	}

	// 2. Grow below the cap. The slot is reserved before dialing so
	// concurrent acquisitions cannot overshoot MaxConnections.
	if len(p.conns) < p.cfg.MaxConnections {
		c := &pooledConn{
			id:        uuid.NewString(),
			wsURL:     wsURL,
			createdAt: time.Now(),
			lastUsed:  time.Now(),
			inUse:     true,
			healthy:   true,
		}
		p.conns[c.id] = c
		p.mu.Unlock()

		cl := p.factory(wsURL)
		if err := cl.Connect(ctx); err != nil {
			p.mu.Lock()
			delete(p.conns, c.id)
			p.mu.Unlock()
			return nil, fmt.Errorf("creating pooled connection: %w", err)
		}

		p.mu.Lock()
		if p.closed {
			delete(p.conns, c.id)
			p.mu.Unlock()
			_ = cl.Close()
			return nil, fmt.Errorf("pool is closed")
		}
		c.client = cl
		if p.cfg.EnableHealthChecks && p.cfg.HealthCheckInterval > 0 {
			c.stopHealth = make(chan struct{})
			p.wg.Add(1)
			go p.healthLoop(c, c.stopHealth)
		}
		p.mu.Unlock()

		p.logger.Debug("Created pooled connection.",
			zap.String("connection_id", c.id), zap.String("ws_url", wsURL))
		return cl, nil
	}

	// 3. Queue behind the cap.
	w := &waiter{wsURL: wsURL, ch: make(chan acquireResult, 1), enqueued: time.Now()}
	p.waiters = append(p.waiters, w)
	queueDepth := len(p.waiters)
	p.mu.Unlock()

	p.logger.Debug("Pool at capacity; queueing acquisition.",
		zap.String("ws_url", wsURL), zap.Int("queue_depth", queueDepth))

	timer := time.NewTimer(p.cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.client, res.err
	case <-timer.C:
		if p.removeWaiter(w) {
			return nil, fmt.Errorf("Timeout waiting for available connection after %s", p.cfg.ConnectionTimeout)
		}
		// Lost the race: a release served this waiter as the timer fired.
		res := <-w.ch
		return res.client, res.err
	case <-ctx.Done():
		if p.removeWaiter(w) {
			return nil, fmt.Errorf("acquiring pooled connection: %w", ctx.Err())
		}
		res := <-w.ch
		return res.client, res.err
	}
}

// removeWaiter reports whether the waiter was still queued.
func (p *Pool) removeWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a client to the pool and serves the oldest matching queued
// acquisition, if any.
func (p *Pool) Release(cl ProtocolClient) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = cl.Close()
		return
	}

	var found *pooledConn
	for _, c := range p.conns {
		if c.client == cl {
			found = c
			break
		}
	}
	if found == nil {
		p.mu.Unlock()
		p.logger.Warn("Release of a client the pool does not own; closing it.")
		_ = cl.Close()
		return
	}

	found.inUse = false
	found.lastUsed = time.Now()
	p.serveWaiterLocked(found)
	p.mu.Unlock()
}

// serveWaiterLocked hands the connection to the oldest waiter for the same
// endpoint. Caller holds p.mu.
func (p *Pool) serveWaiterLocked(c *pooledConn) {
	for i, w := range p.waiters {
		if w.wsURL != c.wsURL {
			continue
		}
		c.inUse = true
		c.lastUsed = time.Now()
		w.ch <- acquireResult{client: c.client}
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		return
	}
}

// CloseConnection deterministically tears down one connection by id.
func (p *Pool) CloseConnection(id string) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown connection id %q", id)
	}
	delete(p.conns, id)
	if c.stopHealth != nil {
		close(c.stopHealth)
		c.stopHealth = nil
	}
	p.mu.Unlock()

	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// CloseAll tears down every connection, stops the background loops, and
// rejects every queued acquisition.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*pooledConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
		if c.stopHealth != nil {
			close(c.stopHealth)
			c.stopHealth = nil
		}
	}
	p.conns = make(map[string]*pooledConn)
	waiters := p.waiters
	p.waiters = nil
	close(p.done)
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- acquireResult{err: fmt.Errorf("pool is closing")}
	}
	for _, c := range conns {
		if c.client != nil {
			if err := c.client.Close(); err != nil {
				p.logger.Warn("Error closing pooled connection.",
					zap.String("connection_id", c.id), zap.Error(err))
			}
		}
	}
	p.wg.Wait()
	p.logger.Info("Connection pool closed.", zap.Int("connections_closed", len(conns)))
}

// GetStats returns a snapshot of pool occupancy and queue depth.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{TotalConnections: len(p.conns), WaitingRequests: len(p.waiters)}
	for _, c := range p.conns {
		if c.inUse {
			s.ActiveConnections++
		} else {
			s.IdleConnections++
		}
		if c.healthy {
			s.HealthyConnections++
		}
	}
	return s
}

// healthLoop marks the connection healthy or unhealthy by a liveness check
// plus a trivial round trip. Unhealthy connections are skipped by Acquire's
// reuse scan but still count toward the cap until explicitly closed.
//
// The stop channel is handed in at spawn time: the reaper and the closers nil
// out c.stopHealth under the pool mutex, so the loop must never re-read the
// field.
func (p *Pool) healthLoop(c *pooledConn, stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.done:
			return
		case <-ticker.C:
			select {
			case <-stop:
				// The connection was reaped or closed between ticks.
				return
			default:
			}
			healthy := false
			if c.client.IsConnected() {
				ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
				healthy = c.client.Ping(ctx) == nil
				cancel()
			}

			p.mu.Lock()
			was := c.healthy
			c.healthy = healthy
			p.mu.Unlock()

			if was && !healthy {
				p.logger.Warn("Pooled connection failed its health check.",
					zap.String("connection_id", c.id), zap.String("ws_url", c.wsURL))
			}
		}
	}
}

// reapLoop closes connections that have sat idle past the idle timeout. It
// runs at half the timeout so an idle connection is reaped at most 1.5x the
// configured duration after its last use.
func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.IdleTimeout)

			p.mu.Lock()
			var expired []*pooledConn
			for id, c := range p.conns {
				if c.client != nil && !c.inUse && c.lastUsed.Before(cutoff) {
					expired = append(expired, c)
					delete(p.conns, id)
					if c.stopHealth != nil {
						close(c.stopHealth)
						c.stopHealth = nil
					}
				}
			}
			p.mu.Unlock()

			for _, c := range expired {
				if err := c.client.Close(); err != nil {
					p.logger.Warn("Error closing idle connection.",
						zap.String("connection_id", c.id), zap.Error(err))
				}
				p.logger.Debug("Reaped idle connection.",
					zap.String("connection_id", c.id),
					zap.Duration("idle_for", time.Since(c.lastUsed)))
			}
		}
	}
}
