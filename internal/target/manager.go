// File: internal/target/manager.go

// Package target tracks browser targets and their attached sessions. The
// manager keeps a local cache of target metadata, reconciled from protocol
// events, and owns the session lifecycle: one pooled connection per attached
// target, released on detach.
package target

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/pagecast/pagecast-cli/internal/cdp/client"
	"github.com/pagecast/pagecast-cli/internal/events"
	"github.com/pagecast/pagecast-cli/internal/pool"
	"github.com/pagecast/pagecast-cli/internal/resources"
)

// defaultDomains are enabled on every new session unless overridden. Enable
// failures are logged and tolerated; some target types reject some domains.
var defaultDomains = []string{"Page.enable", "Runtime.enable"}

// ConnectionPool is the slice of the pool surface the manager uses.
type ConnectionPool interface {
	Acquire(ctx context.Context, wsURL string) (pool.ProtocolClient, error)
	Release(client pool.ProtocolClient)
}

// EventBus receives target lifecycle subscriptions.
type EventBus interface {
	On(event string, fn events.Handler, opts ...events.ListenerOption) string
	Off(id string) bool
}

// ResourceTracker registers sessions for cleanup on global teardown.
type ResourceTracker interface {
	Register(payload any, rtype resources.Type, name string, cleanup resources.CleanupFunc, opts ...resources.RegisterOption) string
	Unregister(ctx context.Context, id string) error
}

// Filter narrows DiscoverTargets results client-side.
type Filter struct {
	Type                string
	URL                 string // substring match
	URLPattern          *regexp.Regexp
	Title               string // substring match
	TitlePattern        *regexp.Regexp
	ExcludeTypes        []string
	IncludeOnlyAttached bool
}

func (f *Filter) matches(info *cdptarget.Info) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && info.Type != f.Type {
		return false
	}
	for _, t := range f.ExcludeTypes {
		if info.Type == t {
			return false
		}
	}
	if f.URL != "" && !strings.Contains(info.URL, f.URL) {
		return false
	}
	if f.URLPattern != nil && !f.URLPattern.MatchString(info.URL) {
		return false
	}
	if f.Title != "" && !strings.Contains(info.Title, f.Title) {
		return false
	}
	if f.TitlePattern != nil && !f.TitlePattern.MatchString(info.Title) {
		return false
	}
	if f.IncludeOnlyAttached && !info.Attached {
		return false
	}
	return true
}

// Session is an attached target session. Fields are snapshots; the manager
// owns the live record.
type Session struct {
	ID           cdptarget.SessionID
	TargetID     cdptarget.ID
	CreatedAt    time.Time
	LastActivity time.Time

	client     pool.ProtocolClient
	resourceID string
	active     bool
}

// Active reports whether the session is still usable for commands.
func (s *Session) Active() bool { return s.active }

type attachConfig struct {
	domains []string
}

// AttachOption customizes session attachment.
type AttachOption func(*attachConfig)

// WithDomains overrides the default protocol domains enabled on attach.
func WithDomains(domains ...string) AttachOption {
	return func(c *attachConfig) { c.domains = domains }
}

// Stats is a point-in-time manager snapshot.
type Stats struct {
	KnownTargets   int
	ActiveSessions int
}

// Manager coordinates target discovery and session attachment over the
// connection pool.
type Manager struct {
	pool      ConnectionPool
	bus       EventBus
	resources ResourceTracker
	wsURL     string
	logger    *zap.Logger

	mu       sync.Mutex
	targets  map[cdptarget.ID]*cdptarget.Info
	sessions map[cdptarget.SessionID]*Session
	byTarget map[cdptarget.ID]*Session
	subs     []string
}

// NewManager builds the manager and subscribes to target lifecycle events on
// the bus so the local cache follows remote state. Cache updates are
// last-write-wins per target id, from either direction.
func NewManager(p ConnectionPool, bus EventBus, rt ResourceTracker, browserWSURL string, logger *zap.Logger) *Manager {
	m := &Manager{
		pool:      p,
		bus:       bus,
		resources: rt,
		wsURL:     browserWSURL,
		logger:    logger.Named("target"),
		targets:   make(map[cdptarget.ID]*cdptarget.Info),
		sessions:  make(map[cdptarget.SessionID]*Session),
		byTarget:  make(map[cdptarget.ID]*Session),
	}
	m.subs = []string{
		bus.On(string(cdproto.EventTargetTargetCreated), m.onTargetCreated),
		bus.On(string(cdproto.EventTargetTargetInfoChanged), m.onTargetInfoChanged),
		bus.On(string(cdproto.EventTargetTargetDestroyed), m.onTargetDestroyed),
		bus.On(string(cdproto.EventTargetDetachedFromTarget), m.onDetachedFromTarget),
	}
	return m
}

// DiscoverTargets lists targets on a browser-scoped connection, refreshes the
// local cache, and returns the entries matching the filter.
func (m *Manager) DiscoverTargets(ctx context.Context, filter *Filter) ([]*cdptarget.Info, error) {
	cl, err := m.pool.Acquire(ctx, m.wsURL)
	if err != nil {
		return nil, fmt.Errorf("discovering targets: %w", err)
	}
	defer m.pool.Release(cl)

	infos, err := cl.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering targets: %w", err)
	}

	m.mu.Lock()
	for _, info := range infos {
		m.targets[info.TargetID] = info
	}
	m.mu.Unlock()

	var out []*cdptarget.Info
	for _, info := range infos {
		if filter.matches(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// Attach binds a session to the target and enables the default domain set on
// it. Attaching to an already-attached target returns the existing session
// without consuming a second pooled connection.
func (m *Manager) Attach(ctx context.Context, targetID cdptarget.ID, opts ...AttachOption) (*Session, error) {
	cfg := attachConfig{domains: defaultDomains}
	for _, opt := range opts {
		opt(&cfg)
	}

	m.mu.Lock()
	if s, ok := m.byTarget[targetID]; ok && s.active {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	cl, err := m.pool.Acquire(ctx, m.wsURL)
	if err != nil {
		return nil, fmt.Errorf("attaching to target %s: %w", targetID, err)
	}

	params := cdptarget.AttachToTarget(targetID).WithFlatten(true)
	var res cdptarget.AttachToTargetReturns
	if err := cl.SendCommand(ctx, cdptarget.CommandAttachToTarget, params, &res); err != nil {
		m.pool.Release(cl)
		return nil, fmt.Errorf("attaching to target %s: %w", targetID, err)
	}

	s := &Session{
		ID:           res.SessionID,
		TargetID:     targetID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		client:       cl,
		active:       true,
	}

	for _, method := range cfg.domains {
		if err := cl.Send(ctx, s.ID, method, nil, nil); err != nil {
			m.logger.Warn("Failed to enable domain on new session.",
				zap.String("target_id", string(targetID)),
				zap.String("method", method),
				zap.Error(err))
		}
	}

	m.mu.Lock()
	if existing, ok := m.byTarget[targetID]; ok && existing.active {
		// Lost an attach race; fold back into the surviving session.
		m.mu.Unlock()
		detach := cdptarget.DetachFromTarget().WithSessionID(s.ID)
		_ = cl.SendCommand(ctx, cdptarget.CommandDetachFromTarget, detach, nil)
		m.pool.Release(cl)
		return existing, nil
	}
	m.sessions[s.ID] = s
	m.byTarget[targetID] = s
	m.mu.Unlock()

	tid := targetID
	s.resourceID = m.resources.Register(s, resources.TypeSession, "session:"+string(targetID),
		func(ctx context.Context) error { return m.Detach(ctx, tid) })

	m.logger.Debug("Attached to target.",
		zap.String("target_id", string(targetID)),
		zap.String("session_id", string(s.ID)))
	return s, nil
}

// Detach tears down the session for the target: best-effort protocol detach,
// bookkeeping removal, and release of the pooled connection. Detaching an
// untracked target is a no-op.
func (m *Manager) Detach(ctx context.Context, targetID cdptarget.ID) error {
	m.mu.Lock()
	s, ok := m.byTarget[targetID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.byTarget, targetID)
	delete(m.sessions, s.ID)
	s.active = false
	m.mu.Unlock()

	params := cdptarget.DetachFromTarget().WithSessionID(s.ID)
	if err := s.client.SendCommand(ctx, cdptarget.CommandDetachFromTarget, params, nil); err != nil {
		m.logger.Debug("Protocol detach failed; continuing teardown.",
			zap.String("target_id", string(targetID)), zap.Error(err))
	}
	m.pool.Release(s.client)
	if s.resourceID != "" {
		_ = m.resources.Unregister(ctx, s.resourceID)
	}

	m.logger.Debug("Detached from target.", zap.String("target_id", string(targetID)))
	return nil
}

// Execute sends a session-scoped command to an attached target.
func (m *Manager) Execute(ctx context.Context, targetID cdptarget.ID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	m.mu.Lock()
	s, ok := m.byTarget[targetID]
	if !ok || !s.active {
		m.mu.Unlock()
		return fmt.Errorf("not attached to target: %s", targetID)
	}
	s.LastActivity = time.Now()
	cl, sid := s.client, s.ID
	m.mu.Unlock()

	return cl.Send(ctx, sid, method, params, res)
}

// EvaluateIn evaluates a JavaScript expression in the target's session,
// awaiting promises and returning the result by value. A thrown exception
// surfaces as the returned error.
func (m *Manager) EvaluateIn(ctx context.Context, targetID cdptarget.ID, expression string) (*runtime.RemoteObject, error) {
	params := runtime.Evaluate(expression).WithReturnByValue(true).WithAwaitPromise(true)
	var res runtime.EvaluateReturns
	if err := m.Execute(ctx, targetID, runtime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, res.ExceptionDetails
	}
	return res.Result, nil
}

// CreateTarget opens a new page target at url and returns its id. The cache
// entry arrives through the Target.targetCreated event.
func (m *Manager) CreateTarget(ctx context.Context, url string) (cdptarget.ID, error) {
	cl, err := m.pool.Acquire(ctx, m.wsURL)
	if err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}
	defer m.pool.Release(cl)

	var res cdptarget.CreateTargetReturns
	if err := cl.SendCommand(ctx, cdptarget.CommandCreateTarget, cdptarget.CreateTarget(url), &res); err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}
	return res.TargetID, nil
}

// CloseTarget detaches any session on the target, then closes it on a
// browser-scoped connection and drops it from the cache.
func (m *Manager) CloseTarget(ctx context.Context, targetID cdptarget.ID) error {
	if err := m.Detach(ctx, targetID); err != nil {
		return err
	}

	cl, err := m.pool.Acquire(ctx, m.wsURL)
	if err != nil {
		return fmt.Errorf("closing target %s: %w", targetID, err)
	}
	defer m.pool.Release(cl)

	if err := cl.SendCommand(ctx, cdptarget.CommandCloseTarget, cdptarget.CloseTarget(targetID), nil); err != nil {
		return fmt.Errorf("closing target %s: %w", targetID, err)
	}

	m.mu.Lock()
	delete(m.targets, targetID)
	m.mu.Unlock()
	return nil
}

// ActivateTarget brings the target to the foreground.
func (m *Manager) ActivateTarget(ctx context.Context, targetID cdptarget.ID) error {
	cl, err := m.pool.Acquire(ctx, m.wsURL)
	if err != nil {
		return fmt.Errorf("activating target %s: %w", targetID, err)
	}
	defer m.pool.Release(cl)

	if err := cl.SendCommand(ctx, cdptarget.CommandActivateTarget, cdptarget.ActivateTarget(targetID), nil); err != nil {
		return fmt.Errorf("activating target %s: %w", targetID, err)
	}
	return nil
}

// Session returns the active session for the target, if any.
func (m *Manager) Session(targetID cdptarget.ID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byTarget[targetID]
	return s, ok
}

// Sessions returns the active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Targets returns the cached target metadata.
func (m *Manager) Targets() []*cdptarget.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*cdptarget.Info, 0, len(m.targets))
	for _, info := range m.targets {
		out = append(out, info)
	}
	return out
}

// GetStats returns cache and session counts.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{KnownTargets: len(m.targets), ActiveSessions: len(m.byTarget)}
}

// Close detaches every session and removes the bus subscriptions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]cdptarget.ID, 0, len(m.byTarget))
	for id := range m.byTarget {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Detach(ctx, id); err != nil {
			m.logger.Warn("Error detaching during shutdown.",
				zap.String("target_id", string(id)), zap.Error(err))
		}
	}
	for _, sub := range m.subs {
		m.bus.Off(sub)
	}
	return nil
}

// The lifecycle handlers receive sink envelopes from the CDP layer; payloads
// emitted directly on the bus pass through client.Payload unchanged.

func (m *Manager) onTargetCreated(_ string, ev any) {
	payload, ok := client.Payload(ev).(*cdptarget.EventTargetCreated)
	if !ok || payload.TargetInfo == nil {
		return
	}
	m.mu.Lock()
	m.targets[payload.TargetInfo.TargetID] = payload.TargetInfo
	m.mu.Unlock()
}

func (m *Manager) onTargetInfoChanged(_ string, ev any) {
	payload, ok := client.Payload(ev).(*cdptarget.EventTargetInfoChanged)
	if !ok || payload.TargetInfo == nil {
		return
	}
	m.mu.Lock()
	m.targets[payload.TargetInfo.TargetID] = payload.TargetInfo
	m.mu.Unlock()
}

func (m *Manager) onTargetDestroyed(_ string, ev any) {
	payload, ok := client.Payload(ev).(*cdptarget.EventTargetDestroyed)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.targets, payload.TargetID)
	s, had := m.byTarget[payload.TargetID]
	if had {
		delete(m.byTarget, payload.TargetID)
		delete(m.sessions, s.ID)
		s.active = false
	}
	m.mu.Unlock()

	if had {
		// The session died with its target: no protocol detach, just
		// return the connection and drop the cleanup registration.
		m.pool.Release(s.client)
		if s.resourceID != "" {
			_ = m.resources.Unregister(context.Background(), s.resourceID)
		}
		m.logger.Debug("Session closed by target destruction.",
			zap.String("target_id", string(payload.TargetID)))
	}
}

func (m *Manager) onDetachedFromTarget(_ string, ev any) {
	payload, ok := client.Payload(ev).(*cdptarget.EventDetachedFromTarget)
	if !ok {
		return
	}
	m.mu.Lock()
	s, had := m.sessions[payload.SessionID]
	if had {
		delete(m.sessions, payload.SessionID)
		delete(m.byTarget, s.TargetID)
		s.active = false
	}
	m.mu.Unlock()

	if had {
		m.pool.Release(s.client)
		if s.resourceID != "" {
			_ = m.resources.Unregister(context.Background(), s.resourceID)
		}
		m.logger.Debug("Session detached remotely.",
			zap.String("session_id", string(payload.SessionID)))
	}
}
