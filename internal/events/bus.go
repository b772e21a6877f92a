// File: internal/events/bus.go

// Package events provides the generic pub/sub bus that carries protocol
// events between the CDP layer and everything interested in it. Dispatch is
// synchronous and priority ordered; history is bounded; middleware can
// observe or veto events before listeners see them.
package events

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Wildcard registers a middleware for every event.
const Wildcard = "*"

// Handler processes one dispatched event.
type Handler func(event string, params any)

// Predicate filters event payloads for OnFiltered and WaitForEvent.
type Predicate func(params any) bool

// Transform maps event payloads for OnTransformed.
type Transform func(params any) any

// Middleware runs before listeners. It must call next() to continue the
// chain; a middleware that panics is logged and treated as an implicit
// next(), so a broken middleware can never block dispatch.
type Middleware func(event string, params any, next func())

// HistoryEntry is one recorded emission.
type HistoryEntry struct {
	Event     string    `json:"event"`
	Params    any       `json:"params"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a read-only snapshot of bus state.
type Stats struct {
	Listeners     int
	Middleware    int
	HistorySize   int
	EventsEmitted uint64
}

type listener struct {
	id       string
	event    string
	fn       Handler
	once     bool
	priority int
	seq      uint64
}

type middlewareEntry struct {
	fn     Middleware
	events map[string]struct{} // nil means wildcard
}

// ListenerOption configures a listener registration.
type ListenerOption func(*listener)

// WithPriority sets the listener priority; higher fires earlier. Default 0.
func WithPriority(p int) ListenerOption {
	return func(l *listener) { l.priority = p }
}

// WithOnce removes the listener after its first invocation.
func WithOnce() ListenerOption {
	return func(l *listener) { l.once = true }
}

// WithListenerID overrides the generated listener id.
func WithListenerID(id string) ListenerOption {
	return func(l *listener) { l.id = id }
}

// Bus is the event manager. The zero value is not usable; construct with New.
//
// Invariant: Emit snapshots the listener and middleware sets before invoking
// anything, so handlers may freely register or remove listeners during
// dispatch without affecting the in-flight pass.
type Bus struct {
	logger *zap.Logger

	mu         sync.Mutex
	listeners  map[string][]*listener
	middleware []middlewareEntry
	history    []HistoryEntry
	maxHistory int
	seq        uint64
	emitted    uint64
}

// New creates a Bus whose history is bounded at maxHistory entries (oldest
// evicted first). maxHistory <= 0 disables history.
func New(logger *zap.Logger, maxHistory int) *Bus {
	return &Bus{
		logger:     logger.Named("events"),
		listeners:  make(map[string][]*listener),
		maxHistory: maxHistory,
	}
}

// On registers a handler for an event and returns its listener id.
func (b *Bus) On(event string, fn Handler, opts ...ListenerOption) string {
	l := &listener{id: uuid.NewString(), event: event, fn: fn}
	for _, opt := range opts {
		opt(l)
	}

	b.mu.Lock()
	b.seq++
	l.seq = b.seq
	b.listeners[event] = append(b.listeners[event], l)
	b.mu.Unlock()
	return l.id
}

// Once registers a handler that fires at most once.
func (b *Bus) Once(event string, fn Handler, opts ...ListenerOption) string {
	return b.On(event, fn, append(opts, WithOnce())...)
}

// Off removes a listener by id. It reports whether the listener existed.
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) bool {
	for event, ls := range b.listeners {
		for i, l := range ls {
			if l.id == id {
				b.listeners[event] = append(ls[:i], ls[i+1:]...)
				if len(b.listeners[event]) == 0 {
					delete(b.listeners, event)
				}
				return true
			}
		}
	}
	return false
}

// RemoveAllListeners drops every listener for the named events, or all
// listeners when called with no arguments.
func (b *Bus) RemoveAllListeners(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.listeners = make(map[string][]*listener)
		return
	}
	for _, event := range events {
		delete(b.listeners, event)
	}
}

// Use registers a middleware for the named events, or for every event when
// called with no event names (or with Wildcard).
func (b *Bus) Use(mw Middleware, events ...string) {
	entry := middlewareEntry{fn: mw}
	wildcard := len(events) == 0
	for _, e := range events {
		if e == Wildcard {
			wildcard = true
			break
		}
	}
	if !wildcard {
		entry.events = make(map[string]struct{}, len(events))
		for _, e := range events {
			entry.events[e] = struct{}{}
		}
	}

	b.mu.Lock()
	b.middleware = append(b.middleware, entry)
	b.mu.Unlock()
}

// Emit records the event in history, runs the applicable middleware chain,
// then invokes the event's listeners synchronously in descending priority
// order (registration order breaks ties). A panicking listener is logged and
// does not abort the remaining listeners. Once-listeners are removed only
// after the full pass completes.
func (b *Bus) Emit(event string, params any) {
	b.mu.Lock()
	b.emitted++
	if b.maxHistory > 0 {
		b.history = append(b.history, HistoryEntry{Event: event, Params: params, Timestamp: time.Now().UTC()})
		if over := len(b.history) - b.maxHistory; over > 0 {
			b.history = append(b.history[:0:0], b.history[over:]...)
		}
	}

	var mws []Middleware
	for _, entry := range b.middleware {
		if entry.events == nil {
			mws = append(mws, entry.fn)
			continue
		}
		if _, ok := entry.events[event]; ok {
			mws = append(mws, entry.fn)
		}
	}

	snapshot := make([]*listener, 0, len(b.listeners[event])+len(b.listeners[Wildcard]))
	snapshot = append(snapshot, b.listeners[event]...)
	if event != Wildcard {
		snapshot = append(snapshot, b.listeners[Wildcard]...)
	}
	b.mu.Unlock()

	b.runChain(event, params, mws, snapshot)
}

// runChain walks the middleware chain; the tail of the chain is listener
// dispatch. A middleware that neither calls next nor panics stops dispatch.
func (b *Bus) runChain(event string, params any, mws []Middleware, snapshot []*listener) {
	var step func(i int)
	step = func(i int) {
		if i == len(mws) {
			b.invoke(event, params, snapshot)
			return
		}
		advanced := false
		next := func() {
			if !advanced {
				advanced = true
				step(i + 1)
			}
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("Event middleware panicked; continuing dispatch.",
						zap.String("event", event), zap.Any("panic", r))
					next()
				}
			}()
			mws[i](event, params, next)
		}()
	}
	step(0)
}

func (b *Bus) invoke(event string, params any, snapshot []*listener) {
	if len(snapshot) == 0 {
		return
	}
	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].priority != snapshot[j].priority {
			return snapshot[i].priority > snapshot[j].priority
		}
		return snapshot[i].seq < snapshot[j].seq
	})

	var spent []string
	for _, l := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event listener panicked.",
						zap.String("event", event), zap.String("listener_id", l.id), zap.Any("panic", r))
				}
			}()
			l.fn(event, params)
		}()
		if l.once {
			spent = append(spent, l.id)
		}
	}

	if len(spent) > 0 {
		b.mu.Lock()
		for _, id := range spent {
			b.removeLocked(id)
		}
		b.mu.Unlock()
	}
}

// OnFiltered registers a listener that only sees payloads accepted by the
// predicate.
func (b *Bus) OnFiltered(event string, pred Predicate, fn Handler, opts ...ListenerOption) string {
	return b.On(event, func(ev string, params any) {
		if pred != nil && !pred(params) {
			return
		}
		fn(ev, params)
	}, opts...)
}

// OnTransformed registers a listener that receives the mapped payload.
func (b *Bus) OnTransformed(event string, mapFn Transform, fn Handler, opts ...ListenerOption) string {
	return b.On(event, func(ev string, params any) {
		fn(ev, mapFn(params))
	}, opts...)
}

// WaitForEvent blocks until the event fires with a payload accepted by the
// predicate (nil accepts everything), the timeout elapses, or the context is
// cancelled. Non-matching payloads are ignored and not consumed. Whichever
// path loses the race is fully torn down.
func (b *Bus) WaitForEvent(ctx context.Context, event string, timeout time.Duration, pred Predicate) (any, error) {
	ch := make(chan any, 1)
	id := b.On(event, func(_ string, params any) {
		if pred != nil && !pred(params) {
			return
		}
		select {
		case ch <- params:
		default:
		}
	})
	defer b.Off(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params := <-ch:
		return params, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for event %q after %s", event, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForEvents blocks until every named event has fired at least once,
// collecting one payload per event name under a single shared timeout.
func (b *Bus) WaitForEvents(ctx context.Context, events []string, timeout time.Duration) (map[string]any, error) {
	collected := make(map[string]any, len(events))
	var mu sync.Mutex
	done := make(chan struct{})

	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, b.On(event, func(ev string, params any) {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := collected[ev]; ok {
				return
			}
			collected[ev] = params
			if len(collected) == len(events) {
				close(done)
			}
		}))
	}
	defer func() {
		for _, id := range ids {
			b.Off(id)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return collected, nil
	case <-timer.C:
		mu.Lock()
		missing := make([]string, 0)
		for _, event := range events {
			if _, ok := collected[event]; !ok {
				missing = append(missing, event)
			}
		}
		mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for events %v after %s", missing, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// History returns recorded emissions, optionally filtered by event name
// (empty matches all) and truncated to the most recent limit entries
// (limit <= 0 returns everything).
func (b *Bus) History(event string, limit int) []HistoryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]HistoryEntry, 0, len(b.history))
	for _, entry := range b.history {
		if event == "" || entry.Event == event {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory drops recorded emissions for the named events, or all history
// when called with no arguments.
func (b *Bus) ClearHistory(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.history = nil
		return
	}
	keep := b.history[:0]
	for _, entry := range b.history {
		drop := false
		for _, event := range events {
			if entry.Event == event {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, entry)
		}
	}
	b.history = keep
}

// ListenerCount returns the listener count for one event, or the total when
// event is empty.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event != "" {
		return len(b.listeners[event])
	}
	total := 0
	for _, ls := range b.listeners {
		total += len(ls)
	}
	return total
}

// GetStats returns a snapshot of bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, ls := range b.listeners {
		total += len(ls)
	}
	return Stats{
		Listeners:     total,
		Middleware:    len(b.middleware),
		HistorySize:   len(b.history),
		EventsEmitted: b.emitted,
	}
}

// ExportHistory writes the recorded history as a JSON array.
func (b *Bus) ExportHistory(w io.Writer) error {
	entries := b.History("", 0)
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(entries)
}
