// File: internal/target/manager_test.go
package target

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/google/go-cmp/cmp"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pagecast/pagecast-cli/internal/cdp/client"
	"github.com/pagecast/pagecast-cli/internal/events"
	"github.com/pagecast/pagecast-cli/internal/pool"
	"github.com/pagecast/pagecast-cli/internal/resources"
)

const testBrowserURL = "ws://127.0.0.1:9222/devtools/browser/test"

// Test Setup Helpers

// stubClient answers protocol commands from canned data and records traffic.
type stubClient struct {
	mu       sync.Mutex
	commands []string
	sessions []cdptarget.SessionID
	infos    []*cdptarget.Info

	nextSession cdptarget.SessionID
}

func (s *stubClient) Connect(ctx context.Context) error { return nil }
func (s *stubClient) Close() error                      { return nil }
func (s *stubClient) IsConnected() bool                 { return true }
func (s *stubClient) Ping(ctx context.Context) error    { return nil }

func (s *stubClient) Send(ctx context.Context, sessionID cdptarget.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	s.mu.Lock()
	s.commands = append(s.commands, method)
	s.sessions = append(s.sessions, sessionID)
	s.mu.Unlock()

	switch r := res.(type) {
	case *cdptarget.AttachToTargetReturns:
		r.SessionID = s.nextSession
	case *cdptarget.CreateTargetReturns:
		r.TargetID = "T-created"
	case *runtime.EvaluateReturns:
		r.Result = &runtime.RemoteObject{Type: "number", Value: easyjson.RawMessage(`7`)}
	}
	return nil
}

func (s *stubClient) SendCommand(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return s.Send(ctx, "", method, params, res)
}

func (s *stubClient) Evaluate(ctx context.Context, expression string) (*runtime.RemoteObject, error) {
	return nil, nil
}

func (s *stubClient) Targets(ctx context.Context) ([]*cdptarget.Info, error) {
	return s.infos, nil
}

func (s *stubClient) sawCommand(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.commands {
		if m == method {
			return true
		}
	}
	return false
}

// stubPool hands out stub clients and counts the churn.
type stubPool struct {
	mu       sync.Mutex
	acquired int
	released int
	clients  []*stubClient
	infos    []*cdptarget.Info
}

func (p *stubPool) Acquire(ctx context.Context, wsURL string) (pool.ProtocolClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++
	c := &stubClient{
		infos:       p.infos,
		nextSession: cdptarget.SessionID(fmt.Sprintf("S-%d", p.acquired)),
	}
	p.clients = append(p.clients, c)
	return c, nil
}

func (p *stubPool) Release(client pool.ProtocolClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *stubPool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

func setupManager(t *testing.T) (*Manager, *stubPool, *events.Bus, *resources.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := events.New(logger, 50)
	rm := resources.NewManager(resources.Config{}, logger)
	sp := &stubPool{}
	m := NewManager(sp, bus, rm, testBrowserURL, logger)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, sp, bus, rm
}

// Test Cases: Attachment

func TestManager_AttachCreatesSession(t *testing.T) {
	m, sp, _, rm := setupManager(t)

	s, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, cdptarget.ID("T1"), s.TargetID)
	assert.Equal(t, cdptarget.SessionID("S-1"), s.ID)
	assert.True(t, s.Active())

	// The default domains were enabled on the new session.
	cl := sp.clients[0]
	assert.True(t, cl.sawCommand("Page.enable"))
	assert.True(t, cl.sawCommand("Runtime.enable"))

	// The session is registered for global cleanup.
	assert.Equal(t, 1, rm.Count())
}

func TestManager_AttachIsIdempotent(t *testing.T) {
	m, sp, _, _ := setupManager(t)

	s1, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)
	s2, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	assert.Same(t, s1, s2, "re-attaching must return the existing session")
	acquired, _ := sp.counts()
	assert.Equal(t, 1, acquired, "re-attach must not consume a second pooled connection")
}

func TestManager_AttachCustomDomains(t *testing.T) {
	m, sp, _, _ := setupManager(t)

	_, err := m.Attach(context.Background(), "T1", WithDomains("Network.enable"))
	require.NoError(t, err)

	cl := sp.clients[0]
	assert.True(t, cl.sawCommand("Network.enable"))
	assert.False(t, cl.sawCommand("Page.enable"))
}

func TestManager_DetachReleasesConnection(t *testing.T) {
	m, sp, _, rm := setupManager(t)

	s, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	require.NoError(t, m.Detach(context.Background(), "T1"))
	assert.False(t, s.Active())

	acquired, released := sp.counts()
	assert.Equal(t, acquired, released, "detach must return the connection to the pool")
	assert.True(t, sp.clients[0].sawCommand(cdptarget.CommandDetachFromTarget))
	assert.Zero(t, rm.Count(), "detach must drop the cleanup registration")

	_, ok := m.Session("T1")
	assert.False(t, ok)
}

func TestManager_DetachUntrackedIsNoop(t *testing.T) {
	m, sp, _, _ := setupManager(t)

	require.NoError(t, m.Detach(context.Background(), "nowhere"))
	acquired, _ := sp.counts()
	assert.Zero(t, acquired)
}

// Test Cases: Command Execution

func TestManager_ExecuteRequiresActiveSession(t *testing.T) {
	m, _, _, _ := setupManager(t)

	err := m.Execute(context.Background(), "T1", "Page.reload", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not attached to target: T1")
}

func TestManager_ExecuteForwardsSessionID(t *testing.T) {
	m, sp, _, _ := setupManager(t)

	s, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)
	before := s.LastActivity

	require.NoError(t, m.Execute(context.Background(), "T1", "Page.reload", nil, nil))

	cl := sp.clients[0]
	cl.mu.Lock()
	lastSession := cl.sessions[len(cl.sessions)-1]
	cl.mu.Unlock()
	assert.Equal(t, s.ID, lastSession)
	assert.False(t, s.LastActivity.Before(before))
}

func TestManager_EvaluateIn(t *testing.T) {
	m, _, _, _ := setupManager(t)

	_, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	obj, err := m.EvaluateIn(context.Background(), "T1", "3+4")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "7", string(obj.Value))
}

// Test Cases: Browser-Scoped Operations

func TestManager_CreateTarget(t *testing.T) {
	m, sp, _, _ := setupManager(t)

	id, err := m.CreateTarget(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, cdptarget.ID("T-created"), id)

	acquired, released := sp.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released, "browser-scoped calls must release their connection")
}

func TestManager_CloseTargetDetachesFirst(t *testing.T) {
	m, sp, bus, _ := setupManager(t)

	bus.Emit(string(cdproto.EventTargetTargetCreated), &cdptarget.EventTargetCreated{
		TargetInfo: &cdptarget.Info{TargetID: "T1", Type: "page"},
	})
	_, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	require.NoError(t, m.CloseTarget(context.Background(), "T1"))

	assert.True(t, sp.clients[0].sawCommand(cdptarget.CommandDetachFromTarget))
	assert.Empty(t, m.Targets(), "closed target must leave the cache")
	acquired, released := sp.counts()
	assert.Equal(t, acquired, released)
}

// Test Cases: Discovery and Filtering

func TestManager_DiscoverTargetsFilters(t *testing.T) {
	m, sp, _, _ := setupManager(t)
	sp.infos = []*cdptarget.Info{
		{TargetID: "T1", Type: "page", URL: "https://example.com/a", Title: "Example A"},
		{TargetID: "T2", Type: "page", URL: "https://other.net/b", Title: "Other", Attached: true},
		{TargetID: "T3", Type: "service_worker", URL: "https://example.com/sw.js"},
	}

	got, err := m.DiscoverTargets(context.Background(), &Filter{
		Type:       "page",
		URLPattern: regexp.MustCompile(`example\.com`),
	})
	require.NoError(t, err)

	want := []*cdptarget.Info{sp.infos[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("filtered targets mismatch (-want +got):\n%s", diff)
	}

	// All discovered targets land in the cache, filtered or not.
	assert.Len(t, m.Targets(), 3)
}

func TestManager_DiscoverTargetsExcludeAndAttached(t *testing.T) {
	m, sp, _, _ := setupManager(t)
	sp.infos = []*cdptarget.Info{
		{TargetID: "T1", Type: "page", Attached: false},
		{TargetID: "T2", Type: "page", Attached: true},
		{TargetID: "T3", Type: "iframe", Attached: true},
	}

	got, err := m.DiscoverTargets(context.Background(), &Filter{
		ExcludeTypes:        []string{"iframe"},
		IncludeOnlyAttached: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cdptarget.ID("T2"), got[0].TargetID)
}

func TestManager_NilFilterMatchesAll(t *testing.T) {
	m, sp, _, _ := setupManager(t)
	sp.infos = []*cdptarget.Info{
		{TargetID: "T1", Type: "page"},
		{TargetID: "T2", Type: "browser"},
	}

	got, err := m.DiscoverTargets(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// Test Cases: Event Reconciliation

func TestManager_CacheFollowsLifecycleEvents(t *testing.T) {
	m, _, bus, _ := setupManager(t)

	bus.Emit(string(cdproto.EventTargetTargetCreated), &cdptarget.EventTargetCreated{
		TargetInfo: &cdptarget.Info{TargetID: "T1", Type: "page", URL: "https://a"},
	})
	require.Len(t, m.Targets(), 1)

	bus.Emit(string(cdproto.EventTargetTargetInfoChanged), &cdptarget.EventTargetInfoChanged{
		TargetInfo: &cdptarget.Info{TargetID: "T1", Type: "page", URL: "https://b"},
	})
	require.Len(t, m.Targets(), 1)
	assert.Equal(t, "https://b", m.Targets()[0].URL)

	bus.Emit(string(cdproto.EventTargetTargetDestroyed), &cdptarget.EventTargetDestroyed{
		TargetID: "T1",
	})
	assert.Empty(t, m.Targets())
}

func TestManager_LifecycleEventsArriveAsEnvelopes(t *testing.T) {
	m, sp, bus, rm := setupManager(t)

	s, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	// The CDP layer wraps every sink emission in an envelope carrying the
	// session attribution; the handlers must unwrap it.
	bus.Emit(string(cdproto.EventTargetTargetDestroyed), &client.Event{
		SessionID: s.ID,
		Method:    string(cdproto.EventTargetTargetDestroyed),
		Params:    &cdptarget.EventTargetDestroyed{TargetID: "T1"},
	})

	_, ok := m.Session("T1")
	assert.False(t, ok)
	acquired, released := sp.counts()
	assert.Equal(t, acquired, released)
	assert.Zero(t, rm.Count())
}

func TestManager_TargetDestroyedFreesSession(t *testing.T) {
	m, sp, bus, rm := setupManager(t)

	_, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	bus.Emit(string(cdproto.EventTargetTargetDestroyed), &cdptarget.EventTargetDestroyed{
		TargetID: "T1",
	})

	_, ok := m.Session("T1")
	assert.False(t, ok)
	acquired, released := sp.counts()
	assert.Equal(t, acquired, released, "a destroyed target must free its pooled connection")
	assert.Zero(t, rm.Count())
	// No protocol detach is attempted against a dead target.
	assert.False(t, sp.clients[0].sawCommand(cdptarget.CommandDetachFromTarget))
}

func TestManager_RemoteDetachFreesSession(t *testing.T) {
	m, sp, bus, _ := setupManager(t)

	s, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	bus.Emit(string(cdproto.EventTargetDetachedFromTarget), &cdptarget.EventDetachedFromTarget{
		SessionID: s.ID,
	})

	_, ok := m.Session("T1")
	assert.False(t, ok)
	acquired, released := sp.counts()
	assert.Equal(t, acquired, released)
}

func TestManager_StatsAndClose(t *testing.T) {
	m, sp, bus, _ := setupManager(t)

	bus.Emit(string(cdproto.EventTargetTargetCreated), &cdptarget.EventTargetCreated{
		TargetInfo: &cdptarget.Info{TargetID: "T1", Type: "page"},
	})
	_, err := m.Attach(context.Background(), "T1")
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.KnownTargets)
	assert.Equal(t, 1, stats.ActiveSessions)

	require.NoError(t, m.Close(context.Background()))
	assert.Zero(t, m.GetStats().ActiveSessions)
	acquired, released := sp.counts()
	assert.Equal(t, acquired, released)
}
