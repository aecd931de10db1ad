package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socksbridge/pkg/types"
)

type fakeBackend struct {
	mu      sync.Mutex
	state   string
	stopped int
}

func (f *fakeBackend) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Status{State: f.state}
	if f.state == "running" {
		st.Session = &types.SessionResult{NAT: types.NATCone, Gateway: "10.6.0.2"}
		st.Stats.Polls = 3
		st.Stats.Last = types.Snapshot{Running: true, LatencyMillis: 42}
	}
	return st
}

func (f *fakeBackend) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.state = "idle"
}

func newTestServer(t *testing.T, b Backend) *Client {
	t.Helper()
	ts := httptest.NewServer(NewServer(b).Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL)
}

func TestClient_Health(t *testing.T) {
	c := newTestServer(t, &fakeBackend{state: "idle"})
	assert.NoError(t, c.Health(context.Background()))
}

func TestClient_Status(t *testing.T) {
	c := newTestServer(t, &fakeBackend{state: "running"})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	require.NotNil(t, st.Session)
	assert.Equal(t, types.NATCone, st.Session.NAT)
	assert.Equal(t, "10.6.0.2", st.Session.Gateway)
	assert.Equal(t, uint64(3), st.Stats.Polls)
	assert.Equal(t, int64(42), st.Stats.Last.LatencyMillis)
}

func TestClient_Stop(t *testing.T) {
	b := &fakeBackend{state: "running"}
	c := newTestServer(t, b)

	st, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Nil(t, st.Session)
	assert.Equal(t, 1, b.stopped)
}

func TestServer_RejectsWrongMethod(t *testing.T) {
	ts := httptest.NewServer(NewServer(&fakeBackend{}).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := NewServer(&fakeBackend{state: "idle"})
	require.NoError(t, s.Start("127.0.0.1:0"))

	c := NewClient(s.Addr().String())
	require.NoError(t, c.Health(context.Background()))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Error(t, c.Health(context.Background()))
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	_, err := NewClient(addr).Status(context.Background())
	assert.Error(t, err)
}

func TestClient_NonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "session collapsed"})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session collapsed")
}

func TestNewClient_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7878", NewClient("127.0.0.1:7878").base)
	assert.Equal(t, "https://example.net", NewClient("https://example.net/").base)
}
