package httpserver

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/pscheid92/chatrelay/internal/platform/config"
)

type fakeRelay struct {
	rooms       []domain.RoomInfo
	connections int
}

func (f *fakeRelay) Rooms() []domain.RoomInfo { return f.rooms }

func (f *fakeRelay) ConnectionCount() int { return f.connections }

func (f *fakeRelay) RoomCount() int { return len(f.rooms) }

func (f *fakeRelay) Room(roomID string) (domain.RoomInfo, error) {
	for _, r := range f.rooms {
		if r.ID == roomID {
			return r, nil
		}
	}
	return domain.RoomInfo{}, domain.ErrRoomNotFound
}

// fakeSockets records which rooms were served and answers with 204.
type fakeSockets struct {
	mu     sync.Mutex
	served []string
	err    error
}

func (f *fakeSockets) ServeRoom(w http.ResponseWriter, _ *http.Request, roomID string) error {
	f.mu.Lock()
	f.served = append(f.served, roomID)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (f *fakeSockets) rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.served...)
}

type testServerOption func(*testServerDeps)

type testServerDeps struct {
	cfg          *config.Config
	relay        *fakeRelay
	sockets      *fakeSockets
	registry     *prometheus.Registry
	wsMetrics    *metrics.WebSocketMetrics
	clock        clockwork.Clock
	healthChecks []HealthCheck
}

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(d *testServerDeps) { d.healthChecks = checks }
}

func withRelay(r *fakeRelay) testServerOption {
	return func(d *testServerDeps) { d.relay = r }
}

func withSockets(s *fakeSockets) testServerOption {
	return func(d *testServerDeps) { d.sockets = s }
}

func withConfig(mutate func(*config.Config)) testServerOption {
	return func(d *testServerDeps) { mutate(d.cfg) }
}

func withClock(c clockwork.Clock) testServerOption {
	return func(d *testServerDeps) { d.clock = c }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		DefaultRoom:             "default",
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     10,
		ConnectionRate:          100,
		ConnectionBurst:         100,
		APIRate:                 100,
		APIBurst:                100,
	}
}

func newTestServer(t *testing.T, opts ...testServerOption) (*Server, *testServerDeps) {
	t.Helper()
	reg := prometheus.NewRegistry()
	deps := &testServerDeps{
		cfg:       testConfig(),
		relay:     &fakeRelay{},
		sockets:   &fakeSockets{},
		registry:  reg,
		wsMetrics: metrics.NewWebSocketMetrics(reg),
		clock:     clockwork.NewFakeClock(),
	}
	for _, opt := range opts {
		opt(deps)
	}

	srv := NewServer(deps.cfg, deps.relay, deps.sockets, deps.registry, deps.wsMetrics, deps.clock, deps.healthChecks)
	return srv, deps
}

func doRequest(srv *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = testRemoteAddr
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}
