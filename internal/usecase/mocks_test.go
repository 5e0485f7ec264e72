package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/packline/brokerd/internal/domain"
)

// mockEngine implements domain.BrokerEngine for testing
type mockEngine struct {
	mu         sync.Mutex
	address    string
	port       int
	started    bool
	startErr   error
	stopErr    error
	clientsErr error
	clients    []domain.ClientInfo
	startHook  func()
	stopped    int
	disposed   int
}

func (m *mockEngine) Bind(address string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.address, m.port = address, port
	return nil
}

func (m *mockEngine) Start() error {
	if m.startHook != nil {
		m.startHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockEngine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.started = false
	return m.stopErr
}

func (m *mockEngine) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed++
	return nil
}

func (m *mockEngine) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *mockEngine) GetConnectedClients() ([]domain.ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients, m.clientsErr
}

// crash simulates the engine dying on its own.
func (m *mockEngine) crash() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// engineFactory records every engine it creates.
type engineFactory struct {
	mu      sync.Mutex
	engines []*mockEngine
	setup   func(n int, e *mockEngine)
}

func (f *engineFactory) New() domain.BrokerEngine {
	f.mu.Lock()
	e := &mockEngine{}
	f.engines = append(f.engines, e)
	n := len(f.engines)
	f.mu.Unlock()
	if f.setup != nil {
		f.setup(n, e)
	}
	return e
}

func (f *engineFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *engineFactory) Last() *mockEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// fixedSelector implements domain.AddressSelector for testing
type fixedSelector struct {
	address string
}

func (s fixedSelector) SelectAddress(context.Context) string { return s.address }

// mockResolver implements domain.PortResolver for testing
type mockResolver struct {
	mu          sync.Mutex
	inUse       map[int]bool
	releaseOK   bool
	releaseFree bool // successful release frees the port
	scanErr     error
	releases    []int
	scans       []int
}

func newMockResolver() *mockResolver {
	return &mockResolver{inUse: make(map[int]bool)}
}

func (m *mockResolver) IsPortInUse(_ context.Context, _ string, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[port]
}

func (m *mockResolver) FindFreePort(_ context.Context, _ string, start int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, start)
	if m.scanErr != nil {
		return 0, m.scanErr
	}
	for p := start; p < start+100; p++ {
		if !m.inUse[p] {
			return p, nil
		}
	}
	return 0, domain.ErrNoAvailablePort
}

func (m *mockResolver) ReleasePort(_ context.Context, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, port)
	if m.releaseOK && m.releaseFree {
		delete(m.inUse, port)
	}
	return m.releaseOK
}

// statusRecorder collects delivered status changes.
type statusRecorder struct {
	mu      sync.Mutex
	changes []domain.StatusChange
}

func (r *statusRecorder) Observe(c domain.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *statusRecorder) States() []domain.BrokerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.BrokerState, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.New)
	}
	return out
}

func (r *statusRecorder) Last() domain.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

// waitRecorder replaces the controller's settle wait.
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) Wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

var errBind = errors.New("address already in use")

// staticInterfaces implements domain.InterfaceSource for testing
type staticInterfaces struct {
	ifaces []domain.NetworkInterface
	err    error
}

func (s staticInterfaces) Interfaces(context.Context) ([]domain.NetworkInterface, error) {
	return s.ifaces, s.err
}

// setProber implements domain.Prober; listed addresses are reachable.
type setProber struct {
	mu        sync.Mutex
	reachable map[string]bool
	probed    []string
}

func (p *setProber) Reachable(_ context.Context, address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, address)
	return p.reachable[address]
}

// portProber implements domain.ConnectProber; listed ports accept connections.
type portProber struct {
	mu     sync.Mutex
	open   map[int]bool
	dialed []int
}

func (p *portProber) Dial(_ context.Context, _ string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed = append(p.dialed, port)
	if p.open[port] {
		return nil
	}
	return errors.New("connection refused")
}

// mockInspector implements domain.ProcessInspector for testing
type mockInspector struct {
	mu          sync.Mutex
	pids        []int
	listErr     error
	gracefulErr error
	forceErr    error
	// exitsOn maps pid to the mode that makes it exit: "graceful", "force" or "never".
	exitsOn    map[int]string
	terminated []string
}

func (m *mockInspector) ListProcessIDsOnPort(context.Context, int) ([]int, error) {
	return m.pids, m.listErr
}

func (m *mockInspector) Terminate(_ context.Context, pid int, graceful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode := "force"
	if graceful {
		mode = "graceful"
	}
	m.terminated = append(m.terminated, mode)
	if graceful {
		return m.gracefulErr
	}
	return m.forceErr
}

func (m *mockInspector) WaitForExit(_ context.Context, pid int, _ time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.terminated[len(m.terminated)-1]
	switch m.exitsOn[pid] {
	case "graceful":
		return true
	case "force":
		return last == "force"
	default:
		return false
	}
}

func (m *mockInspector) ProcessName(context.Context, int) string {
	return "mosquitto"
}
