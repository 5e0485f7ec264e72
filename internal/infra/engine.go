package infra

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/domain"
)

const listenerID = "brokerd-tcp"

// MochiEngine runs an embedded mochi-mqtt server on a single TCP listener.
// One engine serves one startup attempt; after Dispose it is discarded.
type MochiEngine struct {
	mu      sync.Mutex
	server  *mqtt.Server
	address string
	port    int
	bound   bool
	started bool
	clients *clientTracker
	logger  *zap.Logger
}

// NewMochiEngine creates an unbound engine.
func NewMochiEngine(logger *zap.Logger) *MochiEngine {
	return &MochiEngine{
		clients: newClientTracker(),
		logger:  logger,
	}
}

// NewMochiEngineFactory returns a factory producing fresh engines.
func NewMochiEngineFactory(logger *zap.Logger) domain.EngineFactory {
	return func() domain.BrokerEngine {
		return NewMochiEngine(logger)
	}
}

// Bind records the listener address.
func (e *MochiEngine) Bind(address string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started on %s:%d", e.address, e.port)
	}
	if net.ParseIP(address) == nil {
		return fmt.Errorf("invalid bind address %q", address)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	e.address, e.port, e.bound = address, port, true
	return nil
}

// Start binds the listener and serves in the background. Bind failures such
// as EADDRINUSE are returned here.
func (e *MochiEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if !e.bound {
		return fmt.Errorf("engine not bound")
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: false,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	hook := &lifecycleHook{clients: e.clients, logger: e.logger}
	if err := server.AddHook(hook, nil); err != nil {
		return fmt.Errorf("add lifecycle hook: %w", err)
	}

	addr := net.JoinHostPort(e.address, strconv.Itoa(e.port))
	tcp := listeners.NewTCP(listeners.Config{ID: listenerID, Address: addr})
	if err := server.AddListener(tcp); err != nil {
		_ = server.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := server.Serve(); err != nil {
		_ = server.Close()
		return fmt.Errorf("serve on %s: %w", addr, err)
	}

	e.server = server
	e.started = true
	e.logger.Debug("mqtt engine serving", zap.String("addr", addr))
	return nil
}

// Stop closes the listener and disconnects all clients.
func (e *MochiEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.server == nil {
		return nil
	}
	e.started = false
	if err := e.server.Close(); err != nil {
		return fmt.Errorf("close mqtt server: %w", err)
	}
	return nil
}

// Dispose stops the engine if needed and drops all references.
func (e *MochiEngine) Dispose() error {
	err := e.Stop()

	e.mu.Lock()
	e.server = nil
	e.bound = false
	e.mu.Unlock()

	e.clients.reset()
	return err
}

// IsStarted reports whether the listener is serving.
func (e *MochiEngine) IsStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && e.server != nil
}

// GetConnectedClients lists clients with open connections.
func (e *MochiEngine) GetConnectedClients() ([]domain.ClientInfo, error) {
	e.mu.Lock()
	server, started := e.server, e.started
	e.mu.Unlock()

	if !started || server == nil {
		return nil, domain.ErrEngineNotStarted
	}

	var result []domain.ClientInfo
	for id, cl := range server.Clients.GetAll() {
		if cl.Closed() || cl.Net.Inline {
			continue
		}
		result = append(result, domain.ClientInfo{
			ID:          id,
			Endpoint:    cl.Net.Remote,
			ConnectedAt: e.clients.connectedAt(id),
		})
	}
	return result, nil
}

// clientTracker records connect times, which mochi does not expose.
type clientTracker struct {
	mu    sync.Mutex
	since map[string]time.Time
}

func newClientTracker() *clientTracker {
	return &clientTracker{since: make(map[string]time.Time)}
}

func (t *clientTracker) connected(id string, at time.Time) {
	t.mu.Lock()
	t.since[id] = at
	t.mu.Unlock()
}

func (t *clientTracker) disconnected(id string) {
	t.mu.Lock()
	delete(t.since, id)
	t.mu.Unlock()
}

func (t *clientTracker) connectedAt(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since[id]
}

func (t *clientTracker) reset() {
	t.mu.Lock()
	t.since = make(map[string]time.Time)
	t.mu.Unlock()
}

// lifecycleHook accepts every client and logs connection and message events.
type lifecycleHook struct {
	mqtt.HookBase
	clients *clientTracker
	logger  *zap.Logger
}

func (h *lifecycleHook) ID() string {
	return "brokerd-lifecycle"
}

func (h *lifecycleHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
		mqtt.OnPublishDropped,
	}, []byte{b})
}

// OnConnectAuthenticate accepts all clients; the broker serves a closed
// plant network.
func (h *lifecycleHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return true
}

func (h *lifecycleHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return true
}

func (h *lifecycleHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.clients.connected(cl.ID, time.Now())
	h.logger.Info("client connected",
		zap.String("client_id", cl.ID),
		zap.String("remote", cl.Net.Remote))
	return nil
}

func (h *lifecycleHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clients.disconnected(cl.ID)
	fields := []zap.Field{zap.String("client_id", cl.ID), zap.String("remote", cl.Net.Remote)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	h.logger.Info("client disconnected", fields...)
}

func (h *lifecycleHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	h.logger.Debug("message received",
		zap.String("client_id", cl.ID),
		zap.String("topic", pk.TopicName),
		zap.String("payload", payloadPreview(pk.Payload)))
	return pk, nil
}

const previewLimit = 64

func payloadPreview(payload []byte) string {
	if len(payload) == 0 {
		return "<empty>"
	}
	if len(payload) > previewLimit {
		return string(payload[:previewLimit]) + "..."
	}
	return string(payload)
}

func (h *lifecycleHook) OnPublishDropped(cl *mqtt.Client, pk packets.Packet) {
	h.logger.Warn("message dropped",
		zap.String("client_id", cl.ID),
		zap.String("topic", pk.TopicName))
}

var _ domain.BrokerEngine = (*MochiEngine)(nil)
