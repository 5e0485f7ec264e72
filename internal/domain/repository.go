package domain

import (
	"context"
	"time"
)

// BrokerEngine is the embedded message broker. A fresh engine is created per
// startup attempt; the controller is the only holder of a reference.
type BrokerEngine interface {
	// Bind configures the listener address. Must be called before Start.
	Bind(address string, port int) error

	// Start opens the listener and begins serving.
	Start() error

	// Stop closes the listener and disconnects clients.
	Stop() error

	// Dispose releases remaining resources. Safe to call after Stop.
	Dispose() error

	// IsStarted reports whether the engine is serving.
	IsStarted() bool

	// GetConnectedClients lists currently connected clients.
	GetConnectedClients() ([]ClientInfo, error)
}

// EngineFactory creates a new, unbound broker engine.
type EngineFactory func() BrokerEngine

// ProcessInspector finds and terminates processes holding a port.
// One implementation per target OS, selected at runtime.
type ProcessInspector interface {
	// ListProcessIDsOnPort returns the PIDs holding the given TCP port.
	ListProcessIDsOnPort(ctx context.Context, port int) ([]int, error)

	// Terminate asks a process to exit. graceful=false force-kills it.
	// Returns ErrProcessNotFound if the process is already gone.
	Terminate(ctx context.Context, pid int, graceful bool) error

	// WaitForExit blocks until the process exits or the timeout elapses.
	WaitForExit(ctx context.Context, pid int, timeout time.Duration) bool

	// ProcessName returns the process name, or "" if unknown.
	ProcessName(ctx context.Context, pid int) string
}

// InterfaceSource enumerates host network interfaces.
type InterfaceSource interface {
	Interfaces(ctx context.Context) ([]NetworkInterface, error)
}

// Prober checks reachability of a host address.
type Prober interface {
	Reachable(ctx context.Context, address string) bool
}

// ConnectProber attempts a TCP connection to detect a listening socket.
type ConnectProber interface {
	// Dial returns nil if a connection to address:port succeeded.
	Dial(ctx context.Context, address string, port int) error
}

// AddressSelector picks a bind address. Never fails.
type AddressSelector interface {
	SelectAddress(ctx context.Context) string
}

// PortResolver detects and resolves port conflicts.
type PortResolver interface {
	IsPortInUse(ctx context.Context, address string, port int) bool
	FindFreePort(ctx context.Context, address string, startPort int) (int, error)
	ReleasePort(ctx context.Context, port int) bool
}

// StatusObserver receives state transitions synchronously.
type StatusObserver func(change StatusChange)

// Journal persists status changes.
type Journal interface {
	Record(change StatusChange) error
	Recent(limit int) ([]JournalEntry, error)
	Close() error
}

// JournalKeyStore holds the key the journal database is encrypted with.
type JournalKeyStore interface {
	// LoadOrCreate returns the stored key, creating one on first use.
	LoadOrCreate() ([]byte, error)
}

// EndpointRegistry publishes the live broker endpoint for other processes.
type EndpointRegistry interface {
	Publish(endpoint Endpoint) error
	Get() (*Endpoint, error)
	Clear() error
	Path() string
}
