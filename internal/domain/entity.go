// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"time"
)

// BrokerState is the lifecycle state of the embedded broker.
type BrokerState int

const (
	StateStopped BrokerState = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s BrokerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across layers.
var (
	ErrNoAvailablePort  = errors.New("no available port in range")
	ErrNoAddress        = errors.New("no usable network address")
	ErrProcessNotFound  = errors.New("process not found")
	ErrEngineNotStarted = errors.New("broker engine not started")
)

// LoopbackAddress is the last-resort bind address.
const LoopbackAddress = "127.0.0.1"

// AdapterCandidate is an interface/address pair under consideration for binding.
// Produced fresh on every discovery pass.
type AdapterCandidate struct {
	Address       string
	InterfaceName string
	Kind          InterfaceKind
	Priority      int
}

// InterfaceKind classifies a network interface for ranking.
type InterfaceKind string

const (
	KindEthernet InterfaceKind = "ethernet"
	KindWireless InterfaceKind = "wireless"
	KindPPP      InterfaceKind = "ppp"
	KindTunnel   InterfaceKind = "tunnel"
	KindLoopback InterfaceKind = "loopback"
	KindUnknown  InterfaceKind = "unknown"
)

// NetworkInterface is an operational host interface with its IPv4 addresses.
type NetworkInterface struct {
	Name  string
	Kind  InterfaceKind
	Up    bool
	Addrs []string // bare IPv4 addresses, no prefix length
}

// PortBinding is the address/port pair the controller attempts or holds.
type PortBinding struct {
	Address string
	Port    int
}

// RetryPolicy bounds the startup protocol.
type RetryPolicy struct {
	MaxAttempts     int
	PerAttemptDelay time.Duration
}

// ProcessHandle identifies a process found holding a port. Not retained
// beyond a single resolution attempt.
type ProcessHandle struct {
	PID  int
	Name string
}

// ClientInfo describes a client connected to the broker.
type ClientInfo struct {
	ID          string
	Endpoint    string
	ConnectedAt time.Time
}

// StatusChange is delivered to observers on every state transition.
type StatusChange struct {
	Old     BrokerState
	New     BrokerState
	Address string // bound address, set only when New is running
	Port    int
	At      time.Time
}

// JournalEntry is a persisted status change.
type JournalEntry struct {
	ID       int64
	Old      BrokerState
	New      BrokerState
	Address  string
	Port     int
	Recorded time.Time
}

// Endpoint is the published location of a running broker, read by other
// processes on the host.
type Endpoint struct {
	PID       int    `json:"pid"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	State     string `json:"state"`
	UpdatedAt int64  `json:"updated_at"`
}
