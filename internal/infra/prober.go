package infra

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/packline/brokerd/internal/domain"
)

// PingProber checks reachability with the system ping binary, which works
// without raw-socket privileges.
type PingProber struct {
	goos    string
	runner  CommandRunner
	timeout time.Duration
}

// NewPingProber creates a prober for goos using a single echo request.
func NewPingProber(goos string, runner CommandRunner, timeout time.Duration) *PingProber {
	if runner == nil {
		runner = ExecRunner{}
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &PingProber{goos: goos, runner: runner, timeout: timeout}
}

// Reachable returns true when one echo request is answered within the timeout.
func (p *PingProber) Reachable(ctx context.Context, address string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout+time.Second)
	defer cancel()

	out, err := p.runner.Output(ctx, "ping", PingArgs(p.goos, address, p.timeout)...)
	if err != nil {
		return false
	}
	if p.goos == "windows" {
		// Windows ping exits 0 on "Destination host unreachable" replies.
		return bytes.Contains(bytes.ToUpper(out), []byte("TTL="))
	}
	return true
}

// PingArgs returns ping arguments for one request with the given timeout.
func PingArgs(goos, address string, timeout time.Duration) []string {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(timeout.Milliseconds(), 10), address}
	case "darwin", "freebsd", "openbsd", "netbsd":
		return []string{"-c", "1", "-t", strconv.Itoa(secs), address}
	default:
		return []string{"-c", "1", "-W", strconv.Itoa(secs), address}
	}
}

// DialProber detects listening sockets with a TCP connect.
type DialProber struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialProber creates a connect prober with a per-dial timeout.
func NewDialProber(timeout time.Duration) *DialProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	return &DialProber{dial: dialer.DialContext}
}

// Dial returns nil if something accepted a connection on address:port.
// The connection is closed right away; a failed close does not change
// the answer.
func (d *DialProber) Dial(ctx context.Context, address string, port int) error {
	conn, err := d.dial(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

var (
	_ domain.Prober        = (*PingProber)(nil)
	_ domain.ConnectProber = (*DialProber)(nil)
)
