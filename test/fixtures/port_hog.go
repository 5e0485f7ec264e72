// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// envHogPort makes a re-executed test binary hold a port instead of running tests.
const envHogPort = "BROKERD_FIXTURE_HOG_PORT"

// FreePort returns a loopback port that was free a moment ago.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Listener holds a loopback port inside the current process.
type Listener struct {
	ln net.Listener
}

// HoldPort listens on 127.0.0.1:port, accepting and closing connections.
func HoldPort(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	go acceptAndClose(ln)
	return &Listener{ln: ln}, nil
}

// Close releases the port.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// HogProcess is a child process holding a loopback port.
type HogProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	Port int
}

// StartHogProcess re-executes the test binary as a port holder and waits
// until the port accepts connections. The binary's TestMain must call
// RunHogIfRequested first.
func StartHogProcess(port int) (*HogProcess, error) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", envHogPort, port))
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	// Reap as soon as it exits; a zombie still answers signal 0.
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
			conn.Close()
			return &HogProcess{cmd: cmd, done: done, Port: port}, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = cmd.Process.Kill()
	<-done
	return nil, fmt.Errorf("hog process never listened on %s", addr)
}

// PID returns the child's process id.
func (h *HogProcess) PID() int {
	return h.cmd.Process.Pid
}

// Exited waits up to timeout for the child to exit.
func (h *HogProcess) Exited(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Kill stops the child if still running.
func (h *HogProcess) Kill() {
	_ = h.cmd.Process.Kill()
}

// RunHogIfRequested holds the requested port forever when the process was
// started by StartHogProcess. Returns immediately otherwise.
func RunHogIfRequested() {
	v := os.Getenv(envHogPort)
	if v == "" {
		return
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		os.Exit(2)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		os.Exit(3)
	}
	acceptAndClose(ln)
	os.Exit(0)
}

func acceptAndClose(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}
