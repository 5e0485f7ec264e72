package infra

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// cmdResult is a canned response for one command name.
type cmdResult struct {
	out []byte
	err error
}

// mockRunner is a test double for CommandRunner keyed by command name.
type mockRunner struct {
	mu      sync.Mutex
	results map[string]cmdResult
	calls   []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{results: make(map[string]cmdResult)}
}

func (m *mockRunner) On(name string, out string, err error) *mockRunner {
	m.results[name] = cmdResult{out: []byte(out), err: err}
	return m
}

func (m *mockRunner) record(name string, args []string) cmdResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	r, ok := m.results[name]
	if !ok {
		return cmdResult{err: fmt.Errorf("exec: %q: executable file not found in $PATH", name)}
	}
	return r
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) error {
	return m.record(name, args).err
}

func (m *mockRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	r := m.record(name, args)
	return r.out, r.err
}

func (m *mockRunner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
