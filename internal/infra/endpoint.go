package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/packline/brokerd/internal/domain"
)

// EndpointFile publishes the live broker endpoint as a JSON file so local
// clients can find a broker that moved off the default port.
type EndpointFile struct {
	path string
	now  func() time.Time
}

// NewEndpointFile creates a registry writing to path.
func NewEndpointFile(path string) *EndpointFile {
	return &EndpointFile{path: path, now: time.Now}
}

// Path returns the file location.
func (f *EndpointFile) Path() string {
	return f.path
}

// Publish writes the endpoint, stamping UpdatedAt if unset.
func (f *EndpointFile) Publish(ep domain.Endpoint) error {
	if ep.UpdatedAt == 0 {
		ep.UpdatedAt = f.now().Unix()
	}
	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create endpoint directory: %w", err)
	}
	return writeFileAtomic(f.path, data, 0644)
}

// Get returns the published endpoint, or nil if none is published.
func (f *EndpointFile) Get() (*domain.Endpoint, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ep domain.Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("decode endpoint file: %w", err)
	}
	return &ep, nil
}

// Clear removes the endpoint file. Missing is not an error.
func (f *EndpointFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeFileAtomic writes to a per-process temp file and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

var _ domain.EndpointRegistry = (*EndpointFile)(nil)
