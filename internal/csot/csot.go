// Package csot implements a local, fixture-backed stand-in for the
// Configuration Source-of-Truth the control plane integrates with. Being
// the CSoT itself is explicitly out of scope; this package exists only
// so the heartbeat ingestor and pre-warmer have a concrete
// heartbeat.CSoTPort to run against in tests and local/dev deployments.
package csot

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/configplane/controlplane/internal/canonical"
	"github.com/configplane/controlplane/internal/domainerr"
)

// Entry is one fixture row: the expected properties of a service's
// configuration profile in an environment, from which the expected hash
// is computed via internal/canonical — never stored pre-hashed, so the
// fixture stays honest about what canonicalization actually produces.
type Entry struct {
	ServiceID   string            `yaml:"serviceId"`
	Environment string            `yaml:"environment"`
	Application string            `yaml:"application"`
	Profile     string            `yaml:"profile"`
	Label       string            `yaml:"label"`
	Version     string            `yaml:"version"`
	Properties  map[string]string `yaml:"properties"`
}

type fixtureFile struct {
	Entries []Entry `yaml:"entries"`
}

// Adapter is a heartbeat.CSoTPort backed by a YAML fixture file, reloaded
// on demand via Reload rather than watched, since the fixture changes
// only between test runs or local restarts.
type Adapter struct {
	mu   sync.RWMutex
	path string
	hash map[string]string
}

// New loads path and returns an Adapter. An empty path yields an Adapter
// with no entries — every lookup then fails with
// domainerr.KindDependencyUnavailable, matching the degraded-soft
// contract callers already expect from this port.
func New(path string) (*Adapter, error) {
	a := &Adapter{path: path, hash: map[string]string{}}
	if path == "" {
		return a, nil
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the fixture file from disk, replacing the in-memory
// index atomically.
func (a *Adapter) Reload() error {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("read csot fixture: %w", err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse csot fixture: %w", err)
	}

	index := make(map[string]string, len(f.Entries))
	for _, e := range f.Entries {
		descriptor := canonical.Descriptor{
			Application: e.Application,
			Profile:     e.Profile,
			Label:       e.Label,
			Version:     e.Version,
		}
		index[key(e.ServiceID, e.Environment)] = canonical.Hash(descriptor, e.Properties)
	}

	a.mu.Lock()
	a.hash = index
	a.mu.Unlock()
	return nil
}

// GetExpectedHash implements heartbeat.CSoTPort.
func (a *Adapter) GetExpectedHash(ctx context.Context, serviceID, environment string) (string, error) {
	a.mu.RLock()
	hash, ok := a.hash[key(serviceID, environment)]
	a.mu.RUnlock()
	if !ok {
		return "", domainerr.New(domainerr.KindDependencyUnavailable, "no csot fixture entry for service/environment")
	}
	return hash, nil
}

func key(serviceID, environment string) string {
	return serviceID + ":" + environment
}
