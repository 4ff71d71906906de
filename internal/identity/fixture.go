package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
)

// FixturePort is a local, fixture-backed Port implementation. IdP
// internals are explicitly out of scope; this exists only so the
// Projector has a concrete collaborator to run against in tests and
// local/dev deployments, standing in for the real identity provider
// integration.
type FixturePort struct {
	mu    sync.RWMutex
	path  string
	users map[string]*domain.IamUser
	teams map[string]*domain.IamTeam
}

type fixtureFile struct {
	Users []domain.IamUser `yaml:"users"`
	Teams []domain.IamTeam `yaml:"teams"`
}

// NewFixturePort loads path and returns a FixturePort. An empty path
// yields a FixturePort with no entries — every lookup then fails, which
// exercises the Projector's idp_fallback degraded path.
func NewFixturePort(path string) (*FixturePort, error) {
	p := &FixturePort{path: path, users: map[string]*domain.IamUser{}, teams: map[string]*domain.IamTeam{}}
	if path == "" {
		return p, nil
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the fixture file from disk.
func (p *FixturePort) Reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read identity fixture: %w", err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse identity fixture: %w", err)
	}

	users := make(map[string]*domain.IamUser, len(f.Users))
	for i := range f.Users {
		u := f.Users[i]
		users[u.UserID] = &u
	}
	teams := make(map[string]*domain.IamTeam, len(f.Teams))
	for i := range f.Teams {
		t := f.Teams[i]
		teams[t.TeamID] = &t
	}

	p.mu.Lock()
	p.users = users
	p.teams = teams
	p.mu.Unlock()
	return nil
}

// GetUser implements Port.
func (p *FixturePort) GetUser(ctx context.Context, userID string) (*domain.IamUser, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[userID]
	if !ok {
		return nil, domainerr.New(domainerr.KindDependencyUnavailable, "no identity fixture entry for user")
	}
	return u, nil
}

// GetTeam implements Port.
func (p *FixturePort) GetTeam(ctx context.Context, teamID string) (*domain.IamTeam, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.teams[teamID]
	if !ok {
		return nil, domainerr.New(domainerr.KindDependencyUnavailable, "no identity fixture entry for team")
	}
	return t, nil
}
