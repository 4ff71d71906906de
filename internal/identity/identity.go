// Package identity projects the external identity provider's
// users/teams into the cached IamUser/IamTeam shapes the AccessEvaluator
// and ApprovalService depend on. The control plane never writes these
// back; the IdP is always the source of truth.
package identity

import (
	"context"
	"log/slog"

	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
)

// Port is the external identity-provider collaborator. Implementations
// talk to whatever system of record the deployment uses (LDAP, an HR
// system, an OIDC directory); this package only depends on the port.
type Port interface {
	GetUser(ctx context.Context, userID string) (*domain.IamUser, error)
	GetTeam(ctx context.Context, teamID string) (*domain.IamTeam, error)
}

// Projector is the cache-backed read path in front of Port, falling back
// to the idp_fallback cache (written with that cache's configured TTL,
// populated on every successful lookup) when Port is unavailable.
type Projector struct {
	port     Port
	cacheMgr *cache.Manager
	logger   *slog.Logger
}

// NewProjector constructs a Projector over port, using cacheMgr's
// idp_fallback named cache for degraded-mode reads.
func NewProjector(port Port, cacheMgr *cache.Manager, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{port: port, cacheMgr: cacheMgr, logger: logger}
}

func userFallbackKey(userID string) string { return "user:" + userID }
func teamFallbackKey(teamID string) string { return "team:" + teamID }

// User resolves userID, preferring a live Port call and falling back to
// the last successfully cached projection on Port failure. Returns
// domainerr.KindDependencyUnavailable only if neither the live call nor
// the fallback cache has a value.
func (p *Projector) User(ctx context.Context, userID string) (*domain.IamUser, error) {
	fallback, err := p.cacheMgr.Named(cache.NameIdPFallback)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, "idp fallback cache unavailable", err)
	}

	user, liveErr := p.port.GetUser(ctx, userID)
	if liveErr == nil {
		_ = fallback.Set(ctx, userFallbackKey(userID), user, 0)
		return user, nil
	}

	p.logger.Warn("idp user lookup failed, trying fallback cache", "user_id", userID, "error", liveErr)
	var cached domain.IamUser
	if err := fallback.Get(ctx, userFallbackKey(userID), &cached); err != nil {
		return nil, domainerr.Wrap(domainerr.KindDependencyUnavailable, "identity provider unavailable and no cached projection", liveErr)
	}
	return &cached, nil
}

// Team resolves teamID with the same live-then-fallback policy as User.
func (p *Projector) Team(ctx context.Context, teamID string) (*domain.IamTeam, error) {
	fallback, err := p.cacheMgr.Named(cache.NameIdPFallback)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, "idp fallback cache unavailable", err)
	}

	team, liveErr := p.port.GetTeam(ctx, teamID)
	if liveErr == nil {
		_ = fallback.Set(ctx, teamFallbackKey(teamID), team, 0)
		return team, nil
	}

	p.logger.Warn("idp team lookup failed, trying fallback cache", "team_id", teamID, "error", liveErr)
	var cached domain.IamTeam
	if err := fallback.Get(ctx, teamFallbackKey(teamID), &cached); err != nil {
		return nil, domainerr.Wrap(domainerr.KindDependencyUnavailable, "identity provider unavailable and no cached projection", liveErr)
	}
	return &cached, nil
}

// Snapshot builds a RequesterSnapshot for userID at request-creation time,
// capturing teams/manager/roles so later gate authorization does not
// depend on identity state that may since have changed.
func (p *Projector) Snapshot(ctx context.Context, userID string) (domain.RequesterSnapshot, error) {
	user, err := p.User(ctx, userID)
	if err != nil {
		return domain.RequesterSnapshot{}, err
	}
	return domain.RequesterSnapshot{
		UserID:    user.UserID,
		TeamIDs:   user.TeamIDs,
		ManagerID: user.ManagerID,
		Roles:     user.Roles,
	}, nil
}
