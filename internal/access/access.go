// Package access implements the control plane's ABAC gate: every
// service-scoped read/write passes through Evaluator.Allow before it
// reaches a repository. Policy order is fixed (SYS_ADMIN, ownership,
// share, deny) and does not vary per resource type.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/configplane/controlplane/internal/cache"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

// Resource names what an access check is evaluated against: a service
// and, for share-scoping purposes, the environment the action targets.
type Resource struct {
	ServiceID   string
	OwnerTeamID *string
	Environment string
}

// Evaluator is the ABAC policy engine.
type Evaluator struct {
	shares   repository.ServiceShareRepository
	cacheMgr *cache.Manager
	permTTL  time.Duration
	metrics  *metrics.AccessMetrics
	logger   *slog.Logger
}

// NewEvaluator constructs an Evaluator. permTTL is the TTL applied when
// writing cached effective-permission entries.
func NewEvaluator(shares repository.ServiceShareRepository, cacheMgr *cache.Manager, permTTL time.Duration, m *metrics.AccessMetrics, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{shares: shares, cacheMgr: cacheMgr, permTTL: permTTL, metrics: m, logger: logger}
}

// Allow evaluates the fixed policy order and returns whether actor may
// perform action against resource. Never returns an error for a clean
// DENY; errors only propagate dependency failures (e.g. the share
// repository being unavailable).
func (e *Evaluator) Allow(ctx context.Context, actor domain.UserContext, action domain.Permission, resource Resource) (bool, error) {
	start := time.Now()
	defer e.recordEvalDuration(start)

	if actor.IsSysAdmin() {
		e.recordDecision("sys_admin", true)
		return true, nil
	}

	if resource.OwnerTeamID != nil && actor.InTeam(*resource.OwnerTeamID) && ownershipImplies(action) {
		e.recordDecision("ownership", true)
		return true, nil
	}

	perms, err := e.effectivePermissions(ctx, actor, resource.ServiceID)
	if err != nil {
		return false, err
	}
	for _, share := range perms {
		if share.Grants(action, resource.Environment) {
			e.recordDecision("share", true)
			return true, nil
		}
	}

	e.recordDecision("deny", false)
	return false, nil
}

// ownershipImplies reports whether action is implied by owning the
// resource outright: read, edit, and admin of an owned service/instance
// /drift all follow from ownership alone.
func ownershipImplies(action domain.Permission) bool {
	switch action {
	case domain.PermViewService, domain.PermViewInstance, domain.PermViewDrift, domain.PermEdit, domain.PermAdmin:
		return true
	default:
		return false
	}
}

// effectivePermissions returns the non-expired ServiceShares granting
// actor access to serviceID, reading through the permissions cache.
func (e *Evaluator) effectivePermissions(ctx context.Context, actor domain.UserContext, serviceID string) ([]*domain.ServiceShare, error) {
	permCache, err := e.cacheMgr.Named(cache.NamePermissions)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, "permissions cache unavailable", err)
	}

	key := permissionsCacheKey(actor.UserID, serviceID)
	var cached []*domain.ServiceShare
	if err := permCache.Get(ctx, key, &cached); err == nil {
		e.recordCacheResult("hit")
		return filterByService(cached, serviceID), nil
	}
	e.recordCacheResult("miss")

	all, err := e.shares.ListEffectiveForPrincipal(ctx, actor.UserID, actor.TeamIDs, time.Now())
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInternal, "list effective shares", err)
	}
	if err := permCache.Set(ctx, key, all, e.permTTL); err != nil {
		e.logger.Warn("failed to populate permissions cache", "user_id", actor.UserID, "error", err)
	}
	return filterByService(all, serviceID), nil
}

func filterByService(shares []*domain.ServiceShare, serviceID string) []*domain.ServiceShare {
	out := make([]*domain.ServiceShare, 0, len(shares))
	for _, s := range shares {
		if s.ServiceID == serviceID {
			out = append(out, s)
		}
	}
	return out
}

func permissionsCacheKey(userID, serviceID string) string {
	return fmt.Sprintf("%s:%s", userID, serviceID)
}

// InvalidateUser evicts userID's cached effective permissions for
// serviceID, called on share grant/revoke and ownership transfer — both
// always scoped to a single service.
func (e *Evaluator) InvalidateUser(ctx context.Context, userID, serviceID string) error {
	permCache, err := e.cacheMgr.Named(cache.NamePermissions)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInternal, "permissions cache unavailable", err)
	}
	return permCache.Delete(ctx, permissionsCacheKey(userID, serviceID))
}

// Criteria builds the list-query augmentation for actor: an unrestricted
// criteria for SYS_ADMIN, otherwise the union of actor's owned teams and
// every service reachable via an effective share.
func (e *Evaluator) Criteria(ctx context.Context, actor domain.UserContext) (repository.Criteria, error) {
	if actor.IsSysAdmin() {
		return repository.Criteria{Unrestricted: true}, nil
	}

	shares, err := e.shares.ListEffectiveForPrincipal(ctx, actor.UserID, actor.TeamIDs, time.Now())
	if err != nil {
		return repository.Criteria{}, domainerr.Wrap(domainerr.KindInternal, "list effective shares", err)
	}
	shared := make([]string, 0, len(shares))
	for _, s := range shares {
		shared = append(shared, s.ServiceID)
	}

	return repository.Criteria{
		OwnerTeamIDs:     actor.TeamIDs,
		SharedServiceIDs: shared,
	}, nil
}

func (e *Evaluator) recordDecision(rule string, allowed bool) {
	if e.metrics == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	e.metrics.DecisionsTotal.WithLabelValues(rule, outcome).Inc()
}

func (e *Evaluator) recordCacheResult(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.CacheHitsTotal.WithLabelValues(result).Inc()
}

func (e *Evaluator) recordEvalDuration(start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.EvalDuration.Observe(time.Since(start).Seconds())
}
