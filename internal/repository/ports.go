// Package repository defines the persistence ports the control plane's
// domain services depend on, plus the PostgreSQL implementations under
// repository/postgres. Every write is one of: idempotent upsert,
// optimistic compare-and-set, or unique-index insert — no other
// concurrency control is assumed.
package repository

import (
	"context"
	"time"

	"github.com/configplane/controlplane/internal/domain"
)

// Criteria augments a list query with the access-control evaluator's
// visibility scope: the union of the caller's owned teams and any
// service ids reachable via an effective ServiceShare. Admin callers
// receive an unfiltered Criteria (Unrestricted == true).
type Criteria struct {
	Unrestricted     bool
	OwnerTeamIDs     []string
	SharedServiceIDs []string
	Environment      string // optional additional filter, "" means any
	Limit            int
	Offset           int
}

// ApplicationServiceRepository persists ApplicationService aggregates.
type ApplicationServiceRepository interface {
	Get(ctx context.Context, id string) (*domain.ApplicationService, error)
	GetByDisplayName(ctx context.Context, displayName string) (*domain.ApplicationService, error)
	Create(ctx context.Context, svc *domain.ApplicationService) error
	// CompareAndSwapOwner atomically updates OwnerTeamID and bumps Version,
	// failing with domainerr.KindConflict if expectedVersion does not match
	// the stored version.
	CompareAndSwapOwner(ctx context.Context, id string, newOwnerTeamID *string, expectedVersion int64) error
	List(ctx context.Context, criteria Criteria) ([]*domain.ApplicationService, error)
	Delete(ctx context.Context, id string) error
}

// ServiceInstanceRepository persists ServiceInstance projections.
type ServiceInstanceRepository interface {
	Get(ctx context.Context, serviceID, instanceID string) (*domain.ServiceInstance, error)
	// Upsert writes inst, enforcing that LastSeenAt only moves forward:
	// an upsert with an older LastSeenAt than the stored row is a no-op
	// that returns the stored row unchanged.
	Upsert(ctx context.Context, inst *domain.ServiceInstance) (*domain.ServiceInstance, error)
	// ListStale returns instances whose LastSeenAt is older than
	// threshold relative to now, for the reaper sweep.
	ListStale(ctx context.Context, now time.Time, threshold time.Duration) ([]*domain.ServiceInstance, error)
	List(ctx context.Context, criteria Criteria) ([]*domain.ServiceInstance, error)
	Delete(ctx context.Context, serviceID, instanceID string) error
	// MarkStatus sets status without touching LastSeenAt, for the reaper
	// marking a stale instance UNHEALTHY without it looking freshly seen.
	MarkStatus(ctx context.Context, serviceID, instanceID string, status domain.InstanceStatus) error
}

// DriftEventRepository persists DriftEvent records.
type DriftEventRepository interface {
	Create(ctx context.Context, evt *domain.DriftEvent) error
	Get(ctx context.Context, id string) (*domain.DriftEvent, error)
	// FindOpenByInstance returns the at-most-one non-terminal DriftEvent
	// for (serviceID, instanceID), or nil if none is open.
	FindOpenByInstance(ctx context.Context, serviceID, instanceID string) (*domain.DriftEvent, error)
	Update(ctx context.Context, evt *domain.DriftEvent) error
	List(ctx context.Context, criteria Criteria) ([]*domain.DriftEvent, error)
	Statistics(ctx context.Context, criteria Criteria) (*domain.DriftStatistics, error)
}

// ServiceShareRepository persists ServiceShare grants.
type ServiceShareRepository interface {
	Create(ctx context.Context, share *domain.ServiceShare) error
	Get(ctx context.Context, id string) (*domain.ServiceShare, error)
	Delete(ctx context.Context, id string) error
	ListByService(ctx context.Context, serviceID string) ([]*domain.ServiceShare, error)
	// ListEffectiveForPrincipal returns every non-expired share granting
	// access to any of teamIDs or to userID directly.
	ListEffectiveForPrincipal(ctx context.Context, userID string, teamIDs []string, now time.Time) ([]*domain.ServiceShare, error)
}

// ApprovalRequestRepository persists ApprovalRequest records.
type ApprovalRequestRepository interface {
	Create(ctx context.Context, req *domain.ApprovalRequest) error
	Get(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	// CompareAndSwap persists req if its Version still matches the
	// stored version, bumping Version by one; otherwise fails with
	// domainerr.KindConflict.
	CompareAndSwap(ctx context.Context, req *domain.ApprovalRequest, expectedVersion int64) error
	List(ctx context.Context, criteria Criteria) ([]*domain.ApprovalRequest, error)
}

// ApprovalDecisionRepository persists ApprovalDecision votes, enforcing
// uniqueness on (RequestID, ApproverUserID, Gate) at the storage layer.
type ApprovalDecisionRepository interface {
	// Create fails with domainerr.KindConflict if a decision already
	// exists for (RequestID, ApproverUserID, Gate).
	Create(ctx context.Context, decision *domain.ApprovalDecision) error
	ListByRequest(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error)
}
