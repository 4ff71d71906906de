// Package approval implements the multi-gate ownership-transfer workflow:
// createRequest, decide, and cancel, with optimistic-concurrency writes
// and an atomic-as-possible ownership-transfer side effect on approval.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/configplane/controlplane/internal/access"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/identity"
	"github.com/configplane/controlplane/internal/platform/config"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

// Service is the approval state machine.
type Service struct {
	requests  repository.ApprovalRequestRepository
	decisions repository.ApprovalDecisionRepository
	services  repository.ApplicationServiceRepository
	identity  *identity.Projector
	access    *access.Evaluator
	cfg       config.ApprovalConfig
	metrics   *metrics.ApprovalMetrics
	logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(
	requests repository.ApprovalRequestRepository,
	decisions repository.ApprovalDecisionRepository,
	services repository.ApplicationServiceRepository,
	idProjector *identity.Projector,
	evaluator *access.Evaluator,
	cfg config.ApprovalConfig,
	m *metrics.Registry,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 5
	}
	var am *metrics.ApprovalMetrics
	if m != nil {
		am = m.Approval()
	}
	return &Service{
		requests:  requests,
		decisions: decisions,
		services:  services,
		identity:  idProjector,
		access:    evaluator,
		cfg:       cfg,
		metrics:   am,
		logger:    logger,
	}
}

// CreateRequest opens a new ASSIGN_SERVICE_TO_TEAM approval request.
// requesterID must belong to targetTeamID or hold SYS_ADMIN, and the
// target service must not be RETIRED.
func (s *Service) CreateRequest(ctx context.Context, requesterID, serviceID, targetTeamID string) (*domain.ApprovalRequest, error) {
	requester, err := s.identity.User(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if !requester.InTeam(targetTeamID) && !requester.HasRole(domain.SysAdminRole) {
		return nil, domainerr.New(domainerr.KindUnauthorized, "requester is not a member of the target team")
	}

	svc, err := s.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.Lifecycle == domain.LifecycleRetired {
		return nil, domainerr.New(domainerr.KindInvalidInput, "cannot request ownership transfer of a retired service")
	}

	snapshot, err := s.identity.Snapshot(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &domain.ApprovalRequest{
		ID:              uuid.NewString(),
		RequesterUserID: requesterID,
		RequestType:     domain.RequestAssignServiceToTeam,
		Target:          domain.ApprovalTarget{ServiceID: serviceID, TargetTeamID: targetTeamID},
		Required:        domain.DefaultGateRequirements(),
		Status:          domain.ApprovalPending,
		Counts:          map[domain.Gate]int{},
		Snapshot:        snapshot,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	s.recordRequestCreated(req.RequestType)
	return req, nil
}

// Decide records approver's decision for gate on requestID, recomputing
// gate tallies and transitioning the request when a reject or full quorum
// is reached. On transition to APPROVED, the ownership-transfer side
// effect is attempted inline and, on failure, left for the compensator.
func (s *Service) Decide(ctx context.Context, requestID string, approver domain.UserContext, gate domain.Gate, decision domain.Decision) (*domain.ApprovalRequest, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, domainerr.ErrAlreadyTerminal
	}
	if err := s.authorizeGate(approver, req, gate); err != nil {
		return nil, err
	}

	vote := &domain.ApprovalDecision{
		RequestID:      requestID,
		ApproverUserID: approver.UserID,
		Gate:           gate,
		Decision:       decision,
		At:             time.Now(),
	}
	if err := s.decisions.Create(ctx, vote); err != nil {
		if domainerr.KindOf(err) == domainerr.KindConflict {
			return nil, domainerr.ErrDuplicateDecision
		}
		return nil, err
	}
	s.recordDecision(gate, decision)

	var final *domain.ApprovalRequest
	for attempt := 0; attempt <= s.cfg.MaxCASRetries; attempt++ {
		current, err := s.requests.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return current, nil
		}

		votes, err := s.decisions.ListByRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		counts, rejected := tally(votes)
		current.Counts = counts

		switch {
		case rejected:
			current.Status = domain.ApprovalRejected
		case quorumMet(current, counts):
			current.Status = domain.ApprovalApproved
			current.OwnershipSideEffectApplied = false
		}
		current.UpdatedAt = time.Now()

		err = s.requests.CompareAndSwap(ctx, current, current.Version)
		if err == nil {
			final = current
			break
		}
		if domainerr.KindOf(err) != domainerr.KindConflict {
			return nil, err
		}
		s.recordCASRetry()
		if attempt == s.cfg.MaxCASRetries {
			return nil, domainerr.ErrConflict
		}
	}

	if final.Status == domain.ApprovalApproved {
		s.applyOwnershipTransfer(ctx, final)
		if refreshed, err := s.requests.Get(ctx, requestID); err == nil {
			final = refreshed
		}
	}
	return final, nil
}

// Cancel withdraws a PENDING request. Only the original requester or a
// SYS_ADMIN may cancel.
func (s *Service) Cancel(ctx context.Context, requestID string, actor domain.UserContext) (*domain.ApprovalRequest, error) {
	for attempt := 0; attempt <= s.cfg.MaxCASRetries; attempt++ {
		req, err := s.requests.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.IsTerminal() {
			return nil, domainerr.ErrAlreadyTerminal
		}
		if req.RequesterUserID != actor.UserID && !actor.IsSysAdmin() {
			return nil, domainerr.New(domainerr.KindUnauthorized, "only the requester or a SYS_ADMIN may cancel this request")
		}

		req.Status = domain.ApprovalCancelled
		req.UpdatedAt = time.Now()
		err = s.requests.CompareAndSwap(ctx, req, req.Version)
		if err == nil {
			return req, nil
		}
		if domainerr.KindOf(err) != domainerr.KindConflict {
			return nil, err
		}
		s.recordCASRetry()
	}
	return nil, domainerr.ErrConflict
}

func (s *Service) authorizeGate(approver domain.UserContext, req *domain.ApprovalRequest, gate domain.Gate) error {
	if _, ok := req.GateRequirement(gate); !ok {
		return domainerr.ErrUnauthorizedGate
	}
	switch gate {
	case domain.GateSysAdmin:
		if !approver.IsSysAdmin() {
			return domainerr.ErrUnauthorizedGate
		}
	case domain.GateLineManager:
		if approver.UserID != req.Snapshot.ManagerID {
			return domainerr.ErrUnauthorizedGate
		}
	default:
		return domainerr.ErrUnauthorizedGate
	}
	return nil
}

// tally recomputes per-gate APPROVE counts and reports whether any
// decision was a REJECT (which short-circuits the request to REJECTED).
func tally(votes []*domain.ApprovalDecision) (map[domain.Gate]int, bool) {
	counts := map[domain.Gate]int{}
	rejected := false
	for _, v := range votes {
		switch v.Decision {
		case domain.DecisionApprove:
			counts[v.Gate]++
		case domain.DecisionReject:
			rejected = true
		}
	}
	return counts, rejected
}

func quorumMet(req *domain.ApprovalRequest, counts map[domain.Gate]int) bool {
	for _, gate := range req.Required {
		if counts[gate.Gate] < gate.MinApprovals {
			return false
		}
	}
	return true
}

// applyOwnershipTransfer performs the post-APPROVED side effect: transfer
// ApplicationService ownership and invalidate the permissions cache for
// every member of the old and new owning teams. Failure here is not
// rolled back; the Compensator's periodic sweep retries until it succeeds.
func (s *Service) applyOwnershipTransfer(ctx context.Context, req *domain.ApprovalRequest) {
	if err := s.transferOwnership(ctx, req); err != nil {
		s.logger.Warn("ownership transfer side effect failed, deferring to compensator",
			"request_id", req.ID, "error", err)
		return
	}
	s.markSideEffectApplied(ctx, req.ID)
}

func (s *Service) transferOwnership(ctx context.Context, req *domain.ApprovalRequest) error {
	svc, err := s.services.Get(ctx, req.Target.ServiceID)
	if err != nil {
		return err
	}
	oldOwner := svc.OwnerTeamID
	newOwner := req.Target.TargetTeamID

	if err := s.services.CompareAndSwapOwner(ctx, svc.ID, &newOwner, svc.Version); err != nil {
		return err
	}
	s.invalidateTeamPermissions(ctx, oldOwner, req.Target.ServiceID)
	s.invalidateTeamPermissions(ctx, &newOwner, req.Target.ServiceID)
	return nil
}

func (s *Service) invalidateTeamPermissions(ctx context.Context, teamID *string, serviceID string) {
	if teamID == nil || *teamID == "" || s.access == nil || s.identity == nil {
		return
	}
	team, err := s.identity.Team(ctx, *teamID)
	if err != nil {
		s.logger.Warn("failed to resolve team for permission invalidation", "team_id", *teamID, "error", err)
		return
	}
	for _, userID := range team.MemberIDs {
		if err := s.access.InvalidateUser(ctx, userID, serviceID); err != nil {
			s.logger.Warn("failed to invalidate permissions cache entry", "user_id", userID, "service_id", serviceID, "error", err)
		}
	}
}

func (s *Service) markSideEffectApplied(ctx context.Context, requestID string) {
	for attempt := 0; attempt <= s.cfg.MaxCASRetries; attempt++ {
		req, err := s.requests.Get(ctx, requestID)
		if err != nil {
			s.logger.Warn("failed to re-read request to mark side effect applied", "request_id", requestID, "error", err)
			return
		}
		req.OwnershipSideEffectApplied = true
		req.UpdatedAt = time.Now()
		if err := s.requests.CompareAndSwap(ctx, req, req.Version); err == nil {
			return
		}
	}
}

func (s *Service) recordRequestCreated(requestType domain.ApprovalRequestType) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(string(requestType)).Inc()
}

func (s *Service) recordDecision(gate domain.Gate, decision domain.Decision) {
	if s.metrics == nil {
		return
	}
	s.metrics.DecisionsTotal.WithLabelValues(string(gate), string(decision)).Inc()
}

func (s *Service) recordCASRetry() {
	if s.metrics == nil {
		return
	}
	s.metrics.CASRetriesTotal.Inc()
}
