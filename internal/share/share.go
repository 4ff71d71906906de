// Package share implements ServiceShare grant/revoke, the mechanism
// behind the access evaluator's share policy (internal/access §3 of the
// policy order). Every grant and revoke invalidates the permissions
// cache for the principals it affects.
package share

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/configplane/controlplane/internal/access"
	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/identity"
	"github.com/configplane/controlplane/internal/repository"
)

// Service grants and revokes ServiceShares.
type Service struct {
	shares   repository.ServiceShareRepository
	services repository.ApplicationServiceRepository
	access   *access.Evaluator
	identity *identity.Projector
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(
	shares repository.ServiceShareRepository,
	services repository.ApplicationServiceRepository,
	evaluator *access.Evaluator,
	idProjector *identity.Projector,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{shares: shares, services: services, access: evaluator, identity: idProjector, logger: logger}
}

// Grant creates a ServiceShare after confirming actor holds ADMIN on the
// target service, then invalidates the affected principal's cached
// permissions so the grant takes effect immediately.
func (s *Service) Grant(ctx context.Context, actor domain.UserContext, share *domain.ServiceShare) (*domain.ServiceShare, error) {
	if err := s.requireAdmin(ctx, actor, share.ServiceID); err != nil {
		return nil, err
	}

	share.ID = uuid.NewString()
	now := time.Now()
	share.GrantedBy = actor.UserID
	share.CreatedAt = now
	share.UpdatedAt = now

	if err := s.shares.Create(ctx, share); err != nil {
		return nil, err
	}
	s.invalidate(ctx, share)
	return share, nil
}

// Revoke deletes a ServiceShare after confirming actor holds ADMIN on its
// service, then invalidates the affected principal's cached permissions.
func (s *Service) Revoke(ctx context.Context, actor domain.UserContext, shareID string) error {
	share, err := s.shares.Get(ctx, shareID)
	if err != nil {
		return err
	}
	if err := s.requireAdmin(ctx, actor, share.ServiceID); err != nil {
		return err
	}
	if err := s.shares.Delete(ctx, shareID); err != nil {
		return err
	}
	s.invalidate(ctx, share)
	return nil
}

// ListByService returns every ServiceShare granted on serviceID, after
// confirming actor holds ADMIN.
func (s *Service) ListByService(ctx context.Context, actor domain.UserContext, serviceID string) ([]*domain.ServiceShare, error) {
	if err := s.requireAdmin(ctx, actor, serviceID); err != nil {
		return nil, err
	}
	return s.shares.ListByService(ctx, serviceID)
}

func (s *Service) requireAdmin(ctx context.Context, actor domain.UserContext, serviceID string) error {
	svc, err := s.services.Get(ctx, serviceID)
	if err != nil {
		return err
	}
	allowed, err := s.access.Allow(ctx, actor, domain.PermAdmin, access.Resource{ServiceID: svc.ID, OwnerTeamID: svc.OwnerTeamID})
	if err != nil {
		return err
	}
	if !allowed {
		return domainerr.New(domainerr.KindUnauthorized, "actor does not hold ADMIN on this service")
	}
	return nil
}

// invalidate evicts the permissions cache for every user the share
// affects: the user directly, or every member of the team.
func (s *Service) invalidate(ctx context.Context, share *domain.ServiceShare) {
	if s.access == nil {
		return
	}
	switch share.GranteeType {
	case domain.GranteeUser:
		if err := s.access.InvalidateUser(ctx, share.GranteeID, share.ServiceID); err != nil {
			s.logger.Warn("failed to invalidate permissions cache", "user_id", share.GranteeID, "service_id", share.ServiceID, "error", err)
		}
	case domain.GranteeTeam:
		if s.identity == nil {
			return
		}
		team, err := s.identity.Team(ctx, share.GranteeID)
		if err != nil {
			s.logger.Warn("failed to resolve team for permission invalidation", "team_id", share.GranteeID, "error", err)
			return
		}
		for _, userID := range team.MemberIDs {
			if err := s.access.InvalidateUser(ctx, userID, share.ServiceID); err != nil {
				s.logger.Warn("failed to invalidate permissions cache", "user_id", userID, "service_id", share.ServiceID, "error", err)
			}
		}
	}
}
