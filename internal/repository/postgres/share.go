package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/metrics"
)

// ServiceShareRepository is the PostgreSQL implementation of
// repository.ServiceShareRepository.
type ServiceShareRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.RepositoryMetrics
}

// NewServiceShareRepository constructs a repository backed by pool.
func NewServiceShareRepository(pool *pgxpool.Pool, m *metrics.RepositoryMetrics) *ServiceShareRepository {
	return &ServiceShareRepository{pool: pool, metrics: m}
}

const serviceShareColumns = `
	id, service_id, grantee_type, grantee_id, permissions, environments,
	expires_at, granted_by, created_at, updated_at`

func (r *ServiceShareRepository) scan(row pgx.Row) (*domain.ServiceShare, error) {
	var share domain.ServiceShare
	err := row.Scan(
		&share.ID, &share.ServiceID, &share.GranteeType, &share.GranteeID, &share.Permissions,
		&share.Environments, &share.ExpiresAt, &share.GrantedBy, &share.CreatedAt, &share.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &share, nil
}

// Create implements repository.ServiceShareRepository.
func (r *ServiceShareRepository) Create(ctx context.Context, share *domain.ServiceShare) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_shares
			(id, service_id, grantee_type, grantee_id, permissions, environments,
			 expires_at, granted_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		share.ID, share.ServiceID, share.GranteeType, share.GranteeID, share.Permissions,
		share.Environments, share.ExpiresAt, share.GrantedBy, share.CreatedAt, share.UpdatedAt,
	)
	observe(r.metrics, "service_share", "create", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			observeError(r.metrics, "service_share", "create", "conflict")
			return domainerr.Wrap(domainerr.KindConflict, "share already exists for grantee", err)
		}
		observeError(r.metrics, "service_share", "create", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "create service share", err)
	}
	return nil
}

// Get implements repository.ServiceShareRepository.
func (r *ServiceShareRepository) Get(ctx context.Context, id string) (*domain.ServiceShare, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+serviceShareColumns+` FROM service_shares WHERE id = $1`, id)
	share, err := r.scan(row)
	observe(r.metrics, "service_share", "get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.New(domainerr.KindNotFound, "service share not found")
	}
	if err != nil {
		observeError(r.metrics, "service_share", "get", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "get service share", err)
	}
	return share, nil
}

// Delete implements repository.ServiceShareRepository.
func (r *ServiceShareRepository) Delete(ctx context.Context, id string) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `DELETE FROM service_shares WHERE id = $1`, id)
	observe(r.metrics, "service_share", "delete", start, err)
	if err != nil {
		observeError(r.metrics, "service_share", "delete", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "delete service share", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "service share not found")
	}
	return nil
}

// ListByService implements repository.ServiceShareRepository.
func (r *ServiceShareRepository) ListByService(ctx context.Context, serviceID string) ([]*domain.ServiceShare, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, `SELECT `+serviceShareColumns+` FROM service_shares WHERE service_id = $1 ORDER BY created_at`, serviceID)
	if err != nil {
		observe(r.metrics, "service_share", "list_by_service", start, err)
		observeError(r.metrics, "service_share", "list_by_service", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list shares by service", err)
	}
	defer rows.Close()

	var out []*domain.ServiceShare
	for rows.Next() {
		share, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "service_share", "list_by_service", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan service share", err)
		}
		out = append(out, share)
	}
	observe(r.metrics, "service_share", "list_by_service", start, rows.Err())
	return out, rows.Err()
}

// ListEffectiveForPrincipal implements repository.ServiceShareRepository.
func (r *ServiceShareRepository) ListEffectiveForPrincipal(ctx context.Context, userID string, teamIDs []string, now time.Time) ([]*domain.ServiceShare, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, `
		SELECT `+serviceShareColumns+` FROM service_shares
		WHERE (expires_at IS NULL OR expires_at > $1)
		  AND ((grantee_type = 'USER' AND grantee_id = $2)
		       OR (grantee_type = 'TEAM' AND grantee_id = ANY($3)))`,
		now, userID, teamIDs,
	)
	if err != nil {
		observe(r.metrics, "service_share", "list_effective_for_principal", start, err)
		observeError(r.metrics, "service_share", "list_effective_for_principal", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list effective shares", err)
	}
	defer rows.Close()

	var out []*domain.ServiceShare
	for rows.Next() {
		share, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "service_share", "list_effective_for_principal", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan service share", err)
		}
		out = append(out, share)
	}
	observe(r.metrics, "service_share", "list_effective_for_principal", start, rows.Err())
	return out, rows.Err()
}
