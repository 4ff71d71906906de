package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/metrics"
	"github.com/configplane/controlplane/internal/repository"
)

// ApplicationServiceRepository is the PostgreSQL implementation of
// repository.ApplicationServiceRepository.
type ApplicationServiceRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.RepositoryMetrics
}

// NewApplicationServiceRepository constructs a repository backed by pool.
func NewApplicationServiceRepository(pool *pgxpool.Pool, m *metrics.RepositoryMetrics) *ApplicationServiceRepository {
	return &ApplicationServiceRepository{pool: pool, metrics: m}
}

const applicationServiceColumns = `
	id, display_name, owner_team_id, environments, tags, lifecycle,
	created_at, updated_at, created_by, updated_by, version`

func (r *ApplicationServiceRepository) scan(row pgx.Row) (*domain.ApplicationService, error) {
	var svc domain.ApplicationService
	var tagsJSON []byte
	err := row.Scan(
		&svc.ID, &svc.DisplayName, &svc.OwnerTeamID, &svc.Environments, &tagsJSON, &svc.Lifecycle,
		&svc.CreatedAt, &svc.UpdatedAt, &svc.CreatedBy, &svc.UpdatedBy, &svc.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &svc.Tags); err != nil {
			return nil, err
		}
	}
	return &svc, nil
}

// Get implements repository.ApplicationServiceRepository.
func (r *ApplicationServiceRepository) Get(ctx context.Context, id string) (*domain.ApplicationService, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+applicationServiceColumns+` FROM application_services WHERE id = $1`, id)
	svc, err := r.scan(row)
	observe(r.metrics, "application_service", "get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.New(domainerr.KindNotFound, "application service not found")
	}
	if err != nil {
		observeError(r.metrics, "application_service", "get", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "get application service", err)
	}
	return svc, nil
}

// GetByDisplayName implements repository.ApplicationServiceRepository.
func (r *ApplicationServiceRepository) GetByDisplayName(ctx context.Context, displayName string) (*domain.ApplicationService, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+applicationServiceColumns+` FROM application_services WHERE display_name = $1`, displayName)
	svc, err := r.scan(row)
	observe(r.metrics, "application_service", "get_by_display_name", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.New(domainerr.KindNotFound, "application service not found")
	}
	if err != nil {
		observeError(r.metrics, "application_service", "get_by_display_name", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "get application service by display name", err)
	}
	return svc, nil
}

// Create implements repository.ApplicationServiceRepository.
func (r *ApplicationServiceRepository) Create(ctx context.Context, svc *domain.ApplicationService) error {
	start := time.Now()
	tagsJSON, err := json.Marshal(svc.Tags)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInvalidInput, "marshal tags", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO application_services
			(id, display_name, owner_team_id, environments, tags, lifecycle, created_at, updated_at, created_by, updated_by, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0)`,
		svc.ID, svc.DisplayName, svc.OwnerTeamID, svc.Environments, tagsJSON, svc.Lifecycle,
		svc.CreatedAt, svc.UpdatedAt, svc.CreatedBy, svc.UpdatedBy,
	)
	observe(r.metrics, "application_service", "create", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			observeError(r.metrics, "application_service", "create", "conflict")
			return domainerr.Wrap(domainerr.KindConflict, "application service already exists", err)
		}
		observeError(r.metrics, "application_service", "create", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "create application service", err)
	}
	return nil
}

// CompareAndSwapOwner implements repository.ApplicationServiceRepository.
func (r *ApplicationServiceRepository) CompareAndSwapOwner(ctx context.Context, id string, newOwnerTeamID *string, expectedVersion int64) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE application_services
		SET owner_team_id = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3`,
		newOwnerTeamID, id, expectedVersion,
	)
	observe(r.metrics, "application_service", "cas_owner", start, err)
	if err != nil {
		observeError(r.metrics, "application_service", "cas_owner", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "compare-and-swap owner", err)
	}
	if tag.RowsAffected() == 0 {
		observeError(r.metrics, "application_service", "cas_owner", "conflict")
		return domainerr.ErrConflict
	}
	return nil
}

// List implements repository.ApplicationServiceRepository.
func (r *ApplicationServiceRepository) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ApplicationService, error) {
	start := time.Now()
	query := `SELECT ` + applicationServiceColumns + ` FROM application_services`
	args := []interface{}{}
	if !criteria.Unrestricted {
		query += ` WHERE (owner_team_id = ANY($1) OR id = ANY($2))`
		args = append(args, criteria.OwnerTeamIDs, criteria.SharedServiceIDs)
	}
	query += ` ORDER BY id`
	if criteria.Limit > 0 {
		args = append(args, criteria.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}
	if criteria.Offset > 0 {
		args = append(args, criteria.Offset)
		query += ` OFFSET $` + itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		observe(r.metrics, "application_service", "list", start, err)
		observeError(r.metrics, "application_service", "list", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list application services", err)
	}
	defer rows.Close()

	var out []*domain.ApplicationService
	for rows.Next() {
		svc, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "application_service", "list", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan application service", err)
		}
		out = append(out, svc)
	}
	observe(r.metrics, "application_service", "list", start, rows.Err())
	return out, rows.Err()
}

// Delete implements repository.ApplicationServiceRepository.
func (r *ApplicationServiceRepository) Delete(ctx context.Context, id string) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `DELETE FROM application_services WHERE id = $1`, id)
	observe(r.metrics, "application_service", "delete", start, err)
	if err != nil {
		observeError(r.metrics, "application_service", "delete", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "delete application service", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "application service not found")
	}
	return nil
}
