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
	"github.com/configplane/controlplane/internal/repository"
)

// DriftEventRepository is the PostgreSQL implementation of
// repository.DriftEventRepository.
type DriftEventRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.RepositoryMetrics
}

// NewDriftEventRepository constructs a repository backed by pool.
func NewDriftEventRepository(pool *pgxpool.Pool, m *metrics.RepositoryMetrics) *DriftEventRepository {
	return &DriftEventRepository{pool: pool, metrics: m}
}

const driftEventColumns = `
	id, service_id, instance_id, team_id, expected_hash, applied_hash, severity,
	status, detected_at, resolved_at, detected_by, resolved_by, notes`

func (r *DriftEventRepository) scan(row pgx.Row) (*domain.DriftEvent, error) {
	var evt domain.DriftEvent
	err := row.Scan(
		&evt.ID, &evt.ServiceID, &evt.InstanceID, &evt.TeamID, &evt.ExpectedHash, &evt.AppliedHash,
		&evt.Severity, &evt.Status, &evt.DetectedAt, &evt.ResolvedAt, &evt.DetectedBy, &evt.ResolvedBy, &evt.Notes,
	)
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// Create implements repository.DriftEventRepository.
func (r *DriftEventRepository) Create(ctx context.Context, evt *domain.DriftEvent) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO drift_events
			(id, service_id, instance_id, team_id, expected_hash, applied_hash, severity,
			 status, detected_at, resolved_at, detected_by, resolved_by, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		evt.ID, evt.ServiceID, evt.InstanceID, evt.TeamID, evt.ExpectedHash, evt.AppliedHash,
		evt.Severity, evt.Status, evt.DetectedAt, evt.ResolvedAt, evt.DetectedBy, evt.ResolvedBy, evt.Notes,
	)
	observe(r.metrics, "drift_event", "create", start, err)
	if err != nil {
		observeError(r.metrics, "drift_event", "create", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "create drift event", err)
	}
	return nil
}

// Get implements repository.DriftEventRepository.
func (r *DriftEventRepository) Get(ctx context.Context, id string) (*domain.DriftEvent, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+driftEventColumns+` FROM drift_events WHERE id = $1`, id)
	evt, err := r.scan(row)
	observe(r.metrics, "drift_event", "get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.New(domainerr.KindNotFound, "drift event not found")
	}
	if err != nil {
		observeError(r.metrics, "drift_event", "get", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "get drift event", err)
	}
	return evt, nil
}

// FindOpenByInstance implements repository.DriftEventRepository.
func (r *DriftEventRepository) FindOpenByInstance(ctx context.Context, serviceID, instanceID string) (*domain.DriftEvent, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `
		SELECT `+driftEventColumns+` FROM drift_events
		WHERE service_id = $1 AND instance_id = $2 AND status NOT IN ('RESOLVED', 'IGNORED')
		ORDER BY detected_at DESC LIMIT 1`, serviceID, instanceID)
	evt, err := r.scan(row)
	observe(r.metrics, "drift_event", "find_open_by_instance", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		observeError(r.metrics, "drift_event", "find_open_by_instance", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "find open drift event", err)
	}
	return evt, nil
}

// Update implements repository.DriftEventRepository.
func (r *DriftEventRepository) Update(ctx context.Context, evt *domain.DriftEvent) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE drift_events SET
			applied_hash = $1, severity = $2, status = $3, resolved_at = $4,
			resolved_by = $5, notes = $6
		WHERE id = $7`,
		evt.AppliedHash, evt.Severity, evt.Status, evt.ResolvedAt, evt.ResolvedBy, evt.Notes, evt.ID,
	)
	observe(r.metrics, "drift_event", "update", start, err)
	if err != nil {
		observeError(r.metrics, "drift_event", "update", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "update drift event", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "drift event not found")
	}
	return nil
}

// List implements repository.DriftEventRepository.
func (r *DriftEventRepository) List(ctx context.Context, criteria repository.Criteria) ([]*domain.DriftEvent, error) {
	start := time.Now()
	query := `SELECT ` + driftEventColumns + ` FROM drift_events`
	args := []interface{}{}
	if !criteria.Unrestricted {
		args = append(args, criteria.OwnerTeamIDs)
		ownerPos := itoa(len(args))
		args = append(args, criteria.SharedServiceIDs)
		sharedPos := itoa(len(args))
		query += ` WHERE (service_id IN (SELECT id FROM application_services WHERE owner_team_id = ANY($` + ownerPos + `)) OR service_id = ANY($` + sharedPos + `))`
	}
	query += ` ORDER BY detected_at DESC`
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
		observe(r.metrics, "drift_event", "list", start, err)
		observeError(r.metrics, "drift_event", "list", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list drift events", err)
	}
	defer rows.Close()

	var out []*domain.DriftEvent
	for rows.Next() {
		evt, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "drift_event", "list", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan drift event", err)
		}
		out = append(out, evt)
	}
	observe(r.metrics, "drift_event", "list", start, rows.Err())
	return out, rows.Err()
}

// Statistics implements repository.DriftEventRepository.
func (r *DriftEventRepository) Statistics(ctx context.Context, criteria repository.Criteria) (*domain.DriftStatistics, error) {
	start := time.Now()
	query := `SELECT status, severity, instance_id FROM drift_events`
	args := []interface{}{}
	if !criteria.Unrestricted {
		args = append(args, criteria.OwnerTeamIDs)
		ownerPos := itoa(len(args))
		args = append(args, criteria.SharedServiceIDs)
		sharedPos := itoa(len(args))
		query += ` WHERE (service_id IN (SELECT id FROM application_services WHERE owner_team_id = ANY($` + ownerPos + `)) OR service_id = ANY($` + sharedPos + `))`
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		observe(r.metrics, "drift_event", "statistics", start, err)
		observeError(r.metrics, "drift_event", "statistics", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "compute drift statistics", err)
	}
	defer rows.Close()

	stats := &domain.DriftStatistics{
		ByStatus:   make(map[domain.DriftStatus]int),
		BySeverity: make(map[domain.DriftSeverity]int),
	}
	instances := make(map[string]struct{})
	for rows.Next() {
		var status domain.DriftStatus
		var severity domain.DriftSeverity
		var instanceID string
		if err := rows.Scan(&status, &severity, &instanceID); err != nil {
			observe(r.metrics, "drift_event", "statistics", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan drift statistics row", err)
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.BySeverity[severity]++
		instances[instanceID] = struct{}{}
		if !status.IsTerminal() {
			stats.Unresolved++
		}
	}
	stats.AffectedInstances = len(instances)
	observe(r.metrics, "drift_event", "statistics", start, rows.Err())
	return stats, rows.Err()
}
