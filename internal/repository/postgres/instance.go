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

// ServiceInstanceRepository is the PostgreSQL implementation of
// repository.ServiceInstanceRepository.
type ServiceInstanceRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.RepositoryMetrics
}

// NewServiceInstanceRepository constructs a repository backed by pool.
func NewServiceInstanceRepository(pool *pgxpool.Pool, m *metrics.RepositoryMetrics) *ServiceInstanceRepository {
	return &ServiceInstanceRepository{pool: pool, metrics: m}
}

const serviceInstanceColumns = `
	service_id, instance_id, host, port, environment, version, applied_hash,
	expected_hash, status, has_drift, metadata, drift_detected_at, last_seen_at,
	created_at, updated_at`

func (r *ServiceInstanceRepository) scan(row pgx.Row) (*domain.ServiceInstance, error) {
	var inst domain.ServiceInstance
	var metadataJSON []byte
	err := row.Scan(
		&inst.ServiceID, &inst.InstanceID, &inst.Host, &inst.Port, &inst.Environment,
		&inst.Version, &inst.AppliedHash, &inst.ExpectedHash, &inst.Status, &inst.HasDrift,
		&metadataJSON, &inst.DriftDetectedAt, &inst.LastSeenAt, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &inst.Metadata); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

// Get implements repository.ServiceInstanceRepository.
func (r *ServiceInstanceRepository) Get(ctx context.Context, serviceID, instanceID string) (*domain.ServiceInstance, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+serviceInstanceColumns+` FROM service_instances WHERE service_id = $1 AND instance_id = $2`, serviceID, instanceID)
	inst, err := r.scan(row)
	observe(r.metrics, "service_instance", "get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.New(domainerr.KindNotFound, "service instance not found")
	}
	if err != nil {
		observeError(r.metrics, "service_instance", "get", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "get service instance", err)
	}
	return inst, nil
}

// Upsert implements repository.ServiceInstanceRepository. LastSeenAt only
// moves forward: the WHERE clause on the UPDATE arm skips the write (and
// the unaffected branch re-reads the stored row) when inst.LastSeenAt is
// not newer than what is already persisted.
func (r *ServiceInstanceRepository) Upsert(ctx context.Context, inst *domain.ServiceInstance) (*domain.ServiceInstance, error) {
	start := time.Now()
	metadataJSON, err := json.Marshal(inst.Metadata)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindInvalidInput, "marshal metadata", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO service_instances
			(service_id, instance_id, host, port, environment, version, applied_hash,
			 expected_hash, status, has_drift, metadata, drift_detected_at, last_seen_at,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		ON CONFLICT (service_id, instance_id) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			environment = EXCLUDED.environment,
			version = EXCLUDED.version,
			applied_hash = EXCLUDED.applied_hash,
			expected_hash = EXCLUDED.expected_hash,
			status = EXCLUDED.status,
			has_drift = EXCLUDED.has_drift,
			metadata = EXCLUDED.metadata,
			drift_detected_at = EXCLUDED.drift_detected_at,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.last_seen_at > service_instances.last_seen_at
		RETURNING `+serviceInstanceColumns,
		inst.ServiceID, inst.InstanceID, inst.Host, inst.Port, inst.Environment,
		inst.Version, inst.AppliedHash, inst.ExpectedHash, inst.Status, inst.HasDrift,
		metadataJSON, inst.DriftDetectedAt, inst.LastSeenAt, time.Now(),
	)
	stored, err := r.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row's LastSeenAt was already newer; re-read it.
		current, getErr := r.Get(ctx, inst.ServiceID, inst.InstanceID)
		observe(r.metrics, "service_instance", "upsert", start, getErr)
		return current, getErr
	}
	observe(r.metrics, "service_instance", "upsert", start, err)
	if err != nil {
		observeError(r.metrics, "service_instance", "upsert", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "upsert service instance", err)
	}
	return stored, nil
}

// ListStale implements repository.ServiceInstanceRepository.
func (r *ServiceInstanceRepository) ListStale(ctx context.Context, now time.Time, threshold time.Duration) ([]*domain.ServiceInstance, error) {
	start := time.Now()
	cutoff := now.Add(-threshold)
	rows, err := r.pool.Query(ctx, `SELECT `+serviceInstanceColumns+` FROM service_instances WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		observe(r.metrics, "service_instance", "list_stale", start, err)
		observeError(r.metrics, "service_instance", "list_stale", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list stale instances", err)
	}
	defer rows.Close()

	var out []*domain.ServiceInstance
	for rows.Next() {
		inst, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "service_instance", "list_stale", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan service instance", err)
		}
		out = append(out, inst)
	}
	observe(r.metrics, "service_instance", "list_stale", start, rows.Err())
	return out, rows.Err()
}

// List implements repository.ServiceInstanceRepository.
func (r *ServiceInstanceRepository) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ServiceInstance, error) {
	start := time.Now()
	query := `SELECT ` + serviceInstanceColumns + ` FROM service_instances`
	args := []interface{}{}
	clauses := []string{}
	if !criteria.Unrestricted {
		args = append(args, criteria.OwnerTeamIDs)
		ownerPos := itoa(len(args))
		args = append(args, criteria.SharedServiceIDs)
		sharedPos := itoa(len(args))
		clauses = append(clauses, `(service_id IN (SELECT id FROM application_services WHERE owner_team_id = ANY($`+ownerPos+`)) OR service_id = ANY($`+sharedPos+`))`)
	}
	if criteria.Environment != "" {
		args = append(args, criteria.Environment)
		clauses = append(clauses, `environment = $`+itoa(len(args)))
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY service_id, instance_id`
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
		observe(r.metrics, "service_instance", "list", start, err)
		observeError(r.metrics, "service_instance", "list", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list service instances", err)
	}
	defer rows.Close()

	var out []*domain.ServiceInstance
	for rows.Next() {
		inst, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "service_instance", "list", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan service instance", err)
		}
		out = append(out, inst)
	}
	observe(r.metrics, "service_instance", "list", start, rows.Err())
	return out, rows.Err()
}

// Delete implements repository.ServiceInstanceRepository.
func (r *ServiceInstanceRepository) Delete(ctx context.Context, serviceID, instanceID string) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `DELETE FROM service_instances WHERE service_id = $1 AND instance_id = $2`, serviceID, instanceID)
	observe(r.metrics, "service_instance", "delete", start, err)
	if err != nil {
		observeError(r.metrics, "service_instance", "delete", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "delete service instance", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "service instance not found")
	}
	return nil
}

// MarkStatus implements repository.ServiceInstanceRepository. It updates
// status and updated_at only, deliberately leaving last_seen_at alone so
// a reaper sweep marking an instance UNHEALTHY does not make it look
// freshly seen.
func (r *ServiceInstanceRepository) MarkStatus(ctx context.Context, serviceID, instanceID string, status domain.InstanceStatus) error {
	start := time.Now()
	tag, err := r.pool.Exec(ctx, `UPDATE service_instances SET status = $1, updated_at = $2 WHERE service_id = $3 AND instance_id = $4`,
		status, time.Now(), serviceID, instanceID)
	observe(r.metrics, "service_instance", "mark_status", start, err)
	if err != nil {
		observeError(r.metrics, "service_instance", "mark_status", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "mark service instance status", err)
	}
	if tag.RowsAffected() == 0 {
		return domainerr.New(domainerr.KindNotFound, "service instance not found")
	}
	return nil
}
