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

// ApprovalRequestRepository is the PostgreSQL implementation of
// repository.ApprovalRequestRepository.
type ApprovalRequestRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.RepositoryMetrics
}

// NewApprovalRequestRepository constructs a repository backed by pool.
func NewApprovalRequestRepository(pool *pgxpool.Pool, m *metrics.RepositoryMetrics) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{pool: pool, metrics: m}
}

const approvalRequestColumns = `
	id, requester_user_id, request_type, target, required, status, counts,
	snapshot, ownership_side_effect_applied, created_at, updated_at, version`

func (r *ApprovalRequestRepository) scan(row pgx.Row) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var targetJSON, requiredJSON, countsJSON, snapshotJSON []byte
	err := row.Scan(
		&req.ID, &req.RequesterUserID, &req.RequestType, &targetJSON, &requiredJSON, &req.Status,
		&countsJSON, &snapshotJSON, &req.OwnershipSideEffectApplied, &req.CreatedAt, &req.UpdatedAt, &req.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targetJSON, &req.Target); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(requiredJSON, &req.Required); err != nil {
		return nil, err
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &req.Counts); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(snapshotJSON, &req.Snapshot); err != nil {
		return nil, err
	}
	return &req, nil
}

// Create implements repository.ApprovalRequestRepository.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *domain.ApprovalRequest) error {
	start := time.Now()
	targetJSON, err := json.Marshal(req.Target)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInvalidInput, "marshal target", err)
	}
	requiredJSON, err := json.Marshal(req.Required)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInvalidInput, "marshal required gates", err)
	}
	countsJSON, err := json.Marshal(req.Counts)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInvalidInput, "marshal counts", err)
	}
	snapshotJSON, err := json.Marshal(req.Snapshot)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInvalidInput, "marshal snapshot", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO approval_requests
			(id, requester_user_id, request_type, target, required, status, counts,
			 snapshot, ownership_side_effect_applied, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0)`,
		req.ID, req.RequesterUserID, req.RequestType, targetJSON, requiredJSON, req.Status,
		countsJSON, snapshotJSON, req.OwnershipSideEffectApplied, req.CreatedAt, req.UpdatedAt,
	)
	observe(r.metrics, "approval_request", "create", start, err)
	if err != nil {
		observeError(r.metrics, "approval_request", "create", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "create approval request", err)
	}
	return nil
}

// Get implements repository.ApprovalRequestRepository.
func (r *ApprovalRequestRepository) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	start := time.Now()
	row := r.pool.QueryRow(ctx, `SELECT `+approvalRequestColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := r.scan(row)
	observe(r.metrics, "approval_request", "get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.New(domainerr.KindNotFound, "approval request not found")
	}
	if err != nil {
		observeError(r.metrics, "approval_request", "get", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "get approval request", err)
	}
	return req, nil
}

// CompareAndSwap implements repository.ApprovalRequestRepository.
func (r *ApprovalRequestRepository) CompareAndSwap(ctx context.Context, req *domain.ApprovalRequest, expectedVersion int64) error {
	start := time.Now()
	countsJSON, err := json.Marshal(req.Counts)
	if err != nil {
		return domainerr.Wrap(domainerr.KindInvalidInput, "marshal counts", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE approval_requests SET
			status = $1, counts = $2, ownership_side_effect_applied = $3,
			updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		req.Status, countsJSON, req.OwnershipSideEffectApplied, req.UpdatedAt, req.ID, expectedVersion,
	)
	observe(r.metrics, "approval_request", "cas", start, err)
	if err != nil {
		observeError(r.metrics, "approval_request", "cas", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "compare-and-swap approval request", err)
	}
	if tag.RowsAffected() == 0 {
		observeError(r.metrics, "approval_request", "cas", "conflict")
		return domainerr.ErrConflict
	}
	return nil
}

// List implements repository.ApprovalRequestRepository.
func (r *ApprovalRequestRepository) List(ctx context.Context, criteria repository.Criteria) ([]*domain.ApprovalRequest, error) {
	start := time.Now()
	query := `SELECT ` + approvalRequestColumns + ` FROM approval_requests`
	args := []interface{}{}
	if !criteria.Unrestricted {
		args = append(args, criteria.OwnerTeamIDs)
		query += ` WHERE target->>'targetTeamId' = ANY($` + itoa(len(args)) + `)`
	}
	query += ` ORDER BY created_at DESC`
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
		observe(r.metrics, "approval_request", "list", start, err)
		observeError(r.metrics, "approval_request", "list", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list approval requests", err)
	}
	defer rows.Close()

	var out []*domain.ApprovalRequest
	for rows.Next() {
		req, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "approval_request", "list", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan approval request", err)
		}
		out = append(out, req)
	}
	observe(r.metrics, "approval_request", "list", start, rows.Err())
	return out, rows.Err()
}
