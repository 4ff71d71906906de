package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/platform/metrics"
)

// ApprovalDecisionRepository is the PostgreSQL implementation of
// repository.ApprovalDecisionRepository.
type ApprovalDecisionRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.RepositoryMetrics
}

// NewApprovalDecisionRepository constructs a repository backed by pool.
func NewApprovalDecisionRepository(pool *pgxpool.Pool, m *metrics.RepositoryMetrics) *ApprovalDecisionRepository {
	return &ApprovalDecisionRepository{pool: pool, metrics: m}
}

const approvalDecisionColumns = `request_id, approver_user_id, gate, decision, at`

func (r *ApprovalDecisionRepository) scan(row pgx.Row) (*domain.ApprovalDecision, error) {
	var d domain.ApprovalDecision
	if err := row.Scan(&d.RequestID, &d.ApproverUserID, &d.Gate, &d.Decision, &d.At); err != nil {
		return nil, err
	}
	return &d, nil
}

// Create implements repository.ApprovalDecisionRepository, enforcing
// uniqueness on (RequestID, ApproverUserID, Gate) via the table's unique
// index.
func (r *ApprovalDecisionRepository) Create(ctx context.Context, decision *domain.ApprovalDecision) error {
	start := time.Now()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO approval_decisions (request_id, approver_user_id, gate, decision, at)
		VALUES ($1,$2,$3,$4,$5)`,
		decision.RequestID, decision.ApproverUserID, decision.Gate, decision.Decision, decision.At,
	)
	observe(r.metrics, "approval_decision", "create", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			observeError(r.metrics, "approval_decision", "create", "conflict")
			return domainerr.ErrDuplicateDecision
		}
		observeError(r.metrics, "approval_decision", "create", "internal")
		return domainerr.Wrap(domainerr.KindInternal, "create approval decision", err)
	}
	return nil
}

// ListByRequest implements repository.ApprovalDecisionRepository.
func (r *ApprovalDecisionRepository) ListByRequest(ctx context.Context, requestID string) ([]*domain.ApprovalDecision, error) {
	start := time.Now()
	rows, err := r.pool.Query(ctx, `SELECT `+approvalDecisionColumns+` FROM approval_decisions WHERE request_id = $1 ORDER BY at`, requestID)
	if err != nil {
		observe(r.metrics, "approval_decision", "list_by_request", start, err)
		observeError(r.metrics, "approval_decision", "list_by_request", "internal")
		return nil, domainerr.Wrap(domainerr.KindInternal, "list approval decisions", err)
	}
	defer rows.Close()

	var out []*domain.ApprovalDecision
	for rows.Next() {
		d, err := r.scan(rows)
		if err != nil {
			observe(r.metrics, "approval_decision", "list_by_request", start, err)
			return nil, domainerr.Wrap(domainerr.KindInternal, "scan approval decision", err)
		}
		out = append(out, d)
	}
	observe(r.metrics, "approval_decision", "list_by_request", start, rows.Err())
	return out, rows.Err()
}
