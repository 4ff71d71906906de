package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/repository"
)

// Compensator periodically retries the ownership-transfer side effect for
// ApprovalRequests that reached APPROVED but whose side effect did not
// durably apply (e.g. the CompareAndSwapOwner write or a cache
// invalidation failed at decision time). It never rolls an APPROVED
// request back.
type Compensator struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCompensator constructs a Compensator that sweeps svc's pending side
// effects every interval (30s if interval <= 0).
func NewCompensator(svc *Service, interval time.Duration, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Compensator{svc: svc, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

// Start begins the periodic sweep in a background goroutine.
func (c *Compensator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop signals the sweep to exit and waits for it to finish.
func (c *Compensator) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Compensator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep finds every APPROVED request with an unapplied side effect and
// retries it once per pass.
func (c *Compensator) sweep(ctx context.Context) {
	pending, err := c.svc.requests.List(ctx, repository.Criteria{Unrestricted: true})
	if err != nil {
		c.logger.Warn("compensator failed to list approval requests", "error", err)
		return
	}

	for _, req := range pending {
		if req.Status != domain.ApprovalApproved || req.OwnershipSideEffectApplied {
			continue
		}
		c.retry(ctx, req)
	}
}

func (c *Compensator) retry(ctx context.Context, req *domain.ApprovalRequest) {
	if c.svc.metrics != nil {
		c.svc.metrics.SideEffectRetriesTotal.Inc()
	}
	if err := c.svc.transferOwnership(ctx, req); err != nil {
		c.logger.Warn("compensator retry of ownership transfer failed, will retry next sweep",
			"request_id", req.ID, "error", err)
		return
	}
	c.svc.markSideEffectApplied(ctx, req.ID)
	c.logger.Info("compensator applied deferred ownership transfer", "request_id", req.ID)
}
