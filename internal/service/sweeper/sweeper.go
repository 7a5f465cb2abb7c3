package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/deploygate/pkg/config"
)

const (
	defaultInterval = 30 * time.Second
	sweepTimeout    = 15 * time.Second
)

// RollbackRecoverer resumes rollback events stuck in pending.
type RollbackRecoverer interface {
	RecoverPending(ctx context.Context, age time.Duration) (int, error)
}

// ApprovalExpirer rejects approvals that waited past a cutoff.
type ApprovalExpirer interface {
	Expire(ctx context.Context, cutoff time.Time) (int, error)
}

// Controller periodically repairs queue state that no request will touch again.
type Controller struct {
	rollbacks RollbackRecoverer
	approvals ApprovalExpirer
	logger    *slog.Logger

	interval    time.Duration
	resumeAfter time.Duration
	approvalTTL time.Duration

	now func() time.Time
}

// New constructs a sweeper. It returns nil when there is nothing to sweep.
func New(rollbacks RollbackRecoverer, approvals ApprovalExpirer, logger *slog.Logger, cfg config.APIConfig) *Controller {
	if rollbacks == nil && (approvals == nil || cfg.ApprovalTTL <= 0) {
		return nil
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	resumeAfter := cfg.RollbackResumeAfter
	if resumeAfter < 0 {
		resumeAfter = 0
	}

	ctrl := &Controller{
		rollbacks:   rollbacks,
		approvals:   approvals,
		logger:      logger,
		interval:    interval,
		resumeAfter: resumeAfter,
		approvalTTL: cfg.ApprovalTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if ctrl.logger != nil {
		ctrl.logger = ctrl.logger.With("component", "sweeper")
	}
	return ctrl
}

// Run executes the sweep loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("sweeper started", "interval", c.interval, "rollback_resume_after", c.resumeAfter, "approval_ttl", c.approvalTTL)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	if c == nil {
		return
	}
	timeout := sweepTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	if c.approvals != nil && c.approvalTTL > 0 {
		cutoff := c.now().Add(-c.approvalTTL)
		expired, err := c.approvals.Expire(opCtx, cutoff)
		if err != nil {
			c.logger.Warn("approval expiry failed", "error", err)
		} else if expired > 0 {
			c.logger.Info("expired pending approvals", "count", expired, "cutoff", cutoff)
		}
	}

	if c.rollbacks != nil {
		recovered, err := c.rollbacks.RecoverPending(opCtx, c.resumeAfter)
		if err != nil {
			c.logger.Warn("rollback recovery failed", "error", err)
		} else if recovered > 0 {
			c.logger.Info("resumed pending rollbacks", "count", recovered)
		}
	}
}
