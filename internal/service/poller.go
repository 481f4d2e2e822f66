package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/traventa/bookingpay/internal/domain"
	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/internal/repository"
)

// PollerConfig bounds the fallback reconciliation sweep.
type PollerConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// Age a PROCESSING refund must reach before it is considered overdue
	// for a callback and queried directly.
	Age time.Duration

	// Batch caps how many overdue refunds one sweep picks up.
	Batch int
}

// Poller is the callback fallback: refunds stuck in PROCESSING past the
// expected callback window are resolved by querying the channel directly and
// fed through the same settlement path the callback reconciler uses. Refunds
// stuck in PENDING for the same window never reached the channel at all, so
// they re-enter the normal submission path instead.
type Poller struct {
	refunds   repository.RefundRepository
	channel   gateway.Gateway
	refundSvc *RefundService
	callback  *CallbackService
	cfg       PollerConfig
	logger    *slog.Logger
}

// NewPoller creates a new reconciliation poller.
func NewPoller(refunds repository.RefundRepository, channel gateway.Gateway, refundSvc *RefundService, callback *CallbackService, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Age <= 0 {
		cfg.Age = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return &Poller{
		refunds:   refunds,
		channel:   channel,
		refundSvc: refundSvc,
		callback:  callback,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run sweeps until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("reconciliation poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Duration("age", p.cfg.Age),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				p.logger.Error("reconciliation sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep resumes one batch of stale PENDING refunds and resolves one batch of
// overdue PROCESSING refunds.
func (p *Poller) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-p.cfg.Age)

	stale, err := p.refunds.ListPendingBefore(ctx, cutoff, p.cfg.Batch)
	if err != nil {
		return err
	}
	for i := range stale {
		refund := &stale[i]
		// No gateway call ever preceded a stale PENDING row; submission can
		// restart from scratch under the usual in-flight lock.
		if err := p.refundSvc.Process(ctx, refund.ID); err != nil {
			p.logger.ErrorContext(ctx, "failed to resume stale pending refund",
				slog.String("refund_no", refund.RefundNo),
				slog.String("error", err.Error()),
			)
		}
	}

	overdue, err := p.refunds.ListProcessingBefore(ctx, cutoff, p.cfg.Batch)
	if err != nil {
		return err
	}
	for i := range overdue {
		refund := &overdue[i]
		if err := p.resolve(ctx, refund); err != nil {
			p.logger.ErrorContext(ctx, "failed to resolve overdue refund",
				slog.String("refund_no", refund.RefundNo),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (p *Poller) resolve(ctx context.Context, refund *domain.RefundRequest) error {
	result, err := p.channel.QueryRefund(ctx, refund.RefundNo)
	if err != nil {
		return err
	}

	switch result.State {
	case gateway.RefundStateSuccess:
		// The channel has no amount drift to report on a query path; the
		// settled amount is the requested amount.
		return p.callback.ApplySuccess(ctx, refund, result.GatewayRefundID, refund.Amount)
	case gateway.RefundStateFailed:
		return p.callback.ApplyFailure(ctx, refund, result.FailureReason)
	default:
		p.logger.InfoContext(ctx, "refund still processing at channel",
			slog.String("refund_no", refund.RefundNo),
		)
		return nil
	}
}
