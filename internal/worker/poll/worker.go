// Package poll reconciles in-flight jobs against the provider when
// callbacks are delayed or lost. Each tick polls a bounded batch of
// non-terminal jobs; the manager applies any observed progress through
// the same forward-only transition path callbacks use.
package poll

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-fax-dispatch/internal/app"
	"github.com/acme/outbound-fax-dispatch/internal/domain"
)

// Worker periodically polls provider status for unfinished jobs.
type Worker struct {
	container *app.Container
}

// New creates a new poll worker.
func New(container *app.Container) *Worker {
	return &Worker{container: container}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config.Poller
	logger := w.container.Logger.Named("poller")

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.tick(ctx, cfg.BatchSize, cfg.QueuedExpiry); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("poll tick failed", zap.Error(err))
		}
	}
}

func (w *Worker) tick(ctx context.Context, batchSize int, queuedExpiry time.Duration) error {
	ledger, err := w.container.Ledger()
	if err != nil {
		return err
	}
	mgr, err := w.container.Manager()
	if err != nil {
		return err
	}
	logger := w.container.Logger.Named("poller")

	// Jobs the provider never accepted cannot make progress through
	// callbacks or status polls; settle them once the window passes.
	if expired, err := mgr.ExpireStalled(ctx, queuedExpiry, batchSize); err != nil {
		logger.Warn("expiring stalled jobs failed", zap.Error(err))
	} else if expired > 0 {
		logger.Info("stalled jobs expired", zap.Int("count", expired))
	}

	jobs, err := ledger.ListInStatus(ctx, domain.JobStatusInProgress, batchSize)
	if err != nil {
		return err
	}

	tracer := otel.Tracer("faxdispatch.poller")
	for _, job := range jobs {
		if job.UpdatesSuppressed {
			continue
		}

		sctx, span := tracer.Start(ctx, "job.poll", trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("plugin.id", job.Backend),
		))

		res, err := mgr.GetStatus(sctx, job.ID)
		if err != nil {
			span.RecordError(err)
			logger.Warn("status poll failed", zap.String("job_id", job.ID), zap.Error(err))
			span.End()
			continue
		}
		if res.Status.Terminal() {
			logger.Info("job settled by poll",
				zap.String("job_id", job.ID),
				zap.String("status", string(res.Status)))
		}
		span.End()
	}
	return nil
}
