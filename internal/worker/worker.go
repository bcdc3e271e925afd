package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnelline/ingest/internal/domain"
	"github.com/funnelline/ingest/internal/metrics"
)

// Buffer is the claim side of the conversion buffer.
type Buffer interface {
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]domain.BufferedEvent, error)
	Complete(ctx context.Context, id int64) error
	Depth(ctx context.Context) (int64, error)
}

// Pipeline re-enters claimed events into the processing chain.
type Pipeline interface {
	RunBufferedEventPipeline(ctx context.Context, ev domain.ResolvedEvent)
}

// Stats is the worker's slice of the metrics client.
type Stats interface {
	Timing(name string, d time.Duration)
	Increment(name string, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
}

type Deps struct {
	Buffer       Buffer
	Pipeline     Pipeline
	Stats        Stats
	Logger       *slog.Logger
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

// Worker drains the conversion buffer. Claimed rows are leased, not removed:
// a worker that dies mid-batch leaves its claims to become due again once the
// lease expires.
type Worker struct {
	buffer       Buffer
	pipeline     Pipeline
	stats        Stats
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
}

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	stats := deps.Stats
	if stats == nil {
		stats = metrics.Default()
	}

	poll := deps.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	batch := deps.BatchSize
	if batch <= 0 {
		batch = 100
	}

	lease := deps.Lease
	if lease <= 0 {
		lease = time.Minute
	}

	return &Worker{
		buffer:       deps.Buffer,
		pipeline:     deps.Pipeline,
		stats:        stats,
		logger:       l,
		pollInterval: poll,
		batchSize:    batch,
		lease:        lease,
	}
}

// ProcessOnce claims one batch of due events, runs each through the rest of
// the pipeline, and completes the claimed rows. It returns how many events it
// claimed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	claimStart := time.Now()
	claimed, err := w.buffer.ClaimDue(ctx, w.batchSize, w.lease)
	if err != nil {
		w.logger.Error("claim buffered events failed", "error", err)
		return 0, err
	}
	w.stats.Timing("buffer.claim", time.Since(claimStart))

	if len(claimed) == 0 {
		return 0, nil
	}

	w.logger.Info("buffered events claimed",
		"count", len(claimed),
		"batch_size", w.batchSize,
	)

	for _, be := range claimed {
		// The pipeline absorbs its own failures, so a claimed row is
		// completed regardless of downstream outcome. Only a failure to
		// delete the row leaves it for a later claim.
		w.pipeline.RunBufferedEventPipeline(ctx, be.Event)
		w.stats.Timing("buffer.lag", time.Since(be.ProcessAt))

		if err := w.buffer.Complete(ctx, be.ID); err != nil {
			w.logger.Error("complete buffered event failed",
				"buffered_id", be.ID,
				"event_uuid", be.Event.UUID,
				"attempts", be.Attempts,
				"error", err,
			)
			continue
		}
		w.stats.Increment("buffer.processed", nil)
	}

	if depth, err := w.buffer.Depth(ctx); err == nil {
		w.stats.Gauge("buffer.depth", float64(depth), nil)
	}

	return len(claimed), nil
}

// Run polls the buffer until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("buffer worker started",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"lease", w.lease,
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("buffer worker stopped")
			return
		case <-ticker.C:
			// ProcessOnce logs its own failures; the loop keeps polling.
			_, _ = w.ProcessOnce(ctx)
		}
	}
}
