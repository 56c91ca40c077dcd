package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OptLedger/internal/event"
	"OptLedger/internal/observability"
	"OptLedger/internal/valuation"

	"github.com/rs/zerolog"
)

// Worker drains the engine's persist channel and the valuation mark channel,
// batch-writing both into Postgres. The engine sends on the event channel
// with BLOCKING sends, so if this worker falls behind ingestion stalls
// rather than losing events.
type Worker struct {
	writer       *EventWriter
	eventsChan   <-chan *event.Envelope
	marksChan    <-chan *valuation.LegMark
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	eventsChan <-chan *event.Envelope,
	marksChan <-chan *valuation.LegMark,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewEventWriter(db),
		eventsChan:   eventsChan,
		marksChan:    marksChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming rows and flushes when a batch fills or the flush
// timeout expires. Blocks until ctx is cancelled; remaining rows are flushed
// on the way out.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]*event.Envelope, 0, w.batchSize)
	markBatch := make([]*valuation.LegMark, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(eventBatch) == 0 && len(markBatch) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, eventBatch, markBatch); err != nil {
			w.logger.Error().Err(err).Msg("batch flush failed after retries")
		}
		eventBatch = eventBatch[:0]
		markBatch = markBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case env, ok := <-w.eventsChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			eventBatch = append(eventBatch, env)
			if len(eventBatch) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case mark, ok := <-w.marksChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			markBatch = append(markBatch, mark)
			if len(markBatch) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or shutdown forces one final
// attempt on a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []*event.Envelope, marks []*valuation.LegMark) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Int("marks", len(marks)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, marks); err != nil {
					// The durable log now has a gap. Record exactly which
					// sequences were lost so an operator can replay them
					// from the stream after the store recovers.
					logEvt := w.logger.Error().Err(err).
						Int("events", len(events)).
						Int("marks", len(marks))
					if len(events) > 0 {
						logEvt = logEvt.
							Int64("first_seq", events[0].Seq).
							Int64("last_seq", events[len(events)-1].Seq)
					}
					logEvt.Msg("batch dropped on shutdown")
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, marks)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []*event.Envelope, marks []*valuation.LegMark) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := w.writer.WriteMarkBatch(ctx, tx, marks); err != nil {
		w.countError("write_marks")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistMarksWritten.Add(float64(len(marks)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Seq))
		}
	}
	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// Writer returns the underlying writer for recovery reads.
func (w *Worker) Writer() *EventWriter {
	return w.writer
}
