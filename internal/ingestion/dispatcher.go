package ingestion

import (
	"context"
	"errors"
	"time"

	"OptLedger/internal/event"
	"OptLedger/internal/ledger"
	"OptLedger/internal/observability"
	"OptLedger/internal/valuation"

	"github.com/rs/zerolog"
)

// Dispatcher drains the raw-message channel and drives the engine. Messages
// that can never succeed (unparseable JSON, consistency rejections) are
// acked so they don't poison the consumer; anything that might succeed on a
// later delivery is nak'd for redelivery.
type Dispatcher struct {
	engine  *ledger.Engine
	marks   *valuation.Service
	msgChan <-chan RawMessage
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(
	engine *ledger.Engine,
	marks *valuation.Service,
	msgChan <-chan RawMessage,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		marks:   marks,
		msgChan: msgChan,
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes messages until the context is cancelled or the channel
// closes. Unacked in-flight messages redeliver after their AckWait, so a
// shutdown mid-message loses nothing.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.msgChan:
			if !ok {
				return
			}
			d.handle(msg)
		}
	}
}

func (d *Dispatcher) handle(msg RawMessage) {
	d.metrics.IngestReceived.WithLabelValues(string(msg.Kind)).Inc()

	var err error
	switch msg.Kind {
	case KindFill:
		err = d.handleFill(msg)
	case KindQuote:
		err = d.handleQuote(msg)
	case KindLifecycle:
		err = d.handleLifecycle(msg)
	case KindCash:
		err = d.handleCash(msg)
	default:
		d.logger.Error().Str("subject", msg.Subject).Str("kind", string(msg.Kind)).Msg("unroutable message")
		msg.Ack()
		return
	}

	switch {
	case err == nil:
		msg.Ack()
		d.metrics.IngestToApply.WithLabelValues(string(msg.Kind)).Observe(time.Since(msg.ReceivedAt).Seconds())
	case permanentFailure(err):
		d.logger.Warn().Err(err).
			Str("subject", msg.Subject).
			Str("kind", string(msg.Kind)).
			Msg("message rejected")
		msg.Ack()
	default:
		d.logger.Error().Err(err).
			Str("subject", msg.Subject).
			Str("kind", string(msg.Kind)).
			Msg("message failed, requesting redelivery")
		msg.Nak()
	}
}

func (d *Dispatcher) handleFill(msg RawMessage) error {
	fill, err := ParseFill(msg.Data)
	if err != nil {
		d.countParseErr(msg.Kind)
		return &parseError{err}
	}

	result, err := d.engine.ApplyFill(fill)
	if err != nil {
		return err
	}
	if result.Duplicate {
		d.logger.Debug().
			Str("owner", fill.OwnerID.String()).
			Str("exec", fill.BrokerExecID).
			Msg("duplicate fill ignored")
	}
	return nil
}

func (d *Dispatcher) handleQuote(msg RawMessage) error {
	quote, err := ParseQuote(msg.Data)
	if err != nil {
		d.countParseErr(msg.Kind)
		return &parseError{err}
	}
	_, err = d.marks.RecordQuote(quote)
	return err
}

func (d *Dispatcher) handleLifecycle(msg RawMessage) error {
	lc, err := ParseLifecycle(msg.Data)
	if err != nil {
		d.countParseErr(msg.Kind)
		return &parseError{err}
	}

	var result *ledger.ApplyResult
	switch lc.Type {
	case event.TypeAssignment:
		result, err = d.engine.ApplyAssignment(lc.OwnerID, lc.GroupID, *lc.Lifecycle)
	case event.TypeExercise:
		result, err = d.engine.ApplyExercise(lc.OwnerID, lc.GroupID, *lc.Lifecycle)
	case event.TypeExpiration:
		result, err = d.engine.ApplyExpiration(lc.OwnerID, lc.GroupID, *lc.Lifecycle)
	case event.TypeCorporateAction:
		result, err = d.engine.ApplyCorporateAction(lc.OwnerID, lc.GroupID, *lc.CorpAction)
	default:
		d.countParseErr(msg.Kind)
		return &parseError{errors.New("unroutable lifecycle type")}
	}
	if err != nil {
		return err
	}
	if result.Duplicate {
		d.logger.Debug().
			Str("group", lc.GroupID.String()).
			Str("type", lc.Type.String()).
			Msg("duplicate lifecycle event ignored")
	}
	return nil
}

func (d *Dispatcher) handleCash(msg RawMessage) error {
	cash, err := ParseCash(msg.Data)
	if err != nil {
		d.countParseErr(msg.Kind)
		return &parseError{err}
	}
	_, err = d.engine.ApplyCashAdjustment(cash.OwnerID, cash.GroupID, cash.Payload)
	return err
}

func (d *Dispatcher) countParseErr(kind Kind) {
	d.metrics.IngestParseErrs.WithLabelValues(string(kind)).Inc()
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// permanentFailure reports whether redelivery can't change the outcome.
// Unknown-group errors are intentionally NOT permanent: a lifecycle event
// racing ahead of its opening fill succeeds once the fill lands, and
// MaxDeliver bounds the retries if it never does.
func permanentFailure(err error) bool {
	var pe *parseError
	var ce *ledger.ConsistencyError
	var te *ledger.TerminalStateError
	var ie *ledger.ImmutabilityViolation
	return errors.As(err, &pe) ||
		errors.As(err, &ce) ||
		errors.As(err, &te) ||
		errors.As(err, &ie)
}
