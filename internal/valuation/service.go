package valuation

import (
	"fmt"

	"OptLedger/internal/ledger"
	"OptLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service fans inbound quotes out to every open leg holding the symbol,
// refreshing each leg's mark cache and emitting a history row per leg. The
// history channel feeds the persistence worker; a nil channel (tests) keeps
// everything in memory.
type Service struct {
	engine    *ledger.Engine
	marksChan chan<- *LegMark
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewService(engine *ledger.Engine, marksChan chan<- *LegMark, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		engine:    engine,
		marksChan: marksChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// RecordQuote applies one quote and returns the number of legs marked. A
// quote for a symbol nobody holds is dropped without error; a quote with no
// derivable mid still updates the cache so staleness is observable, and the
// affected legs value as unavailable until a two-sided quote arrives.
func (s *Service) RecordQuote(q *Quote) (int, error) {
	if q.Symbol == "" {
		return 0, fmt.Errorf("quote: symbol required")
	}
	if q.QuotedAt.IsZero() {
		return 0, fmt.Errorf("quote %s: quoted_at required", q.Symbol)
	}

	mid := q.ResolveMid()
	legs := s.engine.OpenLegsForSymbol(q.Symbol)
	marked := 0

	for _, loc := range legs {
		markID := uuid.New()
		if err := s.engine.SetLegMark(loc.GroupID, loc.LegID, markID, mid, q.QuotedAt); err != nil {
			s.logger.Warn().Err(err).
				Str("symbol", q.Symbol).
				Str("group", loc.GroupID.String()).
				Msg("mark cache update failed")
			continue
		}
		marked++

		if s.marksChan != nil {
			s.marksChan <- &LegMark{
				ID:       markID,
				GroupID:  loc.GroupID,
				LegID:    loc.LegID,
				Symbol:   q.Symbol,
				Bid:      q.Bid,
				Ask:      q.Ask,
				Mid:      mid,
				Source:   q.Source,
				MarkedAt: q.QuotedAt,
			}
		}
	}

	if s.metrics != nil && marked > 0 {
		s.metrics.MarksRecorded.WithLabelValues(q.Source.String()).Add(float64(marked))
	}
	if mid == nil && marked > 0 {
		if s.metrics != nil {
			s.metrics.ValuationUnavailable.WithLabelValues("quote").Add(float64(marked))
		}
		s.logger.Debug().Str("symbol", q.Symbol).Msg("quote has no derivable mid; legs marked unavailable")
	}

	return marked, nil
}
