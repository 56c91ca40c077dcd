// Package server exposes the ledger's read API and reconciliation
// operations over HTTP/JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"OptLedger/internal/observability"
	"OptLedger/internal/query"
	"OptLedger/internal/reconcile"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Server is the HTTP/JSON API. Reads are served from engine memory via the
// query service; the only mutations exposed are reconciliation runs and
// break resolution. Position mutations arrive exclusively through NATS.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	queries    *query.Service
	reconciler *reconcile.Reconciler
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// Config carries the HTTP listener settings.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

func NewServer(
	cfg Config,
	queries *query.Service,
	reconciler *reconcile.Reconciler,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		queries:    queries,
		reconciler: reconciler,
		health:     health,
		metrics:    metrics,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.observe)

	s.router.Get("/healthz", s.health.LivenessHandler)
	s.router.Get("/readyz", s.health.ReadinessHandler)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/owners/{ownerID}/groups", s.handleOwnerGroups)
		r.Get("/owners/{ownerID}/pnl", s.handleOwnerPnL)
		r.Get("/owners/{ownerID}/exposure", s.handleOwnerExposure)
		r.Get("/owners/{ownerID}/audit", s.handleOwnerAudit)
		r.Get("/owners/{ownerID}/breaks", s.handleOwnerBreaks)
		r.Get("/groups/{groupID}", s.handleGroup)
		r.Post("/reconcile", s.handleReconcile)
		r.Post("/breaks/{breakID}/resolve", s.handleResolveBreak)
	})
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// observe records per-endpoint request counts and latency using the chi
// route pattern, so path parameters don't explode label cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// --- Handlers ---

func (s *Server) handleOwnerGroups(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	includeTerminal := r.URL.Query().Get("include_terminal") == "true"
	s.writeJSON(w, http.StatusOK, s.queries.Groups(ownerID, includeTerminal))
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := s.pathUUID(w, r, "groupID")
	if !ok {
		return
	}
	view, err := s.queries.Group(groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOwnerPnL(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.queries.PnL(ownerID))
}

func (s *Server) handleOwnerExposure(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.queries.Exposure(ownerID))
}

func (s *Server) handleOwnerAudit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	var groupID *uuid.UUID
	if raw := r.URL.Query().Get("group_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeStatus(w, http.StatusBadRequest, "invalid group_id")
			return
		}
		groupID = &id
	}

	resp, err := s.queries.Audit(ownerID, groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOwnerBreaks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.pathUUID(w, r, "ownerID")
	if !ok {
		return
	}
	resp, err := s.queries.UnresolvedBreaks(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// reconcileRequest is a broker position snapshot submitted for comparison
// against ledger exposure.
type reconcileRequest struct {
	OwnerID   string `json:"owner_id"`
	Source    string `json:"source,omitempty"`
	TakenAtUs int64  `json:"taken_at_us"`
	Positions []struct {
		Symbol  string           `json:"symbol"`
		Qty     int64            `json:"qty"`
		AvgCost *decimal.Decimal `json:"avg_cost,omitempty"`
	} `json:"positions"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid owner_id")
		return
	}

	snap := &reconcile.Snapshot{
		OwnerID:   ownerID,
		TakenAt:   time.UnixMicro(req.TakenAtUs).UTC(),
		Source:    req.Source,
		Positions: make([]reconcile.BrokerPosition, 0, len(req.Positions)),
	}
	for _, p := range req.Positions {
		snap.Positions = append(snap.Positions, reconcile.BrokerPosition{
			Symbol:  p.Symbol,
			Qty:     p.Qty,
			AvgCost: p.AvgCost,
		})
	}

	report, err := s.reconciler.Run(r.Context(), snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reportView(report))
}

type resolveBreakRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolveBreak(w http.ResponseWriter, r *http.Request) {
	breakID, ok := s.pathUUID(w, r, "breakID")
	if !ok {
		return
	}
	var req resolveBreakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reconciler.Resolve(r.Context(), breakID, req.Note); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// reconcileReportView is the wire shape of a reconciliation run summary.
type reconcileReportView struct {
	RunID   uuid.UUID         `json:"run_id"`
	OwnerID uuid.UUID         `json:"owner_id"`
	RanAt   time.Time         `json:"ran_at"`
	Symbols int               `json:"symbols_compared"`
	Breaks  []query.BreakView `json:"breaks"`
}

func reportView(report *reconcile.Report) *reconcileReportView {
	out := &reconcileReportView{
		RunID:   report.RunID,
		OwnerID: report.OwnerID,
		RanAt:   report.RanAt,
		Symbols: report.Symbols,
		Breaks:  make([]query.BreakView, 0, len(report.Breaks)),
	}
	for _, b := range report.Breaks {
		out.Breaks = append(out.Breaks, query.BreakView{
			BreakID:    b.ID,
			RunID:      b.RunID,
			Symbol:     b.Symbol,
			Type:       string(b.Type),
			LedgerQty:  b.LedgerQty,
			BrokerQty:  b.BrokerQty,
			QtyDiff:    b.QtyDiff,
			LedgerCost: b.LedgerCost,
			BrokerCost: b.BrokerCost,
			GroupID:    b.GroupID,
			DetectedAt: b.DetectedAt,
			Note:       b.Note,
		})
	}
	return out
}

// --- Response helpers ---

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		s.writeStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		s.writeStatus(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		s.metrics.QueryErrors.WithLabelValues(r.URL.Path, "internal").Inc()
		s.writeStatus(w, http.StatusInternalServerError, "internal error")
	}
}
