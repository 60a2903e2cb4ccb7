// Package server exposes the ledger API over HTTP/JSON along with health
// and metrics endpoints. Reads go through the query service; writes are
// parsed into operations and applied on the core goroutine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/query"
)

// OpSubmitter applies one operation on the core goroutine and returns the
// assigned sequence.
type OpSubmitter func(ctx context.Context, op event.Op) (int64, error)

// HTTPServer serves the query and write API.
type HTTPServer struct {
	server  *http.Server
	qs      *query.QueryService
	submit  OpSubmitter
	metrics *observability.Metrics
	health  *observability.HealthChecker
	log     zerolog.Logger
}

func NewHTTPServer(
	addr string,
	qs *query.QueryService,
	submit OpSubmitter,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
	log zerolog.Logger,
) *HTTPServer {
	s := &HTTPServer{
		qs:      qs,
		submit:  submit,
		metrics: metrics,
		health:  health,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pools", s.instrument("list_pools", s.handleListPools))
		r.Get("/pools/{poolID}", s.instrument("get_pool", s.handleGetPool))
		r.Get("/pools/{poolID}/positions/{owner}", s.instrument("get_position", s.handleGetPosition))
		r.Get("/accounts/{account}", s.instrument("get_account", s.handleGetAccount))
		r.Get("/system", s.instrument("get_system", s.handleGetSystem))
		r.Get("/ops", s.instrument("op_history", s.handleOpHistory))
		r.Get("/liquidations", s.instrument("liquidation_history", s.handleLiquidationHistory))
		r.Get("/admin/integrity", s.instrument("verify_integrity", s.handleVerifyIntegrity))

		if submit != nil {
			r.Post("/pools", s.instrument("create_pool", s.handleSubmit("PoolCreate")))
			r.Patch("/pools/{poolID}", s.instrument("update_pool", s.handlePoolScoped("PoolUpdate")))
			r.Post("/pools/{poolID}/cage", s.instrument("cage_pool", s.handlePoolScoped("PoolCage")))
			r.Post("/pools/{poolID}/collect", s.instrument("collect_fees", s.handleCollect))
			r.Post("/positions/adjust", s.instrument("adjust_position", s.handleSubmit("PositionAdjustment")))
			r.Post("/collateral/move", s.instrument("move_collateral", s.handleSubmit("CollateralTransfer")))
			r.Post("/stablecoin/move", s.instrument("move_stablecoin", s.handleSubmit("StablecoinTransfer")))
			r.Post("/liquidations", s.instrument("liquidate", s.handleSubmit("Liquidation")))
			r.Post("/delegates", s.instrument("update_delegate", s.handleSubmit("DelegationUpdate")))
		}
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *HTTPServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- handlers ---

type apiError struct {
	Error string `json:"error"`
}

// instrument wraps a handler with per-endpoint request metrics.
func (s *HTTPServer) instrument(endpoint string, h func(w http.ResponseWriter, r *http.Request) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status, err := h(w, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			}
		}
		if err != nil && status >= 500 {
			s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("query failed")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) parseBody(r *http.Request, opType string) (event.Op, int, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("read request body failed")
	}
	op, err := ingestion.ParseRawOp(ingestion.RawOp{Data: body}, opType)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	return op, 0, nil
}

// opErrorStatus maps the core's sentinel errors to HTTP status codes.
func opErrorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrPoolExists),
		errors.Is(err, liquidation.ErrPositionSafe):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, liquidation.ErrZeroRepay):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrPoolNotLive),
		errors.Is(err, ledger.ErrPositionUnsafe),
		errors.Is(err, ledger.ErrPoolDebtCeilingExceeded),
		errors.Is(err, ledger.ErrGlobalDebtCeilingExceeded),
		errors.Is(err, ledger.ErrDebtFloorViolated),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrInsufficientStablecoin),
		errors.Is(err, ledger.ErrInsufficientBadDebt),
		errors.Is(err, ledger.ErrLockedCollateralUnderflow),
		errors.Is(err, ledger.ErrDebtShareUnderflow),
		errors.Is(err, liquidation.ErrStalePrice),
		errors.Is(err, liquidation.ErrProceedsBelowMinimum),
		errors.Is(err, liquidation.ErrRepayNotFunded),
		errors.Is(err, liquidation.ErrFlashCallbackFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) int {
	status := http.StatusInternalServerError
	if errors.Is(err, query.ErrNotFound) {
		status = http.StatusNotFound
	} else if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, apiError{Error: err.Error()})
	return status
}

func (s *HTTPServer) handleListPools(w http.ResponseWriter, r *http.Request) (int, error) {
	pools, err := s.qs.ListPools(r.Context())
	if err != nil {
		return writeError(w, err), err
	}
	if pools == nil {
		pools = []query.PoolResponse{}
	}
	writeJSON(w, http.StatusOK, pools)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleGetPool(w http.ResponseWriter, r *http.Request) (int, error) {
	pool, err := s.qs.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		return writeError(w, err), err
	}
	writeJSON(w, http.StatusOK, pool)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) (int, error) {
	pos, err := s.qs.GetPosition(r.Context(), chi.URLParam(r, "poolID"), chi.URLParam(r, "owner"))
	if err != nil {
		return writeError(w, err), err
	}
	writeJSON(w, http.StatusOK, pos)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleGetAccount(w http.ResponseWriter, r *http.Request) (int, error) {
	acct, err := s.qs.GetAccount(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		return writeError(w, err), err
	}
	writeJSON(w, http.StatusOK, acct)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleGetSystem(w http.ResponseWriter, r *http.Request) (int, error) {
	sys, err := s.qs.GetSystem(r.Context())
	if err != nil {
		return writeError(w, err), err
	}
	writeJSON(w, http.StatusOK, sys)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleOpHistory(w http.ResponseWriter, r *http.Request) (int, error) {
	var poolID *string
	if p := r.URL.Query().Get("pool_id"); p != "" {
		poolID = &p
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			err = errors.New("limit must be between 1 and 1000")
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return http.StatusBadRequest, err
		}
		limit = n
	}

	var before *int64
	if b := r.URL.Query().Get("before"); b != "" {
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			err = errors.New("before must be an integer sequence")
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return http.StatusBadRequest, err
		}
		before = &n
	}

	entries, err := s.qs.GetOpHistory(r.Context(), poolID, limit, before)
	if err != nil {
		return writeError(w, err), err
	}
	if entries == nil {
		entries = []query.OpHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleLiquidationHistory(w http.ResponseWriter, r *http.Request) (int, error) {
	var poolID, owner *string
	if p := r.URL.Query().Get("pool_id"); p != "" {
		poolID = &p
	}
	if o := r.URL.Query().Get("owner"); o != "" {
		owner = &o
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			err = errors.New("limit must be between 1 and 1000")
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return http.StatusBadRequest, err
		}
		limit = n
	}

	var before *int64
	if b := r.URL.Query().Get("before"); b != "" {
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			err = errors.New("before must be an integer sequence")
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return http.StatusBadRequest, err
		}
		before = &n
	}

	entries, err := s.qs.GetLiquidationHistory(r.Context(), poolID, owner, limit, before)
	if err != nil {
		return writeError(w, err), err
	}
	if entries == nil {
		entries = []query.LiquidationHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
	return http.StatusOK, nil
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) (int, error) {
	report, err := s.qs.VerifyIntegrity(r.Context())
	if err != nil {
		return writeError(w, err), err
	}
	writeJSON(w, http.StatusOK, report)
	return http.StatusOK, nil
}

// --- write handlers ---

type submitResponse struct {
	Sequence int64 `json:"sequence"`
}

// handleSubmit parses the request body as the named operation and applies
// it. The body uses the same wire format as the NATS feeds, including the
// caller-owned source sequence.
func (s *HTTPServer) handleSubmit(opType string) func(w http.ResponseWriter, r *http.Request) (int, error) {
	return func(w http.ResponseWriter, r *http.Request) (int, error) {
		op, status, err := s.parseBody(r, opType)
		if err != nil {
			writeJSON(w, status, apiError{Error: err.Error()})
			return status, err
		}
		return s.applyOp(w, r, op)
	}
}

// handlePoolScoped is handleSubmit for pool-addressed routes; the body's
// pool must match the URL.
func (s *HTTPServer) handlePoolScoped(opType string) func(w http.ResponseWriter, r *http.Request) (int, error) {
	return func(w http.ResponseWriter, r *http.Request) (int, error) {
		op, status, err := s.parseBody(r, opType)
		if err != nil {
			writeJSON(w, status, apiError{Error: err.Error()})
			return status, err
		}
		if pool := op.PoolID(); pool == nil || *pool != chi.URLParam(r, "poolID") {
			err := errors.New("pool_id in body does not match URL")
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return http.StatusBadRequest, err
		}
		return s.applyOp(w, r, op)
	}
}

// handleCollect triggers stability fee accrual for one pool up to now. No
// body; collection is permissionless and idempotent per timestamp.
func (s *HTTPServer) handleCollect(w http.ResponseWriter, r *http.Request) (int, error) {
	now := time.Now().Unix()
	op := &event.StabilityFeeTick{
		Pool:      chi.URLParam(r, "poolID"),
		Sequence:  now,
		Timestamp: now,
	}
	return s.applyOp(w, r, op)
}

func (s *HTTPServer) applyOp(w http.ResponseWriter, r *http.Request, op event.Op) (int, error) {
	seq, err := s.submit(r.Context(), op)
	if err != nil {
		status := opErrorStatus(err)
		writeJSON(w, status, apiError{Error: err.Error()})
		return status, err
	}
	writeJSON(w, http.StatusOK, submitResponse{Sequence: seq})
	return http.StatusOK, nil
}
