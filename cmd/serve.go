package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/monitoring"
	"github.com/sells-group/rxclaims/internal/replay"
	"github.com/sells-group/rxclaims/internal/resilience"
	"github.com/sells-group/rxclaims/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the adjudication HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg.Server.Port = resolvePort(servePort, cfg.Server.Port)

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		router := buildRouter(apiDeps{
			Adjudicator:  env.Pipeline,
			Accumulators: env.Ledger,
			Results:      env.Store,
			Metrics:      collector,
			Pinger:       env.Store,
			Breaker:      env.Sink.Breaker(),
			Lookback:     cfg.Monitoring.LookbackWindowHours,
		})

		return startServer(ctx, router, cfg.Server.Port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type accumulatorReader interface {
	Get(ctx context.Context, key model.AccumulatorKey) (model.AccumulatorTotals, error)
}

type resultReader interface {
	GetResult(ctx context.Context, claimNumber string) (*model.AdjudicationResult, error)
	ListResults(ctx context.Context, filter store.ResultFilter) ([]model.AdjudicationResult, error)
}

type metricsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// apiDeps are the collaborators behind the HTTP routes.
type apiDeps struct {
	Adjudicator  replay.Adjudicator
	Accumulators accumulatorReader
	Results      resultReader
	Metrics      metricsCollector
	Pinger       pinger
	Breaker      *resilience.CircuitBreaker
	Lookback     int
}

// buildRouter wires the API routes.
func buildRouter(d apiDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if d.Breaker != nil {
			failures, _ := d.Breaker.Counters()
			state := d.Breaker.State()
			body["result_sink"] = map[string]any{"circuit": state.String(), "consecutive_failures": failures}
			if state != resilience.CircuitClosed {
				body["status"] = "degraded"
			}
		}
		if d.Pinger != nil {
			if err := d.Pinger.Ping(r.Context()); err != nil {
				body["status"] = "unavailable"
				body["error"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, body)
				return
			}
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/claims/adjudicate", d.handleAdjudicate)
		r.Get("/claims", d.handleListResults)
		r.Get("/claims/{claimNumber}", d.handleGetResult)
		r.Get("/accumulators/{member}/{plan}/{year}", d.handleAccumulator)
		r.Get("/metrics", d.handleMetrics)
	})

	return r
}

func (d apiDeps) handleAdjudicate(w http.ResponseWriter, r *http.Request) {
	var claim model.ClaimRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&claim); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if claim.ReceivedAt.IsZero() {
		claim.ReceivedAt = time.Now().UTC()
	}

	res := d.Adjudicator.Adjudicate(r.Context(), claim)
	status := http.StatusOK
	if res.Status == model.ClaimStatusError {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (d apiDeps) handleGetResult(w http.ResponseWriter, r *http.Request) {
	claimNumber := chi.URLParam(r, "claimNumber")
	res, err := d.Results.GetResult(r.Context(), claimNumber)
	if err != nil {
		zap.L().Error("get result", zap.String("claim", claimNumber), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "claim not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d apiDeps) handleListResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ResultFilter{
		MemberID: q.Get("member_id"),
		PlanID:   q.Get("plan_id"),
		Status:   model.ClaimStatus(q.Get("status")),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
				return
			}
			*dst = n
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filter.Since = t
	}

	results, err := d.Results.ListResults(r.Context(), filter)
	if err != nil {
		zap.L().Error("list results", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if results == nil {
		results = []model.AdjudicationResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (d apiDeps) handleAccumulator(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 1900 {
		writeError(w, http.StatusBadRequest, "invalid plan year")
		return
	}
	key := model.AccumulatorKey{
		MemberID: chi.URLParam(r, "member"),
		PlanID:   chi.URLParam(r, "plan"),
		PlanYear: year,
	}

	totals, err := d.Accumulators.Get(r.Context(), key)
	if err != nil {
		zap.L().Error("get accumulator", zap.Stringer("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		model.AccumulatorKey
		model.AccumulatorTotals
	}{key, totals})
}

func (d apiDeps) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := d.Lookback
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid lookback_hours")
			return
		}
		lookback = n
	}

	snap, err := d.Metrics.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolvePort returns the flag port if set, otherwise the config port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is cancelled.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}
