package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve read-only pipeline status and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if servePort != 0 {
			cfg.Serve.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		var ledger store.Ledger
		if l, err := initLedger(ctx); err != nil {
			zap.L().Warn("serve: ledger unavailable, /runs disabled", zap.Error(err))
		} else {
			ledger = l
			defer l.Close() //nolint:errcheck
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Serve.Port),
			Handler:           newStatusServer(newStores(), ledger).routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Serve.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// statusServer exposes the status projection and the ledger. It never
// writes to a store.
type statusServer struct {
	stores   *pipeline.Stores
	ledger   store.Ledger
	registry *prometheus.Registry
}

func newStatusServer(stores *pipeline.Stores, ledger store.Ledger) *statusServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStageCollector(stores))
	return &statusServer{stores: stores, ledger: ledger, registry: reg}
}

func (s *statusServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.status)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{runID}", s.getRun)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *statusServer) status(w http.ResponseWriter, _ *http.Request) {
	stages, err := pipeline.Status(s.stores)
	if err != nil {
		zap.L().Error("serve: status failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

func (s *statusServer) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger unavailable"})
		return
	}
	runs, err := s.ledger.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  50,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *statusServer) getRun(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger unavailable"})
		return
	}
	run, err := s.ledger.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	stages, err := s.ledger.ListStageRuns(r.Context(), run.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Stages: stages})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("serve: write response", zap.Error(err))
	}
}

// stageCollector exports the status projection as gauges, read from the
// snapshots on every scrape.
type stageCollector struct {
	stores  *pipeline.Stores
	records *prometheus.Desc
	exists  *prometheus.Desc
	updated *prometheus.Desc
}

func newStageCollector(stores *pipeline.Stores) *stageCollector {
	return &stageCollector{
		stores: stores,
		records: prometheus.NewDesc("prospect_stage_records",
			"Records in a stage's store, by state.", []string{"stage", "state"}, nil),
		exists: prometheus.NewDesc("prospect_stage_store_exists",
			"Whether the stage's store has been written.", []string{"stage"}, nil),
		updated: prometheus.NewDesc("prospect_stage_store_updated_timestamp_seconds",
			"Modification time of the stage's store.", []string{"stage"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *stageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.exists
	ch <- c.updated
}

// Collect implements prometheus.Collector.
func (c *stageCollector) Collect(ch chan<- prometheus.Metric) {
	stages, err := pipeline.Status(c.stores)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.records, err)
		return
	}
	for _, s := range stages {
		name := string(s.Stage)
		for state, n := range map[string]int{
			"total":    s.Records,
			"done":     s.Done,
			"failed":   s.Failed,
			"retrying": s.Retrying,
			"rejected": s.Rejected,
			"unknown":  s.Unknown,
			"pending":  s.Pending,
		} {
			ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(n), name, state)
		}
		exists := 0.0
		if s.Exists {
			exists = 1
		}
		ch <- prometheus.MustNewConstMetric(c.exists, prometheus.GaugeValue, exists, name)
		if s.UpdatedAt != nil {
			ch <- prometheus.MustNewConstMetric(c.updated, prometheus.GaugeValue, float64(s.UpdatedAt.Unix()), name)
		}
	}
}
