// Package api is the pipeline's operational HTTP surface: health and
// status, run inspection, admin-gated run control, a websocket progress
// stream, and Prometheus metrics. The customer-facing search API is a
// separate consumer of the store and does not live here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/runs"
	"github.com/shaunnez/diamond-opus-sub002/internal/watermark"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// Store is the repository slice the ops API reads and, for partition
// retries, writes.
type Store interface {
	ActiveRuns(ctx context.Context) ([]models.Run, error)
	ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListPartitions(ctx context.Context, runID string) ([]models.PartitionProgress, error)
	ListWorkerRuns(ctx context.Context, runID string) ([]models.WorkerRun, error)
	TallyPartitions(ctx context.Context, runID string) (models.RunTallies, error)
	GetPartition(ctx context.Context, runID, partitionID string) (*models.PartitionProgress, error)
	GetWorkerRun(ctx context.Context, runID, partitionID string) (*models.WorkerRun, error)
	ResetPartitionForRetry(ctx context.Context, runID, partitionID string) (bool, error)
	CountDiamonds(ctx context.Context, feed string) (int64, error)
	GetDiamond(ctx context.Context, feed, supplierStoneID string) (*models.Diamond, error)
}

// Trigger launches runs. Satisfied by the scheduler.
type Trigger interface {
	ScheduleRun(ctx context.Context, feedID, runType string) (*models.Run, error)
}

type Server struct {
	cfg        *config.Config
	store      Store
	queue      bus.Bus
	feeds      *feed.Registry
	marks      watermark.Store
	coord      *runs.Coordinator
	sched      Trigger
	hub        *Hub
	ips        *ipLimiter
	httpServer *http.Server
	log        zerolog.Logger

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(cfg *config.Config, store Store, queue bus.Bus, feeds *feed.Registry,
	marks watermark.Store, coord *runs.Coordinator, sched Trigger, events *eventbus.Bus) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		queue: queue,
		feeds: feeds,
		marks: marks,
		coord: coord,
		sched: sched,
		hub:   newHub(),
		ips:   newIPLimiter(cfg.OpsRateLimitRPS, cfg.OpsRateLimitBurst),
		log:   logging.Component("api"),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.rateLimitMiddleware())

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws/status", s.handleStatusWebSocket).Methods("GET", "OPTIONS")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/v1/runs", cachedHandler(5*time.Second, s.handleListRuns)).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/runs/{run_id}", s.handleGetRun).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/runs/{run_id}/partitions", s.handleListPartitions).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/runs/{run_id}/workers", s.handleListWorkerRuns).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/diamonds/{feed}/{stone_id}", s.handleGetDiamond).Methods("GET", "OPTIONS")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.opsAuthMiddleware)
	admin.HandleFunc("/runs/trigger", s.handleTriggerRun).Methods("POST", "OPTIONS")
	admin.HandleFunc("/runs/{run_id}/cancel", s.handleCancelRun).Methods("POST", "OPTIONS")
	admin.HandleFunc("/runs/{run_id}/partitions/{partition_id}/retry", s.handleRetryPartition).Methods("POST", "OPTIONS")

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	if events != nil {
		s.hub.Relay(events)
	}
	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	go s.hub.run()
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("ops api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
