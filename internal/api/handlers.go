package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/runs"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"commit": BuildCommit,
	})
}

// statusPayload is the /status and /ws/status document. Every section is
// best-effort: a failing sub-query leaves its section empty rather than
// failing the whole endpoint.
type statusPayload struct {
	Status     string                      `json:"status"`
	Commit     string                      `json:"commit"`
	Time       time.Time                   `json:"time"`
	ActiveRuns []models.RunStatus          `json:"active_runs"`
	Queues     map[string]int64            `json:"queues"`
	Watermarks map[string]models.Watermark `json:"watermarks"`
	Diamonds   map[string]int64            `json:"diamonds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	withPartitions := false
	if q := r.URL.Query().Get("include_partitions"); q == "1" || q == "true" {
		withPartitions = true
	}

	// The plain payload is cached briefly; dashboards poll it every few
	// seconds and the tallies behind it are aggregate queries.
	if !withPartitions {
		now := time.Now()
		s.statusCache.mu.Lock()
		if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
			cached := append([]byte(nil), s.statusCache.payload...)
			s.statusCache.mu.Unlock()
			w.Write(cached)
			return
		}
		s.statusCache.mu.Unlock()
	}

	payload, err := s.buildStatusPayload(r.Context(), withPartitions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !withPartitions {
		s.statusCache.mu.Lock()
		s.statusCache.payload = payload
		s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
		s.statusCache.mu.Unlock()
	}
	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context, withPartitions bool) ([]byte, error) {
	active, err := s.store.ActiveRuns(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]models.RunStatus, 0, len(active))
	for _, run := range active {
		st, err := s.coord.Status(ctx, run.RunID, withPartitions)
		if err != nil || st == nil {
			continue
		}
		statuses = append(statuses, *st)
	}

	queues := map[string]int64{}
	for _, q := range []string{bus.QueueWorkItems, bus.QueueWorkDone, bus.QueueConsolidate} {
		depth, err := s.queue.Depth(ctx, q)
		if err != nil {
			continue
		}
		queues[q] = depth
		metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
	}

	watermarks := map[string]models.Watermark{}
	diamonds := map[string]int64{}
	for _, id := range s.feeds.IDs() {
		if wm, ok, err := s.marks.Load(ctx, id); err == nil && ok {
			watermarks[id] = *wm
		}
		if n, err := s.store.CountDiamonds(ctx, id); err == nil {
			diamonds[id] = n
		}
	}

	return json.Marshal(statusPayload{
		Status:     "ok",
		Commit:     BuildCommit,
		Time:       time.Now().UTC(),
		ActiveRuns: statuses,
		Queues:     queues,
		Watermarks: watermarks,
		Diamonds:   diamonds,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	list, err := s.store.ListRuns(r.Context(), feedID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	withPartitions := r.URL.Query().Get("include_partitions") != "false"

	st, err := s.coord.Status(r.Context(), runID, withPartitions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	parts, err := s.store.ListPartitions(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "partitions": parts})
}

func (s *Server) handleListWorkerRuns(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	workers, err := s.store.ListWorkerRuns(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "workers": workers})
}

// handleGetDiamond answers "did this stone land" during consolidation
// checks. It reads the consolidated row, not the raw payload.
func (s *Server) handleGetDiamond(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := s.store.GetDiamond(r.Context(), vars["feed"], vars["stone_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "diamond not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type triggerRunRequest struct {
	Feed    string `json:"feed"`
	RunType string `json:"run_type"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Feed == "" {
		writeError(w, http.StatusBadRequest, "feed is required")
		return
	}
	if req.RunType == "" {
		req.RunType = models.RunTypeIncremental
	}
	if req.RunType != models.RunTypeFull && req.RunType != models.RunTypeIncremental {
		writeError(w, http.StatusBadRequest, "run_type must be full or incremental")
		return
	}

	// One run per feed at a time. The scheduler loop applies the same rule;
	// manual triggers get a clear conflict instead of a duplicate run.
	active, err := s.store.ActiveRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, run := range active {
		if run.Feed == req.Feed {
			writeError(w, http.StatusConflict, "feed already has an active run: "+run.RunID)
			return
		}
	}

	run, err := s.sched.ScheduleRun(r.Context(), req.Feed, req.RunType)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, feed.ErrUnknownFeed) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"scheduled": false,
			"reason":    "window holds no records",
		})
		return
	}

	s.log.Info().Str("feed", req.Feed).Str("run_id", run.RunID).Str("run_type", req.RunType).Msg("run triggered via api")
	writeJSON(w, http.StatusCreated, map[string]any{"scheduled": true, "run": run})
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	var req cancelRunRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	won, err := s.coord.Cancel(r.Context(), runID, req.Reason)
	if err != nil {
		code := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	if !won {
		writeError(w, http.StatusConflict, "run is already closed")
		return
	}

	s.log.Info().Str("run_id", runID).Str("reason", req.Reason).Msg("run cancelled via api")
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "run_id": runID})
}

func (s *Server) handleRetryPartition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID := vars["run_id"]
	partitionID := vars["partition_id"]

	item, err := runs.RetryPartition(r.Context(), s.store, s.queue, runID, partitionID)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, runs.ErrPartitionNotFailed):
			code = http.StatusConflict
		case strings.Contains(err.Error(), "not found"), strings.Contains(err.Error(), "no work item recorded"):
			code = http.StatusNotFound
		case strings.Contains(err.Error(), "is closed"):
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}

	s.log.Info().Str("run_id", runID).Str("partition_id", partitionID).Int64("offset", item.Offset).
		Msg("partition retried via api")
	writeJSON(w, http.StatusOK, map[string]any{"retried": true, "work_item": item})
}
