package runs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/notify"
)

type memStore struct {
	mu           sync.Mutex
	runs         map[string]*models.Run
	tallies      map[string]models.RunTallies
	lastProgress map[string]time.Time
	partitions   map[string][]models.PartitionProgress
}

func newMemStore() *memStore {
	return &memStore{
		runs:         map[string]*models.Run{},
		tallies:      map[string]models.RunTallies{},
		lastProgress: map[string]time.Time{},
		partitions:   map[string][]models.PartitionProgress{},
	}
}

func (m *memStore) addRun(run models.Run, t models.RunTallies) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := run
	m.runs[run.RunID] = &cp
	m.tallies[run.RunID] = t
	m.lastProgress[run.RunID] = time.Now().UTC()
}

func (m *memStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ActiveRuns(_ context.Context) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Run
	for _, run := range m.runs {
		if run.CompletedAt == nil {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (m *memStore) TallyPartitions(_ context.Context, runID string) (models.RunTallies, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tallies[runID], nil
}

func (m *memStore) LastProgressAt(_ context.Context, runID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProgress[runID], nil
}

func (m *memStore) ListPartitions(_ context.Context, runID string) ([]models.PartitionProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitions[runID], nil
}

func (m *memStore) ClaimConsolidationRequest(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.ConsolidationRequestedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	run.ConsolidationRequestedAt = &now
	return true, nil
}

func (m *memStore) FailRun(_ context.Context, runID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.CompletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.FailureReason = reason
	return true, nil
}

func (m *memStore) CancelRun(_ context.Context, runID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.CompletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.FailureReason = "cancelled: " + reason
	for i := range m.partitions[runID] {
		p := &m.partitions[runID][i]
		if !p.Completed && !p.Failed {
			p.Failed = true
		}
	}
	return true, nil
}

func testCoordinator(store Store, queue bus.Bus, notifier *notify.Notifier) *Coordinator {
	if notifier == nil {
		notifier = notify.New()
	}
	return New(store, queue, notifier, eventbus.New(), &config.Config{
		ConsolidationSuccessThreshold: 0.70,
		ConsolidationDelay:            5 * time.Minute,
		RunStallThreshold:             30 * time.Minute,
	})
}

func baseRun(runID string) models.Run {
	return models.Run{
		RunID:          runID,
		Feed:           "nivoda",
		RunType:        models.RunTypeFull,
		TraceID:        "trace-" + runID,
		WatermarkAfter: time.Now().UTC(),
		StartedAt:      time.Now().UTC(),
	}
}

func TestEvaluateFullSuccessRequestsConsolidation(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	run := baseRun("run-full")
	run.ExpectedWorkers = 10
	store.addRun(run, models.RunTallies{Expected: 10, Completed: 10, Failed: 0})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, nil)
	ctx := context.Background()

	if err := c.Evaluate(ctx, "run-full"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	msg, err := queue.Receive(ctx, bus.QueueConsolidate)
	if err != nil || msg == nil {
		t.Fatalf("expected consolidate message, got msg=%v err=%v", msg, err)
	}
	var req models.ConsolidateRequest
	if err := msg.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.RunID != "run-full" || req.Force {
		t.Fatalf("unexpected request: %+v", req)
	}

	got, _ := store.GetRun(ctx, "run-full")
	if got.ConsolidationRequestedAt == nil {
		t.Fatal("consolidation request not claimed")
	}
	// The run itself stays open until the consolidator finishes.
	if got.CompletedAt != nil {
		t.Fatal("full-success run must not be closed by the coordinator")
	}
}

func TestEvaluateIsIdempotentAfterRequest(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	run := baseRun("run-idem")
	run.ExpectedWorkers = 4
	store.addRun(run, models.RunTallies{Expected: 4, Completed: 4, Failed: 0})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, nil)
	ctx := context.Background()

	// Duplicate work_done deliveries evaluate repeatedly.
	for i := 0; i < 3; i++ {
		if err := c.Evaluate(ctx, "run-idem"); err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
	}
	if n := queue.Pending(bus.QueueConsolidate); n != 1 {
		t.Fatalf("consolidate enqueued %d times, want 1", n)
	}
}

func TestEvaluatePartialSuccessSchedulesForcedConsolidate(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events = append(events, r.Header.Get("X-Ingest-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	run := baseRun("run-partial")
	run.ExpectedWorkers = 10
	store.addRun(run, models.RunTallies{Expected: 10, Completed: 8, Failed: 2})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, notify.New(notify.NewWebhookSender(srv.URL)))
	ctx := context.Background()

	if err := c.Evaluate(ctx, "run-partial"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// The forced consolidate is delayed: enqueued but not yet visible.
	if n := queue.Pending(bus.QueueConsolidate); n != 1 {
		t.Fatalf("consolidate pending = %d, want 1", n)
	}
	if msg, _ := queue.Receive(ctx, bus.QueueConsolidate); msg != nil {
		t.Fatalf("delayed consolidate should not be visible yet, got %+v", msg)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != notify.EventPartialSuccess {
		t.Fatalf("notifications = %v, want one partial_success", events)
	}
}

func TestEvaluateBelowThresholdFailsRun(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events = append(events, r.Header.Get("X-Ingest-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	run := baseRun("run-bad")
	run.ExpectedWorkers = 10
	store.addRun(run, models.RunTallies{Expected: 10, Completed: 2, Failed: 8})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, notify.New(notify.NewWebhookSender(srv.URL)))
	ctx := context.Background()

	if err := c.Evaluate(ctx, "run-bad"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if n := queue.Pending(bus.QueueConsolidate); n != 0 {
		t.Fatalf("below-threshold run must not consolidate, pending=%d", n)
	}
	got, _ := store.GetRun(ctx, "run-bad")
	if got.CompletedAt == nil {
		t.Fatal("run not closed")
	}
	if !strings.Contains(got.FailureReason, "success rate 0.20") {
		t.Fatalf("failure reason = %q", got.FailureReason)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != notify.EventRunFailed {
		t.Fatalf("notifications = %v, want one run.failed", events)
	}
}

func TestEvaluateInFlightTakesNoAction(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	run := baseRun("run-live")
	run.ExpectedWorkers = 10
	store.addRun(run, models.RunTallies{Expected: 10, Completed: 4, Failed: 1})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, nil)

	if err := c.Evaluate(context.Background(), "run-live"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if n := queue.Pending(bus.QueueConsolidate); n != 0 {
		t.Fatalf("in-flight run consolidated early, pending=%d", n)
	}
	got, _ := store.GetRun(context.Background(), "run-live")
	if got.CompletedAt != nil || got.ConsolidationRequestedAt != nil {
		t.Fatalf("in-flight run mutated: %+v", got)
	}
}

func TestCancelSweepsAndIsFirstWinnerOnly(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	run := baseRun("run-cxl")
	run.ExpectedWorkers = 3
	store.addRun(run, models.RunTallies{Expected: 3, Completed: 1, Failed: 0})
	store.partitions["run-cxl"] = []models.PartitionProgress{
		{RunID: "run-cxl", PartitionID: "partition-0", Completed: true},
		{RunID: "run-cxl", PartitionID: "partition-1"},
		{RunID: "run-cxl", PartitionID: "partition-2"},
	}
	c := testCoordinator(store, bus.NewMemQueue(), nil)
	ctx := context.Background()

	won, err := c.Cancel(ctx, "run-cxl", "operator request")
	if err != nil || !won {
		t.Fatalf("Cancel: won=%v err=%v", won, err)
	}
	won, err = c.Cancel(ctx, "run-cxl", "again")
	if err != nil || won {
		t.Fatalf("second Cancel should lose: won=%v err=%v", won, err)
	}

	got, _ := store.GetRun(ctx, "run-cxl")
	if got.CompletedAt == nil || !strings.HasPrefix(got.FailureReason, "cancelled: ") {
		t.Fatalf("cancel did not close the run: %+v", got)
	}
	for _, p := range store.partitions["run-cxl"] {
		if p.PartitionID == "partition-0" && (p.Failed || !p.Completed) {
			t.Fatalf("cancel must not touch completed partitions: %+v", p)
		}
		if p.PartitionID != "partition-0" && !p.Failed {
			t.Fatalf("open partition not swept: %+v", p)
		}
	}
}

func TestDeriveState(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	done := now.Add(-time.Hour)
	reqAt := now.Add(-time.Minute)
	stall := 30 * time.Minute

	cases := []struct {
		name         string
		mutate       func(r *models.Run)
		tallies      models.RunTallies
		lastProgress time.Time
		want         string
	}{
		{
			name:         "running",
			mutate:       func(r *models.Run) {},
			tallies:      models.RunTallies{Expected: 5, Completed: 2},
			lastProgress: now.Add(-time.Minute),
			want:         models.RunStateRunning,
		},
		{
			name:         "stalled after no progress",
			mutate:       func(r *models.Run) {},
			tallies:      models.RunTallies{Expected: 5, Completed: 2},
			lastProgress: now.Add(-45 * time.Minute),
			want:         models.RunStateStalled,
		},
		{
			name:         "failures suppress stall",
			mutate:       func(r *models.Run) {},
			tallies:      models.RunTallies{Expected: 5, Completed: 2, Failed: 1},
			lastProgress: now.Add(-45 * time.Minute),
			want:         models.RunStateRunning,
		},
		{
			name:         "consolidating",
			mutate:       func(r *models.Run) { r.ConsolidationRequestedAt = &reqAt },
			tallies:      models.RunTallies{Expected: 5, Completed: 5},
			lastProgress: now.Add(-45 * time.Minute),
			want:         models.RunStateConsolidating,
		},
		{
			name:    "completed",
			mutate:  func(r *models.Run) { r.CompletedAt = &done },
			tallies: models.RunTallies{Expected: 5, Completed: 5},
			want:    models.RunStateCompleted,
		},
		{
			name: "failed",
			mutate: func(r *models.Run) {
				r.CompletedAt = &done
				r.FailureReason = "success rate 0.20 below threshold 0.70"
			},
			tallies: models.RunTallies{Expected: 5, Completed: 1, Failed: 4},
			want:    models.RunStateFailed,
		},
		{
			name: "cancelled",
			mutate: func(r *models.Run) {
				r.CompletedAt = &done
				r.FailureReason = "cancelled: operator request"
			},
			tallies: models.RunTallies{Expected: 5, Completed: 1},
			want:    models.RunStateCancelled,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			run := baseRun("run-state")
			tc.mutate(&run)
			got := DeriveState(&run, tc.tallies, tc.lastProgress, stall, now)
			if got != tc.want {
				t.Fatalf("DeriveState = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSweeperHealsLostWorkDone(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	run := baseRun("run-lost")
	run.ExpectedWorkers = 2
	// Both partitions finished but the work_done reports never arrived.
	store.addRun(run, models.RunTallies{Expected: 2, Completed: 2, Failed: 0})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, nil)

	NewSweeper(c, store).Sweep(context.Background())

	if n := queue.Pending(bus.QueueConsolidate); n != 1 {
		t.Fatalf("sweep did not request consolidation, pending=%d", n)
	}
}

func TestWorkDoneConsumerDrain(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	run := baseRun("run-drain")
	run.ExpectedWorkers = 1
	store.addRun(run, models.RunTallies{Expected: 1, Completed: 1, Failed: 0})
	queue := bus.NewMemQueue()
	c := testCoordinator(store, queue, nil)
	ctx := context.Background()

	if err := queue.Send(ctx, bus.QueueWorkDone, models.WorkDone{
		Feed:             "nivoda",
		RunID:            "run-drain",
		PartitionID:      "partition-0",
		Status:           models.WorkDoneSuccess,
		RecordsProcessed: 500,
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	consumer := NewWorkDoneConsumer(c, queue, time.Second)
	consumer.drain(ctx)

	if n := queue.Pending(bus.QueueWorkDone); n != 0 {
		t.Fatalf("work_done not consumed, pending=%d", n)
	}
	if n := queue.Pending(bus.QueueConsolidate); n != 1 {
		t.Fatalf("evaluation did not run, consolidate pending=%d", n)
	}
}
