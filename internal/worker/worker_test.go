package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed/feedtest"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

type memStore struct {
	mu         sync.Mutex
	runs       map[string]*models.Run
	partitions map[string]*models.PartitionProgress
	workers    map[string]*models.WorkerRun
	raw        map[string]models.RawStone
	pages      int
}

func newMemStore() *memStore {
	return &memStore{
		runs:       map[string]*models.Run{},
		partitions: map[string]*models.PartitionProgress{},
		workers:    map[string]*models.WorkerRun{},
		raw:        map[string]models.RawStone{},
	}
}

func pkey(runID, partitionID string) string { return runID + "|" + partitionID }

func (m *memStore) addRun(run models.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := run
	m.runs[run.RunID] = &cp
}

func (m *memStore) seedPartition(p models.PartitionProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.partitions[pkey(p.RunID, p.PartitionID)] = &cp
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

func (m *memStore) InitPartition(_ context.Context, runID, partitionID string) (*models.PartitionProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pkey(runID, partitionID)
	if m.partitions[k] == nil {
		m.partitions[k] = &models.PartitionProgress{RunID: runID, PartitionID: partitionID}
	}
	cp := *m.partitions[k]
	return &cp, nil
}

func (m *memStore) UpsertPageAndAdvance(_ context.Context, _ string, stones []models.RawStone, runID, partitionID string, expected, next int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.partitions[pkey(runID, partitionID)]
	if p == nil || p.Completed || p.Failed || p.NextOffset != expected || next <= expected {
		return false, nil
	}
	for _, s := range stones {
		m.raw[s.Feed+"|"+s.SupplierStoneID] = s
	}
	p.NextOffset = next
	p.UpdatedAt = time.Now()
	m.pages++
	return true, nil
}

func (m *memStore) CompletePartition(_ context.Context, runID, partitionID string, finalOffset int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.partitions[pkey(runID, partitionID)]
	if p == nil || p.Failed || p.NextOffset > finalOffset || (p.Completed && p.NextOffset != finalOffset) {
		return false, nil
	}
	p.Completed = true
	p.NextOffset = finalOffset
	return true, nil
}

func (m *memStore) MarkPartitionFailed(_ context.Context, runID, partitionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.partitions[pkey(runID, partitionID)]
	if p == nil || p.Failed || p.Completed {
		return false, nil
	}
	p.Failed = true
	return true, nil
}

func (m *memStore) StartWorkerRun(_ context.Context, wr *models.WorkerRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pkey(wr.RunID, wr.PartitionID)
	cp := *wr
	cp.Status = models.WorkerRunRunning
	cp.StartedAt = time.Now()
	if cur := m.workers[k]; cur != nil {
		cp.RecordsProcessed = cur.RecordsProcessed
	}
	m.workers[k] = &cp
	return nil
}

func (m *memStore) AddWorkerRunRecords(_ context.Context, runID, partitionID string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wr := m.workers[pkey(runID, partitionID)]; wr != nil {
		wr.RecordsProcessed += n
	}
	return nil
}

func (m *memStore) FinishWorkerRun(_ context.Context, runID, partitionID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wr := m.workers[pkey(runID, partitionID)]; wr != nil {
		wr.Status = status
		wr.ErrorMessage = errMsg
		now := time.Now()
		wr.CompletedAt = &now
	}
	return nil
}

func (m *memStore) partition(runID, partitionID string) models.PartitionProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.partitions[pkey(runID, partitionID)]
	if p == nil {
		return models.PartitionProgress{}
	}
	return *p
}

func (m *memStore) workerRun(runID, partitionID string) models.WorkerRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	wr := m.workers[pkey(runID, partitionID)]
	if wr == nil {
		return models.WorkerRun{}
	}
	return *wr
}

func (m *memStore) rawCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw)
}

func (m *memStore) pagesCommitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages
}

func newTestWorker(t *testing.T, store *memStore, stones []feedtest.Stone) (*Worker, *feedtest.Adapter, *bus.MemQueue) {
	t.Helper()
	adapter := feedtest.New("nivoda", stones)
	feeds, err := feed.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	feeds.AddAdapter("nivoda", adapter)
	queue := bus.NewMemQueue()
	w := New(0, feeds, store, queue, eventbus.New(), &config.Config{WorkerPollInterval: 10 * time.Millisecond})
	return w, adapter, queue
}

func activeRun(runID string) models.Run {
	return models.Run{
		RunID:           runID,
		Feed:            "nivoda",
		RunType:         models.RunTypeFull,
		TraceID:         "trace-" + runID,
		ExpectedWorkers: 1,
		WatermarkAfter:  time.Now().UTC(),
		StartedAt:       time.Now().UTC(),
	}
}

func testItem(runID string) models.WorkItem {
	return models.WorkItem{
		Feed:        "nivoda",
		RunID:       runID,
		TraceID:     "trace-" + runID,
		PartitionID: "partition-0",
		MinPrice:    0,
		MaxPrice:    1_000_000,
		Offset:      0,
		Limit:       100,
		UpdatedFrom: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedTo:   time.Now().UTC(),
	}
}

func drainWorkDone(t *testing.T, q *bus.MemQueue) []models.WorkDone {
	t.Helper()
	ctx := context.Background()
	var out []models.WorkDone
	for {
		msg, err := q.Receive(ctx, bus.QueueWorkDone)
		if err != nil {
			t.Fatalf("Receive work_done: %v", err)
		}
		if msg == nil {
			return out
		}
		var done models.WorkDone
		if err := msg.Decode(&done); err != nil {
			t.Fatalf("Decode work_done: %v", err)
		}
		out = append(out, done)
		if err := q.Complete(ctx, msg); err != nil {
			t.Fatalf("Complete work_done: %v", err)
		}
	}
}

func TestDrainRunsPartitionToCompletion(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-1"))
	w, _, queue := newTestWorker(t, store, feedtest.Gen(250, func(int) float64 { return 100 }))
	ctx := context.Background()

	if err := queue.Send(ctx, bus.QueueWorkItems, testItem("run-1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	p := store.partition("run-1", "partition-0")
	if !p.Completed || p.Failed || p.NextOffset != 250 {
		t.Fatalf("partition = %+v, want completed at 250", p)
	}
	if got := store.rawCount(); got != 250 {
		t.Fatalf("raw records = %d, want 250", got)
	}
	if got := store.pagesCommitted(); got != 3 {
		t.Fatalf("pages committed = %d, want 3", got)
	}
	if n := queue.Pending(bus.QueueWorkItems); n != 0 {
		t.Fatalf("work_items left pending: %d", n)
	}

	done := drainWorkDone(t, queue)
	if len(done) != 1 || done[0].Status != models.WorkDoneSuccess || done[0].RecordsProcessed != 250 {
		t.Fatalf("work_done = %+v, want one success at 250", done)
	}

	wr := store.workerRun("run-1", "partition-0")
	if wr.Status != models.WorkerRunCompleted || wr.RecordsProcessed != 250 {
		t.Fatalf("worker run = %+v, want completed with 250 records", wr)
	}
}

func TestDuplicateDeliveryDoesNotDoubleWrite(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-2"))
	w, _, queue := newTestWorker(t, store, feedtest.Gen(150, func(int) float64 { return 100 }))
	ctx := context.Background()

	item := testItem("run-2")
	for i := 0; i < 2; i++ {
		if err := queue.Send(ctx, bus.QueueWorkItems, item); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	w.drain(ctx)

	p := store.partition("run-2", "partition-0")
	if !p.Completed || p.NextOffset != 150 {
		t.Fatalf("partition = %+v, want completed at 150", p)
	}
	if got := store.rawCount(); got != 150 {
		t.Fatalf("raw records = %d, want 150", got)
	}
	// [0,100) and [100,150); the duplicate delivery must not commit a page.
	if got := store.pagesCommitted(); got != 2 {
		t.Fatalf("pages committed = %d, want 2", got)
	}
	if done := drainWorkDone(t, queue); len(done) != 1 {
		t.Fatalf("work_done count = %d, want 1", len(done))
	}
}

func TestZeroItemsCompletesAtSameOffset(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-3"))
	w, _, queue := newTestWorker(t, store, nil)
	ctx := context.Background()

	if err := queue.Send(ctx, bus.QueueWorkItems, testItem("run-3")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	p := store.partition("run-3", "partition-0")
	if !p.Completed || p.NextOffset != 0 {
		t.Fatalf("partition = %+v, want completed at 0", p)
	}
	done := drainWorkDone(t, queue)
	if len(done) != 1 || done[0].Status != models.WorkDoneSuccess || done[0].RecordsProcessed != 0 {
		t.Fatalf("work_done = %+v, want one success at 0", done)
	}
}

func TestBoundedPartitionStopsAtOffsetEnd(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-4"))
	w, _, queue := newTestWorker(t, store, feedtest.Gen(500, func(int) float64 { return 100 }))
	ctx := context.Background()

	end := int64(100)
	item := testItem("run-4")
	item.OffsetEnd = &end
	if err := queue.Send(ctx, bus.QueueWorkItems, item); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	p := store.partition("run-4", "partition-0")
	if !p.Completed || p.NextOffset != 100 {
		t.Fatalf("partition = %+v, want completed at bound 100", p)
	}
	if got := store.rawCount(); got != 100 {
		t.Fatalf("raw records = %d, want 100", got)
	}
	done := drainWorkDone(t, queue)
	if len(done) != 1 || done[0].RecordsProcessed != 100 {
		t.Fatalf("work_done = %+v, want one success at 100", done)
	}
}

func TestOffsetAtBoundFinalizesWithoutSearch(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-5"))
	w, adapter, queue := newTestWorker(t, store, feedtest.Gen(50, func(int) float64 { return 100 }))
	ctx := context.Background()

	end := int64(0)
	item := testItem("run-5")
	item.OffsetEnd = &end
	if err := queue.Send(ctx, bus.QueueWorkItems, item); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	if calls := adapter.SearchCalls(); calls != 0 {
		t.Fatalf("search calls = %d, want 0", calls)
	}
	p := store.partition("run-5", "partition-0")
	if !p.Completed || p.NextOffset != 0 {
		t.Fatalf("partition = %+v, want completed at 0", p)
	}
}

func TestSearchFailureFailsPartitionOnce(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-6"))
	w, adapter, queue := newTestWorker(t, store, feedtest.Gen(50, func(int) float64 { return 100 }))
	adapter.SearchHook = func(feed.Query, int64) error { return errors.New("upstream rejected query") }
	ctx := context.Background()

	if err := queue.Send(ctx, bus.QueueWorkItems, testItem("run-6")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	p := store.partition("run-6", "partition-0")
	if !p.Failed || p.Completed || p.NextOffset != 0 {
		t.Fatalf("partition = %+v, want failed at 0", p)
	}
	if got := store.rawCount(); got != 0 {
		t.Fatalf("raw records = %d, want 0", got)
	}

	wr := store.workerRun("run-6", "partition-0")
	if wr.Status != models.WorkerRunFailed || !strings.Contains(wr.ErrorMessage, "upstream rejected query") {
		t.Fatalf("worker run = %+v, want failed with cause", wr)
	}

	done := drainWorkDone(t, queue)
	if len(done) != 1 || done[0].Status != models.WorkDoneFailed {
		t.Fatalf("work_done = %+v, want one failure", done)
	}
	if !strings.Contains(done[0].Error, "upstream rejected query") {
		t.Fatalf("work_done error = %q", done[0].Error)
	}

	// The message was abandoned with backoff; once it redelivers, the
	// failed guard settles it without another report.
	if n := queue.Pending(bus.QueueWorkItems); n != 1 {
		t.Fatalf("work_items pending = %d, want the abandoned message", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for queue.Pending(bus.QueueWorkItems) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned work item never settled")
		}
		time.Sleep(20 * time.Millisecond)
		w.drain(ctx)
	}
	if done := drainWorkDone(t, queue); len(done) != 0 {
		t.Fatalf("redelivery produced another report: %+v", done)
	}
}

func TestStaleRedeliveryRegeneratesContinuation(t *testing.T) {
	store := newMemStore()
	store.addRun(activeRun("run-7"))
	// The page [0,100) committed before a crash; its continuation was lost.
	store.seedPartition(models.PartitionProgress{
		RunID:       "run-7",
		PartitionID: "partition-0",
		NextOffset:  100,
	})
	w, _, queue := newTestWorker(t, store, feedtest.Gen(150, func(int) float64 { return 100 }))
	ctx := context.Background()

	if err := queue.Send(ctx, bus.QueueWorkItems, testItem("run-7")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	p := store.partition("run-7", "partition-0")
	if !p.Completed || p.NextOffset != 150 {
		t.Fatalf("partition = %+v, want completed at 150", p)
	}
	// Only the regenerated page [100,150) writes; the stale one is skipped.
	if got := store.rawCount(); got != 50 {
		t.Fatalf("raw records = %d, want 50", got)
	}
	done := drainWorkDone(t, queue)
	if len(done) != 1 || done[0].RecordsProcessed != 150 {
		t.Fatalf("work_done = %+v, want one success at 150", done)
	}
}

func TestClosedOrUnknownRunDropsWork(t *testing.T) {
	store := newMemStore()
	closed := activeRun("run-8")
	now := time.Now().UTC()
	closed.CompletedAt = &now
	closed.FailureReason = "cancelled: operator request"
	store.addRun(closed)
	w, adapter, queue := newTestWorker(t, store, feedtest.Gen(50, func(int) float64 { return 100 }))
	ctx := context.Background()

	if err := queue.Send(ctx, bus.QueueWorkItems, testItem("run-8")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := queue.Send(ctx, bus.QueueWorkItems, testItem("run-missing")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	w.drain(ctx)

	if calls := adapter.SearchCalls(); calls != 0 {
		t.Fatalf("search calls = %d, want 0", calls)
	}
	if got := store.rawCount(); got != 0 {
		t.Fatalf("raw records = %d, want 0", got)
	}
	if n := queue.Pending(bus.QueueWorkItems); n != 0 {
		t.Fatalf("work_items left pending: %d", n)
	}
	if done := drainWorkDone(t, queue); len(done) != 0 {
		t.Fatalf("work_done = %+v, want none", done)
	}
}
