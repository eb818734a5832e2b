package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/siteworks/blockersync/internal/connectivity"
	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/events"
	"github.com/siteworks/blockersync/internal/logging"
	"github.com/siteworks/blockersync/internal/models"
	"github.com/siteworks/blockersync/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelError)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeRemote records calls and fails on demand.
type fakeRemote struct {
	mu          sync.Mutex
	calls       []string
	failIDs     map[string]bool
	blockUntil  chan struct{} // non-nil: block calls until closed or ctx done
	started     chan struct{} // signalled once a blocked call begins
	collections map[models.EntityType][]json.RawMessage
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		failIDs:     make(map[string]bool),
		collections: make(map[models.EntityType][]json.RawMessage),
	}
}

func (r *fakeRemote) record(op string, t models.EntityType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s %s %s", op, t, id))
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRemote) attempt(ctx context.Context, op string, t models.EntityType, id string) error {
	r.record(op, t, id)
	if r.blockUntil != nil {
		if r.started != nil {
			select {
			case r.started <- struct{}{}:
			default:
			}
		}
		select {
		case <-r.blockUntil:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	fail := r.failIDs[id]
	r.mu.Unlock()
	if fail {
		return errors.New("remote rejected")
	}
	return nil
}

func (r *fakeRemote) Create(ctx context.Context, t models.EntityType, data json.RawMessage) error {
	var env models.Envelope
	json.Unmarshal(data, &env)
	return r.attempt(ctx, "create", t, env.ID)
}

func (r *fakeRemote) Update(ctx context.Context, t models.EntityType, id string, data json.RawMessage) error {
	return r.attempt(ctx, "update", t, id)
}

func (r *fakeRemote) Delete(ctx context.Context, t models.EntityType, id string) error {
	return r.attempt(ctx, "delete", t, id)
}

func (r *fakeRemote) FetchAll(ctx context.Context, t models.EntityType) ([]json.RawMessage, error) {
	r.record("fetch", t, "*")
	return r.collections[t], nil
}

func putBlocker(t *testing.T, s *store.Store, id string) {
	t.Helper()
	b := models.NewBlocker()
	b.ID = id
	b.SyncStatus = models.SyncPending
	b.CreatedAt = models.Now()
	b.LastModified = b.CreatedAt
	b.Title = "Scaffolding missing"
	if err := s.Put("blockers", b); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.AddToSyncQueue(models.OpCreate, models.EntityBlocker, b, models.PriorityHigh); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func putDrawing(t *testing.T, s *store.Store, id string) {
	t.Helper()
	d := models.NewDrawing()
	d.ID = id
	d.SyncStatus = models.SyncPending
	d.CreatedAt = models.Now()
	d.LastModified = d.CreatedAt
	d.OriginalName = "plan.pdf"
	if err := s.Put("drawings", d); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.AddToSyncQueue(models.OpCreate, models.EntityDrawing, d, models.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func newSynchronizer(s *store.Store, r Remote, bus *events.Bus, cfg Config) *Synchronizer {
	return New(s, r, bus, nil, cfg, testLogger())
}

// TestDrainEmptyQueue verifies an empty queue completes immediately with
// zero counts.
func TestDrainEmptyQueue(t *testing.T) {
	s := testStore(t)
	bus := events.NewBus(testLogger())

	var complete events.SyncComplete
	completed := false
	bus.Subscribe(events.SyncCompleted, func(ev events.Event) {
		complete = ev.Payload.(events.SyncComplete)
		completed = true
	})

	syncer := newSynchronizer(s, newFakeRemote(), bus, Config{})
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !completed {
		t.Fatal("Expected sync-complete event")
	}
	if complete.ItemsProcessed != 0 || complete.ItemsFailed != 0 {
		t.Errorf("Expected zero counts, got %+v", complete)
	}
}

// TestPriorityOrdering verifies a drain processes all high items before
// any normal and all normal before any low, preserving insertion order
// within a tier.
func TestPriorityOrdering(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()

	// Inserted deliberately out of priority order.
	enqueue := func(id string, et models.EntityType, p models.Priority) {
		payload := map[string]any{"id": id, "entityType": string(et)}
		if _, err := s.AddToSyncQueue(models.OpDelete, et, payload, p); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	enqueue("n1", models.EntityDrawing, models.PriorityNormal)
	enqueue("l1", models.EntityUser, models.PriorityLow)
	enqueue("h1", models.EntityBlocker, models.PriorityHigh)
	enqueue("n2", models.EntityDrawing, models.PriorityNormal)
	enqueue("h2", models.EntityBlocker, models.PriorityHigh)

	syncer := newSynchronizer(s, remote, events.NewBus(testLogger()), Config{})
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"delete blocker h1",
		"delete blocker h2",
		"delete drawing n1",
		"delete drawing n2",
		"delete user l1",
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.calls) != len(want) {
		t.Fatalf("Expected %d calls, got %v", len(want), remote.calls)
	}
	for i := range want {
		if remote.calls[i] != want[i] {
			t.Errorf("Call %d: expected %q, got %q", i, want[i], remote.calls[i])
		}
	}
}

// TestSuccessfulDrain verifies the reconnect scenario: the queued create
// reaches the remote, the local entity flips to synced, the queue empties
// and sync-complete reports the counts.
func TestSuccessfulDrain(t *testing.T) {
	s := testStore(t)
	bus := events.NewBus(testLogger())
	putBlocker(t, s, "b1")

	var complete events.SyncComplete
	var progress []events.SyncProgress
	bus.Subscribe(events.SyncCompleted, func(ev events.Event) {
		complete = ev.Payload.(events.SyncComplete)
	})
	bus.Subscribe(events.SyncProgressed, func(ev events.Event) {
		progress = append(progress, ev.Payload.(events.SyncProgress))
	})

	syncer := newSynchronizer(s, newFakeRemote(), bus, Config{})
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if complete.ItemsProcessed != 1 || complete.ItemsFailed != 0 {
		t.Errorf("Expected 1 processed / 0 failed, got %+v", complete)
	}
	if len(progress) != 1 || progress[0].Total != 1 {
		t.Errorf("Expected one progress event, got %v", progress)
	}

	items, err := s.GetSyncQueue("")
	if err != nil {
		t.Fatalf("GetSyncQueue failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected empty queue, got %d items", len(items))
	}

	raw, err := s.Get("blockers", "b1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var b models.Blocker
	json.Unmarshal(raw, &b)
	if b.SyncStatus != models.SyncSynced {
		t.Errorf("Expected synced status, got %s", b.SyncStatus)
	}

	lastSync, err := s.GetMeta(store.MetaLastSyncTime)
	if err != nil || lastSync == "" {
		t.Errorf("Expected lastSyncTime to be recorded, got %q (%v)", lastSync, err)
	}
}

// TestPartialFailure verifies a failing item does not abort the cycle:
// the blocker syncs, the drawing stays queued with one recorded attempt.
func TestPartialFailure(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.failIDs["d1"] = true

	putBlocker(t, s, "b1")
	putDrawing(t, s, "d1")

	bus := events.NewBus(testLogger())
	var complete events.SyncComplete
	bus.Subscribe(events.SyncCompleted, func(ev events.Event) {
		complete = ev.Payload.(events.SyncComplete)
	})

	syncer := newSynchronizer(s, remote, bus, Config{})
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if complete.ItemsProcessed != 1 || complete.ItemsFailed != 1 {
		t.Errorf("Expected 1 processed / 1 failed, got %+v", complete)
	}

	items, err := s.GetSyncQueue("")
	if err != nil {
		t.Fatalf("GetSyncQueue failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected one remaining item, got %d", len(items))
	}
	if items[0].DataID() != "d1" || items[0].RetryCount != 1 {
		t.Errorf("Expected d1 with retryCount 1, got %s retryCount %d", items[0].DataID(), items[0].RetryCount)
	}
	if items[0].LastRetry == nil {
		t.Error("Expected lastRetry to be stamped")
	}
}

// TestRetryExhaustionDiscards verifies an always-failing item is removed
// after exactly maxRetries attempts while the local entity stays pending,
// with the drop logged under the exhaustion code.
func TestRetryExhaustionDiscards(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.failIDs["d1"] = true
	putDrawing(t, s, "d1")

	var logBuf bytes.Buffer
	log := logging.New(&logBuf, logging.LevelError)
	syncer := New(s, remote, events.NewBus(testLogger()), nil, Config{}, log)

	// One drain per attempt; the fourth drain sees an empty queue.
	for i := 0; i < 4; i++ {
		if err := syncer.Run(context.Background()); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}

	if got := remote.callCount(); got != models.DefaultMaxRetries {
		t.Errorf("Expected exactly %d attempts, got %d", models.DefaultMaxRetries, got)
	}

	items, err := s.GetSyncQueue("")
	if err != nil {
		t.Fatalf("GetSyncQueue failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected the exhausted item to be dropped, got %d items", len(items))
	}

	// The mutation is lost from the sync perspective but the local data
	// remains, permanently pending.
	raw, err := s.Get("drawings", "d1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var d models.Drawing
	json.Unmarshal(raw, &d)
	if d.SyncStatus != models.SyncPending {
		t.Errorf("Expected drawing to stay pending, got %s", d.SyncStatus)
	}

	if !strings.Contains(logBuf.String(), string(apperrors.ErrSyncExhausted)) {
		t.Errorf("Expected the drop logged with code %s, got %q", apperrors.ErrSyncExhausted, logBuf.String())
	}
}

// TestRetryExhaustionParks verifies the park policy keeps the exhausted
// item recoverable instead of discarding it.
func TestRetryExhaustionParks(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.failIDs["d1"] = true
	putDrawing(t, s, "d1")

	syncer := newSynchronizer(s, remote, events.NewBus(testLogger()), Config{DropPolicy: DropPolicyPark})
	for i := 0; i < 3; i++ {
		if err := syncer.Run(context.Background()); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}

	pending, err := s.GetSyncQueue("")
	if err != nil {
		t.Fatalf("GetSyncQueue failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("Expected parked item out of the drain set, got %d", len(pending))
	}

	n, err := s.RequeueParked()
	if err != nil {
		t.Fatalf("RequeueParked failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued item, got %d", n)
	}
}

// TestConcurrentDrainIsNoOp verifies at most one drain cycle runs at a
// time; a second request while one is in flight returns without touching
// the queue.
func TestConcurrentDrainIsNoOp(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.blockUntil = make(chan struct{})
	remote.started = make(chan struct{}, 1)
	putBlocker(t, s, "b1")

	syncer := newSynchronizer(s, remote, events.NewBus(testLogger()), Config{})

	done := make(chan error, 1)
	go func() { done <- syncer.Run(context.Background()) }()

	<-remote.started
	if !syncer.InProgress() {
		t.Error("Expected drain to be in progress")
	}

	// Second request while the first is mid-flight.
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Concurrent Run failed: %v", err)
	}

	close(remote.blockUntil)
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := remote.callCount(); got != 1 {
		t.Errorf("Expected a single pass over the queue, got %d calls", got)
	}
}

// TestPerItemTimeout verifies a hung remote call fails that item instead
// of stalling the drain cycle.
func TestPerItemTimeout(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.blockUntil = make(chan struct{}) // never closed; only ctx releases
	putBlocker(t, s, "b1")

	syncer := newSynchronizer(s, remote, events.NewBus(testLogger()), Config{ItemTimeout: 20 * time.Millisecond})

	start := time.Now()
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the deadline to bound the cycle, took %s", elapsed)
	}

	items, err := s.GetSyncQueue("")
	if err != nil {
		t.Fatalf("GetSyncQueue failed: %v", err)
	}
	if len(items) != 1 || items[0].RetryCount != 1 {
		t.Fatalf("Expected the timed-out item to stay queued with one attempt, got %v", items)
	}
}

// TestDispatchOperations verifies update and delete route to the matching
// remote calls with the entity id.
func TestDispatchOperations(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()

	putBlocker(t, s, "b1") // create
	if _, err := s.AddToSyncQueue(models.OpUpdate, models.EntityBlocker,
		map[string]any{"id": "b1", "entityType": "blocker", "status": "resolved"}, models.PriorityHigh); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.AddToSyncQueue(models.OpDelete, models.EntityDrawing,
		map[string]any{"id": "d9", "entityType": "drawing"}, models.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	syncer := newSynchronizer(s, remote, events.NewBus(testLogger()), Config{})
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{
		"create blocker b1",
		"update blocker b1",
		"delete drawing d9",
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, remote.calls)
	}
	for i := range want {
		if remote.calls[i] != want[i] {
			t.Errorf("Call %d: expected %q, got %q", i, want[i], remote.calls[i])
		}
	}
}

// TestBootstrap verifies the first-run load lands every collection marked
// synced and records the bootstrap flag.
func TestBootstrap(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.collections[models.EntityProject] = []json.RawMessage{
		[]byte(`{"id":"p1","name":"Harbour Tower"}`),
	}
	remote.collections[models.EntityBlocker] = []json.RawMessage{
		[]byte(`{"id":"b1","title":"No site access"}`),
		[]byte(`{"id":"b2","title":"Missing rebar"}`),
	}
	remote.collections[models.EntityUser] = []json.RawMessage{
		[]byte(`{"id":"u1","name":"Ana","role":"subcontractor"}`),
	}

	syncer := newSynchronizer(s, remote, events.NewBus(testLogger()), Config{})
	if err := syncer.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	blockers, err := s.GetAll("blockers", "", "")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(blockers) != 2 {
		t.Errorf("Expected 2 blockers, got %d", len(blockers))
	}

	var b models.Blocker
	json.Unmarshal(blockers[0], &b)
	if b.SyncStatus != models.SyncSynced {
		t.Errorf("Expected bootstrap data marked synced, got %s", b.SyncStatus)
	}
	if b.EntityType != models.EntityBlocker {
		t.Errorf("Expected tagged entity type, got %q", b.EntityType)
	}

	loaded, err := s.GetMeta(store.MetaInitialDataLoaded)
	if err != nil || loaded != "true" {
		t.Errorf("Expected initialDataLoaded=true, got %q (%v)", loaded, err)
	}
}

// TestSuccessfulDrainResetsBackoff verifies the retry delay returns to the
// floor once a drain completes with no failures, not only on reconnect.
func TestSuccessfulDrainResetsBackoff(t *testing.T) {
	s := testStore(t)
	remote := newFakeRemote()
	remote.failIDs["d1"] = true
	putDrawing(t, s, "d1")

	bus := events.NewBus(testLogger())
	// An hour-scale floor keeps the armed retry timers from firing inside
	// the test.
	cfg := connectivity.DefaultConfig()
	cfg.RetryFloor = time.Hour
	cfg.RetryCap = 8 * time.Hour
	monitor := connectivity.NewMonitor(bus, nil, cfg, testLogger())
	monitor.SetOnline(true)

	syncer := New(s, remote, bus, monitor, Config{}, testLogger())

	for i := 0; i < 2; i++ {
		if err := syncer.Run(context.Background()); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}
	if got := monitor.RetryDelay(); got <= cfg.RetryFloor {
		t.Fatalf("Expected backoff to grow after failing drains, got %s", got)
	}

	remote.mu.Lock()
	remote.failIDs["d1"] = false
	remote.mu.Unlock()

	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := monitor.RetryDelay(); got != cfg.RetryFloor {
		t.Errorf("Expected backoff reset to the floor after a successful drain, got %s", got)
	}
}

// TestEntityDeletedLocallyMidCycle verifies a queue item whose entity
// vanished locally still counts as processed once the remote write lands,
// instead of re-entering the retry path.
func TestEntityDeletedLocallyMidCycle(t *testing.T) {
	s := testStore(t)
	putBlocker(t, s, "b1")
	if err := s.Delete("blockers", "b1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	bus := events.NewBus(testLogger())
	var complete events.SyncComplete
	bus.Subscribe(events.SyncCompleted, func(ev events.Event) {
		complete = ev.Payload.(events.SyncComplete)
	})

	syncer := newSynchronizer(s, newFakeRemote(), bus, Config{})
	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if complete.ItemsProcessed != 1 || complete.ItemsFailed != 0 {
		t.Errorf("Expected 1 processed / 0 failed, got %+v", complete)
	}

	items, err := s.GetSyncQueue("")
	if err != nil {
		t.Fatalf("GetSyncQueue failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected empty queue, got %d items", len(items))
	}
}

// TestRunPropagatesQueueReadFailure verifies a broken store surfaces as a
// sync error rather than a silent no-op.
func TestRunPropagatesQueueReadFailure(t *testing.T) {
	s := testStore(t)
	s.Close()

	bus := events.NewBus(testLogger())
	errored := false
	bus.Subscribe(events.SyncErrored, func(events.Event) { errored = true })

	syncer := newSynchronizer(s, newFakeRemote(), bus, Config{})
	err := syncer.Run(context.Background())
	if err == nil {
		t.Fatal("Expected an error from a closed store")
	}
	if !apperrors.Is(err, apperrors.ErrSyncFailed) {
		t.Errorf("Expected SYNC_FAILED, got %v", err)
	}
	if !errored {
		t.Error("Expected sync-error event")
	}
}
