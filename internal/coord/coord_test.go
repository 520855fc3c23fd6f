package coord

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/storage"
)

func testCoordinator(t *testing.T) (*Coordinator, storage.Store) {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	c := New(s, config.DefaultConfig().Workers, nil)
	c.procs = func(context.Context) ([]processInfo, error) { return nil, nil }
	return c, s
}

func registerWorker(t *testing.T, s storage.Store, name string, typ entity.WorkerType) *entity.Worker {
	t.Helper()
	w := &entity.Worker{Name: name, Type: typ, Enabled: true}
	if err := s.UpsertWorker(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w
}

func seedPresence(t *testing.T, s storage.Store, icao, date string) {
	t.Helper()
	ctx := context.Background()
	d, err := entity.ParseDate(date)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureDay(ctx, d); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsurePresence(ctx, icao, d); err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleSignals(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()
	registerWorker(t, s, "tracker-1", entity.WorkerAircraftTracker)

	w, err := c.Authenticate(ctx, "tracker-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if w.UniqueID == "" {
		t.Error("authentication must issue a unique id")
	}
	if got := w.Status(); got != entity.StatusInitialising {
		t.Errorf("status after authenticate = %s, want Initialising", got)
	}

	if err := c.Signal(ctx, w, "initialised"); err != nil {
		t.Fatal(err)
	}
	if got := w.Status(); got != entity.StatusRunning {
		t.Errorf("status after initialised = %s, want Running", got)
	}

	before := *w.LastUpdate
	c.now = func() time.Time { return before.Add(30 * time.Second) }
	if err := c.Signal(ctx, w, "heartbeat"); err != nil {
		t.Fatal(err)
	}
	if !w.LastUpdate.After(before) {
		t.Error("heartbeat must advance last update")
	}

	if err := c.Signal(ctx, w, "shutdown"); err != nil {
		t.Fatal(err)
	}
	if got := w.Status(); got != entity.StatusShutdown {
		t.Errorf("status after shutdown = %s, want Shutdown", got)
	}

	if err := c.Signal(ctx, w, "explode"); err == nil {
		t.Error("unknown signal must be rejected")
	}
}

func TestAuthenticateUnknownWorker(t *testing.T) {
	c, _ := testCoordinator(t)
	if _, err := c.Authenticate(context.Background(), "nobody", ""); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("got %v, want ErrUnknownWorker", err)
	}
}

func TestAssignTraceHistoryWork(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()

	seedPresence(t, s, "7c68b7", "2022-07-28")
	seedPresence(t, s, "7c68b7", "2022-07-29")
	w1 := registerWorker(t, s, "trawler-1", entity.WorkerHistoryTrawler)
	w2 := registerWorker(t, s, "trawler-2", entity.WorkerHistoryTrawler)

	a1, err := c.AssignTraceHistoryWork(ctx, w1)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Date != "2022-07-28" {
		t.Errorf("first assignment = %s, want earliest day", a1.Date)
	}

	// A single-assignment trawler asking again is re-issued its lock.
	again, err := c.AssignTraceHistoryWork(ctx, w1)
	if err != nil {
		t.Fatal(err)
	}
	if again.Date != a1.Date || again.AircraftIcao != a1.AircraftIcao {
		t.Errorf("re-request = %+v, want the held assignment %+v", again, a1)
	}

	a2, err := c.AssignTraceHistoryWork(ctx, w2)
	if err != nil {
		t.Fatal(err)
	}
	if a2.Date != "2022-07-29" {
		t.Errorf("second worker got %s, want the next day", a2.Date)
	}

	w3 := registerWorker(t, s, "trawler-3", entity.WorkerHistoryTrawler)
	if _, err := c.AssignTraceHistoryWork(ctx, w3); !errors.Is(err, ErrNoAssignableWork) {
		t.Errorf("got %v, want ErrNoAssignableWork", err)
	}
}

func TestCompleteTraceHistory(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()

	seedPresence(t, s, "7c68b7", "2022-07-28")
	w := registerWorker(t, s, "trawler-1", entity.WorkerHistoryTrawler)

	a, err := c.AssignTraceHistoryWork(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	date, _ := entity.ParseDate(a.Date)
	if err := c.CompleteTraceHistory(ctx, w, a.AircraftIcao, date); err != nil {
		t.Fatal(err)
	}

	presence, err := s.GetPresence(ctx, a.AircraftIcao, date)
	if err != nil {
		t.Fatal(err)
	}
	if !presence.HistoryVerified {
		t.Error("completion must verify the day's history")
	}
	if n, _ := s.LockCount(ctx, a.AircraftIcao, date); n != 0 {
		t.Errorf("lock count = %d after completion, want 0", n)
	}

	// The verified day never comes back as work.
	if _, err := c.AssignTraceHistoryWork(ctx, w); !errors.Is(err, ErrNoAssignableWork) {
		t.Errorf("got %v, want ErrNoAssignableWork after completion", err)
	}
}

func spawnArgs(t *testing.T, name, uniqueID string) []string {
	t.Helper()
	payload, err := json.Marshal(spawnConfig{Name: name, UniqueID: uniqueID, Type: string(entity.WorkerAircraftTracker)})
	if err != nil {
		t.Fatal(err)
	}
	return []string{"node", "worker.js", base64.StdEncoding.EncodeToString(payload)}
}

func TestSweepAdoptsExternalInstances(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()

	registered := registerWorker(t, s, "tracker-1", entity.WorkerAircraftTracker)
	registerWorker(t, s, "tracker-2", entity.WorkerAircraftTracker)

	c.procs = func(context.Context) ([]processInfo, error) {
		return []processInfo{
			// Externally started instance of a registered worker.
			{PID: 4321, Name: "node", Args: spawnArgs(t, "tracker-1", "ext-uid")},
			// Same binary but an unregistered name: ignored.
			{PID: 4322, Name: "node", Args: spawnArgs(t, "stranger", "x")},
			// Wrong binary: ignored.
			{PID: 4323, Name: "python3", Args: spawnArgs(t, "tracker-2", "y")},
			// Configured binary without the config argument: ignored.
			{PID: 4324, Name: "node", Args: []string{"node", "repl"}},
			// Garbage third argument: ignored.
			{PID: 4325, Name: "node", Args: []string{"node", "worker.js", "%%%"}},
		}, nil
	}

	if err := c.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	w, err := s.GetWorker(ctx, "tracker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.PID != 4321 {
		t.Errorf("adopted PID = %d, want 4321", w.PID)
	}
	if w.UniqueID != "ext-uid" {
		t.Errorf("unique id = %q, want the one from the process config", w.UniqueID)
	}
	if registered.PID == 4322 {
		t.Error("unregistered process must not be adopted")
	}

	other, _ := s.GetWorker(ctx, "tracker-2")
	if other.PID != 0 {
		t.Errorf("tracker-2 PID = %d, want untouched", other.PID)
	}
}

func TestSweepReapsStuckWorkers(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Stuck initialising for twice the timeout.
	stuckInit := registerWorker(t, s, "stuck-init", entity.WorkerAircraftTracker)
	initAt := base.Add(-2 * c.cfg.StuckTimeout)
	stuckInit.Initialising = true
	stuckInit.InitStartedAt = &initAt
	if err := s.UpsertWorker(ctx, stuckInit); err != nil {
		t.Fatal(err)
	}

	// Running with a stale heartbeat, holding a lock.
	seedPresence(t, s, "7c68b7", "2022-07-28")
	stale := registerWorker(t, s, "stale-run", entity.WorkerHistoryTrawler)
	if _, err := c.AssignTraceHistoryWork(ctx, stale); err != nil {
		t.Fatal(err)
	}
	old := base.Add(-2 * c.cfg.StuckTimeout)
	stale.Running = true
	stale.ExecutedAt = &old
	stale.InitStartedAt = &old
	stale.LastUpdate = &old
	if err := s.UpsertWorker(ctx, stale); err != nil {
		t.Fatal(err)
	}

	// Healthy running worker.
	healthy := registerWorker(t, s, "healthy", entity.WorkerAircraftTracker)
	fresh := base.Add(-time.Second)
	healthy.Running = true
	healthy.ExecutedAt = &fresh
	healthy.InitStartedAt = &fresh
	healthy.LastUpdate = &fresh
	if err := s.UpsertWorker(ctx, healthy); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base }
	if err := c.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"stuck-init", "stale-run"} {
		w, err := s.GetWorker(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if got := w.Status(); got != entity.StatusReady {
			t.Errorf("%s status = %s after sweep, want Ready", name, got)
		}
	}
	locks, _ := s.LocksForWorker(ctx, "stale-run")
	if len(locks) != 0 {
		t.Error("sweep must release the reaped worker's locks")
	}

	w, _ := s.GetWorker(ctx, "healthy")
	if got := w.Status(); got != entity.StatusRunning {
		t.Errorf("healthy status = %s after sweep, want Running", got)
	}
}
