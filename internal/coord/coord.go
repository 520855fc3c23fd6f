// Package coord manages the scraper worker pool: spawning processes,
// tracking their lifecycle signals, sweeping stuck workers, and handing
// out trace-history assignments under day locks.
package coord

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/events"
	"aireyes/internal/storage"
)

// ErrNoAssignableWork signals an empty back-fill queue. Trawlers treat it
// as "shut down until asked again", not as a failure.
var ErrNoAssignableWork = errors.New("no assignable work left")

// ErrUnknownWorker is returned for signals from unregistered workers.
var ErrUnknownWorker = errors.New("unknown worker")

// Assignment is one aircraft day handed to a history trawler.
type Assignment struct {
	AircraftIcao string `json:"aircraftIcao"`
	Date         string `json:"date"`
}

// Coordinator owns the worker pool state.
type Coordinator struct {
	store storage.Store
	cfg   config.WorkersConfig
	pub   events.Publisher

	// now and procs are swapped in tests.
	now   func() time.Time
	procs func(ctx context.Context) ([]processInfo, error)
}

// New builds a coordinator. pub may be nil.
func New(store storage.Store, cfg config.WorkersConfig, pub events.Publisher) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{store: store, cfg: cfg, pub: pub, now: time.Now, procs: systemProcesses}
}

// processInfo is the slice of a running process the reconciler inspects.
type processInfo struct {
	PID  int
	Name string
	Args []string
}

func systemProcesses(ctx context.Context) ([]processInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]processInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, processInfo{PID: int(p.Pid), Name: name, Args: args})
	}
	return out, nil
}

// spawnConfig is the bootstrap payload handed to a worker process as its
// single base64 argument.
type spawnConfig struct {
	Name         string `json:"name"`
	UniqueID     string `json:"uniqueId"`
	Type         string `json:"type"`
	PhoneHomeURL string `json:"phoneHomeUrl"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
}

// Spawn starts the worker process and moves the registration to
// Initialising. The process receives [script, base64(config)] as its
// arguments.
func (c *Coordinator) Spawn(ctx context.Context, w *entity.Worker) error {
	if w.UniqueID == "" {
		w.UniqueID = uuid.NewString()
	}
	payload, err := json.Marshal(spawnConfig{
		Name:         w.Name,
		UniqueID:     w.UniqueID,
		Type:         string(w.Type),
		PhoneHomeURL: w.PhoneHomeURL,
		ProxyURL:     w.ProxyURL,
	})
	if err != nil {
		return fmt.Errorf("encode spawn config: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	cmd := exec.CommandContext(ctx, c.cfg.Binary, c.cfg.Script, encoded)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker %s: %w", w.Name, err)
	}

	now := c.now()
	w.Reset()
	w.PID = cmd.Process.Pid
	w.Initialising = true
	w.InitStartedAt = &now
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		return err
	}

	// Reap the process when it exits so it never zombies.
	go func() { _ = cmd.Wait() }()

	log.Printf("coord: spawned worker %s pid %d", w.Name, w.PID)
	c.pub.WorkerEvent("spawned", map[string]any{"name": w.Name, "pid": w.PID})
	return nil
}

// Authenticate matches a connecting process to its registration by name,
// adopts the unique id it presents (or issues one) and confirms
// Initialising.
func (c *Coordinator) Authenticate(ctx context.Context, name, uniqueID string) (*entity.Worker, error) {
	w, err := c.store.GetWorker(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownWorker
	}
	if err != nil {
		return nil, err
	}
	if uniqueID != "" {
		w.UniqueID = uniqueID
	}
	if w.UniqueID == "" {
		w.UniqueID = uuid.NewString()
	}
	now := c.now()
	if w.InitStartedAt == nil {
		w.Initialising = true
		w.InitStartedAt = &now
	}
	w.LastUpdate = &now
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Signal applies a lifecycle update from the worker itself.
func (c *Coordinator) Signal(ctx context.Context, w *entity.Worker, signal string) error {
	now := c.now()
	switch signal {
	case "initialised":
		w.Initialising = false
		w.Running = true
		w.ExecutedAt = &now
		w.LastUpdate = &now
	case "heartbeat":
		w.LastUpdate = &now
	case "shutdown":
		w.Running = false
		w.Initialising = false
		w.ShutdownAt = &now
		w.LastUpdate = &now
		if err := c.store.DeleteLocksForWorker(ctx, w.Name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown worker signal %q", signal)
	}
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		return err
	}
	c.pub.WorkerEvent(signal, map[string]any{"name": w.Name})
	return nil
}

// ReportError records a worker error report and releases its locks. The
// worker lands in the Error state until reset.
func (c *Coordinator) ReportError(ctx context.Context, w *entity.Worker, errorJSON string) error {
	w.Running = false
	w.Initialising = false
	w.ErrorJSON = errorJSON
	if err := c.store.DeleteLocksForWorker(ctx, w.Name); err != nil {
		return err
	}
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		return err
	}
	c.pub.WorkerEvent("error", map[string]any{"name": w.Name})
	return nil
}

// AssignTraceHistoryWork hands the next unverified aircraft day to a
// trawler under a lock. Unless multiple assignments are allowed, a worker
// already holding a lock is re-issued its existing assignment.
func (c *Coordinator) AssignTraceHistoryWork(ctx context.Context, w *entity.Worker) (*Assignment, error) {
	if !c.cfg.MultipleAssignmentsAllowed {
		held, err := c.store.LocksForWorker(ctx, w.Name)
		if err != nil {
			return nil, err
		}
		if len(held) > 0 {
			return &Assignment{
				AircraftIcao: held[0].AircraftIcao,
				Date:         entity.DateKey(held[0].Date),
			}, nil
		}
	}

	// The candidate query excludes locked days, but two trawlers may race
	// to the same row; the lock insert arbitrates.
	for attempt := 0; attempt < 3; attempt++ {
		presence, err := c.store.NextUnverifiedPresence(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoAssignableWork
		}
		if err != nil {
			return nil, err
		}

		lock := &entity.WorkerLock{
			WorkerName:   w.Name,
			AircraftIcao: presence.AircraftIcao,
			Date:         presence.Date,
			CreatedAt:    c.now(),
		}
		err = c.store.InsertLock(ctx, lock)
		if errors.Is(err, storage.ErrLockExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Assignment{
			AircraftIcao: presence.AircraftIcao,
			Date:         entity.DateKey(presence.Date),
		}, nil
	}
	return nil, ErrNoAssignableWork
}

// CompleteTraceHistory marks an assigned day as back-filled and releases
// its lock.
func (c *Coordinator) CompleteTraceHistory(ctx context.Context, w *entity.Worker, icao string, date time.Time) error {
	presence, err := c.store.GetPresence(ctx, icao, date)
	if err != nil {
		return fmt.Errorf("presence %s %s: %w", icao, entity.DateKey(date), err)
	}
	presence.HistoryVerified = true
	if err := c.store.UpdatePresence(ctx, presence); err != nil {
		return err
	}
	if err := c.store.DeleteLock(ctx, icao, date); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	c.pub.WorkerEvent("trace-complete", map[string]any{
		"name": w.Name, "aircraftIcao": icao, "date": entity.DateKey(date),
	})
	return nil
}

// Sweep adopts externally started worker processes, terminates workers
// stuck Initialising past the timeout or Running without a recent
// heartbeat, and reconciles registrations whose process has died.
func (c *Coordinator) Sweep(ctx context.Context) error {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	c.reconcileExternal(ctx, workers)
	now := c.now()

	for _, w := range workers {
		switch w.Status() {
		case entity.StatusInitialising:
			if now.Sub(*w.InitStartedAt) > c.cfg.StuckTimeout {
				c.reap(ctx, w, "stuck initialising")
			}
		case entity.StatusRunning:
			if w.LastUpdate != nil && now.Sub(*w.LastUpdate) > c.cfg.StuckTimeout {
				c.reap(ctx, w, "heartbeat stale")
			} else if w.PID > 0 {
				alive, err := process.PidExistsWithContext(ctx, int32(w.PID))
				if err == nil && !alive {
					c.reap(ctx, w, "process gone")
				}
			}
		}
	}
	return nil
}

// reconcileExternal scans running processes for worker instances the
// master did not spawn itself: a process running the configured binary
// whose third argument decodes to a known worker's bootstrap config gets
// its PID recorded against the registration.
func (c *Coordinator) reconcileExternal(ctx context.Context, workers []*entity.Worker) {
	procs, err := c.procs(ctx)
	if err != nil {
		log.Printf("coord: enumerate processes: %v", err)
		return
	}
	byName := make(map[string]*entity.Worker, len(workers))
	for _, w := range workers {
		byName[w.Name] = w
	}

	binary := filepath.Base(c.cfg.Binary)
	for _, p := range procs {
		if filepath.Base(p.Name) != binary || len(p.Args) < 3 {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(p.Args[2])
		if err != nil {
			continue
		}
		var sc spawnConfig
		if err := json.Unmarshal(payload, &sc); err != nil {
			continue
		}
		w, ok := byName[sc.Name]
		if !ok || w.PID == p.PID {
			continue
		}
		w.PID = p.PID
		if w.UniqueID == "" {
			w.UniqueID = sc.UniqueID
		}
		if err := c.store.UpsertWorker(ctx, w); err != nil {
			log.Printf("coord: adopt worker %s: %v", w.Name, err)
			continue
		}
		log.Printf("coord: adopted external worker %s pid %d", w.Name, p.PID)
		c.pub.WorkerEvent("adopted", map[string]any{"name": w.Name, "pid": p.PID})
	}
}

// reap terminates the worker's process if still present and resets the
// registration to Ready.
func (c *Coordinator) reap(ctx context.Context, w *entity.Worker, reason string) {
	log.Printf("coord: reaping worker %s (%s)", w.Name, reason)
	if w.PID > 0 {
		if p, err := process.NewProcessWithContext(ctx, int32(w.PID)); err == nil {
			if err := p.TerminateWithContext(ctx); err != nil {
				_ = p.KillWithContext(ctx)
			}
		}
	}
	if err := c.store.DeleteLocksForWorker(ctx, w.Name); err != nil {
		log.Printf("coord: release locks for %s: %v", w.Name, err)
	}
	w.Reset()
	if err := c.store.UpsertWorker(ctx, w); err != nil {
		log.Printf("coord: reset worker %s: %v", w.Name, err)
	}
	c.pub.WorkerEvent("reaped", map[string]any{"name": w.Name, "reason": reason})
}

// RunSweeper runs the sweep on its interval until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				log.Printf("coord: sweep: %v", err)
			}
		}
	}
}
