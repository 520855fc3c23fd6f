package entity

import "time"

// WorkerType distinguishes the two scraper roles.
type WorkerType string

const (
	// WorkerAircraftTracker pushes realtime points for the tracked fleet.
	WorkerAircraftTracker WorkerType = "aircraft-tracker"
	// WorkerHistoryTrawler back-fills full-day traces on assignment.
	WorkerHistoryTrawler WorkerType = "history-trawler"
)

// WorkerStatus is derived from the worker's timestamp tuple, never stored.
type WorkerStatus string

const (
	StatusReady        WorkerStatus = "Ready"
	StatusInitialising WorkerStatus = "Initialising"
	StatusRunning      WorkerStatus = "Running"
	StatusShutdown     WorkerStatus = "Shutdown"
	StatusError        WorkerStatus = "Error"
	StatusUnknown      WorkerStatus = "Unknown"
)

// Worker is one scraper process registration, identified by name.
type Worker struct {
	Name     string
	UniqueID string
	Type     WorkerType
	Enabled  bool

	PhoneHomeURL string
	ProxyURL     string

	PID int

	Running      bool
	Initialising bool

	ExecutedAt    *time.Time
	ShutdownAt    *time.Time
	InitStartedAt *time.Time
	LastUpdate    *time.Time

	// ErrorJSON carries the worker's last error report, empty when none.
	ErrorJSON string
}

// Status derives the lifecycle state from the timestamp tuple.
func (w *Worker) Status() WorkerStatus {
	switch {
	case !w.Running && w.ExecutedAt == nil && w.ShutdownAt == nil &&
		!w.Initialising && w.InitStartedAt == nil && w.ErrorJSON == "":
		return StatusReady
	case !w.Running && w.ExecutedAt == nil && w.ShutdownAt == nil &&
		w.Initialising && w.InitStartedAt != nil && w.ErrorJSON == "":
		return StatusInitialising
	case w.Running && w.ExecutedAt != nil && w.ShutdownAt == nil &&
		!w.Initialising && w.InitStartedAt != nil && w.ErrorJSON == "":
		return StatusRunning
	case !w.Running && !w.Initialising && w.ErrorJSON != "":
		return StatusError
	case !w.Running && !w.Initialising &&
		(w.InitStartedAt != nil || w.ExecutedAt != nil) && w.ErrorJSON == "":
		return StatusShutdown
	default:
		return StatusUnknown
	}
}

// Reset clears the tuple back to Ready.
func (w *Worker) Reset() {
	w.Running = false
	w.Initialising = false
	w.ExecutedAt = nil
	w.ShutdownAt = nil
	w.InitStartedAt = nil
	w.LastUpdate = nil
	w.ErrorJSON = ""
	w.PID = 0
}

// WorkerLock reserves one AircraftPresentDay for exclusive assignment to a
// history trawler. A unique constraint on (icao, date) makes duplicate
// assignment impossible.
type WorkerLock struct {
	WorkerName   string
	AircraftIcao string
	Date         time.Time
	CreatedAt    time.Time
}
