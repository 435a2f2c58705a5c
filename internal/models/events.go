package models

// EventKind discriminates the four metric event kinds the event log carries.
type EventKind string

const (
	EventRunnerInstalled EventKind = "runner_installed"
	EventRunnerStart     EventKind = "runner_start"
	EventRunnerStop      EventKind = "runner_stop"
	EventReconciliation  EventKind = "reconciliation"
)

// RunnerInstalledEvent is emitted once per successfully launched VM.
type RunnerInstalledEvent struct {
	Timestamp  int64     `json:"timestamp"`
	Kind       EventKind `json:"event"`
	InstanceID string    `json:"instance_id"`
	Flavor     string    `json:"flavor"`
	DurationS  float64   `json:"duration"`
}

// RunnerStartEvent records the gap between install and first job pickup.
type RunnerStartEvent struct {
	Timestamp  int64     `json:"timestamp"`
	Kind       EventKind `json:"event"`
	InstanceID string    `json:"instance_id"`
	Flavor     string    `json:"flavor"`
	Workflow   string    `json:"workflow"`
	Repository string    `json:"repository"`
	IdleS      float64   `json:"idle"`
}

// RunnerStopEvent records job outcome and duration at teardown.
type RunnerStopEvent struct {
	Timestamp    int64         `json:"timestamp"`
	Kind         EventKind     `json:"event"`
	InstanceID   string        `json:"instance_id"`
	Flavor       string        `json:"flavor"`
	Status       PostJobStatus `json:"status"`
	JobDurationS float64       `json:"job_duration"`
}

// ReconciliationEvent summarizes the outcome of a single reconcile tick.
type ReconciliationEvent struct {
	Timestamp       int64     `json:"timestamp"`
	Kind            EventKind `json:"event"`
	Flavor          string    `json:"flavor"`
	CrashedRunners  int       `json:"crashed_runners"`
	IdleRunners     int       `json:"idle_runners"`
	ActiveRunners   int       `json:"active_runners"`
	OfflineRunners  int       `json:"offline_runners"`
	ExpectedRunners int       `json:"expected_runners"`
	DurationS       float64   `json:"duration"`
}
