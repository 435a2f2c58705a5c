package models

import "time"

// RunnerMetadata selects the platform backend in the multiplexer and is
// carried with every runner and every platform call.
type RunnerMetadata struct {
	PlatformName string
	RunnerID     string
	URL          string
}

// RunnerIdentity is the unit of identity passed to platform calls.
type RunnerIdentity struct {
	InstanceID InstanceID
	Metadata   RunnerMetadata
}

// RunnerContext is the per-runner bootstrap data a platform produces: the
// cloud-init shell script the VM runs at boot, plus any extra ports to open.
type RunnerContext struct {
	ShellRunScript  string
	IngressTCPPorts []int
}

// VMConfig is immutable for the VM's lifetime.
type VMConfig struct {
	Image  string
	Flavor string
}

// VMState is the VM's state as derived from the cloud's native status via a
// fixed mapping.
type VMState int

const (
	VMStateUnknown VMState = iota
	VMStateInitializing
	VMStateActive
	VMStateShutoff
	VMStateError
)

func (s VMState) String() string {
	switch s {
	case VMStateInitializing:
		return "INITIALIZING"
	case VMStateActive:
		return "ACTIVE"
	case VMStateShutoff:
		return "SHUTOFF"
	case VMStateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// VMStateFromOpenStackStatus maps a compute server's native status string to
// the fixed VMState enum.
func VMStateFromOpenStackStatus(status string) VMState {
	switch status {
	case "BUILD", "REBUILD":
		return VMStateInitializing
	case "ACTIVE":
		return VMStateActive
	case "SHUTOFF", "STOPPED":
		return VMStateShutoff
	case "ERROR":
		return VMStateError
	default:
		return VMStateUnknown
	}
}

// IsTerminal reports whether the state is one CleanupRunners treats as
// terminal (ERROR, SHUTOFF are terminal; deletion itself removes the VM
// from the listing entirely).
func (s VMState) IsTerminal() bool {
	return s == VMStateError || s == VMStateShutoff
}

// VM is the cloud's view of a runner instance.
type VM struct {
	InstanceID InstanceID
	Metadata   RunnerMetadata
	Config     VMConfig
	State      VMState
	CreatedAt  time.Time
	Addresses  []string
}

// IsOlderThan reports whether the VM was created more than d ago.
func (v VM) IsOlderThan(d time.Duration) bool {
	return time.Since(v.CreatedAt) > d
}

// PlatformRunnerHealth is the platform's view of a runner's health.
type PlatformRunnerHealth struct {
	Identity         RunnerIdentity
	Online           bool
	Busy             bool
	Deletable        bool
	RunnerInPlatform bool
}

// PlatformState is the runner's state as seen by the platform.
type PlatformState int

const (
	PlatformStateUnknown PlatformState = iota
	PlatformStateIdle
	PlatformStateBusy
	PlatformStateOffline
)

func (s PlatformState) String() string {
	switch s {
	case PlatformStateIdle:
		return "IDLE"
	case PlatformStateBusy:
		return "BUSY"
	case PlatformStateOffline:
		return "OFFLINE"
	default:
		return "unknown"
	}
}

// PlatformStateFromHealth derives a runner's platform-visible tri-state
// from a health record: busy wins even if reported offline (a transient
// condition during job teardown), online-and-not-busy is idle, anything
// else is offline.
func PlatformStateFromHealth(h PlatformRunnerHealth) PlatformState {
	if h.Busy {
		return PlatformStateBusy
	}
	if h.Online {
		return PlatformStateIdle
	}
	return PlatformStateOffline
}

// RunnerInstance is the joined view produced by pairing a VM with its
// PlatformRunnerHealth when both are known.
type RunnerInstance struct {
	Name           string
	InstanceID     InstanceID
	Metadata       RunnerMetadata
	Config         VMConfig
	CloudState     VMState
	PlatformState  PlatformState
	PlatformHealth *PlatformRunnerHealth
	CreatedAt      time.Time
}

// PostJobStatus enumerates the post-job outcome recorded in a metric record.
type PostJobStatus string

const (
	PostJobNormal               PostJobStatus = "normal"
	PostJobAbnormal             PostJobStatus = "abnormal"
	PostJobRepoPolicyCheckFail  PostJobStatus = "repo-policy-check-failure"
)

// PreJobMetric is recorded when a job is assigned to a runner.
type PreJobMetric struct {
	Timestamp     int64
	Workflow      string
	WorkflowRunID string
	Repository    string // "owner/repo"
	Event         string
}

// PostJobMetric is recorded when a job finishes.
type PostJobMetric struct {
	Timestamp  int64
	Status     PostJobStatus
	StatusInfo *int
}

// MetricRecord is the per-runner storage content pulled back from a VM.
type MetricRecord struct {
	InstanceID   InstanceID
	InstallStart int64
	InstallEnd   int64
	PreJob       *PreJobMetric
	PostJob      *PostJobMetric
}

// QueueMessage is the reactive consumer's wire payload.
type QueueMessage struct {
	Labels []string
	URL    string
}

// FlushMode selects which runners FlushRunners targets.
type FlushMode int

const (
	FlushIdle FlushMode = iota
	FlushBusy
)
