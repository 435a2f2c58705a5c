package metrics

import "github.com/thpham/fleetd/internal/models"

// clampDuration returns end-start in seconds, clamped to zero when end
// precedes start: pre/post-job timestamps may be skewed, and durations
// are clamped rather than negative.
func clampDuration(start, end int64) float64 {
	if end <= start {
		return 0
	}
	return float64(end - start)
}

// ToRunnerInstalledEvent builds a RunnerInstalledEvent from a launch
// start/end pair.
func ToRunnerInstalledEvent(id models.InstanceID, flavor string, launchStart, launchEnd int64) models.RunnerInstalledEvent {
	return models.RunnerInstalledEvent{
		Timestamp:  launchEnd,
		Kind:       models.EventRunnerInstalled,
		InstanceID: id.Name(),
		Flavor:     flavor,
		DurationS:  clampDuration(launchStart, launchEnd),
	}
}

// ToRunnerEvents derives RunnerStart/RunnerStop events from a pulled metric
// record, clamping at the same boundaries as clampDuration (post < pre ->
// job_duration 0; pre < install-end -> idle 0).
func ToRunnerEvents(record models.MetricRecord, flavor string) (start *models.RunnerStartEvent, stop *models.RunnerStopEvent) {
	if record.PreJob != nil {
		start = &models.RunnerStartEvent{
			Timestamp:  record.PreJob.Timestamp,
			Kind:       models.EventRunnerStart,
			InstanceID: record.InstanceID.Name(),
			Flavor:     flavor,
			Workflow:   record.PreJob.Workflow,
			Repository: record.PreJob.Repository,
			IdleS:      clampDuration(record.InstallEnd, record.PreJob.Timestamp),
		}
	}

	if record.PostJob != nil && record.PreJob != nil {
		stop = &models.RunnerStopEvent{
			Timestamp:    record.PostJob.Timestamp,
			Kind:         models.EventRunnerStop,
			InstanceID:   record.InstanceID.Name(),
			Flavor:       flavor,
			Status:       record.PostJob.Status,
			JobDurationS: clampDuration(record.PreJob.Timestamp, record.PostJob.Timestamp),
		}
	}

	return start, stop
}
