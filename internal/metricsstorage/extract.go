package metricsstorage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/thpham/fleetd/internal/models"
)

// ErrCorrupt indicates a metric file failed to parse or exceeded the size
// cap; the caller should quarantine the storage directory instead of
// emitting events for it.
type ErrCorrupt struct {
	Instance models.InstanceID
	Reason   string
}

func (e *ErrCorrupt) Error() string {
	return "corrupt metric storage for " + e.Instance.Name() + ": " + e.Reason
}

// Extract reads the metric files under a runner's storage directory and
// builds a MetricRecord. Any oversized-marker file or malformed timestamp/
// JSON file causes an ErrCorrupt.
func Extract(id models.InstanceID, dir string) (models.MetricRecord, error) {
	record := models.MetricRecord{InstanceID: id}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return record, &ErrCorrupt{Instance: id, Reason: err.Error()}
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".oversized") {
			return record, &ErrCorrupt{Instance: id, Reason: "file exceeded size cap: " + e.Name()}
		}
	}

	if ts, ok, err := readTimestamp(filepath.Join(dir, "install-start")); err != nil {
		return record, &ErrCorrupt{Instance: id, Reason: err.Error()}
	} else if ok {
		record.InstallStart = ts
	}

	if ts, ok, err := readTimestamp(filepath.Join(dir, "install-end")); err != nil {
		return record, &ErrCorrupt{Instance: id, Reason: err.Error()}
	} else if ok {
		record.InstallEnd = ts
	}

	if preJob, ok, err := readPreJob(filepath.Join(dir, "pre-job.json")); err != nil {
		return record, &ErrCorrupt{Instance: id, Reason: err.Error()}
	} else if ok {
		record.PreJob = preJob
	}

	if postJob, ok, err := readPostJob(filepath.Join(dir, "post-job.json")); err != nil {
		return record, &ErrCorrupt{Instance: id, Reason: err.Error()}
	} else if ok {
		if record.PreJob == nil {
			// A post-job event is never emitted without a preceding
			// pre-job event for the same InstanceID.
			return record, &ErrCorrupt{Instance: id, Reason: "post-job metric present without pre-job metric"}
		}
		record.PostJob = postJob
	}

	return record, nil
}

func readTimestamp(path string) (int64, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(data) > MaxFileSize {
		return 0, false, errOversized(path)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, err
	}
	if ts < 0 {
		return 0, false, errNegativeTimestamp(path)
	}
	return ts, true, nil
}

type preJobFile struct {
	Timestamp     int64  `json:"timestamp"`
	Workflow      string `json:"workflow"`
	WorkflowRunID string `json:"workflow_run_id"`
	Repository    string `json:"repository"`
	Event         string `json:"event"`
}

func readPreJob(path string) (*models.PreJobMetric, bool, error) {
	data, ok, err := readJSONFile(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	var pj preJobFile
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, false, err
	}
	return &models.PreJobMetric{
		Timestamp:     pj.Timestamp,
		Workflow:      pj.Workflow,
		WorkflowRunID: pj.WorkflowRunID,
		Repository:    pj.Repository,
		Event:         pj.Event,
	}, true, nil
}

type postJobFile struct {
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
	StatusInfo *int   `json:"status_info"`
}

func readPostJob(path string) (*models.PostJobMetric, bool, error) {
	data, ok, err := readJSONFile(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	var pj postJobFile
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, false, err
	}

	status := models.PostJobStatus(pj.Status)
	switch status {
	case models.PostJobNormal, models.PostJobAbnormal, models.PostJobRepoPolicyCheckFail:
	default:
		return nil, false, errUnknownStatus(pj.Status)
	}

	return &models.PostJobMetric{
		Timestamp:  pj.Timestamp,
		Status:     status,
		StatusInfo: pj.StatusInfo,
	}, true, nil
}

func readJSONFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) > MaxFileSize {
		return nil, false, errOversized(path)
	}
	return data, true, nil
}

func errOversized(path string) error {
	return &fileError{path: path, reason: "file exceeds size cap"}
}

func errNegativeTimestamp(path string) error {
	return &fileError{path: path, reason: "negative timestamp"}
}

func errUnknownStatus(status string) error {
	return &fileError{path: "post-job.json", reason: "unknown status " + status}
}

type fileError struct {
	path   string
	reason string
}

func (e *fileError) Error() string { return e.path + ": " + e.reason }
