package metricsstorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/thpham/fleetd/internal/models"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture file %s: %v", name, err)
	}
}

func TestExtractEmptyDirectoryYieldsEmptyRecord(t *testing.T) {
	dir := t.TempDir()
	id := models.InstanceID{Prefix: "fleetd", Suffix: "abc"}

	record, err := Extract(id, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.InstallStart != 0 || record.InstallEnd != 0 || record.PreJob != nil || record.PostJob != nil {
		t.Fatalf("expected an empty record, got %+v", record)
	}
}

func TestExtractReadsTimestampsAndJobMetrics(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "install-start", "100")
	writeFile(t, dir, "install-end", "140")
	writeFile(t, dir, "pre-job.json", `{"timestamp":150,"workflow":"CI","workflow_run_id":"42","repository":"acme/repo","event":"push"}`)
	writeFile(t, dir, "post-job.json", `{"timestamp":200,"status":"normal"}`)

	record, err := Extract(models.InstanceID{Prefix: "fleetd", Suffix: "abc"}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.InstallStart != 100 || record.InstallEnd != 140 {
		t.Errorf("unexpected install timestamps: %+v", record)
	}
	if record.PreJob == nil || record.PreJob.Repository != "acme/repo" {
		t.Fatalf("unexpected pre-job metric: %+v", record.PreJob)
	}
	if record.PostJob == nil || record.PostJob.Status != models.PostJobNormal {
		t.Fatalf("unexpected post-job metric: %+v", record.PostJob)
	}
}

func TestExtractRejectsPostJobWithoutPreJob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "post-job.json", `{"timestamp":200,"status":"normal"}`)

	_, err := Extract(models.InstanceID{Prefix: "fleetd", Suffix: "abc"}, dir)
	var corrupt *ErrCorrupt
	if err == nil {
		t.Fatal("expected an ErrCorrupt for a post-job metric without a pre-job metric")
	}
	if !asErrCorrupt(err, &corrupt) {
		t.Fatalf("expected *ErrCorrupt, got %T: %v", err, err)
	}
}

func TestExtractRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, MaxFileSize+1)
	writeFile(t, dir, "install-start", string(big))

	_, err := Extract(models.InstanceID{Prefix: "fleetd", Suffix: "abc"}, dir)
	var corrupt *ErrCorrupt
	if !asErrCorrupt(err, &corrupt) {
		t.Fatalf("expected *ErrCorrupt for an oversized file, got %T: %v", err, err)
	}
}

func TestExtractRejectsUnknownPostJobStatus(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pre-job.json", `{"timestamp":150,"workflow":"CI","workflow_run_id":"42","repository":"acme/repo","event":"push"}`)
	writeFile(t, dir, "post-job.json", `{"timestamp":200,"status":"bogus"}`)

	_, err := Extract(models.InstanceID{Prefix: "fleetd", Suffix: "abc"}, dir)
	var corrupt *ErrCorrupt
	if !asErrCorrupt(err, &corrupt) {
		t.Fatalf("expected *ErrCorrupt for an unknown status, got %T: %v", err, err)
	}
}

func asErrCorrupt(err error, target **ErrCorrupt) bool {
	c, ok := err.(*ErrCorrupt)
	if ok {
		*target = c
	}
	return ok
}
