package openstack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/thpham/fleetd/internal/metricsstorage"
	"github.com/thpham/fleetd/internal/models"
)

// remoteMetricFiles are the filenames the runner agent writes under
// metricsExchangePath at various lifecycle points.
var remoteMetricFiles = []string{
	"install-start", "install-end", "pre-job.json", "post-job.json",
}

// PullMetricFiles SSHes into vm and copies each known metric file into
// localDir, skipping files that do not exist remotely. Files above
// metricsstorage.MaxFileSize are skipped with an oversized marker file so
// the caller can quarantine instead of silently truncating.
func (m *Manager) PullMetricFiles(ctx context.Context, vm models.VM, localDir string) error {
	client, err := m.GetSSHConnection(ctx, vm)
	if err != nil {
		return fmt.Errorf("pulling metrics for %s: %w", vm.InstanceID.Name(), err)
	}
	defer client.Close()

	for _, name := range remoteMetricFiles {
		remotePath := metricsExchangePath + "/" + name

		session, err := client.NewSession()
		if err != nil {
			return fmt.Errorf("opening ssh session for %s: %w", vm.InstanceID.Name(), err)
		}

		out, runErr := session.Output("cat " + remotePath + " 2>/dev/null || true")
		session.Close()
		if runErr != nil {
			continue
		}
		if len(out) == 0 {
			continue
		}
		if len(out) > metricsstorage.MaxFileSize {
			if err := os.WriteFile(filepath.Join(localDir, name+".oversized"), nil, 0o640); err != nil {
				m.log.WithError(err).WithField("instance_id", vm.InstanceID.Name()).Warn("failed to mark oversized metric file")
			}
			continue
		}

		if err := os.WriteFile(filepath.Join(localDir, name), out, 0o640); err != nil {
			return fmt.Errorf("writing metric file %s for %s: %w", name, vm.InstanceID.Name(), err)
		}
	}

	return nil
}
