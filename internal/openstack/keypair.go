package openstack

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"

	"github.com/thpham/fleetd/internal/models"
)

// keypairName derives the per-instance keypair name from its InstanceID, one
// keypair per VM so Cleanup can age-gate deletion per-key.
func keypairName(id models.InstanceID) string {
	return fmt.Sprintf("fleetd-%s", id.Name())
}

func (m *Manager) keyFilePath(id models.InstanceID) string {
	return filepath.Join(m.keyDir, keypairName(id)+".pem")
}

// createKeypair creates an ephemeral keypair for id and persists its private
// key under the configured key directory with mode 0o400, owned by the
// configured system user.1.
func (m *Manager) createKeypair(id models.InstanceID) (string, error) {
	name := keypairName(id)
	kp, err := keypairs.Create(m.compute, keypairs.CreateOpts{Name: name}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating keypair %s: %w", name, err)
	}

	if err := os.MkdirAll(m.keyDir, 0o700); err != nil {
		_ = m.deleteKeypair(name)
		return "", fmt.Errorf("creating key directory: %w", err)
	}

	path := m.keyFilePath(id)
	if err := os.WriteFile(path, []byte(kp.PrivateKey), 0o400); err != nil {
		_ = m.deleteKeypair(name)
		return "", fmt.Errorf("writing private key file: %w", err)
	}

	if err := chownToUser(path, m.systemUser); err != nil {
		_ = m.deleteKeypair(name)
		m.removeKeyFile(id)
		return "", fmt.Errorf("setting owner of private key file: %w", err)
	}

	m.keypairMu.Lock()
	m.keypairSeen[name] = time.Now()
	m.keypairMu.Unlock()

	return name, nil
}

// chownToUser gives path to the named OS user and that user's primary group.
func chownToUser(path, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	return os.Chown(path, uid, gid)
}

func (m *Manager) deleteKeypair(name string) error {
	return keypairs.Delete(m.compute, name, keypairs.DeleteOpts{}).ExtractErr()
}

// removeKeyFile removes a persisted private key file. Best-effort: a
// missing file is not an error.
func (m *Manager) removeKeyFile(id models.InstanceID) {
	_ = os.Remove(m.keyFilePath(id))
}
