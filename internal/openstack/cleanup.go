package openstack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/pagination"
)

// orphanKeypairMinAge guards against deleting a keypair for a VM still in
// its create window.1.
const orphanKeypairMinAge = 10 * time.Minute

// Cleanup lists known VMs and deletes fleet keypairs that are not
// referenced by any live VM. The age gate uses the creation time this
// process recorded in keypairSeen: a keypair it created less than
// orphanKeypairMinAge ago is kept. Keypairs without such a record (for
// example, created before the process started) are deleted as soon as no
// live VM references them, whatever their age.
func (m *Manager) Cleanup(ctx context.Context) error {
	live, err := m.GetInstances(ctx)
	if err != nil {
		return fmt.Errorf("listing instances for cleanup: %w", err)
	}

	liveKeyNames := make(map[string]struct{}, len(live))
	for _, vm := range live {
		liveKeyNames[keypairName(vm.InstanceID)] = struct{}{}
	}

	var all []keypairs.KeyPair
	pager := keypairs.List(m.compute, keypairs.ListOpts{})
	err = pager.EachPage(func(page pagination.Page) (bool, error) {
		list, err := keypairs.ExtractKeyPairs(page)
		if err != nil {
			return false, err
		}
		all = append(all, list...)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("listing keypairs for cleanup: %w", err)
	}

	now := time.Now()
	for _, kp := range all {
		if !strings.HasPrefix(kp.Name, "fleetd-"+m.cfg.VMPrefix) {
			continue
		}
		if _, stillLive := liveKeyNames[kp.Name]; stillLive {
			continue
		}

		m.keypairMu.Lock()
		seenAt, known := m.keypairSeen[kp.Name]
		m.keypairMu.Unlock()
		if known && now.Sub(seenAt) < orphanKeypairMinAge {
			continue
		}

		if err := m.deleteKeypair(kp.Name); err != nil {
			m.log.WithError(err).WithField("keypair", kp.Name).Warn("failed to delete orphan keypair")
			continue
		}
		m.keypairMu.Lock()
		delete(m.keypairSeen, kp.Name)
		m.keypairMu.Unlock()
	}

	return nil
}
