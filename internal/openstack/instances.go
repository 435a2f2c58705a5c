package openstack

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/pagination"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thpham/fleetd/internal/models"
)

// maxConcurrentDeletes bounds DeleteInstances' worker pool: parallel
// deletion with a bounded size (≤ 30).
const maxConcurrentDeletes = 30

// LaunchInstance creates a VM for identity. On success the VM is ACTIVE or
// INITIALIZING, an ephemeral keypair backs it with its private key
// persisted under the key directory, and the VM name equals the rendered
// InstanceID. On SDK error after keypair creation, the keypair and key file
// are removed; on create-timeout, the partially-created VM is deleted.
func (m *Manager) LaunchInstance(ctx context.Context, identity models.RunnerIdentity, vmConfig models.VMConfig, cloudInit string, extraIngressTCPPorts []int) (models.VM, error) {
	id := identity.InstanceID

	if err := m.ensureSecurityGroupWithExtraPorts(ctx, extraIngressTCPPorts); err != nil {
		return models.VM{}, fmt.Errorf("ensuring security group: %w", err)
	}

	if existing, err := m.getInstanceByName(ctx, id.Name()); err == nil && existing != nil {
		return models.VM{}, fmt.Errorf("instance %s already exists", id.Name())
	}

	keyName, err := m.createKeypair(id)
	if err != nil {
		return models.VM{}, fmt.Errorf("launching instance %s: %w", id.Name(), err)
	}

	createOpts := servers.CreateOpts{
		Name:           id.Name(),
		FlavorRef:      vmConfig.Flavor,
		ImageRef:       vmConfig.Image,
		Networks:       []servers.Network{{UUID: m.cfg.Network}},
		SecurityGroups: []string{securityGroupName},
		UserData:       []byte(cloudInit),
		Metadata: map[string]string{
			"fleetd-instance-id": id.Name(),
			"fleetd-platform":    identity.Metadata.PlatformName,
		},
	}

	server, err := servers.Create(m.compute, keypairs_CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           keyName,
	}).Extract()
	if err != nil {
		_ = m.deleteKeypair(keyName)
		m.removeKeyFile(id)
		return models.VM{}, fmt.Errorf("creating server %s: %w", id.Name(), err)
	}

	active, err := m.waitForActive(ctx, server.ID, createServerTimeout)
	if err != nil {
		if delErr := servers.Delete(m.compute, server.ID).ExtractErr(); delErr != nil {
			m.log.WithError(delErr).WithField("instance_id", id.Name()).Warn("failed to delete partially-created server after timeout")
		}
		return models.VM{}, fmt.Errorf("waiting for server %s to become active: %w", id.Name(), err)
	}

	return m.toVM(id, identity.Metadata, vmConfig, active), nil
}

// keypairs_CreateOptsExt mirrors gophercloud's keypairs.CreateOptsExt, kept
// local so this file does not depend on the exact extension package layout
// of the vendored gophercloud version.
type keypairs_CreateOptsExt struct {
	servers.CreateOptsBuilder
	KeyName string
}

func (opts keypairs_CreateOptsExt) ToServerCreateMap() (map[string]interface{}, error) {
	base, err := opts.CreateOptsBuilder.ToServerCreateMap()
	if err != nil {
		return nil, err
	}
	server := base["server"].(map[string]interface{})
	server["key_name"] = opts.KeyName
	return base, nil
}

func (m *Manager) waitForActive(ctx context.Context, serverID string, timeout time.Duration) (*servers.Server, error) {
	deadline := time.Now().Add(timeout)
	for {
		server, err := servers.Get(m.compute, serverID).Extract()
		if err != nil {
			return nil, err
		}
		switch server.Status {
		case "ACTIVE":
			return server, nil
		case "ERROR":
			return nil, fmt.Errorf("server %s entered ERROR state", serverID)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for server %s to become active", serverID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) toVM(id models.InstanceID, metadata models.RunnerMetadata, vmConfig models.VMConfig, server *servers.Server) models.VM {
	createdAt := server.Created
	var addrs []string
	for _, networkAddrs := range server.Addresses {
		list, ok := networkAddrs.([]interface{})
		if !ok {
			continue
		}
		for _, a := range list {
			addrMap, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			if ip, ok := addrMap["addr"].(string); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	return models.VM{
		InstanceID: id,
		Metadata:   metadata,
		Config:     vmConfig,
		State:      models.VMStateFromOpenStackStatus(server.Status),
		CreatedAt:  createdAt,
		Addresses:  addrs,
	}
}

func (m *Manager) getInstanceByName(ctx context.Context, name string) (*servers.Server, error) {
	var found *servers.Server
	pager := servers.List(m.compute, servers.ListOpts{Name: "^" + name + "$"})
	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		list, err := servers.ExtractServers(page)
		if err != nil {
			return false, err
		}
		for i := range list {
			if list[i].Name == name {
				found = &list[i]
				return false, nil
			}
		}
		return true, nil
	})
	return found, err
}

// GetInstances returns VMs whose names share the configured prefix. If
// duplicate names are observed, the most recently created one is kept and
// deletion of the others is requested opportunistically (best-effort,
// logged on failure).
func (m *Manager) GetInstances(ctx context.Context) ([]models.VM, error) {
	prefix := m.cfg.VMPrefix

	var all []servers.Server
	pager := servers.List(m.compute, servers.ListOpts{})
	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		list, err := servers.ExtractServers(page)
		if err != nil {
			return false, err
		}
		all = append(all, list...)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}

	byName := map[string][]servers.Server{}
	for _, s := range all {
		id, parseErr := models.ParseInstanceID(prefix, s.Name)
		if parseErr != nil {
			continue
		}
		byName[id.Name()] = append(byName[id.Name()], s)
	}

	var out []models.VM
	for name, dup := range byName {
		sort.Slice(dup, func(i, j int) bool { return dup[i].Created.After(dup[j].Created) })
		winner := dup[0]

		id, err := models.ParseInstanceID(prefix, name)
		if err != nil {
			continue
		}
		metadata := models.RunnerMetadata{PlatformName: winner.Metadata["fleetd-platform"]}
		vmConfig := models.VMConfig{}
		if flavorID, ok := winner.Flavor["id"].(string); ok {
			vmConfig.Flavor = flavorID
		}
		out = append(out, m.toVM(id, metadata, vmConfig, &winner))

		for _, loser := range dup[1:] {
			if err := servers.Delete(m.compute, loser.ID).ExtractErr(); err != nil {
				m.log.WithError(err).WithField("server_id", loser.ID).Warn("failed to delete duplicate-named server")
			}
		}
	}

	return out, nil
}

// DeleteInstances deletes the given instances in parallel, bounded by
// maxConcurrentDeletes. Per-VM failures are logged and excluded from the
// returned list; the call as a whole never fails.
func (m *Manager) DeleteInstances(ctx context.Context, ids []models.InstanceID, wait bool, timeout time.Duration) []models.InstanceID {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := semaphore.NewWeighted(maxConcurrentDeletes)
	g, gctx := errgroup.WithContext(ctx)

	deleted := make([]bool, len(ids))
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			if err := m.deleteOne(gctx, id, wait); err != nil {
				m.log.WithError(err).WithField("instance_id", id.Name()).Warn("failed to delete instance")
				return nil
			}
			deleted[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var out []models.InstanceID
	for i, ok := range deleted {
		if ok {
			out = append(out, ids[i])
		}
	}
	return out
}

func (m *Manager) deleteOne(ctx context.Context, id models.InstanceID, wait bool) error {
	server, err := m.getInstanceByName(ctx, id.Name())
	if err != nil {
		return err
	}
	if server == nil {
		m.removeKeyFile(id)
		return nil
	}

	if err := servers.Delete(m.compute, server.ID).ExtractErr(); err != nil {
		return fmt.Errorf("deleting server %s: %w", id.Name(), err)
	}

	if wait {
		deadline := time.Now().Add(2 * time.Minute)
		for {
			if _, err := servers.Get(m.compute, server.ID).Extract(); err != nil {
				break
			}
			if time.Now().After(deadline) {
				break
			}
			time.Sleep(2 * time.Second)
		}
	}

	m.removeKeyFile(id)
	_ = m.deleteKeypair(keypairName(id))
	return nil
}
