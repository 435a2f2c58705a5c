// Package runnermanager implements the Runner Manager component: it owns
// the joined view of the fleet and exposes the high-level operations
// CreateRunners, GetRunners, CleanupRunners, DeleteRunners, FlushRunners.
// The fleet is not cached: each call lists VMs from the cloud and joins them
// with platform health; creation is a two-phase register-then-launch
// sequence with rollback on failure.
package runnermanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/metrics"
	"github.com/thpham/fleetd/internal/metricsstorage"
	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

// buildTimeout bounds how long a VM may remain INITIALIZING before
// CleanupRunners treats it as a stuck build (default 1h).
const buildTimeout = time.Hour

// CloudProvider is the subset of the Cloud Provider contract the Runner
// Manager needs.
type CloudProvider interface {
	LaunchInstance(ctx context.Context, identity models.RunnerIdentity, cfg models.VMConfig, cloudInit string, extraIngressTCPPorts []int) (models.VM, error)
	GetInstances(ctx context.Context) ([]models.VM, error)
	DeleteInstances(ctx context.Context, ids []models.InstanceID, wait bool, timeout time.Duration) []models.InstanceID
	Cleanup(ctx context.Context) error
	PullMetricFiles(ctx context.Context, vm models.VM, localDir string) error
}

// PlatformMultiplexer is the subset of the Multiplexer the Runner Manager
// needs.
type PlatformMultiplexer interface {
	GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error)
	GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (platform.RunnersHealthResponse, error)
	DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error
}

// CloudInitRenderer combines a platform boot script with the service-wide
// userdata settings into the final cloud-init document a VM boots with.
type CloudInitRenderer interface {
	GenerateCloudInit(ctx context.Context, id models.InstanceID, runScript string) (string, error)
}

// EventSink receives emitted metric events; satisfied by *eventlog.Log.
type EventSink interface {
	Write(event interface{}) error
}

// CleanupStats merges the outcome of a CleanupRunners/DeleteRunners call.
type CleanupStats struct {
	Deleted        int
	CrashedRunners int
}

// Manager owns the fleet for one manager prefix.
type Manager struct {
	prefix string

	cloud      CloudProvider
	platform   PlatformMultiplexer
	cloudInit  CloudInitRenderer
	storage    *metricsstorage.Manager
	events     EventSink
	collect    *metrics.Collectors
	log        *logrus.Logger

	mu sync.Mutex

	// strays carries non_requested_runners observed in the last
	// GetRunners call, for Cleanup to reconcile against the platform.
	strays []models.PlatformRunnerHealth
}

// New constructs a Manager.
func New(prefix string, cloud CloudProvider, plat PlatformMultiplexer, cloudInit CloudInitRenderer, storage *metricsstorage.Manager, events EventSink, collect *metrics.Collectors, log *logrus.Logger) *Manager {
	return &Manager{
		prefix:    prefix,
		cloud:     cloud,
		platform:  plat,
		cloudInit: cloudInit,
		storage:   storage,
		events:    events,
		collect:   collect,
		log:       log,
	}
}

// CreateRunners allocates n fresh InstanceIDs, registers each with the
// platform, and launches a VM for each. It returns the InstanceIDs of
// successfully launched VMs; partial success is allowed.
func (m *Manager) CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error) {
	if n <= 0 {
		return nil, nil
	}

	var created []models.InstanceID
	for i := 0; i < n; i++ {
		flag := models.NonReactive
		if reactive {
			flag = models.Reactive
		}
		id := models.NewInstanceID(m.prefix, flag)

		launchStart := time.Now()

		runnerCtx, _, err := m.platform.GetRunnerContext(ctx, metadata, id, labels)
		if err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Warn("failed to register runner with platform")
			continue
		}

		identity := models.RunnerIdentity{InstanceID: id, Metadata: metadata}

		if _, err := m.storage.Create(id); err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Warn("failed to create metrics storage")
			m.rollbackPlatformRegistration(ctx, identity)
			continue
		}

		cloudInit, err := m.cloudInit.GenerateCloudInit(ctx, id, runnerCtx.ShellRunScript)
		if err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Warn("failed to render cloud-init, rolling back platform registration")
			m.rollbackPlatformRegistration(ctx, identity)
			_ = m.storage.Delete(id)
			continue
		}

		vm, err := m.cloud.LaunchInstance(ctx, identity, cfg, cloudInit, append(extraIngressTCPPorts, runnerCtx.IngressTCPPorts...))
		if err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Warn("failed to launch vm, rolling back platform registration")
			m.rollbackPlatformRegistration(ctx, identity)
			_ = m.storage.Delete(id)
			continue
		}

		launchEnd := time.Now()
		m.emitRunnerInstalled(id, cfg.Flavor, launchStart, launchEnd)
		if m.collect != nil {
			m.collect.VMCreationDuration.WithLabelValues(cfg.Flavor).Observe(launchEnd.Sub(launchStart).Seconds())
		}

		created = append(created, vm.InstanceID)
	}

	return created, nil
}

func (m *Manager) rollbackPlatformRegistration(ctx context.Context, identity models.RunnerIdentity) {
	if err := m.platform.DeleteRunner(ctx, identity); err != nil {
		m.log.WithError(err).WithField("instance_id", identity.InstanceID.Name()).Warn("failed to roll back platform registration")
	}
}

func (m *Manager) emitRunnerInstalled(id models.InstanceID, flavor string, start, end time.Time) {
	if m.events == nil {
		return
	}
	event := metrics.ToRunnerInstalledEvent(id, flavor, start.Unix(), end.Unix())
	if err := m.events.Write(event); err != nil {
		m.log.WithError(err).Warn("failed to write runner_installed event")
	}
}

// GetRunners lists VMs from the cloud, joins them with platform health, and
// records any stray runners for the next Cleanup.
func (m *Manager) GetRunners(ctx context.Context) ([]models.RunnerInstance, error) {
	vms, err := m.cloud.GetInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cloud instances: %w", err)
	}

	identities := make([]models.RunnerIdentity, 0, len(vms))
	for _, vm := range vms {
		identities = append(identities, models.RunnerIdentity{InstanceID: vm.InstanceID, Metadata: vm.Metadata})
	}

	healthResp, err := m.platform.GetRunnersHealth(ctx, identities)
	if err != nil {
		return nil, fmt.Errorf("fetching platform health: %w", err)
	}

	healthByName := make(map[string]models.PlatformRunnerHealth, len(healthResp.Requested))
	for _, h := range healthResp.Requested {
		healthByName[h.Identity.InstanceID.Name()] = h
	}

	var out []models.RunnerInstance
	for _, vm := range vms {
		ri := models.RunnerInstance{
			Name:       vm.InstanceID.Name(),
			InstanceID: vm.InstanceID,
			Metadata:   vm.Metadata,
			Config:     vm.Config,
			CloudState: vm.State,
			CreatedAt:  vm.CreatedAt,
		}
		if h, ok := healthByName[vm.InstanceID.Name()]; ok {
			hCopy := h
			ri.PlatformHealth = &hCopy
			ri.PlatformState = models.PlatformStateFromHealth(h)
		} else {
			ri.PlatformState = models.PlatformStateUnknown
		}
		out = append(out, ri)
	}

	m.mu.Lock()
	m.strays = healthResp.NonRequested
	m.mu.Unlock()

	if m.collect != nil {
		m.collect.RunnersTotal.Set(float64(len(out)))
		counts := map[models.PlatformState]int{}
		for _, ri := range out {
			counts[ri.PlatformState]++
		}
		m.collect.RunnersByState.WithLabelValues("idle").Set(float64(counts[models.PlatformStateIdle]))
		m.collect.RunnersByState.WithLabelValues("busy").Set(float64(counts[models.PlatformStateBusy]))
		m.collect.RunnersByState.WithLabelValues("offline").Set(float64(counts[models.PlatformStateOffline]))
		m.collect.RunnersByState.WithLabelValues("unknown").Set(float64(counts[models.PlatformStateUnknown]))
	}

	return out, nil
}

// CleanupRunners deletes terminal, platform-deletable, and stuck-build VMs,
// extracts metrics before tearing down storage, and runs the cloud's GC. An
// empty flavor considers every VM; a non-empty one restricts the sweep to
// that VMConfig.Flavor, letting callers managing several flavors against one
// Manager clean each independently. Stray platform-side registrations are
// always reconciled regardless of flavor, since they carry no VM to key on.
func (m *Manager) CleanupRunners(ctx context.Context, flavor string) (CleanupStats, error) {
	runners, err := m.GetRunners(ctx)
	if err != nil {
		return CleanupStats{}, err
	}

	var toDelete []models.InstanceID
	crashed := 0
	for _, r := range runners {
		if flavor != "" && r.Config.Flavor != flavor {
			continue
		}
		switch {
		case r.CloudState.IsTerminal():
			toDelete = append(toDelete, r.InstanceID)
			if r.CloudState == models.VMStateError {
				crashed++
			}
		case r.PlatformHealth != nil && r.PlatformHealth.Deletable:
			toDelete = append(toDelete, r.InstanceID)
		case r.CloudState == models.VMStateInitializing && time.Since(r.CreatedAt) > buildTimeout:
			// Open Question resolution: wait for the build timeout rather
			// than deleting immediately just because runner_in_platform
			// is false while still INITIALIZING.
			toDelete = append(toDelete, r.InstanceID)
			crashed++
		}
	}

	stats := CleanupStats{}
	if len(toDelete) > 0 {
		stats = m.deleteAndExtract(ctx, toDelete, flavor)
	}
	stats.CrashedRunners = crashed

	if err := m.cloud.Cleanup(ctx); err != nil {
		m.log.WithError(err).Warn("cloud cleanup failed")
	}

	m.mu.Lock()
	strays := m.strays
	m.mu.Unlock()
	for _, s := range strays {
		if err := m.platform.DeleteRunner(ctx, s.Identity); err != nil {
			m.log.WithError(err).WithField("instance_id", s.Identity.InstanceID.Name()).Warn("failed to delete stray platform runner")
		}
	}

	return stats, nil
}

// deleteAndExtract pulls metrics for each VM before deletion, tears down
// its metric storage, emits RunnerStart/RunnerStop events, and deletes the
// VMs from the cloud and platform.
func (m *Manager) deleteAndExtract(ctx context.Context, ids []models.InstanceID, flavor string) CleanupStats {
	vms, err := m.cloud.GetInstances(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to list instances before cleanup-delete")
	}
	byID := make(map[string]models.VM, len(vms))
	for _, vm := range vms {
		byID[vm.InstanceID.Name()] = vm
	}

	for _, id := range ids {
		vm, ok := byID[id.Name()]
		if !ok {
			continue
		}
		dir, err := m.storage.Get(id)
		if err != nil {
			continue
		}
		if err := m.cloud.PullMetricFiles(ctx, vm, dir); err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Debug("failed to pull metric files")
			continue
		}

		record, err := metricsstorage.Extract(id, dir)
		if err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Warn("corrupt metric storage, quarantining")
			if qErr := m.storage.MoveToQuarantine(id); qErr != nil {
				m.log.WithError(qErr).Warn("failed to quarantine metric storage")
			}
			continue
		}

		start, stop := metrics.ToRunnerEvents(record, flavor)
		if start != nil && m.events != nil {
			if err := m.events.Write(*start); err != nil {
				m.log.WithError(err).Warn("failed to write runner_start event")
			}
		}
		if stop != nil && m.events != nil {
			if err := m.events.Write(*stop); err != nil {
				m.log.WithError(err).Warn("failed to write runner_stop event")
			}
			if m.collect != nil {
				m.collect.VMLifetimeDuration.WithLabelValues(flavor).Observe(time.Since(vm.CreatedAt).Seconds())
			}
		}
	}

	deleted := m.cloud.DeleteInstances(ctx, ids, false, 10*time.Minute)
	for _, id := range deleted {
		if err := m.storage.Delete(id); err != nil {
			m.log.WithError(err).WithField("instance_id", id.Name()).Warn("failed to delete metric storage after vm delete")
		}
	}

	return CleanupStats{Deleted: len(deleted)}
}

// DeleteRunners selects up to n idle runners of flavor (oldest first, ties
// broken by name; an empty flavor considers every flavor), deletes them
// concurrently, and returns merged stats.
func (m *Manager) DeleteRunners(ctx context.Context, n int, flavor string) (CleanupStats, error) {
	runners, err := m.GetRunners(ctx)
	if err != nil {
		return CleanupStats{}, err
	}

	var idle []models.RunnerInstance
	for _, r := range runners {
		if flavor != "" && r.Config.Flavor != flavor {
			continue
		}
		if r.PlatformState == models.PlatformStateIdle {
			idle = append(idle, r)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if !idle[i].CreatedAt.Equal(idle[j].CreatedAt) {
			return idle[i].CreatedAt.Before(idle[j].CreatedAt)
		}
		return idle[i].Name < idle[j].Name
	})

	if n < len(idle) {
		idle = idle[:n]
	}

	ids := make([]models.InstanceID, 0, len(idle))
	for _, r := range idle {
		ids = append(ids, r.InstanceID)
	}

	return m.deleteAndExtract(ctx, ids, flavor), nil
}

// FlushRunners deletes idle runners (FlushIdle) or both idle and busy
// runners (FlushBusy). An empty flavor targets every flavor; a non-empty
// one restricts the flush to that VMConfig.Flavor.
func (m *Manager) FlushRunners(ctx context.Context, mode models.FlushMode, flavor string) (CleanupStats, error) {
	runners, err := m.GetRunners(ctx)
	if err != nil {
		return CleanupStats{}, err
	}

	var target []models.InstanceID
	for _, r := range runners {
		if flavor != "" && r.Config.Flavor != flavor {
			continue
		}
		switch mode {
		case models.FlushIdle:
			if r.PlatformState == models.PlatformStateIdle {
				target = append(target, r.InstanceID)
			}
		case models.FlushBusy:
			if r.PlatformState == models.PlatformStateIdle || r.PlatformState == models.PlatformStateBusy {
				target = append(target, r.InstanceID)
			}
		}
	}

	return m.deleteAndExtract(ctx, target, flavor), nil
}
