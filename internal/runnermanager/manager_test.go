package runnermanager

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thpham/fleetd/internal/metricsstorage"
	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeCloud struct {
	vms           []models.VM
	launchErr     error
	launched      []models.RunnerIdentity
	deleted       []models.InstanceID
	cleanupCalled bool
}

func (f *fakeCloud) LaunchInstance(ctx context.Context, identity models.RunnerIdentity, cfg models.VMConfig, cloudInit string, extraIngressTCPPorts []int) (models.VM, error) {
	if f.launchErr != nil {
		return models.VM{}, f.launchErr
	}
	f.launched = append(f.launched, identity)
	vm := models.VM{InstanceID: identity.InstanceID, Metadata: identity.Metadata, Config: cfg, State: models.VMStateActive, CreatedAt: time.Now()}
	f.vms = append(f.vms, vm)
	return vm, nil
}

func (f *fakeCloud) GetInstances(ctx context.Context) ([]models.VM, error) {
	return f.vms, nil
}

func (f *fakeCloud) DeleteInstances(ctx context.Context, ids []models.InstanceID, wait bool, timeout time.Duration) []models.InstanceID {
	f.deleted = append(f.deleted, ids...)
	toDelete := make(map[string]bool, len(ids))
	for _, id := range ids {
		toDelete[id.Name()] = true
	}
	var remaining []models.VM
	for _, vm := range f.vms {
		if !toDelete[vm.InstanceID.Name()] {
			remaining = append(remaining, vm)
		}
	}
	f.vms = remaining
	return ids
}

func (f *fakeCloud) Cleanup(ctx context.Context) error {
	f.cleanupCalled = true
	return nil
}

func (f *fakeCloud) PullMetricFiles(ctx context.Context, vm models.VM, localDir string) error {
	return nil
}

type fakePlatform struct {
	contextErr error
	health     platform.RunnersHealthResponse
	deleted    []models.RunnerIdentity
}

func (f *fakePlatform) GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error) {
	if f.contextErr != nil {
		return models.RunnerContext{}, models.RunnerInstance{}, f.contextErr
	}
	return models.RunnerContext{ShellRunScript: "#!/bin/sh\n"}, models.RunnerInstance{}, nil
}

func (f *fakePlatform) GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	return f.health, nil
}

func (f *fakePlatform) DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error {
	f.deleted = append(f.deleted, identity)
	return nil
}

type fakeCloudInit struct{ err error }

func (f *fakeCloudInit) GenerateCloudInit(ctx context.Context, id models.InstanceID, runScript string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "#cloud-config\n", nil
}

type fakeEvents struct{ events []interface{} }

func (f *fakeEvents) Write(event interface{}) error {
	f.events = append(f.events, event)
	return nil
}

func newTestManager(t *testing.T, cloud CloudProvider, plat PlatformMultiplexer, events EventSink) *Manager {
	t.Helper()
	storage, err := metricsstorage.NewManager(t.TempDir())
	require.NoError(t, err)
	return New("fleetd", cloud, plat, &fakeCloudInit{}, storage, events, nil, testLogger())
}

func TestCreateRunnersLaunchesAndRecordsEvents(t *testing.T) {
	cloud := &fakeCloud{}
	plat := &fakePlatform{}
	events := &fakeEvents{}
	m := newTestManager(t, cloud, plat, events)

	created, err := m.CreateRunners(context.Background(), 2, models.RunnerMetadata{PlatformName: "github"}, models.VMConfig{Flavor: "m1.small"}, []string{"linux"}, nil, false)
	require.NoError(t, err)
	assert.Len(t, created, 2)
	assert.Len(t, cloud.launched, 2)
	assert.Len(t, events.events, 2)
}

func TestCreateRunnersRollsBackPlatformAndStorageOnLaunchFailure(t *testing.T) {
	cloud := &fakeCloud{launchErr: errors.New("boom")}
	plat := &fakePlatform{}
	storage, err := metricsstorage.NewManager(t.TempDir())
	require.NoError(t, err)
	m := New("fleetd", cloud, plat, &fakeCloudInit{}, storage, &fakeEvents{}, nil, testLogger())

	created, err := m.CreateRunners(context.Background(), 1, models.RunnerMetadata{}, models.VMConfig{}, nil, nil, false)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, plat.deleted, 1)
	left, err := storage.ListAll("fleetd")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCreateRunnersSkipsLaunchWhenCloudInitFails(t *testing.T) {
	cloud := &fakeCloud{}
	plat := &fakePlatform{}
	storage, err := metricsstorage.NewManager(t.TempDir())
	require.NoError(t, err)
	m := New("fleetd", cloud, plat, &fakeCloudInit{err: errors.New("render failed")}, storage, &fakeEvents{}, nil, testLogger())

	created, err := m.CreateRunners(context.Background(), 1, models.RunnerMetadata{}, models.VMConfig{}, nil, nil, false)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, cloud.launched)
	assert.Len(t, plat.deleted, 1)
}

func TestCreateRunnersOfZeroIsANoop(t *testing.T) {
	m := newTestManager(t, &fakeCloud{}, &fakePlatform{}, &fakeEvents{})
	created, err := m.CreateRunners(context.Background(), 0, models.RunnerMetadata{}, models.VMConfig{}, nil, nil, false)
	require.NoError(t, err)
	assert.Nil(t, created)
}

func TestGetRunnersJoinsCloudAndPlatformHealth(t *testing.T) {
	id1 := models.NewInstanceID("fleetd", models.NonReactive)
	id2 := models.NewInstanceID("fleetd", models.NonReactive)
	cloud := &fakeCloud{vms: []models.VM{
		{InstanceID: id1, State: models.VMStateActive, CreatedAt: time.Now()},
		{InstanceID: id2, State: models.VMStateActive, CreatedAt: time.Now()},
	}}
	plat := &fakePlatform{health: platform.RunnersHealthResponse{
		Requested: []models.PlatformRunnerHealth{
			{Identity: models.RunnerIdentity{InstanceID: id1}, Online: true},
		},
	}}
	m := newTestManager(t, cloud, plat, &fakeEvents{})

	runners, err := m.GetRunners(context.Background())
	require.NoError(t, err)
	require.Len(t, runners, 2)

	var sawIdle, sawUnknown bool
	for _, r := range runners {
		switch {
		case r.InstanceID.Equal(id1):
			assert.Equal(t, models.PlatformStateIdle, r.PlatformState)
			sawIdle = true
		case r.InstanceID.Equal(id2):
			assert.Equal(t, models.PlatformStateUnknown, r.PlatformState)
			sawUnknown = true
		}
	}
	assert.True(t, sawIdle, "expected a joined-idle runner")
	assert.True(t, sawUnknown, "expected an unmatched-unknown runner")
}

func TestCleanupRunnersDeletesTerminalAndStuckBuildsAndStrays(t *testing.T) {
	errored := models.NewInstanceID("fleetd", models.NonReactive)
	stuck := models.NewInstanceID("fleetd", models.NonReactive)
	healthy := models.NewInstanceID("fleetd", models.NonReactive)
	cloud := &fakeCloud{vms: []models.VM{
		{InstanceID: errored, State: models.VMStateError, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.small"}},
		{InstanceID: stuck, State: models.VMStateInitializing, CreatedAt: time.Now().Add(-2 * time.Hour), Config: models.VMConfig{Flavor: "m1.small"}},
		{InstanceID: healthy, State: models.VMStateActive, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.small"}},
	}}
	strayIdentity := models.RunnerIdentity{InstanceID: models.NewInstanceID("fleetd", models.NonReactive)}
	plat := &fakePlatform{health: platform.RunnersHealthResponse{
		Requested: []models.PlatformRunnerHealth{
			{Identity: models.RunnerIdentity{InstanceID: healthy}, Online: true},
		},
		NonRequested: []models.PlatformRunnerHealth{{Identity: strayIdentity}},
	}}
	m := newTestManager(t, cloud, plat, &fakeEvents{})

	stats, err := m.CleanupRunners(context.Background(), "m1.small")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CrashedRunners)
	assert.Len(t, cloud.deleted, 2)
	assert.True(t, cloud.cleanupCalled)

	var sawStray bool
	for _, d := range plat.deleted {
		if d.InstanceID.Equal(strayIdentity.InstanceID) {
			sawStray = true
		}
	}
	assert.True(t, sawStray, "expected the stray platform runner to be deleted")
}

func TestCleanupRunnersIgnoresOtherFlavors(t *testing.T) {
	errored := models.NewInstanceID("fleetd", models.NonReactive)
	cloud := &fakeCloud{vms: []models.VM{
		{InstanceID: errored, State: models.VMStateError, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.large"}},
	}}
	m := newTestManager(t, cloud, &fakePlatform{}, &fakeEvents{})

	stats, err := m.CleanupRunners(context.Background(), "m1.small")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CrashedRunners)
	assert.Empty(t, cloud.deleted)
}

func TestDeleteRunnersSelectsOldestIdleFirst(t *testing.T) {
	old := models.NewInstanceID("fleetd", models.NonReactive)
	newer := models.NewInstanceID("fleetd", models.NonReactive)
	busy := models.NewInstanceID("fleetd", models.NonReactive)
	now := time.Now()
	cloud := &fakeCloud{vms: []models.VM{
		{InstanceID: old, State: models.VMStateActive, CreatedAt: now.Add(-2 * time.Hour), Config: models.VMConfig{Flavor: "m1.small"}},
		{InstanceID: newer, State: models.VMStateActive, CreatedAt: now.Add(-1 * time.Hour), Config: models.VMConfig{Flavor: "m1.small"}},
		{InstanceID: busy, State: models.VMStateActive, CreatedAt: now, Config: models.VMConfig{Flavor: "m1.small"}},
	}}
	plat := &fakePlatform{health: platform.RunnersHealthResponse{
		Requested: []models.PlatformRunnerHealth{
			{Identity: models.RunnerIdentity{InstanceID: old}, Online: true},
			{Identity: models.RunnerIdentity{InstanceID: newer}, Online: true},
			{Identity: models.RunnerIdentity{InstanceID: busy}, Online: true, Busy: true},
		},
	}}
	m := newTestManager(t, cloud, plat, &fakeEvents{})

	stats, err := m.DeleteRunners(context.Background(), 1, "m1.small")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	require.Len(t, cloud.deleted, 1)
	assert.True(t, cloud.deleted[0].Equal(old))
}

func TestFlushRunnersIdleOnlyTargetsIdleRunners(t *testing.T) {
	idle := models.NewInstanceID("fleetd", models.NonReactive)
	busy := models.NewInstanceID("fleetd", models.NonReactive)
	cloud := &fakeCloud{vms: []models.VM{
		{InstanceID: idle, State: models.VMStateActive, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.small"}},
		{InstanceID: busy, State: models.VMStateActive, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.small"}},
	}}
	plat := &fakePlatform{health: platform.RunnersHealthResponse{
		Requested: []models.PlatformRunnerHealth{
			{Identity: models.RunnerIdentity{InstanceID: idle}, Online: true},
			{Identity: models.RunnerIdentity{InstanceID: busy}, Online: true, Busy: true},
		},
	}}
	m := newTestManager(t, cloud, plat, &fakeEvents{})

	stats, err := m.FlushRunners(context.Background(), models.FlushIdle, "m1.small")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	require.Len(t, cloud.deleted, 1)
	assert.True(t, cloud.deleted[0].Equal(idle))
}

func TestFlushRunnersBusyTargetsIdleAndBusyRunners(t *testing.T) {
	idle := models.NewInstanceID("fleetd", models.NonReactive)
	busy := models.NewInstanceID("fleetd", models.NonReactive)
	cloud := &fakeCloud{vms: []models.VM{
		{InstanceID: idle, State: models.VMStateActive, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.small"}},
		{InstanceID: busy, State: models.VMStateActive, CreatedAt: time.Now(), Config: models.VMConfig{Flavor: "m1.small"}},
	}}
	plat := &fakePlatform{health: platform.RunnersHealthResponse{
		Requested: []models.PlatformRunnerHealth{
			{Identity: models.RunnerIdentity{InstanceID: idle}, Online: true},
			{Identity: models.RunnerIdentity{InstanceID: busy}, Online: true, Busy: true},
		},
	}}
	m := newTestManager(t, cloud, plat, &fakeEvents{})

	stats, err := m.FlushRunners(context.Background(), models.FlushBusy, "m1.small")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Deleted)
}
