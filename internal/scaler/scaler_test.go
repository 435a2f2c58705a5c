package scaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/reactive"
	"github.com/thpham/fleetd/internal/runnermanager"
)

type fakeManager struct {
	mu sync.Mutex

	runners      []models.RunnerInstance
	createCalls  []int
	deleteCalls  []int
	flushCalls   []models.FlushMode
	cleanupStats runnermanager.CleanupStats

	// block, when non-nil, is closed by the test once it has observed the
	// call in flight, letting the test force two Reconcile/Flush calls to
	// overlap if the mutex fix regresses.
	block <-chan struct{}
}

func (f *fakeManager) GetRunners(ctx context.Context) ([]models.RunnerInstance, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners, nil
}

func (f *fakeManager) CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, n)
	return make([]models.InstanceID, n), nil
}

func (f *fakeManager) DeleteRunners(ctx context.Context, n int, flavor string) (runnermanager.CleanupStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, n)
	return runnermanager.CleanupStats{}, nil
}

func (f *fakeManager) CleanupRunners(ctx context.Context, flavor string) (runnermanager.CleanupStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanupStats, nil
}

func (f *fakeManager) FlushRunners(ctx context.Context, mode models.FlushMode, flavor string) (runnermanager.CleanupStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls = append(f.flushCalls, mode)
	return f.cleanupStats, nil
}

type fakeEventSink struct {
	events []interface{}
}

func (s *fakeEventSink) Write(event interface{}) error {
	s.events = append(s.events, event)
	return nil
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(testWriter{})
	return log
}

func TestReconcileNonReactiveCreatesShortfall(t *testing.T) {
	manager := &fakeManager{runners: []models.RunnerInstance{
		{Config: models.VMConfig{Flavor: "m1.small"}},
	}}
	events := &fakeEventSink{}
	targets := []NonReactiveTarget{{Flavor: "m1.small", BaseQuantity: 3}}
	s := New(manager, targets, nil, events, nil, testLogger())

	require.NoError(t, s.Reconcile(context.Background()))

	require.Len(t, manager.createCalls, 1)
	assert.Equal(t, 2, manager.createCalls[0])
	assert.Empty(t, manager.deleteCalls)
	assert.Len(t, events.events, 1)
}

func TestReconcileNonReactiveDeletesSurplus(t *testing.T) {
	manager := &fakeManager{runners: []models.RunnerInstance{
		{Config: models.VMConfig{Flavor: "m1.small"}},
		{Config: models.VMConfig{Flavor: "m1.small"}},
		{Config: models.VMConfig{Flavor: "m1.small"}},
	}}
	targets := []NonReactiveTarget{{Flavor: "m1.small", BaseQuantity: 1}}
	s := New(manager, targets, nil, &fakeEventSink{}, nil, testLogger())

	require.NoError(t, s.Reconcile(context.Background()))

	require.Len(t, manager.deleteCalls, 1)
	assert.Equal(t, 2, manager.deleteCalls[0])
}

func TestReconcileNonReactiveIgnoresOtherFlavors(t *testing.T) {
	manager := &fakeManager{runners: []models.RunnerInstance{
		{Config: models.VMConfig{Flavor: "m1.large"}},
	}}
	targets := []NonReactiveTarget{{Flavor: "m1.small", BaseQuantity: 1}}
	s := New(manager, targets, nil, &fakeEventSink{}, nil, testLogger())

	require.NoError(t, s.Reconcile(context.Background()))

	require.Len(t, manager.createCalls, 1)
	assert.Equal(t, 1, manager.createCalls[0])
}

func TestReconcileReactiveDeletesSurplusRunnersAndZeroesProcessTarget(t *testing.T) {
	manager := &fakeManager{runners: []models.RunnerInstance{
		{PlatformState: models.PlatformStateIdle},
		{PlatformState: models.PlatformStateBusy},
	}}
	target := &ReactiveTarget{MaxTotalVirtualMachines: 1, Supervisor: reactive.NewSupervisor(nil, testLogger())}
	s := New(manager, nil, target, &fakeEventSink{}, nil, testLogger())

	require.NoError(t, s.Reconcile(context.Background()))

	require.Len(t, manager.deleteCalls, 1)
	assert.Equal(t, 1, manager.deleteCalls[0])
	assert.Equal(t, 0, target.Supervisor.Count())
}

// blockingQueue never yields a message; its Get blocks until ctx is done,
// which is all a reactive worker spawned just to exercise Supervisor
// bookkeeping needs to do.
type blockingQueue struct{}

func (blockingQueue) Get(ctx context.Context) (reactive.Envelope, error) {
	<-ctx.Done()
	return reactive.Envelope{}, ctx.Err()
}
func (blockingQueue) Ack(ctx context.Context, env reactive.Envelope) error { return nil }
func (blockingQueue) Reject(ctx context.Context, env reactive.Envelope, requeue bool) error {
	return nil
}

type noopSpawner struct{}

func (noopSpawner) CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error) {
	return nil, nil
}

type noopPlatformChecker struct{}

func (noopPlatformChecker) CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error) {
	return false, nil
}

func TestReconcileReactiveTargetsRemainingCapacityForProcesses(t *testing.T) {
	manager := &fakeManager{runners: []models.RunnerInstance{
		{PlatformState: models.PlatformStateIdle},
	}}
	log := testLogger()
	supervisor := reactive.NewSupervisor(func() *reactive.Consumer {
		return reactive.NewConsumer(blockingQueue{}, noopSpawner{}, noopPlatformChecker{}, reactive.Config{}, log)
	}, log)
	target := &ReactiveTarget{MaxTotalVirtualMachines: 4, Supervisor: supervisor}
	s := New(manager, nil, target, &fakeEventSink{}, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		supervisor.StopAll()
	}()

	require.NoError(t, s.Reconcile(ctx))

	assert.Empty(t, manager.deleteCalls)
	assert.Equal(t, 3, supervisor.Count())
}

func TestCountByFlavor(t *testing.T) {
	runners := []models.RunnerInstance{
		{Config: models.VMConfig{Flavor: "a"}},
		{Config: models.VMConfig{Flavor: "b"}},
		{Config: models.VMConfig{Flavor: "a"}},
	}
	assert.Len(t, countByFlavor(runners, "a"), 2)
	assert.Empty(t, countByFlavor(runners, "c"))
}

func TestFlushDelegatesToManager(t *testing.T) {
	manager := &fakeManager{cleanupStats: runnermanager.CleanupStats{Deleted: 2}}
	s := New(manager, nil, nil, &fakeEventSink{}, nil, testLogger())

	stats, err := s.Flush(context.Background(), models.FlushBusy, "m1.small")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Deleted)
	assert.Equal(t, []models.FlushMode{models.FlushBusy}, manager.flushCalls)
}

// TestReconcileAndFlushAreSerialized proves Scaler.mu actually excludes a
// concurrent Flush from a Reconcile in flight: it starts a Reconcile that
// blocks inside GetRunners, fires Flush concurrently, and asserts Flush
// only completes after Reconcile has released the mutex.
func TestReconcileAndFlushAreSerialized(t *testing.T) {
	block := make(chan struct{})
	manager := &fakeManager{
		runners: []models.RunnerInstance{{Config: models.VMConfig{Flavor: "m1.small"}}},
		block:   block,
	}
	targets := []NonReactiveTarget{{Flavor: "m1.small", BaseQuantity: 1}}
	s := New(manager, targets, nil, &fakeEventSink{}, nil, testLogger())

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		_ = s.Reconcile(context.Background())
	}()

	// Give the goroutine time to acquire s.mu and block inside GetRunners.
	time.Sleep(20 * time.Millisecond)

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		_, _ = s.Flush(context.Background(), models.FlushIdle, "m1.small")
	}()

	select {
	case <-flushDone:
		t.Fatal("Flush completed while Reconcile still held the mutex")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	<-reconcileDone
	<-flushDone
}
