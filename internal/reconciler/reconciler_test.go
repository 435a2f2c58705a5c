package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/runnermanager"
)

func TestDesiredTotal(t *testing.T) {
	cases := []struct {
		pressure        float64
		minimumPressure int
		want            int
	}{
		{3.7, 0, 3},
		{-2, 0, 0},
		{1.2, 5, 5},
		{0, 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, desiredTotal(tc.pressure, tc.minimumPressure), "desiredTotal(%v, %v)", tc.pressure, tc.minimumPressure)
	}
}

type fakeRunnerManager struct {
	runners     []models.RunnerInstance
	createCalls []int
	createErr   error
}

func (f *fakeRunnerManager) GetRunners(ctx context.Context) ([]models.RunnerInstance, error) {
	return f.runners, nil
}

func (f *fakeRunnerManager) CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error) {
	f.createCalls = append(f.createCalls, n)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return make([]models.InstanceID, n), nil
}

func (f *fakeRunnerManager) CleanupRunners(ctx context.Context, flavor string) (runnermanager.CleanupStats, error) {
	return runnermanager.CleanupStats{}, nil
}

func newTestReconciler(manager RunnerManager) *Reconciler {
	log := logrus.New()
	log.SetOutput(testWriter{})
	return New("m1.small", models.RunnerMetadata{PlatformName: "github"}, models.VMConfig{Flavor: "m1.small"}, nil, time.Minute, nil, manager, log)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCreateIfBelowLockedCreatesShortfall(t *testing.T) {
	manager := &fakeRunnerManager{runners: make([]models.RunnerInstance, 2)}
	r := newTestReconciler(manager)

	r.createIfBelowLocked(context.Background(), 5)

	require.Len(t, manager.createCalls, 1)
	assert.Equal(t, 3, manager.createCalls[0])
}

func TestCreateIfBelowLockedNoopWhenAtOrAboveDesired(t *testing.T) {
	manager := &fakeRunnerManager{runners: make([]models.RunnerInstance, 5)}
	r := newTestReconciler(manager)

	r.createIfBelowLocked(context.Background(), 3)

	assert.Empty(t, manager.createCalls)
}

func TestCreateIfBelowLockedToleratesCreateError(t *testing.T) {
	manager := &fakeRunnerManager{createErr: errors.New("openstack quota exceeded")}
	r := newTestReconciler(manager)

	r.createIfBelowLocked(context.Background(), 2)

	assert.Len(t, manager.createCalls, 1)
}

func TestLastPressureGetSet(t *testing.T) {
	r := newTestReconciler(&fakeRunnerManager{})

	_, ok := r.getLastPressure()
	assert.False(t, ok, "expected no last pressure before it is set")

	r.setLastPressure(7)
	got, ok := r.getLastPressure()
	require.True(t, ok)
	assert.Equal(t, 7, got)
}
