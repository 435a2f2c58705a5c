// Package reconciler implements the Pressure Reconciler: a stream-driven
// create-loop and a timer-driven delete-loop sharing one mutex, running
// as two independently-paced goroutines rather than one ticker loop.
package reconciler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/planner"
	"github.com/thpham/fleetd/internal/runnermanager"
)

// streamReconnectBackoff is the pause before reconnecting a dropped
// pressure stream.
const streamReconnectBackoff = 5 * time.Second

// RunnerManager is the subset of the Runner Manager the reconciler needs.
type RunnerManager interface {
	GetRunners(ctx context.Context) ([]models.RunnerInstance, error)
	CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error)
	CleanupRunners(ctx context.Context, flavor string) (runnermanager.CleanupStats, error)
}

// Reconciler drives CreateRunners from a planner pressure stream and runs
// periodic cleanup followed by a catch-up create, for one (image, flavor)
// combination.
type Reconciler struct {
	flavor            string
	metadata          models.RunnerMetadata
	vmConfig          models.VMConfig
	labels            []string
	reconcileInterval time.Duration

	planner *planner.Client
	manager RunnerManager
	log     *logrus.Logger

	mu sync.Mutex

	pressureMu   sync.Mutex
	lastPressure *int
}

// New builds a Reconciler for one flavor.
func New(flavor string, metadata models.RunnerMetadata, vmConfig models.VMConfig, labels []string, reconcileInterval time.Duration, plannerClient *planner.Client, manager RunnerManager, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		flavor:            flavor,
		metadata:          metadata,
		vmConfig:          vmConfig,
		labels:            labels,
		reconcileInterval: reconcileInterval,
		planner:           plannerClient,
		manager:           manager,
		log:               log,
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	desc, err := r.planner.GetFlavor(ctx, r.flavor)
	minimumPressure := 0
	fallbackRunners := 0
	if err != nil {
		r.log.WithError(err).WithField("flavor", r.flavor).Warn("failed to fetch flavor descriptor, using zero minimum pressure")
	} else {
		minimumPressure = desc.MinimumPressure
		fallbackRunners = desc.FallbackRunners
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.createLoop(ctx, minimumPressure, fallbackRunners)
	}()
	go func() {
		defer wg.Done()
		r.deleteLoop(ctx)
	}()
	wg.Wait()
}

// createLoop streams pressure updates and creates missing runners.
func (r *Reconciler) createLoop(ctx context.Context, minimumPressure, fallbackRunners int) {
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := r.planner.StreamPressure(ctx, r.flavor)
		if err != nil {
			r.log.WithError(err).WithField("flavor", r.flavor).Warn("failed to open pressure stream, falling back")
			r.setLastPressure(fallbackRunners)
			if !r.sleepOrDone(ctx, streamReconnectBackoff) {
				return
			}
			continue
		}

		for update := range updates {
			if ctx.Err() != nil {
				return
			}
			desired := desiredTotal(update.Pressure, minimumPressure)
			r.setLastPressure(desired)
			r.createIfBelow(ctx, desired)
		}

		if ctx.Err() != nil {
			return
		}
		r.log.WithField("flavor", r.flavor).Warn("pressure stream closed, reconnecting")
		if !r.sleepOrDone(ctx, streamReconnectBackoff) {
			return
		}
	}
}

// deleteLoop runs CleanupRunners on a timer and tops up from the
// last-seen pressure reading. It never deletes healthy runners directly.
func (r *Reconciler) deleteLoop(ctx context.Context) {
	ticker := time.NewTicker(r.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		desired, ok := r.getLastPressure()
		if !ok {
			continue
		}

		r.mu.Lock()
		if _, err := r.manager.CleanupRunners(ctx, r.flavor); err != nil {
			r.log.WithError(err).WithField("flavor", r.flavor).Warn("cleanup failed during delete-loop tick")
		}
		r.createIfBelowLocked(ctx, desired)
		r.mu.Unlock()
	}
}

// createIfBelow locks the shared mutex, measures current, and creates the
// shortfall if any.
func (r *Reconciler) createIfBelow(ctx context.Context, desired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createIfBelowLocked(ctx, desired)
}

func (r *Reconciler) createIfBelowLocked(ctx context.Context, desired int) {
	runners, err := r.manager.GetRunners(ctx)
	if err != nil {
		r.log.WithError(err).WithField("flavor", r.flavor).Warn("failed to list runners during reconcile")
		return
	}
	current := len(runners)
	if desired <= current {
		return
	}
	if _, err := r.manager.CreateRunners(ctx, desired-current, r.metadata, r.vmConfig, r.labels, nil, false); err != nil {
		r.log.WithError(err).WithField("flavor", r.flavor).Warn("failed to create runners during reconcile")
	}
}

func (r *Reconciler) setLastPressure(desired int) {
	r.pressureMu.Lock()
	defer r.pressureMu.Unlock()
	d := desired
	r.lastPressure = &d
}

func (r *Reconciler) getLastPressure() (int, bool) {
	r.pressureMu.Lock()
	defer r.pressureMu.Unlock()
	if r.lastPressure == nil {
		return 0, false
	}
	return *r.lastPressure, true
}

func (r *Reconciler) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// desiredTotal floors pressure and clamps it to [minimumPressure, 0]'s
// upper side: max(floor(pressure), minimumPressure, 0).
func desiredTotal(pressure float64, minimumPressure int) int {
	floored := int(math.Floor(pressure))
	desired := floored
	if minimumPressure > desired {
		desired = minimumPressure
	}
	if desired < 0 {
		desired = 0
	}
	return desired
}
