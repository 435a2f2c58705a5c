// Package scaler implements the Scaler Façade: it combines the Runner
// Manager, the Pressure Reconciler(s), and (in reactive mode) a
// Supervisor keeping N reactive consumer workers alive, and exposes one
// Reconcile() entry point consumed by the admin server's scheduler.
package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/metrics"
	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/reactive"
	"github.com/thpham/fleetd/internal/runnermanager"
)

// RunnerManager is the subset of the Runner Manager the Scaler Façade
// needs.
type RunnerManager interface {
	GetRunners(ctx context.Context) ([]models.RunnerInstance, error)
	CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error)
	DeleteRunners(ctx context.Context, n int, flavor string) (runnermanager.CleanupStats, error)
	CleanupRunners(ctx context.Context, flavor string) (runnermanager.CleanupStats, error)
	FlushRunners(ctx context.Context, mode models.FlushMode, flavor string) (runnermanager.CleanupStats, error)
}

// NonReactiveTarget pairs one (image, flavor) combination with its base
// quantity.
type NonReactiveTarget struct {
	Flavor       string
	Metadata     models.RunnerMetadata
	VMConfig     models.VMConfig
	Labels       []string
	BaseQuantity int
}

// ReactiveTarget configures reactive-mode reconciliation.
type ReactiveTarget struct {
	MaxTotalVirtualMachines int
	Supervisor              *reactive.Supervisor
}

// EventSink receives ReconciliationEvent records.
type EventSink interface {
	Write(event interface{}) error
}

// Scaler is the composition root's façade over one manager instance. mu
// serializes every cloud-mutating section: the scheduled tick and an
// operator-triggered reconcile/flush must never run their measure-diff-act
// critical sections concurrently.
type Scaler struct {
	manager RunnerManager
	events  EventSink
	collect *metrics.Collectors
	log     *logrus.Logger

	nonReactive []NonReactiveTarget
	reactive    *ReactiveTarget

	mu sync.Mutex
}

// New builds a Scaler. Exactly one of nonReactive/reactive should be
// meaningfully populated, mirroring the configuration's mutually-paired
// non-reactive/reactive blocks (both may legally coexist; reactive mode
// takes Reconcile's branch when reactiveTarget is non-nil).
func New(manager RunnerManager, nonReactive []NonReactiveTarget, reactiveTarget *ReactiveTarget, events EventSink, collect *metrics.Collectors, log *logrus.Logger) *Scaler {
	return &Scaler{
		manager:     manager,
		events:      events,
		collect:     collect,
		log:         log,
		nonReactive: nonReactive,
		reactive:    reactiveTarget,
	}
}

// Reconcile runs one reconciliation tick. Holds mu for the full
// measure-diff-act section so a concurrent Flush or reconcile call can't
// observe the same idle-runner snapshot and double-act on it.
func (s *Scaler) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reactive != nil {
		return s.reconcileReactive(ctx)
	}
	return s.reconcileNonReactive(ctx)
}

// Flush deletes idle (or idle-and-busy) runners on demand
// flush trigger. Serialized against Reconcile through the same mutex.
func (s *Scaler) Flush(ctx context.Context, mode models.FlushMode, flavor string) (runnermanager.CleanupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.manager.FlushRunners(ctx, mode, flavor)
}

func (s *Scaler) reconcileNonReactive(ctx context.Context) error {
	start := time.Now()

	for _, target := range s.nonReactive {
		stats, err := s.manager.CleanupRunners(ctx, target.Flavor)
		if err != nil {
			return err
		}

		runners, err := s.manager.GetRunners(ctx)
		if err != nil {
			return err
		}
		current := countByFlavor(runners, target.Flavor)
		diff := target.BaseQuantity - len(current)

		switch {
		case diff > 0:
			if _, err := s.manager.CreateRunners(ctx, diff, target.Metadata, target.VMConfig, target.Labels, nil, false); err != nil {
				s.log.WithError(err).WithField("flavor", target.Flavor).Warn("failed to create runners during reconcile")
			}
		case diff < 0:
			if _, err := s.manager.DeleteRunners(ctx, -diff, target.Flavor); err != nil {
				s.log.WithError(err).WithField("flavor", target.Flavor).Warn("failed to delete runners during reconcile")
			}
		}

		s.emitReconciliation(target.Flavor, current, target.BaseQuantity, stats.CrashedRunners, time.Since(start))
	}

	return nil
}

func (s *Scaler) reconcileReactive(ctx context.Context) error {
	start := time.Now()

	stats, err := s.manager.CleanupRunners(ctx, "")
	if err != nil {
		return err
	}

	runners, err := s.manager.GetRunners(ctx)
	if err != nil {
		return err
	}

	have := 0
	for _, r := range runners {
		if r.PlatformState == models.PlatformStateIdle || r.PlatformState == models.PlatformStateBusy {
			have++
		}
	}

	runnerDiff := s.reactive.MaxTotalVirtualMachines - have

	var processesTarget int
	if runnerDiff >= 0 {
		processesTarget = runnerDiff
	} else {
		if _, err := s.manager.DeleteRunners(ctx, -runnerDiff, ""); err != nil {
			s.log.WithError(err).Warn("failed to delete surplus reactive runners")
		}
		processesTarget = 0
	}

	s.reactive.Supervisor.Reconcile(ctx, processesTarget)

	s.emitReconciliation("", runners, s.reactive.MaxTotalVirtualMachines, stats.CrashedRunners, time.Since(start))
	return nil
}

func (s *Scaler) emitReconciliation(flavor string, runners []models.RunnerInstance, expected int, crashed int, duration time.Duration) {
	idle, active, offline := 0, 0, 0
	for _, r := range runners {
		switch r.PlatformState {
		case models.PlatformStateIdle:
			idle++
		case models.PlatformStateBusy:
			active++
		case models.PlatformStateOffline:
			offline++
		}
	}

	if s.events != nil {
		event := models.ReconciliationEvent{
			Timestamp:       time.Now().Unix(),
			Kind:            models.EventReconciliation,
			Flavor:          flavor,
			CrashedRunners:  crashed,
			IdleRunners:     idle,
			ActiveRunners:   active,
			OfflineRunners:  offline,
			ExpectedRunners: expected,
			DurationS:       duration.Seconds(),
		}
		if err := s.events.Write(event); err != nil {
			s.log.WithError(err).Warn("failed to write reconciliation event")
		}
	}
	if s.collect != nil {
		s.collect.ReconcileDuration.Observe(duration.Seconds())
	}
}

func countByFlavor(runners []models.RunnerInstance, flavor string) []models.RunnerInstance {
	var out []models.RunnerInstance
	for _, r := range runners {
		if r.Config.Flavor == flavor {
			out = append(out, r)
		}
	}
	return out
}
