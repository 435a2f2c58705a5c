package reactive

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Supervisor keeps a target number of Consumer goroutines alive, playing
// the role of the reactive process manager. Each worker runs in its own
// goroutine rather than an OS process, so workers share the process: no
// panic is recovered, and an unrecovered panic in one worker ends all of
// them.
type Supervisor struct {
	newConsumer func() *Consumer
	log         *logrus.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor builds a Supervisor whose workers are produced by
// newConsumer (called once per worker; whether workers share a Queue is up
// to newConsumer).
func NewSupervisor(newConsumer func() *Consumer, log *logrus.Logger) *Supervisor {
	return &Supervisor{newConsumer: newConsumer, log: log}
}

// Count reports the number of currently running workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Reconcile adjusts the running worker count to target, starting new
// workers or stopping surplus ones.
func (s *Supervisor) Reconcile(ctx context.Context, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.cancels) < target {
		workerCtx, cancel := context.WithCancel(ctx)
		s.cancels = append(s.cancels, cancel)
		consumer := s.newConsumer()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := consumer.Run(workerCtx); err != nil && workerCtx.Err() == nil {
				s.log.WithError(err).Warn("reactive consumer worker exited with error")
			}
		}()
	}

	for len(s.cancels) > target {
		last := len(s.cancels) - 1
		s.cancels[last]()
		s.cancels = s.cancels[:last]
	}
}

// StopAll cancels every running worker and waits for them to exit.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.mu.Unlock()
	s.wg.Wait()
}
