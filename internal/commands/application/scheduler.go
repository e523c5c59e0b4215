package application

import (
	"log"
	"sync"
	"time"

	"telemetry-control/internal/observability/metrics"
)

// Timer is the handle of an armed timer.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d on its own goroutine.
type AfterFunc func(d time.Duration, f func()) Timer

// SystemAfterFunc uses time.AfterFunc.
func SystemAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type armedTimer struct {
	timer  Timer
	gen    uint64
	armed  time.Time
	window time.Duration
}

// Scheduler keeps one rollback timer per command. A timer either fires once
// or is cancelled; arming an id again replaces its previous timer.
type Scheduler struct {
	mu        sync.Mutex
	timers    map[string]*armedTimer
	gen       uint64
	stopped   bool
	afterFunc AfterFunc
	fire      func(commandID string)
	logger    *log.Logger
}

// NewScheduler constructs a scheduler calling fire when a timer elapses.
func NewScheduler(fire func(commandID string), afterFunc AfterFunc, logger *log.Logger) *Scheduler {
	if afterFunc == nil {
		afterFunc = SystemAfterFunc
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		timers:    make(map[string]*armedTimer),
		afterFunc: afterFunc,
		fire:      fire,
		logger:    logger,
	}
}

// Arm schedules the rollback of commandID after d.
func (s *Scheduler) Arm(commandID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if previous, ok := s.timers[commandID]; ok {
		previous.timer.Stop()
	}
	s.gen++
	gen := s.gen
	entry := &armedTimer{gen: gen, armed: time.Now().UTC(), window: d}
	s.timers[commandID] = entry
	entry.timer = s.afterFunc(d, func() { s.elapsed(commandID, gen) })
	metrics.SetRollbackTimers(len(s.timers))
}

// Cancel disarms the timer of commandID and reports whether one was armed.
func (s *Scheduler) Cancel(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[commandID]
	if !ok {
		return false
	}
	delete(s.timers, commandID)
	entry.timer.Stop()
	metrics.SetRollbackTimers(len(s.timers))
	return true
}

// Armed reports whether commandID has a pending timer.
func (s *Scheduler) Armed(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[commandID]
	return ok
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer; later Arm calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	metrics.SetRollbackTimers(0)
}

func (s *Scheduler) elapsed(commandID string, gen uint64) {
	s.mu.Lock()
	entry, ok := s.timers[commandID]
	if !ok || entry.gen != gen {
		// cancelled or replaced after the runtime had already started f
		s.mu.Unlock()
		return
	}
	delete(s.timers, commandID)
	metrics.SetRollbackTimers(len(s.timers))
	s.mu.Unlock()

	s.logger.Printf("rollback timer fired: command=%s window=%s", commandID, entry.window)
	if s.fire != nil {
		s.fire(commandID)
	}
}
