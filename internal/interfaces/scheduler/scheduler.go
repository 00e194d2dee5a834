package scheduler

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

// Slot is a time of day at which a sync run starts.
type Slot struct {
	Hour   int
	Minute int
}

// ParseSlot parses an HH:MM time of day.
func ParseSlot(s string) (Slot, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		if t, err = time.Parse("15:4", s); err != nil {
			return Slot{}, fmt.Errorf("invalid time of day %q (expected HH:MM)", s)
		}
	}
	return Slot{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// on returns the slot's instant on day's calendar date.
func (s Slot) on(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, s.Hour, s.Minute, 0, 0, day.Location())
}

// Config configures a Scheduler.
type Config struct {
	// Times lists the HH:MM times of day a run starts, in local time.
	Times []string
	// Job is started at every slot, normally a SyncRun.
	Job Job
	// RunTimeout bounds a single run.
	RunTimeout   time.Duration
	RunOnStartup bool
}

// Scheduler starts its job at fixed times of day. Runs never overlap: a slot
// that comes up during a run is queued behind it, and any further slot is
// dropped until the queue drains.
type Scheduler struct {
	slots        []Slot
	job          Job
	runs         *WorkerPool
	runOnStartup bool

	tick time.Duration
	stop chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	fired time.Time // start of the last minute a slot fired in
}

// New validates cfg and builds a scheduler. Nothing runs until Start.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, errors.New("scheduler needs a job")
	}
	if len(cfg.Times) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}

	slots := make([]Slot, 0, len(cfg.Times))
	for _, t := range cfg.Times {
		slot, err := ParseSlot(t)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	slices.SortFunc(slots, func(a, b Slot) int {
		return (a.Hour*60 + a.Minute) - (b.Hour*60 + b.Minute)
	})
	slots = slices.Compact(slots)

	return &Scheduler{
		slots:        slots,
		job:          cfg.Job,
		runs:         NewWorkerPool(1, 1, cfg.RunTimeout),
		runOnStartup: cfg.RunOnStartup,
		tick:         time.Minute,
		stop:         make(chan struct{}),
	}, nil
}

// Start begins watching the clock, and starts a run right away when
// RunOnStartup is set.
func (s *Scheduler) Start() {
	s.runs.Start()
	log.Printf("Scheduler: %d daily runs at %v", len(s.slots), s.slots)

	if s.runOnStartup {
		s.trigger("startup")
	}

	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if slot, ok := s.due(now); ok {
				s.trigger("slot " + slot.String())
			}
		}
	}
}

// due reports the slot matching now's minute, once per slot and day.
func (s *Scheduler) due(now time.Time) (Slot, bool) {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	if minute.Equal(s.fired) {
		return Slot{}, false
	}
	for _, slot := range s.slots {
		if slot.Hour == now.Hour() && slot.Minute == now.Minute() {
			s.fired = minute
			return slot, true
		}
	}
	return Slot{}, false
}

func (s *Scheduler) trigger(reason string) {
	err := s.runs.Submit(s.job)
	switch {
	case err == nil:
		log.Printf("Scheduler: %s queued (%s)", s.job.Description(), reason)
	case errors.Is(err, ErrQueueFull):
		log.Printf("Scheduler: skipping %s run, a run is already waiting", reason)
	default:
		log.Printf("Scheduler: cannot start %s run: %v", reason, err)
	}
}

// Next returns the first slot strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	for _, slot := range s.slots {
		if at := slot.on(now); at.After(now) {
			return at
		}
	}
	return s.slots[0].on(now.AddDate(0, 0, 1))
}

// Shutdown stops triggering runs and waits up to timeout for the current
// run to finish before cancelling it.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	close(s.stop)
	s.wg.Wait()
	s.runs.Shutdown(timeout)
	log.Println("Scheduler: stopped")
}
