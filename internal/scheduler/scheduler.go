package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"trendwatch/internal/collector"
	"trendwatch/internal/components/assert"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/registry"
	"trendwatch/internal/runlog"
	"trendwatch/internal/upstream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	report_tick        = "scheduler.tick"
	report_queue_full  = "scheduler.queue-full"
	report_record_run  = "scheduler.record-run"
	report_queue_depth = "scheduler.queue-depth"
)

var (
	ErrScheduleConflict = errors.New("a collection for this target is already running")
	ErrQueueFull        = errors.New("collection queue is full")
	ErrNotRunning       = errors.New("scheduler is not running")
)

// Job collects one target.
type Job interface {
	Collect(ctx context.Context, target registry.Target) collector.Result
}

type Config struct {
	// Tick is how often due targets are enqueued.
	Tick      time.Duration
	Workers   int
	QueueSize int
	// MaxBackoffLevel caps how many times repeated rate limiting doubles a
	// target's interval.
	MaxBackoffLevel int
	// MaxInterval caps the backed off interval.
	MaxInterval time.Duration
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxBackoffLevel <= 0 {
		c.MaxBackoffLevel = 4
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 24 * time.Hour
	}
}

type Scheduler struct {
	registry registry.Registry
	job      Job
	runs     runlog.Log
	clock    chrono.API
	cron     chrono.CronAPI
	tel      telemetry.API
	config   Config

	queue chan registry.Target

	inflightLock sync.Mutex
	inflight     map[int64]struct{}

	subscriberLock sync.Mutex
	subscribers    map[int]subscriber
	nextSubscriber int

	runLock sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	workers sync.WaitGroup

	completed metric.Int64Counter
}

type subscriber struct {
	targetID int64
	ch       chan runlog.Run
}

func NewScheduler(
	reg registry.Registry,
	job Job,
	runs runlog.Log,
	clock chrono.API,
	cron chrono.CronAPI,
	tel telemetry.API,
	config Config,
) *Scheduler {
	assert.NotNil(job)
	assert.NotNil(clock)
	assert.NotNil(cron)
	assert.NotNil(tel)
	config.defaults()

	completed, _ := otel.Meter("trendwatch/scheduler").Int64Counter("collection_runs")

	return &Scheduler{
		registry:    reg,
		job:         job,
		runs:        runs,
		clock:       clock,
		cron:        cron,
		tel:         telemetry.NewScopedAPI("scheduler", tel),
		config:      config,
		queue:       make(chan registry.Target, config.QueueSize),
		inflight:    map[int64]struct{}{},
		subscribers: map[int]subscriber{},
		completed:   completed,
	}
}

// Start launches the worker pool and registers the periodic tick. Overdue
// targets are enqueued right away, once each.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	if s.cancel != nil || s.stopped {
		return fmt.Errorf("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}

	err := s.cron.Cron(chrono.Every(s.config.Tick), func() {
		if ctx.Err() != nil {
			return
		}
		s.Tick(ctx)
	})
	if err != nil {
		cancel()
		s.workers.Wait()
		s.cancel = nil
		return err
	}

	s.Tick(ctx)
	return nil
}

// Stop cancels the workers and waits for running collections to return.
func (s *Scheduler) Stop() {
	s.runLock.Lock()
	cancel := s.cancel
	s.stopped = true
	s.runLock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.workers.Wait()
}

func (s *Scheduler) running() bool {
	s.runLock.Lock()
	defer s.runLock.Unlock()
	return s.cancel != nil && !s.stopped
}

// acquire marks target as in flight, false means a collection for it is
// already queued or running.
func (s *Scheduler) acquire(id int64) bool {
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	delete(s.inflight, id)
}

// InFlight reports if a collection for target is queued or running.
func (s *Scheduler) InFlight(id int64) bool {
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Scheduler) enqueue(target registry.Target) error {
	if !s.acquire(target.ID) {
		return ErrScheduleConflict
	}
	select {
	case s.queue <- target:
		return nil
	default:
		s.release(target.ID)
		s.tel.ReportWarning(report_queue_full, target.ID, len(s.queue))
		return ErrQueueFull
	}
}

// Tick enqueues every due target without running any of them. Targets that
// are already in flight are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.registry.Due(ctx, s.clock.Now())
	if err != nil {
		s.tel.ReportBroken(report_tick, err)
		return
	}
	for _, target := range due {
		err := s.enqueue(target)
		if errors.Is(err, ErrQueueFull) {
			break
		}
	}
	s.tel.ReportCount(report_queue_depth, int64(len(s.queue)))
}

// RunNow enqueues target regardless of its next run time.
func (s *Scheduler) RunNow(ctx context.Context, id int64) error {
	if !s.running() {
		return ErrNotRunning
	}
	target, err := s.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.enqueue(target)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case target := <-s.queue:
			s.execute(ctx, target)
		}
	}
}

// EffectiveInterval doubles interval per backoff level, bounded by maxInterval
// but never below interval itself.
func EffectiveInterval(interval time.Duration, level int, maxInterval time.Duration) time.Duration {
	effective := interval
	for i := 0; i < level; i++ {
		if effective >= maxInterval {
			break
		}
		effective *= 2
	}
	if effective > maxInterval && interval <= maxInterval {
		effective = maxInterval
	}
	return effective
}

func (s *Scheduler) nextBackoffLevel(current int, outcome string) int {
	switch outcome {
	case upstream.OutcomeSuccess:
		return 0
	case upstream.OutcomeRateLimited:
		if current >= s.config.MaxBackoffLevel {
			return s.config.MaxBackoffLevel
		}
		return current + 1
	}
	return current
}

func (s *Scheduler) execute(ctx context.Context, target registry.Target) {
	defer s.release(target.ID)

	started := s.clock.Now()
	res := s.job.Collect(ctx, target)
	finished := s.clock.Now()

	s.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(target.Kind)),
		attribute.String("outcome", res.Outcome),
	))

	// bookkeeping outlives shutdown
	ctx = context.WithoutCancel(ctx)

	// pick up changes made while the job was running
	current, err := s.registry.Get(ctx, target.ID)
	switch {
	case errors.Is(err, registry.ErrTargetNotFound):
		current = registry.Target{}
	case err != nil:
		s.tel.ReportBroken(report_record_run, err, target.ID)
		current = target
	}

	if current.ID != 0 {
		level := s.nextBackoffLevel(current.BackoffLevel, res.Outcome)
		next := finished.Add(EffectiveInterval(current.Interval, level, s.config.MaxInterval))
		err = s.registry.RecordRun(ctx, current.ID, finished, next, level)
		if err != nil && !errors.Is(err, registry.ErrTargetNotFound) {
			s.tel.ReportBroken(report_record_run, err, target.ID)
		}
	}

	run, err := s.runs.Record(ctx, runlog.Run{
		TargetID:   target.ID,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    res.Outcome,
		Detail:     res.Detail,
	})
	if err != nil {
		s.tel.ReportBroken(report_record_run, err, target.ID)
		return
	}
	s.broadcast(run)
}

// Subscribe streams finished runs of target, or of every target when
// targetID is 0. Slow subscribers miss runs instead of blocking workers.
func (s *Scheduler) Subscribe(targetID int64) (<-chan runlog.Run, func()) {
	s.subscriberLock.Lock()
	defer s.subscriberLock.Unlock()

	id := s.nextSubscriber
	s.nextSubscriber++
	ch := make(chan runlog.Run, 16)
	s.subscribers[id] = subscriber{targetID: targetID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subscriberLock.Lock()
			defer s.subscriberLock.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

func (s *Scheduler) broadcast(run runlog.Run) {
	s.subscriberLock.Lock()
	defer s.subscriberLock.Unlock()
	for _, sub := range s.subscribers {
		if sub.targetID != 0 && sub.targetID != run.TargetID {
			continue
		}
		select {
		case sub.ch <- run:
		default:
		}
	}
}
