package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pricewatch/metrics"
)

// ErrUnknownJob is returned by RunNow for a name that was never added
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	fn      JobFunc
	timeout time.Duration
}

// Scheduler runs named jobs on cron schedules. Every invocation runs on its
// own goroutine; an invocation is skipped when the previous one is still
// running here or, through the Locker, in another process.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Specs accept an optional seconds field and
// descriptors such as @every 10m.
func New(locker Locker, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker:  locker,
		metrics: m,
		logger:  logger,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under name. timeout bounds one invocation and also sets
// the lock TTL.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	j := &job{name: name, spec: spec, fn: fn, timeout: timeout}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.jobs[name] = j
	s.logger.Info("Job scheduled", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// Start starts the cron loop
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// RunNow runs a registered job once in the background, outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(j)
	}()
	return nil
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(j *job) {
	log := s.logger.With(zap.String("job", j.name))

	ctx, cancel := context.WithTimeout(s.ctx, j.timeout)
	defer cancel()

	release, ok, err := s.locker.Acquire(ctx, j.name, j.timeout)
	if err != nil {
		s.metrics.JobRunsTotal.WithLabelValues(j.name, "lock_error").Inc()
		log.Error("Failed to acquire job lock", zap.Error(err))
		return
	}
	if !ok {
		s.metrics.JobRunsTotal.WithLabelValues(j.name, "skipped").Inc()
		log.Info("Job already running elsewhere, skipping")
		return
	}
	defer release()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.JobRunsTotal.WithLabelValues(j.name, "panic").Inc()
			log.Error("Job panicked", zap.Any("panic", r))
		}
	}()

	log.Info("Job started")
	if err := j.fn(ctx); err != nil {
		s.metrics.JobRunsTotal.WithLabelValues(j.name, "failed").Inc()
		log.Error("Job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	s.metrics.JobRunsTotal.WithLabelValues(j.name, "ok").Inc()
	log.Info("Job finished", zap.Duration("duration", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger. Cron's info output is per tick, so
// it goes to debug.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
