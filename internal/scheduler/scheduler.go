package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	relaybox_errors "relaybox/pkg/errors"
	"relaybox/pkg/logger"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// JobFunc is one run of a recurring job.
type JobFunc func(ctx context.Context) error

type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// Locker serializes a job across worker instances. A nil release means another instance holds the lock.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(context.Context) error, err error)
}

type JobStatus struct {
	Name           string        `json:"name"`
	Interval       time.Duration `json:"interval"`
	Running        bool          `json:"running"`
	Runs           int           `json:"runs"`
	Failures       int           `json:"failures"`
	LastStartedAt  *time.Time    `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time    `json:"last_finished_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

type Config struct {
	Attempts   int
	RetryDelay time.Duration
	Clock      clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Attempts:   3,
		RetryDelay: 10 * time.Second,
		Clock:      clock.WallClock,
	}
}

type entry struct {
	job    Job
	status JobStatus
}

// Scheduler runs named jobs on fixed intervals. A job never overlaps with itself, and failed runs
// are retried with doubling delay before the failure is recorded.
type Scheduler struct {
	cfg    Config
	locker Locker
	log    *logger.Logger

	mu   sync.Mutex
	jobs map[string]*entry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, locker Locker, l *logger.Logger) *Scheduler {
	d := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = d.Attempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}
	return &Scheduler{
		cfg:    cfg,
		locker: locker,
		log:    logger.OrNop(l),
		jobs:   make(map[string]*entry),
	}
}

func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("job needs a name, an interval and a func: %w", relaybox_errors.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s: %w", job.Name, relaybox_errors.ErrAlreadyExists)
	}
	s.jobs[job.Name] = &entry{job: job, status: JobStatus{Name: job.Name, Interval: job.Interval}}
	return nil
}

// Start launches one loop per registered job. The first run happens one interval after Start.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, job)
		}()
	}
	s.log.Infof("scheduler started with %d jobs", len(jobs))
}

// Stop cancels all loops and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(job.Interval):
		}
		if err := s.run(ctx, job.Name); err != nil && !errors.Is(err, relaybox_errors.ErrJobRunning) && ctx.Err() == nil {
			s.log.Errorf("scheduled job %s failed: %v", job.Name, err)
		}
	}
}

// TriggerNow runs the named job immediately and returns its outcome.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	return s.run(ctx, name)
}

func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Status(name string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return JobStatus{}, fmt.Errorf("%s: %w", name, relaybox_errors.ErrJobNotFound)
	}
	return e.status, nil
}

func (s *Scheduler) run(ctx context.Context, name string) error {
	job, err := s.begin(name)
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, logger.JobNameKey, name)
	log := s.log.Ctx(ctx)

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, name)
		if err != nil {
			s.finish(name, false, nil)
			return fmt.Errorf("acquire lock for job %s: %w", name, err)
		}
		if release == nil {
			s.finish(name, false, nil)
			log.Debugf("job %s is running on another worker", name)
			return fmt.Errorf("%s: %w", name, relaybox_errors.ErrJobRunning)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warnf("release lock for job %s: %v", name, err)
			}
		}()
	}

	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return job.Run(ctx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, relaybox_errors.ErrInvalidInput)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			log.Logger.Warn("job attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    s.cfg.Attempts,
		Delay:       s.cfg.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil && lastErr != nil && (retry.IsAttemptsExceeded(err) || ctx.Err() != nil) {
		err = lastErr
	}

	s.finish(name, true, err)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	log.Infof("job %s finished", name)
	return nil
}

func (s *Scheduler) begin(name string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", name, relaybox_errors.ErrJobNotFound)
	}
	if e.status.Running {
		return Job{}, fmt.Errorf("%s: %w", name, relaybox_errors.ErrJobRunning)
	}
	now := s.cfg.Clock.Now().UTC()
	e.status.Running = true
	e.status.LastStartedAt = &now
	return e.job, nil
}

func (s *Scheduler) finish(name string, ran bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.jobs[name]
	e.status.Running = false
	if !ran {
		return
	}
	now := s.cfg.Clock.Now().UTC()
	e.status.LastFinishedAt = &now
	e.status.Runs++
	e.status.LastError = ""
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	}
}
