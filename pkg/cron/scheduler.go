package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a five-field expression or a
// descriptor such as @hourly or @every 5m.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

type job struct {
	status  JobStatus
	fn      JobFunc
	entryID cron.EntryID
	running sync.Mutex
}

// Scheduler owns a robfig cron runner. Overlapping runs of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	runner *cron.Cron
	logger zerolog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(adapter)),
			cron.WithLogger(adapter),
		),
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name on spec.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{status: JobStatus{Name: name, Spec: spec}, fn: fn}
	id, err := s.runner.AddFunc(spec, func() { s.run(s.ctx, j) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.runner.Start()
	s.logger.Info().Int("jobs", len(s.Status())).Msg("Cron scheduler started")
}

// Stop halts scheduling, cancels running jobs and waits for them.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.runner.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobStatus, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("job %s not found", name)
	}
	s.run(ctx, j)

	status, _ := s.statusOf(name)
	return status, nil
}

// Status returns every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]JobStatus, 0, len(names))
	for _, name := range names {
		if st, ok := s.statusOf(name); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *Scheduler) statusOf(name string) (JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	if !ok {
		return JobStatus{}, false
	}
	st := j.status
	st.NextRunAt = s.runner.Entry(j.entryID).Next
	return st, true
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	if !j.running.TryLock() {
		s.logger.Debug().Str("job", j.status.Name).Msg("Previous run still active, skipping")
		return
	}
	defer j.running.Unlock()

	start := s.now()
	affected, err := j.fn(ctx)
	duration := s.now().Sub(start)

	s.mu.Lock()
	st := &j.status
	st.Runs++
	st.LastRunAt = start
	st.LastDurationMs = duration.Milliseconds()
	st.LastAffected = affected
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		st.ConsecutiveErrors++
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
		st.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("job", j.status.Name).Msg("Cron job failed")
		return
	}
	if affected > 0 {
		s.logger.Info().Str("job", j.status.Name).Int("affected", affected).Dur("duration", duration).Msg("Cron job completed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
