// Package scheduler runs named jobs on cron, interval and one-shot triggers.
//
// Triggers come from robfig/cron. Each job is guarded so two runs of the same
// name never overlap: a trigger that fires while the job is running is
// coalesced into a single follow-up run. A weighted semaphore bounds how many
// jobs execute at once across the whole process.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/logger"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// Func is the body of a job. The context is cancelled when the scheduler stops.
type Func func(ctx context.Context) error

// Kind is the trigger type of a job
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// JobInfo is a snapshot of one job
type JobInfo struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Trigger   string    `json:"trigger"`
	Next      time.Time `json:"next,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Paused    bool      `json:"paused"`
	Running   bool      `json:"running"`
}

// Options configures a Scheduler
type Options struct {
	Location    *time.Location
	Workers     int
	GracePeriod time.Duration
}

type job struct {
	name    string
	kind    Kind
	trigger string
	fn      Func
	entry   cron.EntryID
	guard   *guard

	paused atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	runs    int
}

// guard serialises runs of one job name. It outlives re-adds of the name so a
// replaced job still in flight blocks the new one.
type guard struct {
	running atomic.Bool
	pending atomic.Bool
}

// Scheduler owns every job in the process
type Scheduler struct {
	cron  *cron.Cron
	sem   *semaphore.Weighted
	grace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*job
	guards   map[string]*guard
	wg       sync.WaitGroup
	started  bool
	stopping bool
}

// New creates a stopped scheduler
func New(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cronLogger{}),
		),
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		grace:  opts.GracePeriod,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
		guards: make(map[string]*guard),
	}
}

// AddCron schedules fn on a 5-field cron expression in the scheduler's timezone
func (s *Scheduler) AddCron(name, expr string, fn Func) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "invalid cron expression").
			WithContext("job", name).
			WithContext("expr", expr)
	}
	return s.add(name, KindCron, expr, sched, fn)
}

// AddInterval schedules fn every d; intervals below one second are rounded up
func (s *Scheduler) AddInterval(name string, d time.Duration, fn Func) error {
	if d <= 0 {
		return errors.ValidationError("interval must be positive").WithContext("job", name)
	}
	return s.add(name, KindInterval, d.String(), cron.Every(d), fn)
}

// AddOnce schedules fn a single time at at. The job is removed after it ran.
func (s *Scheduler) AddOnce(name string, at time.Time, fn Func) error {
	return s.add(name, KindOnce, at.Format(time.RFC3339), onceSchedule{at: at}, fn)
}

func (s *Scheduler) add(name string, kind Kind, trigger string, sched cron.Schedule, fn Func) error {
	if name == "" {
		return errors.ValidationError("job name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.New(errors.CodeServiceUnavailable, "scheduler is stopping")
	}
	if prev, ok := s.jobs[name]; ok {
		s.cron.Remove(prev.entry)
	}

	g, ok := s.guards[name]
	if !ok {
		g = &guard{}
		s.guards[name] = g
	}
	j := &job{name: name, kind: kind, trigger: trigger, fn: fn, guard: g}
	j.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.trigger(j, false) }))
	s.jobs[name] = j

	logger.AppLogger().WithFields(map[string]interface{}{
		"job":     name,
		"kind":    string(kind),
		"trigger": trigger,
	}).Debug("job scheduled")
	return nil
}

// Remove unschedules a job. A run already in progress is left to finish.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// RunNow triggers a job immediately, ignoring pause, and returns without waiting
func (s *Scheduler) RunNow(name string) error {
	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	go s.trigger(j, true)
	return nil
}

// Pause keeps a job scheduled but skips its triggers
func (s *Scheduler) Pause(name string) error {
	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	j.paused.Store(true)
	return nil
}

// Resume re-enables a paused job
func (s *Scheduler) Resume(name string) error {
	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	j.paused.Store(false)
	return nil
}

// Has reports whether a job is scheduled under name
func (s *Scheduler) Has(name string) bool {
	_, err := s.lookup(name)
	return err == nil
}

func (s *Scheduler) lookup(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, errors.NotFoundError("job", name)
	}
	return j, nil
}

// List returns every job sorted by name
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		info := JobInfo{
			Name:    j.name,
			Kind:    j.kind,
			Trigger: j.trigger,
			Next:    s.cron.Entry(j.entry).Next,
			LastRun: j.lastRun,
			Runs:    j.runs,
			Paused:  j.paused.Load(),
			Running: j.guard.running.Load(),
		}
		if j.lastErr != nil {
			info.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start begins firing triggers
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopping {
		return
	}
	s.started = true
	s.cron.Start()
	logger.AppLogger().WithField("jobs", len(s.jobs)).Info("scheduler started")
}

// Stop stops firing triggers, cancels the job context and waits for running
// jobs up to the grace period or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	// cron's stop context waits on jobs it fired, so they must see
	// cancellation before anything waits on them
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-done:
		logger.AppLogger().Info("scheduler stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	logger.AppLogger().Warn("scheduler stopped with jobs still running")
	return errors.New(errors.CodeServiceTimeout, "jobs did not finish within the grace period")
}

func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Scheduler) trigger(j *job, manual bool) {
	if !manual && j.paused.Load() {
		return
	}
	g := j.guard
	if !g.running.CompareAndSwap(false, true) {
		g.pending.Store(true)
		logger.AppLogger().WithField("job", j.name).Debug("job still running, trigger coalesced")
		return
	}
	if !s.enter() {
		g.running.Store(false)
		return
	}
	defer s.wg.Done()

	for {
		s.execute(j)
		if j.kind == KindOnce {
			s.removeIfCurrent(j)
		}
		g.running.Store(false)

		if !g.pending.Swap(false) || s.isStopping() {
			break
		}
		// a coalesced trigger runs whatever is scheduled under the name now
		next := s.current(j.name)
		if next == nil || !g.running.CompareAndSwap(false, true) {
			break
		}
		j = next
	}
}

func (s *Scheduler) current(name string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[name]
}

func (s *Scheduler) removeIfCurrent(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[j.name]; ok && cur == j {
		s.cron.Remove(j.entry)
		delete(s.jobs, j.name)
	}
}

func (s *Scheduler) execute(j *job) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	log := logger.AppLogger().WithField("job", j.name)
	start := time.Now()
	err := s.safeRun(j)

	j.mu.Lock()
	j.lastRun = start
	j.lastErr = err
	j.runs++
	runs := j.runs
	j.mu.Unlock()

	if err != nil {
		log.Error("job failed", err)
		return
	}
	log.WithFields(map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
		"runs":        runs,
	}).Debug("job finished")
}

func (s *Scheduler) safeRun(j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New(errors.CodeInternal, fmt.Sprintf("job panicked: %v", rec)).
				WithContext("stack", string(debug.Stack()))
		}
	}()
	return j.fn(s.ctx)
}

// onceSchedule fires a single time
type onceSchedule struct {
	at time.Time
}

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// cronLogger routes robfig/cron's internal messages to the app logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.AppLogger().WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.AppLogger().WithFields(kvFields(keysAndValues)).Error("cron: "+msg, err)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
