// Package scheduler triggers the recurring jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of recurring work.
type Job struct {
	Name       string
	Spec       string // five-field cron expression or descriptor such as "@daily"
	RunOnStart bool
	Run        func(ctx context.Context)
}

// Scheduler runs jobs on their schedules. A job never overlaps with itself:
// a trigger that fires while the previous invocation is running is skipped.
type Scheduler struct {
	parser cron.Parser
	loc    *time.Location
	log    *slog.Logger
	jobs   []Job
}

// New creates a Scheduler evaluating schedules in loc.
func New(loc *time.Location, log *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
		log:    log,
	}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job %q has no run function", j.Name)
	}
	if _, err := s.parser.Parse(j.Spec); err != nil {
		return fmt.Errorf("parse schedule %q of job %q: %w", j.Spec, j.Name, err)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Run starts the registered jobs and blocks until ctx is cancelled, then waits
// for running invocations to return.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
	)
	chain := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))

	var wg sync.WaitGroup
	var immediate []cron.Job
	for _, j := range s.jobs {
		job := chain.Then(cron.FuncJob(func() {
			start := time.Now()
			s.log.Debug("job started", "job", j.Name)
			j.Run(ctx)
			s.log.Debug("job finished", "job", j.Name, "duration", time.Since(start))
		}))
		if _, err := c.AddJob(j.Spec, job); err != nil {
			return fmt.Errorf("schedule job %q: %w", j.Name, err)
		}
		if j.RunOnStart {
			immediate = append(immediate, job)
		}
		s.log.Info("job scheduled", "job", j.Name, "spec", j.Spec, "location", s.loc.String())
	}

	c.Start()
	for _, job := range immediate {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Run()
		}()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	return nil
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
