// Package scheduler runs collection jobs on cron cadences. Each job is
// keyed by a stable job ID; at most one execution per ID is live at any
// time, and an overlapping fire is skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/coinpulse/collector/internal/metrics"
)

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

// parser accepts the 5-field standard form used by collector
// declarations. Timezones ride in on a CRON_TZ= prefix.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Entry describes one registered job for the schedule listing.
type Entry struct {
	ID   string
	Spec string
	Next time.Time
	Prev time.Time
}

// Scheduler wraps a cron runner with per-job overlap suppression and
// metric emission.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Registry

	mu      sync.Mutex
	live    map[string]bool
	entries map[string]cron.EntryID
	specs   map[string]string
	baseCtx context.Context

	wg sync.WaitGroup
}

// New builds a stopped scheduler.
func New(m *metrics.Registry) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DiscardLogger))),
		metrics: m,
		live:    make(map[string]bool),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
		baseCtx: context.Background(),
	}
}

// AddJob registers fn under id on the given cron spec. Duplicate IDs
// are rejected; the ID is the coalescing key and must be unique.
func (s *Scheduler) AddJob(id, spec string, fn JobFunc) error {
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("job %s: malformed cron %q: %w", id, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[id]; dup {
		return fmt.Errorf("job %s already registered", id)
	}
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.runJob(id, fn) }))
	s.entries[id] = entryID
	s.specs[id] = spec
	return nil
}

// Start begins firing jobs. ctx becomes the parent of every job
// execution; cancelling it ends new work while Stop drains the rest.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Int("jobs", n).Msg("Scheduler started")
}

// Stop halts new fires and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// Entries lists registered jobs with their next and previous fire
// times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for id, entryID := range s.entries {
		e := s.cron.Entry(entryID)
		out = append(out, Entry{ID: id, Spec: s.specs[id], Next: e.Next, Prev: e.Prev})
	}
	return out
}

// RunNow fires a registered job immediately, outside its cadence. The
// overlap rule still applies.
func (s *Scheduler) RunNow(id string, fn JobFunc) {
	s.runJob(id, fn)
}

// runJob executes one fire of a job. A fire that overlaps a still
// running execution of the same ID is dropped and counted as skipped;
// a failing handler is logged and counted but stays scheduled.
func (s *Scheduler) runJob(id string, fn JobFunc) {
	s.mu.Lock()
	if s.live[id] {
		s.mu.Unlock()
		s.metrics.SchedulerJobRuns.WithLabelValues(id, "skipped").Inc()
		log.Warn().Str("job_id", id).Msg("Skipping fire, previous run still in progress")
		return
	}
	s.live[id] = true
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.live, id)
		s.mu.Unlock()
	}()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	s.metrics.MarkJobRun(id, elapsed, err)

	if err != nil {
		log.Error().Err(err).Str("job_id", id).Dur("elapsed", elapsed).Msg("Scheduled job failed")
		return
	}
	log.Debug().Str("job_id", id).Dur("elapsed", elapsed).Msg("Scheduled job completed")
}
