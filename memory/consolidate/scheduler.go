package consolidate

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/stratamem/strata-go/core"
)

// scheduler is the pipeline's in-memory cron state. It is either Stopped
// (cron == nil) or Running; the state is never persisted and must be
// re-armed after a process restart.
type scheduler struct {
	mu   sync.Mutex
	cron *cron.Cron
}

// StartCronScheduler arms a recurring consolidation cycle on a standard
// 5-field cron expression (minute hour day month day-of-week). Expressions
// with any other field count are rejected with a ValidationError before
// parsing. Calling while already running logs a warning and is a no-op.
//
// A failed scheduled run is logged; the scheduler keeps running.
func (p *Pipeline) StartCronScheduler(expr string, opts CycleOptions) error {
	if len(strings.Fields(expr)) != 5 {
		return core.NewValidationError("cron_expr",
			"want 5 fields (minute hour day month day-of-week), got %q", expr)
	}

	p.sched.mu.Lock()
	defer p.sched.mu.Unlock()
	if p.sched.cron != nil {
		log.Printf("[CRON] scheduler already running, ignoring start")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(expr, func() {
		report := p.RunConsolidationCycle(context.Background(), opts)
		if report.Failed() {
			log.Printf("[CRON] scheduled consolidation run had errors")
		}
	})
	if err != nil {
		return core.NewValidationError("cron_expr", "invalid expression %q: %v", expr, err)
	}

	c.Start()
	p.sched.cron = c
	log.Printf("[CRON] consolidation scheduler started with %q", expr)
	return nil
}

// StopScheduler stops the cron scheduler. Idempotent: a no-op when already
// stopped.
func (p *Pipeline) StopScheduler() {
	p.sched.mu.Lock()
	defer p.sched.mu.Unlock()
	if p.sched.cron == nil {
		return
	}
	p.sched.cron.Stop()
	p.sched.cron = nil
	log.Printf("[CRON] consolidation scheduler stopped")
}

// SchedulerRunning reports whether the cron scheduler is armed.
func (p *Pipeline) SchedulerRunning() bool {
	p.sched.mu.Lock()
	defer p.sched.mu.Unlock()
	return p.sched.cron != nil
}
