// Package poll implements the cron-based external trigger source named in
// spec.md section 4.6 ("poll timers"): it ticks on a fixed interval,
// evaluates each registered workflow's cron schedule, and pushes a Job onto
// the Runner's channel when one comes due. Grounded on the teacher's
// internal/scheduler/scheduler.go, adapted from a store-backed job list to
// an in-memory registration list (this module has no workflow-template
// store of its own; LockedWorkflow documents are self-contained).
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/definitelycarter/fuschia/internal/runner"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

// Registration is one workflow on a cron schedule.
type Registration struct {
	CronExpr string
	Workflow *fuschia.LockedWorkflow
	Payload  json.RawMessage
}

type scheduled struct {
	reg     Registration
	sched   cron.Schedule
	nextRun time.Time
}

// Source is a TriggerSource (internal/runner.TriggerSource) driven by a
// fixed-interval ticker, matching the teacher's 60s tick granularity.
type Source struct {
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration

	mu    sync.Mutex
	items []*scheduled
}

// New builds a poll Source. tick defaults to one minute if zero.
func New(logger *slog.Logger, tick time.Duration) *Source {
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
		tick:   tick,
	}
}

// Register adds a workflow to the poll schedule. Safe to call before or
// after Start.
func (s *Source) Register(reg Registration) error {
	sched, err := s.parser.Parse(reg.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", reg.CronExpr, err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.items = append(s.items, &scheduled{reg: reg, sched: sched, nextRun: sched.Next(now)})
	s.mu.Unlock()
	return nil
}

// Start implements runner.TriggerSource: ticks every s.tick, pushing a Job
// for every registration whose schedule has come due, until ctx is done.
func (s *Source) Start(ctx context.Context, sender chan<- runner.Job) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.fireDue(ctx, sender)
		}
	}
}

func (s *Source) fireDue(ctx context.Context, sender chan<- runner.Job) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*scheduled, 0)
	for _, item := range s.items {
		if !item.nextRun.After(now) {
			due = append(due, item)
			item.nextRun = item.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, item := range due {
		job := runner.Job{Workflow: item.reg.Workflow, Payload: item.reg.Payload}
		select {
		case sender <- job:
			s.logger.Info("poll trigger fired", "workflow_id", item.reg.Workflow.WorkflowID)
		case <-ctx.Done():
			return
		}
	}
}
