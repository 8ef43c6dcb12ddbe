// Package flowscheduler re-arms timers for schedule-triggered flows
// (interval and cron) and enqueues a TriggerMessage each time one fires.
package flowscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
)

// MisfireGraceTime is how long after a missed fire time the scheduler
// will still dispatch the run; past this it is coalesced into the next
// scheduled fire instead. Fixed at the spec's 5s rather than made
// configurable per flow, since the bridge has exactly one deployment
// shape (a single bus/broker pair) and no per-flow SLA differences.
const MisfireGraceTime = 5 * time.Second

// job tracks one flow's schedule trigger: its timer and the cron
// schedule (nil for a plain interval).
type job struct {
	flowID   string
	interval time.Duration
	cronSpec cron.Schedule
	timer    *time.Timer
	running  bool // max_instances=1: a fire is skipped (coalesced) if still running
}

// Scheduler owns one timer per active schedule-triggered flow.
type Scheduler struct {
	logger *slog.Logger
	broker *eventbroker.Broker

	mu   sync.Mutex
	jobs map[string]*job // keyed by flow ID
}

// New creates a Scheduler that enqueues fired triggers onto broker.
func New(broker *eventbroker.Broker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		broker: broker,
		jobs:   make(map[string]*job),
	}
}

// StartFlowSet arms one timer per flow that has a schedule trigger, from
// that flow's first valid schedule trigger; further schedule triggers on
// the same flow are not armed. Idempotent: flows already scheduled are
// left untouched.
func (s *Scheduler) StartFlowSet(flows []config.Flow) {
	for _, flow := range flows {
		for _, trig := range flow.Triggers {
			if trig.Type != config.TriggerSchedule {
				continue
			}
			s.startJob(flow.ID, trig)
		}
	}
}

// StopFlowSet cancels the timers for every schedule trigger across the
// given flows. Idempotent: flows with no active job are left untouched.
func (s *Scheduler) StopFlowSet(flows []config.Flow) {
	for _, flow := range flows {
		s.stopJob(flow.ID)
	}
}

func (s *Scheduler) startJob(flowID string, trig config.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[flowID]; exists {
		return
	}

	j := &job{flowID: flowID}

	if trig.Cron != "" {
		sched, err := cron.ParseStandard(trig.Cron)
		if err != nil {
			s.logger.Warn("invalid cron expression, flow not scheduled", "flow_id", flowID, "cron", trig.Cron, "error", err)
			return
		}
		j.cronSpec = sched
	} else if trig.Interval != "" {
		d, err := time.ParseDuration(trig.Interval)
		if err != nil {
			s.logger.Warn("invalid interval, flow not scheduled", "flow_id", flowID, "interval", trig.Interval, "error", err)
			return
		}
		j.interval = d
	} else {
		s.logger.Warn("schedule trigger has neither interval nor cron, flow not scheduled", "flow_id", flowID)
		return
	}

	s.jobs[flowID] = j
	s.arm(j, time.Now())
	s.logger.Debug("flow scheduled", "flow_id", flowID, "cron", trig.Cron, "interval", trig.Interval)
}

func (s *Scheduler) stopJob(flowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[flowID]
	if !exists {
		return
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, flowID)
}

// nextFire computes the next fire time for a job after `after`.
func (j *job) nextFire(after time.Time) time.Time {
	if j.cronSpec != nil {
		return j.cronSpec.Next(after)
	}
	return after.Add(j.interval)
}

// arm schedules j's timer for its next fire after `after`. Must be
// called with s.mu held.
func (s *Scheduler) arm(j *job, after time.Time) {
	next := j.nextFire(after)
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() {
		s.onFire(j.flowID)
	})
}

// onFire runs when a job's timer expires: it coalesces (skips) the fire
// if the previous run for this flow is still in flight, otherwise
// enqueues a TriggerMessage and re-arms for the next occurrence.
func (s *Scheduler) onFire(flowID string) {
	s.mu.Lock()
	j, exists := s.jobs[flowID]
	if !exists {
		s.mu.Unlock()
		return
	}
	if j.running {
		s.logger.Debug("coalescing schedule fire, previous run still in flight", "flow_id", flowID)
		s.arm(j, time.Now())
		s.mu.Unlock()
		return
	}
	j.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), MisfireGraceTime)
	defer cancel()

	if err := s.broker.Triggers.Enqueue(ctx, eventbroker.TriggerMessage{FlowID: flowID}); err != nil {
		s.logger.Warn("enqueue schedule trigger failed", "flow_id", flowID, "error", err)
	}

	s.mu.Lock()
	if j, exists := s.jobs[flowID]; exists {
		j.running = false
		s.arm(j, time.Now())
	}
	s.mu.Unlock()
}

// Stop cancels every active job's timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, id)
	}
}

// ActiveFlowIDs returns the flow IDs with a live schedule, for Stats/debugging.
func (s *Scheduler) ActiveFlowIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, id)
	}
	return out
}

// validateTrigger checks a schedule trigger's interval/cron are parseable.
// config.Validate does not call it; it only checks that one of the two
// is set.
func validateTrigger(trig config.Trigger) error {
	if trig.Cron != "" {
		if _, err := cron.ParseStandard(trig.Cron); err != nil {
			return fmt.Errorf("flowscheduler: invalid cron %q: %w", trig.Cron, err)
		}
		return nil
	}
	if trig.Interval != "" {
		if _, err := time.ParseDuration(trig.Interval); err != nil {
			return fmt.Errorf("flowscheduler: invalid interval %q: %w", trig.Interval, err)
		}
		return nil
	}
	return fmt.Errorf("flowscheduler: schedule trigger needs interval or cron")
}
