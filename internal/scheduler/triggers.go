package scheduler

import (
	"context"
	"time"

	"github.com/corehost/pluginhost/internal/descriptor"
)

// startTrigger launches the per-job driver goroutine appropriate to its
// trigger kind. The driver only ever enqueues fire events; it never runs
// plugin code itself (§5).
func (s *Scheduler) startTrigger(ctx context.Context, rj *runtimeJob) {
	switch rj.desc.Trigger {
	case descriptor.TriggerInterval:
		s.startInterval(ctx, rj)
	case descriptor.TriggerCron:
		s.startCron(rj)
	case descriptor.TriggerOnce:
		s.startOnce(ctx, rj)
	}
}

// startInterval computes next-run from the previous run's *start*, not
// its completion, to avoid drift — unless the job is still running from
// the prior tick, in which case this tick is skipped so runs never
// overlap for the same job (§4.I).
func (s *Scheduler) startInterval(ctx context.Context, rj *runtimeJob) {
	period, err := time.ParseDuration(rj.desc.TriggerValue)
	if err != nil || period <= 0 {
		period = time.Minute
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		next := time.Now().Add(period)
		s.mu.Lock()
		rj.nextRunAt = next
		s.mu.Unlock()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				overlapping := rj.state == Running
				rj.nextRunAt = time.Now().Add(period)
				s.mu.Unlock()
				if !overlapping {
					s.enqueue(rj.desc.ID, false)
				}
			}
		}
	}()
}

func (s *Scheduler) startCron(rj *runtimeJob) {
	id := rj.desc.ID
	entryID, err := s.cronSched.AddFunc(rj.desc.TriggerValue, func() {
		s.enqueue(id, false)
	})
	if err != nil {
		s.log.Warn().Str("job", id).Err(err).Msg("invalid cron expression; job will never fire")
		return
	}
	s.mu.Lock()
	s.cronIDs[id] = entryID
	for _, e := range s.cronSched.Entries() {
		if e.ID == entryID {
			rj.nextRunAt = e.Next
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) startOnce(ctx context.Context, rj *runtimeJob) {
	at, err := time.Parse(time.RFC3339, rj.desc.TriggerValue)
	if err != nil {
		s.log.Warn().Str("job", rj.desc.ID).Err(err).Msg("invalid once trigger time; job will never fire")
		return
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	rj.nextRunAt = at
	s.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			s.enqueue(rj.desc.ID, false)
		}
	}()
}
