package scheduler

import (
	"context"
	"time"

	"github.com/corehost/pluginhost/internal/descriptor"
)

// workItem is one request to run a job, enqueued by its trigger driver or
// by a manual-trigger operator call.
type workItem struct {
	jobID   string
	manual  bool
}

// pool is a bounded set of workers draining three priority FIFO queues
// (high, normal, low) in strict priority order, used for one of the two
// execution kinds (§4.I "Pools"). Jobs whose dependencies are not
// satisfied are re-enqueued rather than blocking a worker slot.
type pool struct {
	name    string
	workers int

	high, normal, low chan workItem

	s *Scheduler
}

func newPool(name string, workers int, s *Scheduler) *pool {
	return &pool{
		name:    name,
		workers: workers,
		high:    make(chan workItem, 256),
		normal:  make(chan workItem, 256),
		low:     make(chan workItem, 256),
		s:       s,
	}
}

func (p *pool) enqueue(priority descriptor.Priority, item workItem) {
	ch := p.channelFor(priority)
	select {
	case ch <- item:
	default:
		// Queue full: a channel has no drop-oldest mode, so this blocks
		// until a worker frees room. Nothing is dropped and nothing is
		// logged.
		ch <- item
	}
}

func (p *pool) channelFor(priority descriptor.Priority) chan workItem {
	switch priority {
	case descriptor.PriorityHigh:
		return p.high
	case descriptor.PriorityLow:
		return p.low
	default:
		return p.normal
	}
}

func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

func (p *pool) worker(ctx context.Context) {
	for {
		item, ok := p.next(ctx)
		if !ok {
			return
		}
		p.s.execute(ctx, item)
	}
}

// next selects strictly by priority: high, then normal, then low, falling
// back to a blocking select across all three (plus ctx) once all are
// empty.
func (p *pool) next(ctx context.Context) (workItem, bool) {
	for {
		select {
		case item := <-p.high:
			return item, true
		default:
		}
		select {
		case item := <-p.normal:
			return item, true
		default:
		}
		select {
		case item := <-p.low:
			return item, true
		default:
		}
		select {
		case <-ctx.Done():
			return workItem{}, false
		case item := <-p.high:
			return item, true
		case item := <-p.normal:
			return item, true
		case item := <-p.low:
			return item, true
		case <-time.After(20 * time.Millisecond):
			// loop back to re-check priority order rather than staying
			// parked in the unordered select forever
		}
	}
}
