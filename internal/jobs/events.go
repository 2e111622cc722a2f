package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/renderq/pkg/model"
)

// DefaultEventBuffer is the default per-subscription event buffer.
const DefaultEventBuffer = 256

// Event records one job status transition.
type Event struct {
	Job  *Job
	From model.JobStatus
	To   model.JobStatus
	At   time.Time
}

// Subscription receives queue events until it is closed. Events that do not
// fit in the buffer are dropped and counted rather than blocking the queue.
type Subscription struct {
	hub     *hub
	ch      chan Event
	closed  bool // guarded by hub.mu
	dropped atomic.Int64
}

// C returns the event channel. It is closed when the subscription is closed
// or the queue shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. It is safe to call twice.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// hub fans status transitions out to subscriptions and keeps terminal counts.
type hub struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	finished map[model.JobStatus]int64
	dropped  int64
	closed   bool
}

func newHub() *hub {
	return &hub{
		subs:     make(map[*Subscription]struct{}),
		finished: make(map[model.JobStatus]int64),
	}
}

func (h *hub) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	s := &Subscription{hub: h, ch: make(chan Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.ch)
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.To.IsTerminal() {
		h.finished[ev.To]++
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.dropped++
		}
	}
}

// close closes every subscription; later subscriptions start closed.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.closed = true
		close(s.ch)
	}
	h.subs = make(map[*Subscription]struct{})
}

func (h *hub) counts() (map[model.JobStatus]int64, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[model.JobStatus]int64, len(h.finished))
	for k, v := range h.finished {
		out[k] = v
	}
	return out, h.dropped
}
