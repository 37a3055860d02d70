package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 64

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the channel capacity handed to new subscriptions.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger attaches a logger for dropped-event reporting.
func WithLogger(logger *zerolog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.log = *logger
		}
	}
}

// WithSink attaches a synchronous sink that observes every published
// event. Sinks must not block.
func WithSink(s Sink) Option {
	return func(h *Hub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

// Hub routes execution events to subscribers. Publish assigns each event
// a per-execution sequence and delivers it without blocking: a subscriber
// whose buffer is full loses the event and the loss is counted. When the
// execution.completed event has been delivered the hub closes that
// execution's subscriptions, so ranging over Events terminates naturally.
type Hub struct {
	buffer int
	log    zerolog.Logger
	sinks  []Sink

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	global map[*Subscription]struct{}
	seqs   map[string]int64
	closed bool

	dropped atomic.Int64
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer: DefaultBufferSize,
		log:    zerolog.Nop(),
		subs:   make(map[string]map[*Subscription]struct{}),
		global: make(map[*Subscription]struct{}),
		seqs:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is one subscriber's view of the event stream. Receive from
// Events until it closes.
type Subscription struct {
	hub         *Hub
	executionID string
	ch          chan Event
	dropped     atomic.Int64
	once        sync.Once
}

// Events returns the channel events arrive on. The hub closes it after
// the execution completes, or when the subscription or hub is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription. Safe to call more than once and safe
// to call concurrently with Publish.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	s.hub.detach(s)
	s.hub.mu.Unlock()
}

// Subscribe registers for one execution's events with the given channel
// capacity (<= 0 uses the hub default). The hub does not remember
// finished executions, so a late subscription delivers nothing; check
// the journal first when the execution may already be over.
func (h *Hub) Subscribe(executionID string, buffer int) *Subscription {
	sub := &Subscription{hub: h, executionID: executionID, ch: make(chan Event, h.capacity(buffer))}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeLocked()
		return sub
	}
	set, ok := h.subs[executionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[executionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// SubscribeGlobal registers for execution.started and execution.completed
// events across every execution; per-node traffic stays on per-execution
// subscriptions. The channel stays open until the subscription or hub
// closes.
func (h *Hub) SubscribeGlobal(buffer int) *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.capacity(buffer))}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeLocked()
		return sub
	}
	h.global[sub] = struct{}{}
	return sub
}

func (h *Hub) capacity(buffer int) int {
	if buffer > 0 {
		return buffer
	}
	return h.buffer
}

// Publish delivers an event to sinks and subscribers, stamping it with
// the next sequence for its execution. Calls for the same execution must
// come from one goroutine at a time so that sequence order matches the
// order subscribers observe.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	e.Sequence = h.seqs[e.ExecutionID]
	h.seqs[e.ExecutionID]++

	for _, sink := range h.sinks {
		sink.Deliver(e)
	}
	for sub := range h.subs[e.ExecutionID] {
		h.send(sub, e)
	}
	if e.Type == TypeExecutionStarted || e.Type == TypeExecutionCompleted {
		for sub := range h.global {
			h.send(sub, e)
		}
	}

	if e.Terminal() {
		for sub := range h.subs[e.ExecutionID] {
			sub.closeLocked()
		}
		delete(h.subs, e.ExecutionID)
		delete(h.seqs, e.ExecutionID)
	}
}

// Dropped reports the total events lost across all subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close shuts the hub down and closes every subscription channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			sub.closeLocked()
		}
	}
	for sub := range h.global {
		sub.closeLocked()
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.global = make(map[*Subscription]struct{})
}

func (h *Hub) send(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
	default:
		sub.dropped.Add(1)
		h.dropped.Add(1)
		h.log.Warn().
			Str("execution_id", e.ExecutionID).
			Str("type", string(e.Type)).
			Int64("sequence", e.Sequence).
			Msg("subscriber buffer full, dropping event")
	}
}

// detach removes sub from whichever set holds it and closes its channel.
// Callers hold h.mu.
func (h *Hub) detach(sub *Subscription) {
	if sub.executionID != "" {
		if set, ok := h.subs[sub.executionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.executionID)
			}
		}
	} else {
		delete(h.global, sub)
	}
	sub.closeLocked()
}

// closeLocked closes the channel exactly once. Callers hold h.mu, which
// serializes it against send.
func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
