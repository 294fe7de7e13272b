package hub

import (
	"sync"

	"github.com/kstaniek/go-uds-server/internal/can"
	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/kstaniek/go-uds-server/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Subscriber receives a copy of every frame read from the bus.
// Closed is signalled when the subscriber is detached (by Unsubscribe or a kick).
type Subscriber struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscriber is closed (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Closed)
	})
}

// Hub fans backend RX frames out to every open diagnostic session.
type Hub struct {
	mu         sync.RWMutex
	subs       map[*Subscriber]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

const defaultOutBuf = 64

// New creates a Hub with default settings.
func New() *Hub { return &Hub{subs: make(map[*Subscriber]struct{})} }

// Subscribe registers a new subscriber with a buffer of OutBufSize frames.
func (h *Hub) Subscribe() *Subscriber {
	n := h.OutBufSize
	if n <= 0 {
		n = defaultOutBuf
	}
	s := &Subscriber{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
	h.Add(s)
	return s
}

// Add registers an existing subscriber.
func (h *Hub) Add(s *Subscriber) {
	h.mu.Lock()
	prev := len(h.subs)
	h.subs[s] = struct{}{}
	cur := len(h.subs)
	h.mu.Unlock()
	metrics.SetHubSessions(cur)
	if prev == 0 && cur == 1 {
		logging.L().Debug("bus_first_session")
	}
}

// Unsubscribe detaches s and closes it; safe to call multiple times.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, existed := h.subs[s]
	if existed {
		delete(h.subs, s)
	}
	cur := len(h.subs)
	h.mu.Unlock()
	s.Close()
	metrics.SetHubSessions(cur)
	if existed && cur == 0 {
		logging.L().Debug("bus_last_session")
	}
}

// Broadcast delivers a frame to all subscribers honoring the backpressure policy.
func (h *Hub) Broadcast(fr can.Frame) {
	subs := h.Snapshot()
	metrics.SetBroadcastFanout(len(subs))
	if len(subs) > 0 {
		max := 0
		sum := 0
		for _, s := range subs {
			l := len(s.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(subs))
	}
	for _, s := range subs {
		select {
		case <-s.Closed:
			continue
		default:
		}
		select {
		case s.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				s.Close() // reader sees Closed and reports the bus as gone
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current subscribers (read-only use).
func (h *Hub) Snapshot() []*Subscriber {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	return subs
}

// Count returns the number of open subscribers.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.subs); h.mu.RUnlock(); return n }
