package agw

import (
	"sync"

	"github.com/charmbracelet/log"
)

// Inbound is a received frame paired with its header, as handed to
// subscribers.
type Inbound struct {
	Hdr    Header
	Packet Packet
}

// Match selects inbound frames for a subscription rule. Nil fields match
// anything, so the zero Match matches every frame.
type Match struct {
	Kinds []byte
	Port  *uint8
	Src   *Call
	Dst   *Call
}

// MatchKinds matches any frame with one of the given data kinds.
func MatchKinds(kinds ...byte) Match {
	return Match{Kinds: kinds}
}

func (m Match) matches(h Header) bool {
	if len(m.Kinds) > 0 {
		var found = false
		for _, k := range m.Kinds {
			if k == h.Kind {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	if m.Port != nil && *m.Port != h.Port {
		return false
	}
	if m.Src != nil && *m.Src != h.Src {
		return false
	}
	if m.Dst != nil && *m.Dst != h.Dst {
		return false
	}

	return true
}

type rule struct {
	id uint64
	m  Match
	ch chan Inbound
}

// Router delivers inbound frames to subscription rules. Every rule has a
// unique, monotonically increasing identity; rules are removed when their
// Subscription is closed.
type Router struct {
	mu     sync.Mutex
	nextID uint64
	rules  []rule
}

// Subscription is a live routing rule. Frames matching the rule arrive on
// C. Close removes the rule and closes C.
type Subscription struct {
	C <-chan Inbound

	id   uint64
	r    *Router
	once sync.Once
}

// Close removes the subscription's rule. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.r.del(s.id)
	})
}

// Add registers a match rule with a delivery buffer of the given size and
// returns its handle.
func (r *Router) Add(m Match, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	var ch = make(chan Inbound, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.rules = append(r.rules, rule{id: r.nextID, m: m, ch: ch})

	return &Subscription{C: ch, id: r.nextID, r: r}
}

func (r *Router) del(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rl := range r.rules {
		if rl.id == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			close(rl.ch)

			return
		}
	}
}

// Offer hands a frame to every matching rule and reports whether any rule
// matched. Delivery is non-blocking, so a slow subscriber never stalls the
// socket reader; a full subscriber channel drops the frame with a
// diagnostic instead. The non-blocking send also makes it safe to deliver
// under the lock, which keeps delivery and rule removal ordered.
func (r *Router) Offer(h Header, p Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var any = false
	for _, rl := range r.rules {
		if !rl.m.matches(h) {
			continue
		}
		any = true

		select {
		case rl.ch <- Inbound{Hdr: h, Packet: p}:
		default:
			log.Warn("subscriber too slow, dropping frame", "rule", rl.id, "kind", string(h.Kind))
		}
	}

	return any
}
