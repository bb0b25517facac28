package device

import (
	"sort"
	"time"
)

// reorderState tracks one session's delivery position.
type reorderState struct {
	next    uint64
	pending map[uint64]*QueueInboundElement
	since   time.Time
}

// reorderer releases authenticated packets of each session in counter
// order. A gap is waited on for at most timeout; after that everything
// pending is released and the gap is abandoned. Packets older than the
// release point are late and dropped. It belongs to one sequential
// receiver and is not safe for concurrent use.
type reorderer struct {
	timeout  time.Duration
	capacity int
	states   map[*Keypair]*reorderState
}

func newReorderer(timeout time.Duration, capacity int) *reorderer {
	return &reorderer{
		timeout:  timeout,
		capacity: capacity,
		states:   make(map[*Keypair]*reorderState),
	}
}

// push offers elem and returns the elements now deliverable. A non-empty
// reason means elem itself was dropped.
func (r *reorderer) push(elem *QueueInboundElement, now time.Time) (ready []*QueueInboundElement, reason DropReason) {
	st := r.states[elem.keypair]
	if st == nil {
		st = &reorderState{pending: make(map[uint64]*QueueInboundElement)}
		r.states[elem.keypair] = st
	}

	switch {
	case elem.counter < st.next:
		return nil, DropReplayRejected
	case elem.counter == st.next:
		ready = append(ready, elem)
		st.next++
		for {
			e, ok := st.pending[st.next]
			if !ok {
				break
			}
			delete(st.pending, st.next)
			ready = append(ready, e)
			st.next++
		}
		if len(st.pending) == 0 {
			st.since = time.Time{}
		}
		return ready, ""
	default:
		if len(st.pending) >= r.capacity {
			return nil, DropResourceExhausted
		}
		st.pending[elem.counter] = elem
		if st.since.IsZero() {
			st.since = now
		}
		return nil, ""
	}
}

// expire releases every session whose oldest gap has waited too long.
func (r *reorderer) expire(now time.Time) (ready []*QueueInboundElement) {
	for _, st := range r.states {
		if st.since.IsZero() || now.Sub(st.since) < r.timeout {
			continue
		}
		ready = append(ready, st.release()...)
	}
	return ready
}

func (st *reorderState) release() []*QueueInboundElement {
	out := make([]*QueueInboundElement, 0, len(st.pending))
	for _, e := range st.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].counter < out[j].counter })
	if n := len(out); n > 0 {
		st.next = out[n-1].counter + 1
	}
	clear(st.pending)
	st.since = time.Time{}
	return out
}

// deadline reports when the next gap expires.
func (r *reorderer) deadline() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, st := range r.states {
		if st.since.IsZero() {
			continue
		}
		if !found || st.since.Before(earliest) {
			earliest = st.since
			found = true
		}
	}
	return earliest.Add(r.timeout), found
}

// prune forgets sessions that are no longer live and have nothing pending.
func (r *reorderer) prune(live func(*Keypair) bool) {
	for kp, st := range r.states {
		if len(st.pending) == 0 && !live(kp) {
			delete(r.states, kp)
		}
	}
}
