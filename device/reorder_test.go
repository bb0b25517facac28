package device

import (
	"testing"
	"time"
)

func counters(elems []*QueueInboundElement) []uint64 {
	out := make([]uint64, 0, len(elems))
	for _, e := range elems {
		out = append(out, e.counter)
	}
	return out
}

func equalCounters(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReorderer(t *testing.T) {
	kp := &Keypair{}
	start := time.Unix(100, 0)

	tests := []struct {
		name     string
		counters []uint64
		want     []uint64
		dropped  map[uint64]DropReason
	}{
		{name: "in order", counters: []uint64{0, 1, 2}, want: []uint64{0, 1, 2}},
		{name: "swap", counters: []uint64{1, 0, 2}, want: []uint64{0, 1, 2}},
		{name: "reverse", counters: []uint64{3, 2, 1, 0}, want: []uint64{0, 1, 2, 3}},
		{
			name:     "late duplicate",
			counters: []uint64{0, 1, 0},
			want:     []uint64{0, 1},
			dropped:  map[uint64]DropReason{0: DropReplayRejected},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newReorderer(10*time.Millisecond, 16)
			var got []uint64
			for i, c := range tc.counters {
				ready, reason := r.push(&QueueInboundElement{counter: c, keypair: kp}, start)
				if reason != "" {
					if want := tc.dropped[c]; want != reason || i == 0 {
						t.Fatalf("counter %d dropped with %q", c, reason)
					}
					continue
				}
				got = append(got, counters(ready)...)
			}
			if !equalCounters(got, tc.want) {
				t.Fatalf("delivery: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestReordererGapTimeout(t *testing.T) {
	kp := &Keypair{}
	start := time.Unix(100, 0)
	r := newReorderer(10*time.Millisecond, 16)

	if ready, _ := r.push(&QueueInboundElement{counter: 0, keypair: kp}, start); len(ready) != 1 {
		t.Fatalf("first packet not released")
	}
	r.push(&QueueInboundElement{counter: 3, keypair: kp}, start)
	r.push(&QueueInboundElement{counter: 2, keypair: kp}, start.Add(time.Millisecond))

	at, ok := r.deadline()
	if !ok || !at.Equal(start.Add(10*time.Millisecond)) {
		t.Fatalf("deadline: got %v %v", at, ok)
	}
	if got := r.expire(start.Add(5 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("released before timeout: %v", counters(got))
	}
	got := r.expire(start.Add(10 * time.Millisecond))
	if !equalCounters(counters(got), []uint64{2, 3}) {
		t.Fatalf("expired release: got %v", counters(got))
	}
	if _, ok := r.deadline(); ok {
		t.Fatalf("deadline after release")
	}

	// The abandoned gap is now late.
	if _, reason := r.push(&QueueInboundElement{counter: 1, keypair: kp}, start); reason != DropReplayRejected {
		t.Fatalf("late packet: got %q want %q", reason, DropReplayRejected)
	}
	if ready, _ := r.push(&QueueInboundElement{counter: 4, keypair: kp}, start); !equalCounters(counters(ready), []uint64{4}) {
		t.Fatalf("stream did not resume after the gap")
	}
}

func TestReordererCapacity(t *testing.T) {
	kp := &Keypair{}
	r := newReorderer(time.Second, 2)
	now := time.Unix(100, 0)

	r.push(&QueueInboundElement{counter: 1, keypair: kp}, now)
	r.push(&QueueInboundElement{counter: 2, keypair: kp}, now)
	if _, reason := r.push(&QueueInboundElement{counter: 3, keypair: kp}, now); reason != DropResourceExhausted {
		t.Fatalf("overflow: got %q want %q", reason, DropResourceExhausted)
	}
	ready, _ := r.push(&QueueInboundElement{counter: 0, keypair: kp}, now)
	if !equalCounters(counters(ready), []uint64{0, 1, 2}) {
		t.Fatalf("release after fill: got %v", counters(ready))
	}
}

func TestReordererSessionsIndependent(t *testing.T) {
	oldKP, newKP := &Keypair{}, &Keypair{}
	r := newReorderer(time.Second, 16)
	now := time.Unix(100, 0)

	r.push(&QueueInboundElement{counter: 0, keypair: oldKP}, now)
	r.push(&QueueInboundElement{counter: 1, keypair: oldKP}, now)
	if ready, reason := r.push(&QueueInboundElement{counter: 0, keypair: newKP}, now); reason != "" || len(ready) != 1 {
		t.Fatalf("new session counter 0 not released: %q", reason)
	}

	r.prune(func(kp *Keypair) bool { return kp == newKP })
	if _, ok := r.states[oldKP]; ok {
		t.Fatalf("retired session not pruned")
	}
	if _, ok := r.states[newKP]; !ok {
		t.Fatalf("live session pruned")
	}
}
