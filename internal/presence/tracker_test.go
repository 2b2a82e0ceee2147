package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"pvp-battle/internal/channel"
)

func members(ids ...string) []channel.PresenceMeta {
	out := make([]channel.PresenceMeta, 0, len(ids))
	for _, id := range ids {
		out = append(out, channel.PresenceMeta{UserID: id})
	}
	return out
}

type expiryProbe struct {
	count atomic.Int32
	fired chan struct{}
}

func newProbe() *expiryProbe {
	return &expiryProbe{fired: make(chan struct{}, 8)}
}

func (p *expiryProbe) callback() {
	p.count.Add(1)
	p.fired <- struct{}{}
}

func (p *expiryProbe) waitFired(t *testing.T) {
	t.Helper()
	select {
	case <-p.fired:
	case <-time.After(time.Second):
		t.Fatal("grace timer did not fire")
	}
}

func (p *expiryProbe) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case <-p.fired:
		t.Fatal("grace timer fired unexpectedly")
	case <-time.After(30 * time.Millisecond):
	}
}

func blockUntilTimers(t *testing.T, fc *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

func TestTrackerReconnectWithinGrace(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := newProbe()
	tr := New("alice", fc, 10*time.Second, p.callback)

	if c := tr.Observe(members("alice", "bob")); c != Connected {
		t.Fatalf("first snapshot = %s", c)
	}
	if c := tr.Observe(members("alice")); c != Disconnected {
		t.Fatalf("bob leaving = %s", c)
	}
	if tr.OpponentConnected() {
		t.Fatal("opponent still reported connected")
	}
	blockUntilTimers(t, fc, 1)

	fc.Advance(9 * time.Second)
	p.expectQuiet(t)

	if c := tr.Observe(members("alice", "bob")); c != Connected {
		t.Fatalf("bob returning = %s", c)
	}
	fc.Advance(5 * time.Second)
	p.expectQuiet(t)
	if p.count.Load() != 0 {
		t.Fatalf("expired %d times", p.count.Load())
	}
}

func TestTrackerExpiresOncePerEpisode(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := newProbe()
	tr := New("alice", fc, 10*time.Second, p.callback)

	tr.Observe(members("alice", "bob"))
	tr.Observe(members("alice"))
	blockUntilTimers(t, fc, 1)

	fc.Advance(11 * time.Second)
	p.waitFired(t)

	// still absent: no new episode, no second expiry
	if c := tr.Observe(members("alice")); c != None {
		t.Fatalf("repeated absence = %s", c)
	}
	fc.Advance(time.Minute)
	p.expectQuiet(t)
	if got := p.count.Load(); got != 1 {
		t.Fatalf("expired %d times, want 1", got)
	}
}

func TestTrackerOpponentNeverJoins(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := newProbe()
	tr := New("alice", fc, 10*time.Second, p.callback)

	if c := tr.Observe(members("alice")); c != Disconnected {
		t.Fatalf("lonely first snapshot = %s", c)
	}
	blockUntilTimers(t, fc, 1)
	fc.Advance(10 * time.Second)
	p.waitFired(t)
}

func TestTrackerSecondEpisodeHasOwnTimer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := newProbe()
	tr := New("alice", fc, 10*time.Second, p.callback)

	tr.Observe(members("alice", "bob"))
	tr.Observe(members("alice"))
	blockUntilTimers(t, fc, 1)
	fc.Advance(5 * time.Second)
	tr.Observe(members("alice", "bob"))
	tr.Observe(members("alice"))
	blockUntilTimers(t, fc, 1)

	// the first episode's deadline passes without effect
	fc.Advance(6 * time.Second)
	p.expectQuiet(t)

	fc.Advance(4 * time.Second)
	p.waitFired(t)
	if got := p.count.Load(); got != 1 {
		t.Fatalf("expired %d times, want 1", got)
	}
}

func TestTrackerStopCancelsTimer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p := newProbe()
	tr := New("alice", fc, 10*time.Second, p.callback)

	tr.Observe(members("alice", "bob"))
	tr.Observe(members("alice"))
	tr.Stop()
	tr.Stop()
	fc.Advance(time.Minute)
	p.expectQuiet(t)

	if c := tr.Observe(members("alice", "bob")); c != None {
		t.Fatalf("observe after stop = %s", c)
	}
}

func TestTrackerRecords(t *testing.T) {
	fc := clockwork.NewFakeClock()
	tr := New("alice", fc, 0, nil)
	tr.Observe(members("alice", "bob"))
	tr.Observe(members("alice"))

	var bob, alice bool
	for _, r := range tr.Records() {
		switch r.PeerID {
		case "bob":
			bob = r.Connected
		case "alice":
			alice = r.Connected
		}
	}
	if !alice || bob {
		t.Fatalf("records: alice=%v bob=%v", alice, bob)
	}
	tr.Stop()
}
