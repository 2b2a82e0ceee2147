package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pvp-battle/internal/channel"
	"pvp-battle/internal/models"
)

const DefaultGracePeriod = 10 * time.Second

type Change int

const (
	None Change = iota
	Connected
	Disconnected
)

func (c Change) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "none"
}

// Tracker follows the opponent's presence in one battle. Each absence opens a
// disconnect episode with its own grace timer; onExpire runs at most once per
// episode and never for an episode that already closed.
type Tracker struct {
	mu       sync.Mutex
	self     string
	clock    clockwork.Clock
	grace    time.Duration
	onExpire func()

	records map[string]*models.PresenceRecord
	absent  bool
	known   bool // at least one snapshot observed
	episode uint64
	timer   clockwork.Timer
	stopped bool
}

func New(self string, clock clockwork.Clock, grace time.Duration, onExpire func()) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Tracker{
		self:     self,
		clock:    clock,
		grace:    grace,
		onExpire: onExpire,
		records:  make(map[string]*models.PresenceRecord),
	}
}

// Observe applies a presence snapshot and reports the opponent transition it caused.
func (t *Tracker) Observe(members []channel.PresenceMeta) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return None
	}

	now := t.clock.Now()
	present := make(map[string]bool, len(members))
	for _, m := range members {
		present[m.UserID] = true
		rec, ok := t.records[m.UserID]
		if !ok {
			rec = &models.PresenceRecord{PeerID: m.UserID}
			t.records[m.UserID] = rec
		}
		rec.Connected = true
		rec.LastSeenAt = now
	}
	opponentHere := false
	for id, rec := range t.records {
		if !present[id] {
			rec.Connected = false
			continue
		}
		if id != t.self {
			opponentHere = true
		}
	}

	first := !t.known
	t.known = true

	switch {
	case opponentHere && (t.absent || first):
		t.closeEpisodeLocked()
		return Connected
	case !opponentHere && !t.absent:
		t.absent = true
		t.episode++
		ep := t.episode
		t.timer = t.clock.AfterFunc(t.grace, func() { t.expire(ep) })
		return Disconnected
	}
	return None
}

func (t *Tracker) closeEpisodeLocked() {
	t.absent = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	// invalidates a timer that already fired but has not taken the lock yet
	t.episode++
}

func (t *Tracker) expire(ep uint64) {
	t.mu.Lock()
	if t.stopped || !t.absent || ep != t.episode {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.episode++ // one expiry per episode
	cb := t.onExpire
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// OpponentConnected reports the last observed opponent state.
func (t *Tracker) OpponentConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.known && !t.absent
}

// Records returns a copy of every peer's presence record.
func (t *Tracker) Records() []models.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// Stop cancels any pending grace timer. Safe to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
