package battle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"pvp-battle/internal/battle"
	"pvp-battle/internal/channel"
	"pvp-battle/internal/damage"
	"pvp-battle/internal/events"
	"pvp-battle/internal/models"
	"pvp-battle/internal/services"
	"pvp-battle/internal/storage"
)

// pairer matches the first two searching players immediately.
type pairer struct {
	mu        sync.Mutex
	broker    *channel.Broker
	store     storage.BattleStore
	clock     clockwork.Clock
	waiting   string
	stats     models.PlayerStats
	battles   int
	cancelled []string
	err       error
}

func (p *pairer) Enqueue(ctx context.Context, userID string, stats models.PlayerStats) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	if p.waiting == "" || p.waiting == userID {
		p.waiting, p.stats = userID, stats
		p.mu.Unlock()
		return nil
	}
	first, firstStats := p.waiting, p.stats
	p.waiting = ""
	p.battles++
	b := models.NewBattle(fmt.Sprintf("battle-%d", p.battles), first, userID, p.clock.Now())
	p.mu.Unlock()

	if err := p.store.CreateBattle(ctx, b); err != nil {
		return err
	}
	p.broker.Publish(channel.MatchmakingTopic(first), channel.EventMatchFound, models.MatchFound{
		BattleID: b.ID, OpponentID: userID, OpponentRating: stats.Rating, Battle: b,
	})
	p.broker.Publish(channel.MatchmakingTopic(userID), channel.EventMatchFound, models.MatchFound{
		BattleID: b.ID, OpponentID: first, OpponentRating: firstStats.Rating, Battle: b,
	})
	return nil
}

func (p *pairer) Cancel(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting == userID {
		p.waiting = ""
	}
	p.cancelled = append(p.cancelled, userID)
	return nil
}

type failingTransport struct{ err error }

func (f failingTransport) Join(ctx context.Context, topic string, meta channel.PresenceMeta) (channel.Channel, error) {
	return nil, f.err
}

type recorder struct {
	ch chan events.Event
}

func record(s *battle.Session) *recorder {
	r := &recorder{ch: make(chan events.Event, 512)}
	s.OnAll(func(ev events.Event) { r.ch <- ev })
	return r
}

// waitFor skips events until one of kind satisfies match.
func (r *recorder) waitFor(t *testing.T, kind events.Kind, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return events.Event{}
		}
	}
}

func connected(want bool) func(events.Event) bool {
	return func(ev events.Event) bool {
		return ev.Payload.(events.OpponentConnectedPayload).Connected == want
	}
}

type harness struct {
	broker *channel.Broker
	store  *storage.Memory
	clock  *clockwork.FakeClock
	mm     *pairer
	settle *services.BattleCompletionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clockwork.NewFakeClock()
	store := storage.NewMemory()
	broker := channel.NewBroker(zap.NewNop())
	t.Cleanup(broker.Close)
	return &harness{
		broker: broker,
		store:  store,
		clock:  fc,
		mm:     &pairer{broker: broker, store: store, clock: fc},
		settle: services.NewBattleCompletionService(store, store, nil, zaptest.NewLogger(t), services.WithCompletionClock(fc)),
	}
}

func (h *harness) session(t *testing.T, userID string, seed int64) *battle.Session {
	t.Helper()
	h.store.EnsureProfile(context.Background(), &models.UserProfile{UserID: userID, Rating: models.DefaultRating})
	s, err := battle.New(battle.Config{UserID: userID}, battle.Deps{
		Transport:  h.broker,
		Matchmaker: h.mm,
		Settler:    h.settle,
		Status:     h.store,
		Clock:      h.clock,
		Resolver:   damage.NewSeeded(seed),
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

// matched starts both players searching and waits until each sees the other
// in the battle channel.
func (h *harness) matched(t *testing.T) (p1, p2 *battle.Session, r1, r2 *recorder) {
	t.Helper()
	ctx := context.Background()
	p1, p2 = h.session(t, "p1", 1), h.session(t, "p2", 2)
	r1, r2 = record(p1), record(p2)

	if !p1.StartMatchmaking(ctx, models.PlayerStats{Rating: 1000, Level: 1}) {
		t.Fatal("p1 could not start matchmaking")
	}
	if !p2.StartMatchmaking(ctx, models.PlayerStats{Rating: 1010, Level: 1}) {
		t.Fatal("p2 could not start matchmaking")
	}
	r1.waitFor(t, events.MatchFound, nil)
	r2.waitFor(t, events.MatchFound, nil)
	r1.waitFor(t, events.OpponentConnected, connected(true))
	r2.waitFor(t, events.OpponentConnected, connected(true))
	return p1, p2, r1, r2
}

func TestLightAttackUpdatesBothReplicas(t *testing.T) {
	h := newHarness(t)
	p1, p2, r1, r2 := h.matched(t)

	if !p1.ExecuteMove(context.Background(), models.MoveLightAttack, nil) {
		t.Fatal("move rejected while fighting")
	}

	local := r1.waitFor(t, events.BattleStateUpdated, nil).Payload.(events.BattleStateUpdatedPayload)
	if local.Damage < 3 || local.Damage > 7 {
		t.Fatalf("light attack damage = %d", local.Damage)
	}
	if local.Battle.Player2Health != models.MaxHealth-local.Damage {
		t.Fatalf("p1 replica p2 health = %d", local.Battle.Player2Health)
	}

	opp := r2.waitFor(t, events.OpponentMove, nil).Payload.(events.OpponentMovePayload)
	if opp.Move.AuthorID != "p1" || opp.Move.Damage != local.Damage {
		t.Fatalf("p2 saw move %+v", opp.Move)
	}
	remote := r2.waitFor(t, events.BattleStateUpdated, nil).Payload.(events.BattleStateUpdatedPayload)
	if remote.Battle.Player2Health != local.Battle.Player2Health {
		t.Fatalf("replicas diverged: %d vs %d", remote.Battle.Player2Health, local.Battle.Player2Health)
	}

	if q := p1.Snapshot().MoveQueue; len(q) != 1 || q[0].Type != models.MoveLightAttack {
		t.Fatalf("p1 move queue = %+v", q)
	}
	if q := p2.Snapshot().MoveQueue; len(q) != 1 {
		t.Fatalf("p2 move queue = %+v", q)
	}
}

func TestKnockoutSettlesBothPeers(t *testing.T) {
	h := newHarness(t)
	p1, _, r1, r2 := h.matched(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if !p1.ExecuteMove(ctx, models.MoveSpecialAttack, nil) {
			break
		}
	}

	won := r1.waitFor(t, events.BattleEnded, nil).Payload.(events.BattleEndedPayload)
	if !won.Won || won.Rewards.XP != 100 || won.Reason != models.EndReasonKO {
		t.Fatalf("p1 ended with %+v", won)
	}
	lost := r2.waitFor(t, events.BattleEnded, nil).Payload.(events.BattleEndedPayload)
	if lost.Won || lost.Rewards.XP != 25 {
		t.Fatalf("p2 ended with %+v", lost)
	}

	stored, err := h.store.GetBattle(ctx, won.Battle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.BattleStatusFinished || stored.WinnerID != "p1" || stored.Player2Health != 0 {
		t.Fatalf("stored battle = %+v", stored)
	}

	// no moves once the battle is over
	if p1.ExecuteMove(ctx, models.MoveLightAttack, nil) {
		t.Fatal("move accepted after battle ended")
	}

	prof, _ := h.store.GetProfile(ctx, "p1")
	if prof.Wins != 1 || prof.XP != 100 {
		t.Fatalf("p1 profile = %+v", prof)
	}
}

func TestOpponentDisconnectForfeits(t *testing.T) {
	h := newHarness(t)
	p1, p2, r1, _ := h.matched(t)
	ctx := context.Background()

	battleID := p1.Snapshot().Battle.ID
	h.broker.Partition(channel.BattleTopic(battleID), "p2")
	r1.waitFor(t, events.OpponentConnected, connected(false))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("grace timer not armed: %v", err)
	}
	h.clock.Advance(11 * time.Second)

	ended := r1.waitFor(t, events.BattleEnded, nil).Payload.(events.BattleEndedPayload)
	if !ended.Won || ended.Reason != models.EndReasonForfeit {
		t.Fatalf("p1 ended with %+v", ended)
	}

	stored, _ := h.store.GetBattle(ctx, battleID)
	if stored.WinnerID != "p1" || stored.EndReason != models.EndReasonForfeit || stored.Player2Health != 0 {
		t.Fatalf("stored battle = %+v", stored)
	}
	prof, _ := h.store.GetProfile(ctx, "p1")
	if prof.Wins != 1 || prof.BattlesPlayed != 1 {
		t.Fatalf("p1 credited %+v", prof)
	}

	// the partitioned peer never learned about it and is still fighting
	if st := p2.Snapshot().State; st != models.PeerFighting {
		t.Fatalf("p2 state = %s", st)
	}
	if st := p1.Snapshot().State; st != models.PeerIdle {
		t.Fatalf("p1 state = %s", st)
	}
}

func TestReconnectWithinGraceKeepsFighting(t *testing.T) {
	h := newHarness(t)
	p1, _, r1, _ := h.matched(t)

	topic := channel.BattleTopic(p1.Snapshot().Battle.ID)
	h.broker.Partition(topic, "p2")
	r1.waitFor(t, events.OpponentConnected, connected(false))
	h.clock.Advance(5 * time.Second)
	h.broker.Heal(topic, "p2")
	r1.waitFor(t, events.OpponentConnected, connected(true))

	h.clock.Advance(10 * time.Second)
	if st := p1.Snapshot(); st.State != models.PeerFighting || !st.OpponentConnected {
		t.Fatalf("p1 = %+v", st)
	}
}

func TestCancelThenRestart(t *testing.T) {
	h := newHarness(t)
	p1 := h.session(t, "p1", 1)
	r1 := record(p1)
	ctx := context.Background()

	if !p1.StartMatchmaking(ctx, models.PlayerStats{Rating: 1000, Level: 3}) {
		t.Fatal("start failed")
	}
	if p1.StartMatchmaking(ctx, models.PlayerStats{}) {
		t.Fatal("second start while searching succeeded")
	}
	p1.CancelMatchmaking(ctx)
	got := r1.waitFor(t, events.MatchmakingCancelled, nil).Payload.(events.MatchmakingCancelledPayload)
	if got.Reason != events.CancelUser {
		t.Fatalf("reason = %s", got.Reason)
	}
	p1.CancelMatchmaking(ctx)

	if !p1.StartMatchmaking(ctx, models.PlayerStats{Rating: 1000, Level: 3}) {
		t.Fatal("restart failed")
	}
	if st := p1.Snapshot().State; st != models.PeerSearching {
		t.Fatalf("state = %s", st)
	}
}

func TestMatchmakingTimesOut(t *testing.T) {
	h := newHarness(t)
	p1 := h.session(t, "p1", 1)
	r1 := record(p1)
	ctx := context.Background()

	if !p1.StartMatchmaking(ctx, models.PlayerStats{Rating: 1000, Level: 1}) {
		t.Fatal("start failed")
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Second)

	got := r1.waitFor(t, events.MatchmakingCancelled, nil).Payload.(events.MatchmakingCancelledPayload)
	if got.Reason != events.CancelTimeout {
		t.Fatalf("reason = %s", got.Reason)
	}
	// the queue entry is withdrawn after the event fires
	deadline := time.Now().Add(time.Second)
	for {
		h.mm.mu.Lock()
		waiting, cancelled := h.mm.waiting, len(h.mm.cancelled)
		h.mm.mu.Unlock()
		if waiting == "" && cancelled == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not cleaned: waiting=%q cancelled=%d", waiting, cancelled)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartMatchmakingReportsFailures(t *testing.T) {
	boom := errors.New("socket refused")
	s, err := battle.New(battle.Config{UserID: "p1"}, battle.Deps{
		Transport:  failingTransport{err: boom},
		Matchmaker: &pairer{},
		Clock:      clockwork.NewFakeClock(),
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	r := record(s)

	if s.StartMatchmaking(context.Background(), models.PlayerStats{Rating: 1000, Level: 1}) {
		t.Fatal("start succeeded with a broken transport")
	}
	ev := r.waitFor(t, events.Error, nil).Payload.(events.ErrorPayload)
	var opErr *battle.OpError
	if !errors.As(ev.Err, &opErr) || opErr.Kind != battle.KindConnection || !errors.Is(ev.Err, boom) {
		t.Fatalf("error = %v", ev.Err)
	}
	if st := s.Snapshot().State; st != models.PeerIdle {
		t.Fatalf("state = %s", st)
	}
}

func TestAlreadySearchingIsValidationError(t *testing.T) {
	h := newHarness(t)
	h.mm.err = fmt.Errorf("enqueue: %w", storage.ErrAlreadySearching)
	p1 := h.session(t, "p1", 1)
	r1 := record(p1)

	if p1.StartMatchmaking(context.Background(), models.PlayerStats{Rating: 1000}) {
		t.Fatal("start succeeded")
	}
	ev := r1.waitFor(t, events.Error, nil).Payload.(events.ErrorPayload)
	var opErr *battle.OpError
	if !errors.As(ev.Err, &opErr) || opErr.Kind != battle.KindValidation {
		t.Fatalf("error = %v", ev.Err)
	}
}

func TestExecuteMoveOutsideBattle(t *testing.T) {
	h := newHarness(t)
	p1 := h.session(t, "p1", 1)
	if p1.ExecuteMove(context.Background(), models.MoveLightAttack, nil) {
		t.Fatal("move accepted while idle")
	}
}

func TestCleanupIsRepeatable(t *testing.T) {
	h := newHarness(t)
	p1, _, _, _ := h.matched(t)

	p1.Cleanup()
	p1.Cleanup()
	st := p1.Snapshot()
	if st.State != models.PeerIdle || st.Battle != nil || len(st.MoveQueue) != 0 {
		t.Fatalf("after cleanup = %+v", st)
	}
}

func TestChannelLossReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	p1, _, r1, _ := h.matched(t)
	ctx := context.Background()

	h.broker.Close()

	ev := r1.waitFor(t, events.Error, nil).Payload.(events.ErrorPayload)
	var opErr *battle.OpError
	if !errors.As(ev.Err, &opErr) || opErr.Kind != battle.KindConnection || !errors.Is(ev.Err, channel.ErrClosed) {
		t.Fatalf("error = %v", ev.Err)
	}
	if st := p1.Snapshot(); st.State != models.PeerIdle || st.Battle != nil {
		t.Fatalf("after channel loss = %+v", st)
	}
	if p1.ExecuteMove(ctx, models.MoveLightAttack, nil) {
		t.Fatal("move accepted without a battle channel")
	}
	prof, _ := h.store.GetProfile(ctx, "p1")
	if prof.Status != models.StatusOnline {
		t.Fatalf("p1 status = %s", prof.Status)
	}

	// grace timers from the dropped battle must not fire
	h.clock.Advance(5 * time.Minute)
	if st := p1.Snapshot(); st.State != models.PeerIdle {
		t.Fatalf("state after 5m = %s", st.State)
	}
}

// playFixedSequence runs light(p1), heavy(p2), special(p1) and returns the
// health pair each replica ends with.
func playFixedSequence(t *testing.T) (p1View, p2View [2]int) {
	t.Helper()
	h := newHarness(t)
	p1, p2, r1, r2 := h.matched(t)
	ctx := context.Background()

	steps := []struct {
		by   *battle.Session
		move models.MoveType
	}{
		{p1, models.MoveLightAttack},
		{p2, models.MoveHeavyAttack},
		{p1, models.MoveSpecialAttack},
	}
	for _, st := range steps {
		if !st.by.ExecuteMove(ctx, st.move, nil) {
			t.Fatalf("%s rejected", st.move)
		}
		r1.waitFor(t, events.BattleStateUpdated, nil)
		r2.waitFor(t, events.BattleStateUpdated, nil)
	}

	b1, b2 := p1.Snapshot().Battle, p2.Snapshot().Battle
	if b1 == nil || b2 == nil {
		t.Fatal("battle ended early")
	}
	return [2]int{b1.Player1Health, b1.Player2Health}, [2]int{b2.Player1Health, b2.Player2Health}
}

func TestFixedSeedsReproduceBattle(t *testing.T) {
	first1, first2 := playFixedSequence(t)
	again1, again2 := playFixedSequence(t)

	if first1 != first2 {
		t.Fatalf("replicas disagree: p1 sees %v, p2 sees %v", first1, first2)
	}
	if first1 != again1 || first2 != again2 {
		t.Fatalf("runs differ: %v then %v", first1, again1)
	}

	// heavy is 8..12; light + special is 3..7 + 13..17
	if lost := models.MaxHealth - first1[0]; lost < 8 || lost > 12 {
		t.Fatalf("p1 lost %d", lost)
	}
	if lost := models.MaxHealth - first1[1]; lost < 16 || lost > 24 {
		t.Fatalf("p2 lost %d", lost)
	}
}
