package handlers_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"pvp-battle/internal/battle"
	"pvp-battle/internal/channel"
	"pvp-battle/internal/damage"
	"pvp-battle/internal/events"
	"pvp-battle/internal/models"
)

type eventLog chan events.Event

func (l eventLog) waitFor(t *testing.T, kind events.Kind, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l:
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return events.Event{}
		}
	}
}

func (s *testServer) player(t *testing.T, name string, seed int64) (*battle.Session, eventLog, string) {
	t.Helper()
	api, guest := s.login(t, name)
	sess, err := battle.New(battle.Config{UserID: guest.UserID}, battle.Deps{
		Transport:  channel.NewWSTransport(s.URL, guest.Token, zap.NewNop(), channel.WithReconnect(1, 10*time.Millisecond)),
		Matchmaker: api,
		Settler:    api,
		Status:     api,
		Resolver:   damage.NewSeeded(seed),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	log := make(eventLog, 512)
	sess.OnAll(func(ev events.Event) { log <- ev })
	t.Cleanup(sess.Close)
	return sess, log, guest.UserID
}

func TestBattleOverWebSocket(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	p1, l1, id1 := srv.player(t, "One", 1)
	p2, l2, id2 := srv.player(t, "Two", 2)

	if !p1.StartMatchmaking(ctx, models.PlayerStats{Rating: 1000, Level: 1}) {
		t.Fatal("p1 could not start matchmaking")
	}
	if !p2.StartMatchmaking(ctx, models.PlayerStats{Rating: 1020, Level: 2}) {
		t.Fatal("p2 could not start matchmaking")
	}

	found := l1.waitFor(t, events.MatchFound, nil).Payload.(events.MatchFoundPayload)
	if found.OpponentID != id2 {
		t.Fatalf("p1 matched with %s", found.OpponentID)
	}
	l2.waitFor(t, events.MatchFound, nil)
	isConnected := func(ev events.Event) bool {
		return ev.Payload.(events.OpponentConnectedPayload).Connected
	}
	l1.waitFor(t, events.OpponentConnected, isConnected)
	l2.waitFor(t, events.OpponentConnected, isConnected)

	if !p1.ExecuteMove(ctx, models.MoveHeavyAttack, nil) {
		t.Fatal("move rejected")
	}
	local := l1.waitFor(t, events.BattleStateUpdated, nil).Payload.(events.BattleStateUpdatedPayload)
	seen := l2.waitFor(t, events.OpponentMove, nil).Payload.(events.OpponentMovePayload)
	if seen.Move.AuthorID != id1 || seen.Move.Damage != local.Damage {
		t.Fatalf("p2 saw %+v, p1 dealt %d", seen.Move, local.Damage)
	}

	stored, err := srv.store.GetBattle(ctx, found.BattleID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.BattleStatusFighting || !stored.HasPlayer(id1) || !stored.HasPlayer(id2) {
		t.Fatalf("stored battle = %+v", stored)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		profile, _ := srv.store.GetProfile(ctx, id1)
		if profile.Status == models.StatusInBattle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("p1 status = %s", profile.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
