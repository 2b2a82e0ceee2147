// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("queue", func(t *testing.T) { testQueue(t, open(t)) })
	t.Run("battles", func(t *testing.T) { testBattles(t, open(t)) })
	t.Run("profiles", func(t *testing.T) { testProfiles(t, open(t)) })
}

func testQueue(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.InsertRequest(ctx, models.MatchRequest{UserID: "b", Rating: 1000, CharacterLevel: 3, EnqueuedAt: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRequest(ctx, models.MatchRequest{UserID: "a", Rating: 1100, CharacterLevel: 5, EnqueuedAt: base}); err != nil {
		t.Fatal(err)
	}
	err := s.InsertRequest(ctx, models.MatchRequest{UserID: "a", Rating: 1100, EnqueuedAt: base})
	if !errors.Is(err, storage.ErrAlreadySearching) {
		t.Fatalf("duplicate insert = %v, want ErrAlreadySearching", err)
	}

	list, err := s.ListRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].UserID != "a" || list[1].UserID != "b" {
		t.Fatalf("ListRequests not oldest-first: %+v", list)
	}

	got, err := s.GetRequest(ctx, "a")
	if err != nil || got.Rating != 1100 || got.CharacterLevel != 5 {
		t.Fatalf("GetRequest = %+v, %v", got, err)
	}

	expired, err := s.DeleteExpiredRequests(ctx, base.Add(500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].UserID != "a" {
		t.Fatalf("expired = %+v", expired)
	}

	ok, err := s.DeleteRequest(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("delete b = %v, %v", ok, err)
	}
	ok, err = s.DeleteRequest(ctx, "b")
	if err != nil || ok {
		t.Fatalf("second delete b = %v, %v", ok, err)
	}
	if _, err := s.GetRequest(ctx, "b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetRequest after delete = %v", err)
	}
}

func testBattles(t *testing.T, s storage.Store) {
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	b := models.NewBattle("battle-1", "p1", "p2", start)
	if err := s.CreateBattle(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBattle(ctx, models.NewBattle("battle-2", "p3", "p1", start.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleBattles(ctx, start.Add(30*time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "battle-1" {
		t.Fatalf("stale = %+v", stale)
	}

	final := b.Clone()
	final.Status = models.BattleStatusFinished
	final.WinnerID = "p1"
	final.Player2Health = 0
	final.RatingChangeP1, final.RatingChangeP2 = 25, -15
	final.Data.Moves = []models.Move{{ID: "p1_1", AuthorID: "p1", Type: models.MoveSpecialAttack, Damage: 15, Timestamp: start}}
	final.Data.DurationMs = 4200
	final.EndReason = models.EndReasonKO

	wrote, err := s.FinalizeBattle(ctx, final)
	if err != nil || !wrote {
		t.Fatalf("first finalize = %v, %v", wrote, err)
	}
	second := final.Clone()
	second.WinnerID = "p2"
	wrote, err = s.FinalizeBattle(ctx, second)
	if err != nil || wrote {
		t.Fatalf("second finalize = %v, %v", wrote, err)
	}

	stored, err := s.GetBattle(ctx, "battle-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.WinnerID != "p1" || stored.Status != models.BattleStatusFinished || stored.RatingChangeP2 != -15 {
		t.Fatalf("stored battle = %+v", stored)
	}
	if len(stored.Data.Moves) != 1 || stored.Data.DurationMs != 4200 {
		t.Fatalf("stored battle data = %+v", stored.Data)
	}

	hist, err := s.ListBattlesByPlayer(ctx, "p1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].ID != "battle-2" {
		t.Fatalf("history not newest-first: %+v", hist)
	}
	if _, err := s.GetBattle(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing battle = %v", err)
	}
}

func testProfiles(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	p := &models.UserProfile{UserID: "u1", DisplayName: "Sprinter", Status: models.StatusOnline, Rating: 1000, CreatedAt: now, UpdatedAt: now}
	if err := s.EnsureProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	dup := *p
	dup.DisplayName = "Other"
	if err := s.EnsureProfile(ctx, &dup); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureProfile(ctx, &models.UserProfile{UserID: "u2", Rating: 1200, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus(ctx, "u1", models.StatusInBattle); err != nil {
		t.Fatal(err)
	}

	win := models.BattleOutcome{Won: true, Rewards: models.Rewards{XP: 100, Coins: 50, RatingDelta: 25}}
	applied, err := s.ApplyOutcome(ctx, "u1", "battle-1", win)
	if err != nil || !applied {
		t.Fatalf("apply = %v, %v", applied, err)
	}
	applied, err = s.ApplyOutcome(ctx, "u1", "battle-1", win)
	if err != nil || applied {
		t.Fatalf("second apply = %v, %v", applied, err)
	}

	got, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Sprinter" || got.XP != 100 || got.Coins != 50 || got.Rating != 1025 || got.Wins != 1 || got.BattlesPlayed != 1 {
		t.Fatalf("profile after win = %+v", got)
	}
	if got.Status != models.StatusOnline {
		t.Fatalf("status after outcome = %s", got.Status)
	}

	top, err := s.TopProfiles(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].UserID != "u2" {
		t.Fatalf("top = %+v", top)
	}
	if _, err := s.GetProfile(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing profile = %v", err)
	}
}
