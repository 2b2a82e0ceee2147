package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap/zaptest"

	"pvp-battle/internal/lock"
	"pvp-battle/internal/models"
	"pvp-battle/internal/rating"
	"pvp-battle/internal/storage"
)

type fakeArchiver struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeArchiver) ArchiveBattle(ctx context.Context, b *models.Battle) error {
	f.mu.Lock()
	f.ids = append(f.ids, b.ID)
	f.mu.Unlock()
	return nil
}

type fakeBroadcaster struct {
	battles []*models.Battle
}

func (f *fakeBroadcaster) BroadcastBattleOver(b *models.Battle) {
	f.battles = append(f.battles, b)
}

func newCompletion(t *testing.T, policy rating.Policy) (*BattleCompletionService, *storage.Memory, *clockwork.FakeClock, *fakeArchiver) {
	t.Helper()
	store := storage.NewMemory()
	fc := clockwork.NewFakeClock()
	arch := &fakeArchiver{}
	svc := NewBattleCompletionService(store, store, policy, zaptest.NewLogger(t),
		WithArchiver(arch), WithCompletionClock(fc))
	return svc, store, fc, arch
}

func koReport(b *models.Battle, reporter, winner string) models.SettlementReport {
	r := models.SettlementReport{
		BattleID:      b.ID,
		ReporterID:    reporter,
		WinnerID:      winner,
		Player1Health: 40,
		Player2Health: 0,
		Reason:        models.EndReasonKO,
		DurationMs:    12000,
		Moves:         []models.Move{{ID: "p1_1_1", AuthorID: "p1", Type: models.MoveHeavyAttack, Damage: 10}},
	}
	if winner == "p2" {
		r.Player1Health, r.Player2Health = 0, 40
	}
	return r
}

func TestSettleFinalizesOnceAndCreditsEachReporter(t *testing.T) {
	ctx := context.Background()
	svc, store, fc, arch := newCompletion(t, nil)
	b := models.NewBattle("b-1", "p1", "p2", fc.Now())
	store.CreateBattle(ctx, b)

	res, err := svc.Settle(ctx, koReport(b, "p1", "p1"))
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if !res.Recorded || !res.Outcome.Won || res.Outcome.Rewards.XP != 100 || res.Outcome.Rewards.RatingDelta != 25 {
		t.Fatalf("first result = %+v", res)
	}

	// the loser disagrees about the winner; the stored record wins
	res, err = svc.Settle(ctx, koReport(b, "p2", "p2"))
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if res.Recorded || res.Outcome.Won || res.Outcome.Rewards.XP != 25 || res.Battle.WinnerID != "p1" {
		t.Fatalf("second result = %+v", res)
	}

	// repeated report is not credited twice
	if _, err := svc.Settle(ctx, koReport(b, "p1", "p1")); err != nil {
		t.Fatal(err)
	}

	p1, _ := store.GetProfile(ctx, "p1")
	p2, _ := store.GetProfile(ctx, "p2")
	if p1.XP != 100 || p1.Rating != 1025 || p1.Wins != 1 {
		t.Fatalf("p1 = %+v", p1)
	}
	if p2.XP != 25 || p2.Rating != 985 || p2.Losses != 1 {
		t.Fatalf("p2 = %+v", p2)
	}

	stored, _ := store.GetBattle(ctx, "b-1")
	if stored.Status != models.BattleStatusFinished || stored.Player2Health != 0 || len(stored.Data.Moves) != 1 || stored.Data.DurationMs != 12000 {
		t.Fatalf("stored = %+v", stored)
	}
	if len(arch.ids) != 1 {
		t.Fatalf("archived %v, want once", arch.ids)
	}
}

func TestSettleRejectsStrangers(t *testing.T) {
	ctx := context.Background()
	svc, store, fc, _ := newCompletion(t, nil)
	b := models.NewBattle("b-1", "p1", "p2", fc.Now())
	store.CreateBattle(ctx, b)

	if _, err := svc.Settle(ctx, koReport(b, "mallory", "mallory")); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger = %v", err)
	}
	if _, err := svc.Settle(ctx, models.SettlementReport{BattleID: "nope", ReporterID: "p1"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing battle = %v", err)
	}
	if _, err := svc.Settle(ctx, models.SettlementReport{}); !errors.Is(err, ErrInvalidReport) {
		t.Fatalf("empty report = %v", err)
	}
}

func TestSettleUsesStoredRatingsForElo(t *testing.T) {
	ctx := context.Background()
	svc, store, fc, _ := newCompletion(t, rating.NewElo())
	store.EnsureProfile(ctx, &models.UserProfile{UserID: "p1", Rating: 1000})
	store.EnsureProfile(ctx, &models.UserProfile{UserID: "p2", Rating: 1400})
	b := models.NewBattle("b-1", "p1", "p2", fc.Now())
	store.CreateBattle(ctx, b)

	res, err := svc.Settle(ctx, koReport(b, "p1", "p1"))
	if err != nil {
		t.Fatal(err)
	}
	// an upset against a much stronger opponent is worth more than the fixed 25
	if res.Battle.RatingChangeP1 <= 25 || res.Battle.RatingChangeP2 >= 0 {
		t.Fatalf("elo changes = %d / %d", res.Battle.RatingChangeP1, res.Battle.RatingChangeP2)
	}
}

func TestSettleInvalidWinnerFallsBackToHealth(t *testing.T) {
	ctx := context.Background()
	svc, store, fc, _ := newCompletion(t, nil)
	b := models.NewBattle("b-1", "p1", "p2", fc.Now())
	store.CreateBattle(ctx, b)

	r := koReport(b, "p2", "someone-else")
	r.Player1Health, r.Player2Health = 10, 0
	res, err := svc.Settle(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Battle.WinnerID != "p1" {
		t.Fatalf("winner = %q", res.Battle.WinnerID)
	}
}

func newCleanup(t *testing.T) (*StaleBattleCleanupService, *storage.Memory, *clockwork.FakeClock, *fakeBroadcaster, *lock.Local) {
	t.Helper()
	store := storage.NewMemory()
	fc := clockwork.NewFakeClock()
	completion := NewBattleCompletionService(store, store, nil, zaptest.NewLogger(t), WithCompletionClock(fc))
	locker := lock.NewLocal(fc)
	bc := &fakeBroadcaster{}
	svc := NewStaleBattleCleanupService(store, completion, locker, bc, fc, DefaultCleanupConfig(), zaptest.NewLogger(t))
	return svc, store, fc, bc, locker
}

func TestCleanupAbandonsStaleBattles(t *testing.T) {
	ctx := context.Background()
	svc, store, fc, bc, _ := newCleanup(t)

	old := models.NewBattle("old", "p1", "p2", fc.Now().Add(-11*time.Minute))
	old.Player1Health, old.Player2Health = 80, 60
	tied := models.NewBattle("tied", "p3", "p4", fc.Now().Add(-12*time.Minute))
	fresh := models.NewBattle("fresh", "p5", "p6", fc.Now().Add(-time.Minute))
	for _, b := range []*models.Battle{old, tied, fresh} {
		store.CreateBattle(ctx, b)
	}

	if n := svc.RunPass(ctx); n != 2 {
		t.Fatalf("closed %d, want 2", n)
	}

	got, _ := store.GetBattle(ctx, "old")
	if got.Status != models.BattleStatusAbandoned || got.WinnerID != "p1" || got.EndReason != models.EndReasonAbandoned {
		t.Fatalf("old = %+v", got)
	}
	got, _ = store.GetBattle(ctx, "tied")
	if got.WinnerID != "" || got.RatingChangeP1 != 0 || got.RatingChangeP2 != 0 {
		t.Fatalf("tied = %+v", got)
	}
	got, _ = store.GetBattle(ctx, "fresh")
	if got.Status != models.BattleStatusFighting {
		t.Fatalf("fresh = %+v", got)
	}
	if len(bc.battles) != 2 {
		t.Fatalf("broadcast %d battles", len(bc.battles))
	}

	p1, _ := store.GetProfile(ctx, "p1")
	if p1.Wins != 1 || p1.Rating != 1025 {
		t.Fatalf("p1 = %+v", p1)
	}

	// nothing left to do, and no double credit
	if n := svc.RunPass(ctx); n != 0 {
		t.Fatalf("second pass closed %d", n)
	}
}

func TestCleanupSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	svc, store, fc, _, locker := newCleanup(t)
	store.CreateBattle(ctx, models.NewBattle("old", "p1", "p2", fc.Now().Add(-time.Hour)))

	if ok, _ := locker.TryLock(ctx, cleanupLockName, time.Minute); !ok {
		t.Fatal("could not take lock")
	}
	if n := svc.RunPass(ctx); n != 0 {
		t.Fatalf("closed %d while another holder had the lock", n)
	}
	fc.Advance(2 * time.Minute)
	if n := svc.RunPass(ctx); n != 1 {
		t.Fatalf("closed %d after lease expiry", n)
	}
}

func TestCleanupStartStop(t *testing.T) {
	svc, _, _, _, _ := newCleanup(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Stop()
}
