package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pvp-battle/internal/audit"
	"pvp-battle/internal/models"
	"pvp-battle/internal/rating"
	"pvp-battle/internal/storage"
)

var (
	ErrNotParticipant = errors.New("reporter is not a participant of the battle")
	ErrInvalidReport  = errors.New("invalid settlement report")
)

// ReplayArchiver stores the replay of a finished battle somewhere durable.
type ReplayArchiver interface {
	ArchiveBattle(ctx context.Context, b *models.Battle) error
}

// Recorder receives settlement audit events.
type Recorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// BattleCompletionService is the authority for finished battles. Any number of
// peers may report the same battle; the first report finalizes the record and
// every reporter is credited from the stored result.
type BattleCompletionService struct {
	battles  storage.BattleStore
	profiles storage.ProfileStore
	policy   rating.Policy
	rewards  rating.RewardTable
	clock    clockwork.Clock
	archiver ReplayArchiver
	audit    Recorder
	log      *zap.Logger
}

type CompletionOption func(*BattleCompletionService)

func WithArchiver(a ReplayArchiver) CompletionOption {
	return func(s *BattleCompletionService) { s.archiver = a }
}

func WithRecorder(r Recorder) CompletionOption {
	return func(s *BattleCompletionService) { s.audit = r }
}

func WithRewards(t rating.RewardTable) CompletionOption {
	return func(s *BattleCompletionService) { s.rewards = t }
}

func WithCompletionClock(c clockwork.Clock) CompletionOption {
	return func(s *BattleCompletionService) { s.clock = c }
}

func NewBattleCompletionService(battles storage.BattleStore, profiles storage.ProfileStore, policy rating.Policy, logger *zap.Logger, opts ...CompletionOption) *BattleCompletionService {
	if policy == nil {
		policy = rating.DefaultFixed
	}
	s := &BattleCompletionService{
		battles:  battles,
		profiles: profiles,
		policy:   policy,
		rewards:  rating.DefaultRewards,
		clock:    clockwork.NewRealClock(),
		log:      logger.Named("completion"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle finalizes the battle from the report if it is still fighting, then
// credits the reporter's outcome exactly once.
func (s *BattleCompletionService) Settle(ctx context.Context, report models.SettlementReport) (*models.SettlementResult, error) {
	if report.BattleID == "" || report.ReporterID == "" {
		return nil, ErrInvalidReport
	}
	stored, err := s.battles.GetBattle(ctx, report.BattleID)
	if err != nil {
		return nil, fmt.Errorf("loading battle %s: %w", report.BattleID, err)
	}
	if !stored.HasPlayer(report.ReporterID) {
		return nil, ErrNotParticipant
	}

	recorded := false
	if stored.Status == models.BattleStatusFighting {
		final := s.finalRecord(ctx, stored, report)
		recorded, err = s.battles.FinalizeBattle(ctx, final)
		if err != nil {
			return nil, fmt.Errorf("finalizing battle %s: %w", report.BattleID, err)
		}
		if recorded {
			s.log.Info("battle finalized",
				zap.String("battle_id", final.ID),
				zap.String("winner_id", final.WinnerID),
				zap.String("reason", string(final.EndReason)),
				zap.Int("rating_change_p1", final.RatingChangeP1),
				zap.Int("rating_change_p2", final.RatingChangeP2))
			s.archive(ctx, final)
		}
		// re-read: a concurrent report may have won the race
		if stored, err = s.battles.GetBattle(ctx, report.BattleID); err != nil {
			return nil, fmt.Errorf("reloading battle %s: %w", report.BattleID, err)
		}
	}

	outcome := s.outcomeFor(stored, report.ReporterID)
	credited, err := s.profiles.ApplyOutcome(ctx, report.ReporterID, stored.ID, outcome)
	if err != nil {
		return nil, fmt.Errorf("crediting %s: %w", report.ReporterID, err)
	}
	if s.audit != nil && credited {
		s.audit.Record(ctx, audit.Event{
			Type:    audit.EventBattleSettled,
			UserID:  report.ReporterID,
			Details: fmt.Sprintf("battle=%s won=%t recorded=%t", stored.ID, outcome.Won, recorded),
		})
	}

	return &models.SettlementResult{Recorded: recorded, Battle: stored, Outcome: outcome}, nil
}

// finalRecord builds the finished battle from a report. Ratings are computed
// here from stored profiles, never taken from the reporter.
func (s *BattleCompletionService) finalRecord(ctx context.Context, stored *models.Battle, report models.SettlementReport) *models.Battle {
	b := stored.Clone()
	b.Player1Health = models.ClampHealth(report.Player1Health)
	b.Player2Health = models.ClampHealth(report.Player2Health)

	winner := report.WinnerID
	if !b.HasPlayer(winner) {
		winner = b.LeaderID()
	}
	b.WinnerID = winner

	if winner != "" {
		loser := b.Opponent(winner)
		wp := s.profileOrDefault(ctx, winner)
		lp := s.profileOrDefault(ctx, loser)
		b.RatingChangeP1, b.RatingChangeP2 = rating.Settle(s.policy, b, winner, rating.Matchup{
			WinnerRating:  wp.Rating,
			LoserRating:   lp.Rating,
			WinnerBattles: wp.BattlesPlayed,
			LoserBattles:  lp.BattlesPlayed,
		})
	}

	now := s.clock.Now()
	b.Status = models.BattleStatusFinished
	b.EndReason = report.Reason
	if b.EndReason == "" {
		b.EndReason = models.EndReasonKO
	}
	b.EndedAt = &now
	b.Data.Moves = append([]models.Move(nil), report.Moves...)
	b.Data.DurationMs = report.DurationMs
	if b.Data.DurationMs <= 0 {
		b.Data.DurationMs = now.Sub(b.CreatedAt).Milliseconds()
	}
	return b
}

func (s *BattleCompletionService) profileOrDefault(ctx context.Context, userID string) models.UserProfile {
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return models.UserProfile{UserID: userID, Rating: models.DefaultRating}
	}
	return *p
}

func (s *BattleCompletionService) outcomeFor(b *models.Battle, userID string) models.BattleOutcome {
	delta := b.RatingChangeP2
	if b.IsPlayer1(userID) {
		delta = b.RatingChangeP1
	}
	return s.rewards.Outcome(b.WinnerID == userID, delta)
}

// Abandon closes a battle that never settled. It reports whether this call
// performed the write.
func (s *BattleCompletionService) Abandon(ctx context.Context, stored *models.Battle) (bool, error) {
	b := stored.Clone()
	winner := b.LeaderID()
	b.WinnerID = winner
	if winner != "" {
		loser := b.Opponent(winner)
		wp := s.profileOrDefault(ctx, winner)
		lp := s.profileOrDefault(ctx, loser)
		b.RatingChangeP1, b.RatingChangeP2 = rating.Settle(s.policy, b, winner, rating.Matchup{
			WinnerRating:  wp.Rating,
			LoserRating:   lp.Rating,
			WinnerBattles: wp.BattlesPlayed,
			LoserBattles:  lp.BattlesPlayed,
		})
	}
	now := s.clock.Now()
	b.Status = models.BattleStatusAbandoned
	b.EndReason = models.EndReasonAbandoned
	b.EndedAt = &now
	b.Data.DurationMs = now.Sub(b.CreatedAt).Milliseconds()

	ok, err := s.battles.FinalizeBattle(ctx, b)
	if err != nil || !ok {
		return ok, err
	}
	for _, id := range []string{b.Player1ID, b.Player2ID} {
		if _, err := s.profiles.ApplyOutcome(ctx, id, b.ID, s.outcomeFor(b, id)); err != nil {
			s.log.Warn("crediting abandoned battle", zap.String("battle_id", b.ID), zap.String("user_id", id), zap.Error(err))
		}
	}
	if s.audit != nil {
		s.audit.Record(ctx, audit.Event{
			Type:    audit.EventBattleAbandoned,
			Details: fmt.Sprintf("battle=%s winner=%s", b.ID, winner),
		})
	}
	s.archive(ctx, b)
	return true, nil
}

func (s *BattleCompletionService) archive(ctx context.Context, b *models.Battle) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveBattle(ctx, b); err != nil {
		s.log.Warn("archiving replay", zap.String("battle_id", b.ID), zap.Error(err))
	}
}
