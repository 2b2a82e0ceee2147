package battle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pvp-battle/internal/channel"
	"pvp-battle/internal/events"
	"pvp-battle/internal/models"
	"pvp-battle/internal/rating"
)

type pendingSettlement struct {
	bgen    uint64
	reason  models.EndReason
	battle  *models.Battle
	outcome models.BattleOutcome
	report  models.SettlementReport
	ch      channel.Channel
}

// beginSettlementLocked decides the battle and freezes the replica. It returns
// nil unless the session is fighting, so each battle settles at most once.
func (s *Session) beginSettlementLocked(reason models.EndReason, remoteWinner string) *pendingSettlement {
	if s.state != models.PeerFighting || s.battle == nil {
		return nil
	}
	s.state = models.PeerFinished
	if s.tracker != nil {
		s.tracker.Stop()
	}

	b := s.battle
	me := s.cfg.UserID
	opp := b.Opponent(me)

	var winner string
	switch reason {
	case models.EndReasonForfeit:
		winner = me
	case models.EndReasonRemote:
		if b.HasPlayer(remoteWinner) {
			winner = remoteWinner
		} else {
			winner = b.LeaderID()
		}
	default:
		winner = b.LeaderID()
	}

	m := rating.Matchup{WinnerRating: s.stats.Rating, LoserRating: s.opponentRating}
	if winner == opp {
		m = rating.Matchup{WinnerRating: s.opponentRating, LoserRating: s.stats.Rating}
	}
	b.RatingChangeP1, b.RatingChangeP2 = rating.Settle(s.policy, b, winner, m)

	now := s.clock.Now()
	b.WinnerID = winner
	b.Status = models.BattleStatusFinished
	b.EndReason = reason
	b.EndedAt = &now
	b.Data.DurationMs = now.Sub(b.CreatedAt).Milliseconds()
	if b.Data.DurationMs < 0 {
		b.Data.DurationMs = 0
	}

	delta := b.RatingChangeP2
	if b.IsPlayer1(me) {
		delta = b.RatingChangeP1
	}
	outcome := s.cfg.Rewards.Outcome(winner == me, delta)

	snapshot := b.Clone()
	return &pendingSettlement{
		bgen:    s.battleGen,
		reason:  reason,
		battle:  snapshot,
		outcome: outcome,
		ch:      s.battleCh,
		report: models.SettlementReport{
			BattleID:       b.ID,
			ReporterID:     me,
			WinnerID:       winner,
			Player1Health:  b.Player1Health,
			Player2Health:  b.Player2Health,
			Moves:          snapshot.Data.Moves,
			DurationMs:     b.Data.DurationMs,
			RatingChangeP1: b.RatingChangeP1,
			RatingChangeP2: b.RatingChangeP2,
			Reason:         reason,
			Outcome:        outcome,
		},
	}
}

// finishSettlement persists the result, tells the opponent and returns the
// session to idle. battle_ended is emitted even when persistence fails.
func (s *Session) finishSettlement(p *pendingSettlement) {
	log := s.log.With(zap.String("battle_id", p.battle.ID), zap.String("reason", string(p.reason)))
	battle, outcome := p.battle, p.outcome

	if s.settler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
		res, err := s.settler.Settle(ctx, p.report)
		cancel()
		switch {
		case err != nil:
			log.Error("settling battle", zap.Error(err))
			s.mu.Lock()
			s.errorLocked("settle", KindPersistence, fmt.Errorf("%w: %v", ErrPersistence, err))
			s.unlock()
		case res != nil:
			outcome = res.Outcome
			if res.Battle != nil {
				battle = res.Battle
			}
			if !res.Recorded {
				log.Info("battle already settled by opponent", zap.String("winner_id", battle.WinnerID))
			}
		}
	}

	if p.reason != models.EndReasonRemote && p.ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
		err := p.ch.Send(ctx, channel.EventBattleEnd, channel.BattleEnd{WinnerID: battle.WinnerID, Reason: string(battle.EndReason)})
		cancel()
		if err != nil {
			log.Warn("broadcasting battle end", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.emitLocked(events.BattleEnded, events.BattleEndedPayload{
		Won:     outcome.Won,
		Rewards: outcome.Rewards,
		Battle:  battle,
		Reason:  p.reason,
	})
	s.unlock()

	s.setStatus(models.StatusOnline)
	s.teardown(p.bgen)
	log.Info("battle settled", zap.Bool("won", outcome.Won), zap.Int("xp", outcome.Rewards.XP))
}

func (s *Session) teardown(bgen uint64) {
	s.mu.Lock()
	if s.battleGen != bgen {
		s.mu.Unlock()
		return
	}
	ch := s.resetBattleLocked()
	s.state = models.PeerIdle
	s.mu.Unlock()
	closeChannel(ch)
}

// onGraceExpired forfeits the battle to the local player after the opponent
// stayed away for the whole grace period.
func (s *Session) onGraceExpired(bgen uint64) {
	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerFighting {
		s.mu.Unlock()
		return
	}
	b := s.battle
	battleID := b.ID
	me := s.cfg.UserID
	b.SetHealth(me, s.opponentHPAtDrop)
	b.SetHealth(b.Opponent(me), models.MinHealth)
	p := s.beginSettlementLocked(models.EndReasonForfeit, "")
	s.unlock()

	s.log.Info("opponent forfeited after grace period", zap.String("battle_id", battleID))
	if p != nil {
		s.goBackground(func() { s.finishSettlement(p) })
	}
}

func (s *Session) onRemoteEnd(bgen uint64, end channel.BattleEnd) {
	s.mu.Lock()
	if s.battleGen != bgen {
		s.mu.Unlock()
		return
	}
	p := s.beginSettlementLocked(models.EndReasonRemote, end.WinnerID)
	s.unlock()
	if p != nil {
		s.goBackground(func() { s.finishSettlement(p) })
	}
}
