package battle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pvp-battle/internal/channel"
	"pvp-battle/internal/events"
	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

// StartMatchmaking subscribes to this player's matchmaking topic and enqueues
// a request. It returns false when the session is not idle, the stats are
// invalid, or registration fails; failures are also reported as error events.
func (s *Session) StartMatchmaking(ctx context.Context, stats models.PlayerStats) bool {
	if stats.Rating < 0 || stats.Level < 0 {
		return false
	}
	if stats.Rating == 0 {
		stats.Rating = models.DefaultRating
	}
	if stats.Level == 0 {
		stats.Level = 1
	}

	s.mu.Lock()
	if s.closed || s.state != models.PeerIdle {
		s.mu.Unlock()
		return false
	}
	s.state = models.PeerSearching
	s.search++
	gen := s.search
	s.stats = stats
	s.mu.Unlock()

	meta := channel.PresenceMeta{UserID: s.cfg.UserID, OnlineAt: s.clock.Now(), Health: models.MaxHealth}
	ch, err := s.transport.Join(ctx, channel.MatchmakingTopic(s.cfg.UserID), meta)
	if err != nil {
		s.failSearch(gen, "join_matchmaking", KindConnection, err)
		return false
	}

	if err := s.matchmaker.Enqueue(ctx, s.cfg.UserID, stats); err != nil {
		ch.Close()
		kind := KindConnection
		if errors.Is(err, storage.ErrAlreadySearching) {
			kind = KindValidation
		}
		s.failSearch(gen, "enqueue", kind, err)
		return false
	}

	s.mu.Lock()
	if s.search != gen || s.state != models.PeerSearching {
		// cancelled or cleaned up while registering
		s.mu.Unlock()
		ch.Close()
		s.matchmaker.Cancel(context.Background(), s.cfg.UserID)
		return false
	}
	s.mmChannel = ch
	s.searchTimer = s.clock.AfterFunc(s.cfg.MatchmakingTimeout, func() {
		s.cancelSearch(gen, events.CancelTimeout)
	})
	s.emitLocked(events.MatchmakingStarted, events.MatchmakingStartedPayload{Rating: stats.Rating, Level: stats.Level})
	s.unlock()

	s.goBackground(func() { s.consumeMatchmaking(gen, ch) })
	s.setStatus(models.StatusSearchingBattle)

	s.log.Info("matchmaking started", zap.Int("rating", stats.Rating), zap.Int("level", stats.Level))
	return true
}

// CancelMatchmaking withdraws the current search. It does nothing unless the
// session is searching.
func (s *Session) CancelMatchmaking(ctx context.Context) {
	s.mu.Lock()
	gen := s.search
	s.mu.Unlock()
	s.cancelSearchCtx(ctx, gen, events.CancelUser)
}

func (s *Session) cancelSearch(gen uint64, reason events.CancelReason) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
	defer cancel()
	s.cancelSearchCtx(ctx, gen, reason)
}

func (s *Session) cancelSearchCtx(ctx context.Context, gen uint64, reason events.CancelReason) {
	s.mu.Lock()
	if s.search != gen || s.state != models.PeerSearching {
		s.mu.Unlock()
		return
	}
	s.search++
	mm := s.stopSearchLocked()
	s.state = models.PeerIdle
	s.emitLocked(events.MatchmakingCancelled, events.MatchmakingCancelledPayload{Reason: reason})
	s.unlock()

	closeChannel(mm)
	if err := s.matchmaker.Cancel(ctx, s.cfg.UserID); err != nil {
		s.log.Warn("leaving queue", zap.Error(err))
	}
	s.setStatus(models.StatusOnline)
	s.log.Info("matchmaking cancelled", zap.String("reason", string(reason)))
}

func (s *Session) failSearch(gen uint64, op string, kind ErrorKind, err error) {
	s.log.Warn("matchmaking failed", zap.String("op", op), zap.Error(err))
	s.mu.Lock()
	if s.search == gen && s.state == models.PeerSearching {
		s.state = models.PeerIdle
	}
	s.errorLocked(op, kind, err)
	s.unlock()
}

// stopSearchLocked disarms the timeout and detaches the matchmaking channel,
// which the caller closes after releasing mu.
func (s *Session) stopSearchLocked() channel.Channel {
	if s.searchTimer != nil {
		s.searchTimer.Stop()
		s.searchTimer = nil
	}
	mm := s.mmChannel
	s.mmChannel = nil
	return mm
}

func (s *Session) consumeMatchmaking(gen uint64, ch channel.Channel) {
	for msg := range ch.Inbound() {
		if msg.Kind != channel.KindBroadcast {
			continue
		}
		switch msg.Event {
		case channel.EventMatchFound:
			var found models.MatchFound
			if err := msg.Decode(&found); err != nil {
				s.log.Warn("malformed match_found", zap.Error(err))
				continue
			}
			s.onMatchFound(gen, found)
		case channel.EventMatchmakingExpired:
			s.cancelSearch(gen, events.CancelExpired)
		}
	}
}

func (s *Session) onMatchFound(gen uint64, found models.MatchFound) {
	s.mu.Lock()
	if s.search != gen || s.state != models.PeerSearching {
		s.mu.Unlock()
		return
	}
	b := found.Battle
	if b == nil || b.ID != found.BattleID || !b.HasPlayer(s.cfg.UserID) || b.Opponent(s.cfg.UserID) != found.OpponentID {
		s.mu.Unlock()
		s.log.Warn("ignoring inconsistent match notification", zap.String("battle_id", found.BattleID))
		return
	}

	mm := s.stopSearchLocked()
	s.state = models.PeerReady
	s.battleGen++
	bgen := s.battleGen
	s.battle = b.Clone()
	s.opponentRating = found.OpponentRating
	if s.opponentRating == 0 {
		s.opponentRating = models.DefaultRating
	}
	s.emitLocked(events.MatchFound, events.MatchFoundPayload{BattleID: found.BattleID, OpponentID: found.OpponentID})
	s.unlock()

	s.log.Info("match found", zap.String("battle_id", found.BattleID), zap.String("opponent_id", found.OpponentID))
	closeChannel(mm)
	s.joinBattle(bgen)
}

func (s *Session) joinBattle(bgen uint64) {
	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerReady {
		s.mu.Unlock()
		return
	}
	battleID := s.battle.ID
	meta := channel.PresenceMeta{
		UserID:   s.cfg.UserID,
		OnlineAt: s.clock.Now(),
		Health:   s.battle.HealthOf(s.cfg.UserID),
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JoinTimeout)
	ch, err := s.transport.Join(ctx, channel.BattleTopic(battleID), meta)
	cancel()
	if err != nil {
		s.log.Warn("joining battle channel failed", zap.String("battle_id", battleID), zap.Error(err))
		s.mu.Lock()
		if s.battleGen == bgen && s.state == models.PeerReady {
			s.resetBattleLocked()
			s.state = models.PeerIdle
		}
		s.errorLocked("join_battle", KindConnection, fmt.Errorf("battle %s: %w", battleID, err))
		s.unlock()
		s.setStatus(models.StatusOnline)
		return
	}

	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerReady {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.battleCh = ch
	s.tracker = s.newTracker(bgen)
	s.applied = make(map[string]struct{})
	s.moveQueue = nil
	s.opponentHPAtDrop = s.battle.HealthOf(s.battle.Opponent(s.cfg.UserID))
	s.state = models.PeerFighting
	s.mu.Unlock()

	s.goBackground(func() { s.consumeBattle(bgen, ch) })
	s.setStatus(models.StatusInBattle)
	s.sendStateChange(bgen)
	s.log.Info("battle joined", zap.String("battle_id", battleID))
}
