package battle

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pvp-battle/internal/channel"
	"pvp-battle/internal/damage"
	"pvp-battle/internal/events"
	"pvp-battle/internal/models"
	"pvp-battle/internal/presence"
)

// ExecuteMove issues a local move: it is queued, broadcast, then applied to
// the local replica without waiting for the opponent. It returns false outside
// the fighting state or for an unknown move type.
func (s *Session) ExecuteMove(ctx context.Context, moveType models.MoveType, payload json.RawMessage) bool {
	s.mu.Lock()
	if s.state != models.PeerFighting || !moveType.Valid() {
		s.mu.Unlock()
		return false
	}
	s.seq++
	now := s.clock.Now()
	mv := models.Move{
		ID:        fmt.Sprintf("%s_%d_%d", s.cfg.UserID, now.UnixMilli(), s.seq),
		AuthorID:  s.cfg.UserID,
		Type:      moveType,
		Payload:   payload,
		Damage:    s.resolver.Resolve(moveType),
		Timestamp: now,
	}
	s.moveQueue = append(s.moveQueue, mv)
	bgen := s.battleGen
	ch := s.battleCh
	s.mu.Unlock()

	if err := ch.Send(ctx, channel.EventMove, mv); err != nil {
		s.log.Warn("broadcasting move", zap.String("move_id", mv.ID), zap.Error(err))
		s.mu.Lock()
		s.errorLocked("broadcast_move", KindConnection, err)
		s.unlock()
	}

	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerFighting {
		// the battle ended while the move was on its way out
		s.mu.Unlock()
		return true
	}
	ko := s.applyMoveLocked(mv, true)
	var p *pendingSettlement
	if ko {
		p = s.beginSettlementLocked(models.EndReasonKO, "")
	}
	s.unlock()

	if p != nil {
		s.goBackground(func() { s.finishSettlement(p) })
		return true
	}
	s.sendStateChange(bgen)
	return true
}

// applyMoveLocked applies mv to the replica at most once and reports whether
// it knocked a player out.
func (s *Session) applyMoveLocked(mv models.Move, own bool) bool {
	if _, seen := s.applied[mv.ID]; seen {
		return false
	}
	s.applied[mv.ID] = struct{}{}

	b := s.battle
	me := s.cfg.UserID
	opp := b.Opponent(me)
	defender := me
	if own {
		defender = opp
	}

	dmg := mv.Damage
	if !damage.InBounds(mv.Type, dmg) {
		dmg = s.resolver.Resolve(mv.Type)
		mv.Damage = dmg
	}

	b.SetHealth(defender, b.HealthOf(defender)-dmg)
	b.Data.Moves = append(b.Data.Moves, mv)

	if !own {
		s.moveQueue = append(s.moveQueue, mv)
		s.emitLocked(events.OpponentMove, events.OpponentMovePayload{Move: mv})
	}
	s.emitLocked(events.BattleStateUpdated, events.BattleStateUpdatedPayload{
		Battle:   b.Clone(),
		LastMove: mv,
		Damage:   dmg,
	})
	return b.KnockedOut()
}

func (s *Session) newTracker(bgen uint64) *presence.Tracker {
	return presence.New(s.cfg.UserID, s.clock, s.cfg.GracePeriod, func() {
		s.onGraceExpired(bgen)
	})
}

func (s *Session) consumeBattle(bgen uint64, ch channel.Channel) {
	for msg := range ch.Inbound() {
		if msg.Kind == channel.KindPresence {
			s.onPresence(bgen, msg.Members)
			continue
		}
		switch msg.Event {
		case channel.EventMove:
			var mv models.Move
			if err := msg.Decode(&mv); err != nil {
				s.log.Warn("malformed move", zap.Error(err))
				continue
			}
			s.onRemoteMove(bgen, mv)
		case channel.EventStateChange:
			var sc channel.StateChange
			if err := msg.Decode(&sc); err != nil {
				continue
			}
			s.onStateChange(bgen, sc)
		case channel.EventBattleEnd:
			var end channel.BattleEnd
			if err := msg.Decode(&end); err != nil {
				s.log.Warn("malformed battle_end", zap.Error(err))
				continue
			}
			s.onRemoteEnd(bgen, end)
		}
	}

	// the transport gave up; stale battle cleanup closes the stored record
	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerFighting {
		s.mu.Unlock()
		return
	}
	s.log.Warn("battle channel closed while fighting", zap.String("battle_id", s.battle.ID))
	dead := s.resetBattleLocked()
	s.state = models.PeerIdle
	s.errorLocked("battle_channel", KindConnection, channel.ErrClosed)
	s.mu.Unlock()

	closeChannel(dead)
	s.setStatus(models.StatusOnline)
	s.emitter.Drain()
}

func (s *Session) onPresence(bgen uint64, members []channel.PresenceMeta) {
	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerFighting {
		s.mu.Unlock()
		return
	}
	switch s.tracker.Observe(members) {
	case presence.Connected:
		s.emitLocked(events.OpponentConnected, events.OpponentConnectedPayload{Connected: true})
	case presence.Disconnected:
		s.opponentHPAtDrop = s.battle.HealthOf(s.battle.Opponent(s.cfg.UserID))
		s.emitLocked(events.OpponentConnected, events.OpponentConnectedPayload{Connected: false})
		s.log.Info("opponent disconnected, grace period started", zap.Duration("grace", s.cfg.GracePeriod))
	}
	s.unlock()
}

func (s *Session) onRemoteMove(bgen uint64, mv models.Move) {
	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerFighting {
		s.mu.Unlock()
		return
	}
	if mv.AuthorID != s.battle.Opponent(s.cfg.UserID) || !mv.Type.Valid() {
		s.mu.Unlock()
		s.log.Warn("dropping move", zap.String("move_id", mv.ID), zap.String("author_id", mv.AuthorID))
		return
	}
	var p *pendingSettlement
	if s.applyMoveLocked(mv, false) {
		p = s.beginSettlementLocked(models.EndReasonKO, "")
	}
	s.unlock()

	if p != nil {
		s.goBackground(func() { s.finishSettlement(p) })
	}
}

func (s *Session) stateChangeLocked() channel.StateChange {
	return channel.StateChange{
		State:         string(s.state),
		Moves:         len(s.battle.Data.Moves),
		Player1Health: s.battle.Player1Health,
		Player2Health: s.battle.Player2Health,
	}
}

// sendStateChange broadcasts this replica's summary so the opponent can
// compare it with its own.
func (s *Session) sendStateChange(bgen uint64) {
	s.mu.Lock()
	if s.battleGen != bgen || s.state != models.PeerFighting || s.battleCh == nil {
		s.mu.Unlock()
		return
	}
	sc := s.stateChangeLocked()
	ch := s.battleCh
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
	defer cancel()
	if err := ch.Send(ctx, channel.EventStateChange, sc); err != nil {
		s.log.Debug("broadcasting state change", zap.Error(err))
	}
}

// onStateChange compares the opponent's summary with the local replica. Only
// summaries covering the same number of moves are comparable.
func (s *Session) onStateChange(bgen uint64, sc channel.StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.battleGen != bgen || s.state != models.PeerFighting {
		return
	}
	local := s.stateChangeLocked()
	if sc.Moves != local.Moves {
		return
	}
	if sc.Player1Health != local.Player1Health || sc.Player2Health != local.Player2Health {
		s.divergences++
		s.log.Warn("replica divergence",
			zap.Int("moves", local.Moves),
			zap.Int("local_p1", local.Player1Health),
			zap.Int("local_p2", local.Player2Health),
			zap.Int("remote_p1", sc.Player1Health),
			zap.Int("remote_p2", sc.Player2Health))
	}
}

// resetBattleLocked drops the replica and returns the battle channel for the
// caller to close.
func (s *Session) resetBattleLocked() channel.Channel {
	s.battleGen++
	if s.tracker != nil {
		s.tracker.Stop()
		s.tracker = nil
	}
	ch := s.battleCh
	s.battleCh = nil
	s.battle = nil
	s.moveQueue = nil
	s.applied = nil
	s.opponentHPAtDrop = 0
	return ch
}
