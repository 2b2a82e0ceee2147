package models

import (
	"encoding/json"
	"time"
)

const (
	MaxHealth = 100
	MinHealth = 0
)

type BattleStatus string

const (
	BattleStatusFighting  BattleStatus = "fighting"
	BattleStatusFinished  BattleStatus = "finished"
	BattleStatusAbandoned BattleStatus = "abandoned" // swept by the stale battle cleanup
)

type EndReason string

const (
	EndReasonKO        EndReason = "ko"
	EndReasonForfeit   EndReason = "forfeit"
	EndReasonRemote    EndReason = "remote"
	EndReasonAbandoned EndReason = "abandoned"
)

type MoveType string

const (
	MoveLightAttack   MoveType = "light_attack"
	MoveHeavyAttack   MoveType = "heavy_attack"
	MoveSpecialAttack MoveType = "special_attack"
	MoveDefend        MoveType = "defend"
)

// Valid reports whether t is one of the four known move types.
func (t MoveType) Valid() bool {
	switch t {
	case MoveLightAttack, MoveHeavyAttack, MoveSpecialAttack, MoveDefend:
		return true
	}
	return false
}

// Move is immutable once created. Damage is stamped by the author so that
// both replicas subtract the same amount.
type Move struct {
	ID        string          `json:"id" bson:"id"`
	AuthorID  string          `json:"authorId" bson:"authorId"`
	Type      MoveType        `json:"type" bson:"type"`
	Payload   json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	Damage    int             `json:"damage" bson:"damage"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`
}

// BattleData is the replay section stored with a finished battle
type BattleData struct {
	Moves      []Move `json:"moves" bson:"moves"`
	DurationMs int64  `json:"durationMs" bson:"durationMs"`
}

type Battle struct {
	ID             string       `json:"id" bson:"_id"`
	Player1ID      string       `json:"player1Id" bson:"player1Id"`
	Player2ID      string       `json:"player2Id" bson:"player2Id"`
	Player1Health  int          `json:"player1Health" bson:"player1Health"`
	Player2Health  int          `json:"player2Health" bson:"player2Health"`
	Status         BattleStatus `json:"status" bson:"status"`
	WinnerID       string       `json:"winnerId,omitempty" bson:"winnerId,omitempty"`
	RatingChangeP1 int          `json:"ratingChangeP1" bson:"ratingChangeP1"`
	RatingChangeP2 int          `json:"ratingChangeP2" bson:"ratingChangeP2"`
	Data           BattleData   `json:"battleData" bson:"battleData"`
	EndReason      EndReason    `json:"endReason,omitempty" bson:"endReason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt" bson:"createdAt"`
	EndedAt        *time.Time   `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
}

// NewBattle creates a battle at match formation with both players at full health.
func NewBattle(id, player1ID, player2ID string, now time.Time) *Battle {
	return &Battle{
		ID:            id,
		Player1ID:     player1ID,
		Player2ID:     player2ID,
		Player1Health: MaxHealth,
		Player2Health: MaxHealth,
		Status:        BattleStatusFighting,
		CreatedAt:     now,
	}
}

// Clone returns a deep copy safe to hand to event consumers.
func (b *Battle) Clone() *Battle {
	if b == nil {
		return nil
	}
	c := *b
	if b.Data.Moves != nil {
		c.Data.Moves = make([]Move, len(b.Data.Moves))
		copy(c.Data.Moves, b.Data.Moves)
	}
	if b.EndedAt != nil {
		t := *b.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// HasPlayer reports whether userID is one of the two participants.
func (b *Battle) HasPlayer(userID string) bool {
	return userID != "" && (b.Player1ID == userID || b.Player2ID == userID)
}

// Opponent returns the other participant's id, or "" if userID is not in the battle.
func (b *Battle) Opponent(userID string) string {
	switch userID {
	case b.Player1ID:
		return b.Player2ID
	case b.Player2ID:
		return b.Player1ID
	}
	return ""
}

// IsPlayer1 reports whether userID occupies the player1 slot.
func (b *Battle) IsPlayer1(userID string) bool {
	return b.Player1ID == userID
}

// HealthOf returns the current health of userID.
func (b *Battle) HealthOf(userID string) int {
	if b.IsPlayer1(userID) {
		return b.Player1Health
	}
	return b.Player2Health
}

// SetHealth clamps and assigns the health of userID.
func (b *Battle) SetHealth(userID string, hp int) {
	if b.IsPlayer1(userID) {
		b.Player1Health = ClampHealth(hp)
		return
	}
	b.Player2Health = ClampHealth(hp)
}

// KnockedOut reports whether either player has reached zero health.
func (b *Battle) KnockedOut() bool {
	return b.Player1Health <= MinHealth || b.Player2Health <= MinHealth
}

// LeaderID returns the player with strictly greater health, or "" on a tie.
func (b *Battle) LeaderID() string {
	switch {
	case b.Player1Health > b.Player2Health:
		return b.Player1ID
	case b.Player2Health > b.Player1Health:
		return b.Player2ID
	}
	return ""
}

func ClampHealth(hp int) int {
	if hp < MinHealth {
		return MinHealth
	}
	if hp > MaxHealth {
		return MaxHealth
	}
	return hp
}

type Rewards struct {
	XP          int `json:"xp" bson:"xp"`
	Coins       int `json:"coins" bson:"coins"`
	RatingDelta int `json:"ratingDelta" bson:"ratingDelta"`
}

type BattleOutcome struct {
	Won     bool    `json:"won" bson:"won"`
	Rewards Rewards `json:"rewards" bson:"rewards"`
}

// SettlementReport is what a peer submits once it has settled a battle locally.
type SettlementReport struct {
	BattleID       string        `json:"battleId"`
	ReporterID     string        `json:"reporterId"`
	WinnerID       string        `json:"winnerId,omitempty"`
	Player1Health  int           `json:"player1Health"`
	Player2Health  int           `json:"player2Health"`
	Moves          []Move        `json:"moves"`
	DurationMs     int64         `json:"durationMs"`
	RatingChangeP1 int           `json:"ratingChangeP1"`
	RatingChangeP2 int           `json:"ratingChangeP2"`
	Reason         EndReason     `json:"reason"`
	Outcome        BattleOutcome `json:"outcome"`
}

// SettlementResult is the authoritative answer to a SettlementReport. Battle
// and Outcome reflect the stored record, which may differ from what the
// reporter computed if the other peer settled first.
type SettlementResult struct {
	Recorded bool          `json:"recorded"`
	Battle   *Battle       `json:"battle"`
	Outcome  BattleOutcome `json:"outcome"`
}

// PresenceRecord is derived from channel membership and never persisted.
type PresenceRecord struct {
	PeerID     string    `json:"peerId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Connected  bool      `json:"connected"`
}

// PeerState is the per-peer battle lifecycle:
// idle -> searching -> ready -> fighting -> finished -> idle.
type PeerState string

const (
	PeerIdle      PeerState = "idle"
	PeerSearching PeerState = "searching"
	PeerReady     PeerState = "ready"
	PeerFighting  PeerState = "fighting"
	PeerFinished  PeerState = "finished"
)
