package events

import "pvp-battle/internal/models"

type Kind string

const (
	MatchmakingStarted   Kind = "matchmaking_started"
	MatchFound           Kind = "match_found"
	MatchmakingCancelled Kind = "matchmaking_cancelled"
	OpponentConnected    Kind = "opponent_connected"
	OpponentMove         Kind = "opponent_move"
	BattleStateUpdated   Kind = "battle_state_updated"
	BattleEnded          Kind = "battle_ended"
	Error                Kind = "error"
)

// Event is what the presentation layer receives.
type Event struct {
	Kind    Kind
	Payload any
}

type Handler func(Event)

// CancelReason explains why a search ended without a match.
type CancelReason string

const (
	CancelUser    CancelReason = "user"
	CancelTimeout CancelReason = "timeout"
	CancelExpired CancelReason = "expired"
	CancelCleanup CancelReason = "cleanup"
)

type MatchmakingStartedPayload struct {
	Rating int `json:"rating"`
	Level  int `json:"level"`
}

type MatchFoundPayload struct {
	BattleID   string `json:"battleId"`
	OpponentID string `json:"opponentId"`
}

type MatchmakingCancelledPayload struct {
	Reason CancelReason `json:"reason"`
}

type OpponentConnectedPayload struct {
	Connected bool `json:"connected"`
}

type OpponentMovePayload struct {
	Move models.Move `json:"move"`
}

type BattleStateUpdatedPayload struct {
	Battle   *models.Battle `json:"battle"`
	LastMove models.Move    `json:"lastMove"`
	Damage   int            `json:"damage"`
}

type BattleEndedPayload struct {
	Won     bool             `json:"won"`
	Rewards models.Rewards   `json:"rewards"`
	Battle  *models.Battle   `json:"battle"`
	Reason  models.EndReason `json:"reason"`
}

type ErrorPayload struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}
