package models

import "time"

// MatchRequest is a searching player's entry in the matchmaking queue.
// At most one exists per user.
type MatchRequest struct {
	UserID         string    `json:"userId" bson:"_id"`
	Rating         int       `json:"rating" bson:"rating"`
	CharacterLevel int       `json:"characterLevel" bson:"characterLevel"`
	EnqueuedAt     time.Time `json:"enqueuedAt" bson:"searchingSince"`
}

// PlayerStats is what the caller provides when starting a search
type PlayerStats struct {
	Rating int `json:"rating"`
	Level  int `json:"level"`
}

const DefaultRating = 1000

// QueueStatus is returned by the status endpoint
type QueueStatus struct {
	Searching   bool `json:"searching"`
	WaitSeconds int  `json:"waitSeconds"`
	Rating      int  `json:"rating,omitempty"`
}

// MatchFound is delivered to each peer on its matchmaking topic.
type MatchFound struct {
	BattleID       string  `json:"battleId"`
	OpponentID     string  `json:"opponentId"`
	OpponentRating int     `json:"opponentRating"`
	Battle         *Battle `json:"battle"`
}
