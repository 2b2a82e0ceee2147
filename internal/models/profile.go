package models

import "time"

type UserStatus string

const (
	StatusOnline          UserStatus = "online"
	StatusSearchingBattle UserStatus = "searching_battle"
	StatusInBattle        UserStatus = "in_battle"
	StatusOffline         UserStatus = "offline"
)

type UserProfile struct {
	UserID          string     `json:"userId" bson:"_id"`
	DisplayName     string     `json:"displayName" bson:"displayName"`
	Status          UserStatus `json:"status" bson:"status"`
	Rating          int        `json:"rating" bson:"rating"`
	XP              int        `json:"xp" bson:"xp"`
	Coins           int        `json:"coins" bson:"coins"`
	Wins            int        `json:"wins" bson:"wins"`
	Losses          int        `json:"losses" bson:"losses"`
	BattlesPlayed   int        `json:"battlesPlayed" bson:"battlesPlayed"`
	RewardedBattles []string   `json:"-" bson:"rewardedBattles"`
	CreatedAt       time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt" bson:"updatedAt"`
}

// LeaderboardEntry is a ranked row for the leaderboard endpoint
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	Rating        int    `json:"rating"`
	Wins          int    `json:"wins"`
	Losses        int    `json:"losses"`
	BattlesPlayed int    `json:"battlesPlayed"`
}
