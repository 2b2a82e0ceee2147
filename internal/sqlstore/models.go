package sqlstore

import (
	"encoding/json"
	"time"

	"pvp-battle/internal/models"
)

type queueRow struct {
	UserID         string    `gorm:"primaryKey"`
	Rating         int       `gorm:"not null;index"`
	CharacterLevel int       `gorm:"not null"`
	SearchingSince time.Time `gorm:"not null;index"`
}

func (queueRow) TableName() string { return "matchmaking_queue" }

func (r queueRow) model() models.MatchRequest {
	return models.MatchRequest{
		UserID:         r.UserID,
		Rating:         r.Rating,
		CharacterLevel: r.CharacterLevel,
		EnqueuedAt:     r.SearchingSince,
	}
}

type battleRow struct {
	ID             string `gorm:"primaryKey"`
	Player1ID      string `gorm:"not null;index"`
	Player2ID      string `gorm:"not null;index"`
	Player1Health  int    `gorm:"not null"`
	Player2Health  int    `gorm:"not null"`
	Status         string `gorm:"not null;index:idx_battle_status_created"`
	WinnerID       string
	RatingChangeP1 int
	RatingChangeP2 int
	BattleData     []byte `gorm:"type:jsonb"`
	EndReason      string
	CreatedAt      time.Time `gorm:"not null;index:idx_battle_status_created"`
	EndedAt        *time.Time
}

func (battleRow) TableName() string { return "pvp_battles" }

func newBattleRow(b *models.Battle) (battleRow, error) {
	data, err := json.Marshal(b.Data)
	if err != nil {
		return battleRow{}, err
	}
	return battleRow{
		ID:             b.ID,
		Player1ID:      b.Player1ID,
		Player2ID:      b.Player2ID,
		Player1Health:  b.Player1Health,
		Player2Health:  b.Player2Health,
		Status:         string(b.Status),
		WinnerID:       b.WinnerID,
		RatingChangeP1: b.RatingChangeP1,
		RatingChangeP2: b.RatingChangeP2,
		BattleData:     data,
		EndReason:      string(b.EndReason),
		CreatedAt:      b.CreatedAt,
		EndedAt:        b.EndedAt,
	}, nil
}

func (r battleRow) model() (*models.Battle, error) {
	b := &models.Battle{
		ID:             r.ID,
		Player1ID:      r.Player1ID,
		Player2ID:      r.Player2ID,
		Player1Health:  r.Player1Health,
		Player2Health:  r.Player2Health,
		Status:         models.BattleStatus(r.Status),
		WinnerID:       r.WinnerID,
		RatingChangeP1: r.RatingChangeP1,
		RatingChangeP2: r.RatingChangeP2,
		EndReason:      models.EndReason(r.EndReason),
		CreatedAt:      r.CreatedAt,
		EndedAt:        r.EndedAt,
	}
	if len(r.BattleData) > 0 {
		if err := json.Unmarshal(r.BattleData, &b.Data); err != nil {
			return nil, err
		}
	}
	return b, nil
}

type profileRow struct {
	UserID        string `gorm:"primaryKey"`
	DisplayName   string
	Status        string `gorm:"not null;index"`
	Rating        int    `gorm:"not null;index"`
	XP            int    `gorm:"not null;default:0"`
	Coins         int    `gorm:"not null;default:0"`
	Wins          int    `gorm:"not null;default:0"`
	Losses        int    `gorm:"not null;default:0"`
	BattlesPlayed int    `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (profileRow) TableName() string { return "user_profiles" }

func (r profileRow) model() models.UserProfile {
	return models.UserProfile{
		UserID:        r.UserID,
		DisplayName:   r.DisplayName,
		Status:        models.UserStatus(r.Status),
		Rating:        r.Rating,
		XP:            r.XP,
		Coins:         r.Coins,
		Wins:          r.Wins,
		Losses:        r.Losses,
		BattlesPlayed: r.BattlesPlayed,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// rewardRow records that a user was credited for a battle; the composite
// primary key makes crediting idempotent.
type rewardRow struct {
	UserID    string `gorm:"primaryKey"`
	BattleID  string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (rewardRow) TableName() string { return "battle_rewards" }
