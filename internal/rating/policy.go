package rating

import (
	"fmt"

	"pvp-battle/internal/models"
)

// Matchup describes the two sides of a decided battle.
type Matchup struct {
	WinnerRating  int
	LoserRating   int
	WinnerBattles int
	LoserBattles  int
}

// Policy turns a decided battle into rating deltas for both sides.
type Policy interface {
	Deltas(m Matchup) (winner, loser int)
}

// Fixed awards constant deltas regardless of ratings.
type Fixed struct {
	Win  int
	Loss int
}

// DefaultFixed is +25 for the winner and -15 for the loser.
var DefaultFixed = Fixed{Win: 25, Loss: -15}

func (f Fixed) Deltas(Matchup) (winner, loser int) {
	return f.Win, f.Loss
}

// PolicyByName maps the battle.rating_policy config value to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "fixed":
		return DefaultFixed, nil
	case "elo":
		return NewElo(), nil
	}
	return nil, fmt.Errorf("unknown rating policy %q", name)
}

// RewardTable holds the xp and coin payouts per outcome.
type RewardTable struct {
	WinXP     int `json:"winXp"`
	LossXP    int `json:"lossXp"`
	WinCoins  int `json:"winCoins"`
	LossCoins int `json:"lossCoins"`
}

var DefaultRewards = RewardTable{WinXP: 100, LossXP: 25, WinCoins: 50, LossCoins: 10}

// Outcome builds the BattleOutcome for one side.
func (t RewardTable) Outcome(won bool, ratingDelta int) models.BattleOutcome {
	if won {
		return models.BattleOutcome{
			Won:     true,
			Rewards: models.Rewards{XP: t.WinXP, Coins: t.WinCoins, RatingDelta: ratingDelta},
		}
	}
	return models.BattleOutcome{
		Rewards: models.Rewards{XP: t.LossXP, Coins: t.LossCoins, RatingDelta: ratingDelta},
	}
}

// Settle computes both players' rating changes for a battle result.
// An empty winnerID is a draw and leaves both ratings untouched.
func Settle(p Policy, b *models.Battle, winnerID string, m Matchup) (p1Change, p2Change int) {
	if winnerID == "" {
		return 0, 0
	}
	w, l := p.Deltas(m)
	if winnerID == b.Player1ID {
		return w, l
	}
	return l, w
}
