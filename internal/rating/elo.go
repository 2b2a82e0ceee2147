package rating

import (
	"math"
)

type Result int

const (
	Loss Result = 0
	Draw Result = 1
	Win  Result = 2
)

const (
	// K-factors based on number of battles played
	KFactorNewbie = 40 // < 20 battles
	KFactorActive = 20 // 20-100 battles
	KFactorExpert = 10 // > 100 battles

	MinRating = 100
	MaxRating = 3000
)

// Elo is the optional rating policy for deployments that want skill-weighted
// deltas instead of the fixed table.
type Elo struct{}

func NewElo() *Elo {
	return &Elo{}
}

// NewRating returns the post-battle rating for a player.
func (e *Elo) NewRating(playerRating, opponentRating int, result Result, battlesPlayed int) int {
	k := kFactor(battlesPlayed)
	expected := ExpectedScore(playerRating, opponentRating)

	var actual float64
	switch result {
	case Win:
		actual = 1.0
	case Draw:
		actual = 0.5
	case Loss:
		actual = 0.0
	}

	// ΔR = K × (S - E)
	newRating := playerRating + int(math.Round(float64(k)*(actual-expected)))

	if newRating < MinRating {
		newRating = MinRating
	}
	if newRating > MaxRating {
		newRating = MaxRating
	}
	return newRating
}

// Change returns only the signed rating change.
func (e *Elo) Change(playerRating, opponentRating int, result Result, battlesPlayed int) int {
	return e.NewRating(playerRating, opponentRating, result, battlesPlayed) - playerRating
}

// Deltas implements Policy.
func (e *Elo) Deltas(m Matchup) (winner, loser int) {
	winner = e.Change(m.WinnerRating, m.LoserRating, Win, m.WinnerBattles)
	loser = e.Change(m.LoserRating, m.WinnerRating, Loss, m.LoserBattles)
	return winner, loser
}

// ExpectedScore is E = 1 / (1 + 10^((opponent - player) / 400))
func ExpectedScore(playerRating, opponentRating int) float64 {
	exponent := float64(opponentRating-playerRating) / 400.0
	return 1.0 / (1.0 + math.Pow(10, exponent))
}

func kFactor(battlesPlayed int) int {
	switch {
	case battlesPlayed < 20:
		return KFactorNewbie
	case battlesPlayed < 100:
		return KFactorActive
	default:
		return KFactorExpert
	}
}
