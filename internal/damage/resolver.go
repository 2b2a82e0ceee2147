package damage

import (
	"math/rand"
	"sync"
	"time"

	"pvp-battle/internal/models"
)

const (
	// Variance is the maximum deviation from base damage in either direction
	Variance = 2

	// MinHit is the floor for any non-defend move
	MinHit = 1

	fallbackBase = 5
)

var baseDamage = map[models.MoveType]int{
	models.MoveLightAttack:   5,
	models.MoveHeavyAttack:   10,
	models.MoveSpecialAttack: 15,
	models.MoveDefend:        0,
}

// Base returns the table damage for a move type before variance.
func Base(t models.MoveType) int {
	if d, ok := baseDamage[t]; ok {
		return d
	}
	return fallbackBase
}

// Resolver turns a move type into a damage amount. It is safe for concurrent
// use; a fixed-seed source makes the sequence reproducible.
type Resolver struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func New(rng *rand.Rand) *Resolver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{rng: rng}
}

// NewSeeded is a convenience for tests and simulations.
func NewSeeded(seed int64) *Resolver {
	return New(rand.New(rand.NewSource(seed)))
}

// Resolve computes the damage for one move.
func (r *Resolver) Resolve(t models.MoveType) int {
	if t == models.MoveDefend {
		return 0
	}
	r.mu.Lock()
	v := r.rng.Intn(2*Variance+1) - Variance
	r.mu.Unlock()

	d := Base(t) + v
	if d < MinHit {
		d = MinHit
	}
	return d
}

// Bounds returns the inclusive damage range for a move type.
func Bounds(t models.MoveType) (lo, hi int) {
	if t == models.MoveDefend {
		return 0, 0
	}
	base := Base(t)
	lo = base - Variance
	if lo < MinHit {
		lo = MinHit
	}
	return lo, base + Variance
}

// InBounds reports whether d is a damage value Resolve could have produced for t.
func InBounds(t models.MoveType, d int) bool {
	lo, hi := Bounds(t)
	return d >= lo && d <= hi
}
