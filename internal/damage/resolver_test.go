package damage

import (
	"testing"

	"pvp-battle/internal/models"
)

var allMoves = []models.MoveType{
	models.MoveLightAttack,
	models.MoveHeavyAttack,
	models.MoveSpecialAttack,
	models.MoveDefend,
}

func TestResolveStaysInBounds(t *testing.T) {
	r := NewSeeded(7)
	for _, mt := range allMoves {
		lo, hi := Bounds(mt)
		for i := 0; i < 2000; i++ {
			d := r.Resolve(mt)
			if d < lo || d > hi {
				t.Fatalf("%s: damage %d outside [%d,%d]", mt, d, lo, hi)
			}
			if mt == models.MoveDefend && d != 0 {
				t.Fatalf("defend dealt %d", d)
			}
			if mt != models.MoveDefend && d < MinHit {
				t.Fatalf("%s: damage %d below floor", mt, d)
			}
		}
	}
}

func TestResolveCoversWholeRange(t *testing.T) {
	r := NewSeeded(11)
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		seen[r.Resolve(models.MoveHeavyAttack)] = true
	}
	for d := 8; d <= 12; d++ {
		if !seen[d] {
			t.Errorf("heavy attack never produced %d", d)
		}
	}
}

func TestBoundsTable(t *testing.T) {
	cases := []struct {
		mt     models.MoveType
		lo, hi int
	}{
		{models.MoveLightAttack, 3, 7},
		{models.MoveHeavyAttack, 8, 12},
		{models.MoveSpecialAttack, 13, 17},
		{models.MoveDefend, 0, 0},
		{models.MoveType("unknown"), 3, 7},
	}
	for _, c := range cases {
		lo, hi := Bounds(c.mt)
		if lo != c.lo || hi != c.hi {
			t.Errorf("Bounds(%s) = [%d,%d], want [%d,%d]", c.mt, lo, hi, c.lo, c.hi)
		}
	}
	if InBounds(models.MoveLightAttack, 8) || !InBounds(models.MoveLightAttack, 3) {
		t.Error("InBounds disagrees with Bounds")
	}
}

func TestResolveDeterministicForSeed(t *testing.T) {
	seq := []models.MoveType{models.MoveLightAttack, models.MoveHeavyAttack, models.MoveSpecialAttack}
	run := func() []int {
		r := NewSeeded(42)
		out := make([]int, 0, len(seq))
		for _, mt := range seq {
			out = append(out, r.Resolve(mt))
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("run differs at %d: %v vs %v", i, a, b)
		}
	}
}
