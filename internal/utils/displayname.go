package utils

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"
)

const MaxDisplayNameLength = 24

// Word lists for generating guest display names
var adjectives = []string{
	"Swift", "Brave", "Clever", "Noble", "Mighty", "Silent", "Golden", "Silver",
	"Crimson", "Azure", "Cosmic", "Ancient", "Mystic", "Fierce", "Wild", "Bold",
	"Storm", "Frost", "Iron", "Steel", "Stone", "Thunder", "Night", "Dawn",
	"Lunar", "Solar", "Void", "Phantom", "Primal", "Elder", "Apex", "Echo",
}

var nouns = []string{
	"Brawler", "Duelist", "Gladiator", "Ronin", "Striker", "Champion", "Warden", "Knight",
	"Dragon", "Phoenix", "Wolf", "Bear", "Falcon", "Serpent", "Tiger", "Raven",
	"Mage", "Monk", "Hunter", "Warrior", "Blade", "Fist", "Shield", "Spear",
	"Blaze", "Shadow", "Comet", "Nova", "Sentinel", "Rider", "Titan", "Viper",
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// GenerateRandomDisplayName generates a random display name in format "AdjectiveNoun123"
func GenerateRandomDisplayName() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	adjective := adjectives[rng.Intn(len(adjectives))]
	noun := nouns[rng.Intn(len(nouns))]
	return fmt.Sprintf("%s%s%d", adjective, noun, rng.Intn(1000))
}

// SanitizeDisplayName trims name, drops control characters and truncates it.
// It returns "" when nothing printable is left.
func SanitizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if runes := []rune(name); len(runes) > MaxDisplayNameLength {
		name = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return name
}
