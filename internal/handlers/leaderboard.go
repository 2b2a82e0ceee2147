package handlers

import (
	"context"
	"net/http"
	"time"

	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

const (
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 100
)

type LeaderboardHandler struct {
	profiles storage.ProfileStore
}

func NewLeaderboardHandler(profiles storage.ProfileStore) *LeaderboardHandler {
	return &LeaderboardHandler{profiles: profiles}
}

// GetLeaderboard returns the top players by rating.
// GET /api/leaderboard?limit=50
func (h *LeaderboardHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	profiles, err := h.profiles.TopProfiles(ctx, parseLimit(r, defaultLeaderboardLimit, maxLeaderboardLimit))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load leaderboard")
		return
	}

	entries := make([]models.LeaderboardEntry, 0, len(profiles))
	for i, p := range profiles {
		entries = append(entries, models.LeaderboardEntry{
			Rank:          i + 1,
			UserID:        p.UserID,
			DisplayName:   p.DisplayName,
			Rating:        p.Rating,
			Wins:          p.Wins,
			Losses:        p.Losses,
			BattlesPlayed: p.BattlesPlayed,
		})
	}
	respondWithJSON(w, http.StatusOK, entries)
}
