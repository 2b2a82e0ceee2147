package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pvp-battle/internal/audit"
	"pvp-battle/internal/matchmaking"
	"pvp-battle/internal/middleware"
	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

type MatchmakingHandler struct {
	queue    *matchmaking.Queue
	requests storage.QueueStore
	audit    *audit.Recorder
	log      *zap.Logger
}

func NewMatchmakingHandler(queue *matchmaking.Queue, requests storage.QueueStore, recorder *audit.Recorder, logger *zap.Logger) *MatchmakingHandler {
	return &MatchmakingHandler{
		queue:    queue,
		requests: requests,
		audit:    recorder,
		log:      logger.Named("matchmaking_api"),
	}
}

type JoinQueueRequest struct {
	Rating int `json:"rating"`
	Level  int `json:"level"`
}

// JoinQueue adds the caller to the matchmaking queue
func (h *MatchmakingHandler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	var req JoinQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Rating < 0 || req.Level < 0 {
		respondWithError(w, http.StatusBadRequest, "Rating and level must not be negative")
		return
	}
	if req.Rating == 0 {
		req.Rating = models.DefaultRating
	}
	if req.Level == 0 {
		req.Level = 1
	}

	userID := middleware.UserIDFromContext(r.Context())
	err := h.queue.Enqueue(r.Context(), userID, models.PlayerStats{Rating: req.Rating, Level: req.Level})
	if errors.Is(err, storage.ErrAlreadySearching) {
		respondWithError(w, http.StatusConflict, "Already searching")
		return
	}
	if err != nil {
		h.log.Error("joining queue", zap.String("user_id", userID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to join queue")
		return
	}

	if h.audit != nil {
		h.audit.LogRequest(r, audit.EventMatchmakingJoin, userID, "")
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"message":   "Successfully joined matchmaking queue",
		"searching": true,
	})
}

// LeaveQueue removes the caller from the queue. Leaving without a request is fine.
func (h *MatchmakingHandler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if err := h.queue.Cancel(r.Context(), userID); err != nil {
		h.log.Error("leaving queue", zap.String("user_id", userID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to leave queue")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully left matchmaking queue",
	})
}

// GetQueueStatus returns the current queue status for the caller
func (h *MatchmakingHandler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Status(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to read queue status")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// LobbyEntry is the public view of a waiting request.
type LobbyEntry struct {
	Rating       int       `json:"rating"`
	Level        int       `json:"level"`
	WaitingSince time.Time `json:"waitingSince"`
}

// GetLobby returns every player currently waiting, oldest first, without ids.
func (h *MatchmakingHandler) GetLobby(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	reqs, err := h.requests.ListRequests(ctx)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch lobby")
		return
	}
	entries := make([]LobbyEntry, 0, len(reqs))
	for _, q := range reqs {
		entries = append(entries, LobbyEntry{
			Rating:       q.Rating,
			Level:        q.CharacterLevel,
			WaitingSince: q.EnqueuedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, entries)
}
