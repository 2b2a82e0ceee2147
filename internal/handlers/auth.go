package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pvp-battle/internal/audit"
	"pvp-battle/internal/auth"
	"pvp-battle/internal/middleware"
	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
	"pvp-battle/internal/utils"
)

type AuthHandler struct {
	profiles   storage.ProfileStore
	jwtService *auth.JWTService
	audit      *audit.Recorder
	clock      clockwork.Clock
	log        *zap.Logger
}

func NewAuthHandler(profiles storage.ProfileStore, jwtService *auth.JWTService, recorder *audit.Recorder, clock clockwork.Clock, logger *zap.Logger) *AuthHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuthHandler{
		profiles:   profiles,
		jwtService: jwtService,
		audit:      recorder,
		clock:      clock,
		log:        logger.Named("auth"),
	}
}

// Request/Response types
type GuestRequest struct {
	DisplayName string `json:"displayName,omitempty"`
}

type GuestResponse struct {
	Token     string              `json:"token"`
	UserID    string              `json:"userId"`
	ExpiresIn int64               `json:"expiresIn"`
	Profile   *models.UserProfile `json:"profile"`
}

type StatusRequest struct {
	Status models.UserStatus `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateGuest issues a token for a fresh guest identity and creates its profile.
func (h *AuthHandler) CreateGuest(w http.ResponseWriter, r *http.Request) {
	var req GuestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	name := utils.SanitizeDisplayName(req.DisplayName)
	if name == "" {
		name = utils.GenerateRandomDisplayName()
	}

	now := h.clock.Now()
	profile := &models.UserProfile{
		UserID:          uuid.NewString(),
		DisplayName:     name,
		Status:          models.StatusOnline,
		Rating:          models.DefaultRating,
		RewardedBattles: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.profiles.EnsureProfile(r.Context(), profile); err != nil {
		h.log.Error("creating guest profile", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to create guest")
		return
	}

	token, err := h.jwtService.GenerateAccessToken(profile.UserID, name, true)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	if h.audit != nil {
		h.audit.LogRequest(r, audit.EventGuestCreated, profile.UserID, name)
	}
	respondWithJSON(w, http.StatusCreated, GuestResponse{
		Token:     token,
		UserID:    profile.UserID,
		ExpiresIn: int64(h.jwtService.AccessTTL() / time.Second),
		Profile:   profile,
	})
}

// GetMe returns the current user's profile
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	profile, err := h.profiles.GetProfile(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}
	respondWithJSON(w, http.StatusOK, profile)
}

// UpdateStatus sets the caller's presence status.
func (h *AuthHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch req.Status {
	case models.StatusOnline, models.StatusSearchingBattle, models.StatusInBattle, models.StatusOffline:
	default:
		respondWithError(w, http.StatusBadRequest, "Unknown status")
		return
	}

	userID := middleware.UserIDFromContext(r.Context())
	err := h.profiles.SetStatus(r.Context(), userID, req.Status)
	if errors.Is(err, storage.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to update status")
		return
	}
	respondWithJSON(w, http.StatusOK, req)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
