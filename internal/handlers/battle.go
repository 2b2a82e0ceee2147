package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pvp-battle/internal/audit"
	"pvp-battle/internal/middleware"
	"pvp-battle/internal/models"
	"pvp-battle/internal/services"
	"pvp-battle/internal/storage"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type BattleHandler struct {
	battles    storage.BattleStore
	completion *services.BattleCompletionService
	audit      *audit.Recorder
	log        *zap.Logger
}

func NewBattleHandler(battles storage.BattleStore, completion *services.BattleCompletionService, recorder *audit.Recorder, logger *zap.Logger) *BattleHandler {
	return &BattleHandler{
		battles:    battles,
		completion: completion,
		audit:      recorder,
		log:        logger.Named("battle_api"),
	}
}

// GetBattle returns a battle the caller took part in.
func (h *BattleHandler) GetBattle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := h.battles.GetBattle(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Battle not found")
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load battle")
		return
	}
	if !b.HasPlayer(middleware.UserIDFromContext(r.Context())) {
		respondWithError(w, http.StatusForbidden, "Not a participant")
		return
	}
	respondWithJSON(w, http.StatusOK, b)
}

// SettleBattle accepts a peer's settlement report and answers with the
// authoritative result.
func (h *BattleHandler) SettleBattle(w http.ResponseWriter, r *http.Request) {
	var report models.SettlementReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	report.BattleID = mux.Vars(r)["id"]
	report.ReporterID = userID

	res, err := h.completion.Settle(r.Context(), report)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, res)
	case errors.Is(err, services.ErrInvalidReport):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Battle not found")
	case errors.Is(err, services.ErrNotParticipant):
		if h.audit != nil {
			h.audit.LogRequest(r, audit.EventSettleRejected, userID, "battle="+report.BattleID)
		}
		respondWithError(w, http.StatusForbidden, "Not a participant")
	default:
		h.log.Error("settling battle", zap.String("battle_id", report.BattleID), zap.String("user_id", userID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to settle battle")
	}
}

// GetHistory lists the caller's battles, newest first.
func (h *BattleHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	battles, err := h.battles.ListBattlesByPlayer(r.Context(), middleware.UserIDFromContext(r.Context()), limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if battles == nil {
		battles = []models.Battle{}
	}
	respondWithJSON(w, http.StatusOK, battles)
}

func parseLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
