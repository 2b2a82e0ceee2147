package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"pvp-battle/internal/middleware"
)

// API bundles the handlers served by one instance.
type API struct {
	Auth        *AuthHandler
	Matchmaking *MatchmakingHandler
	Battles     *BattleHandler
	Leaderboard *LeaderboardHandler
	WebSocket   *WebSocketHandler
	AuthMW      *middleware.AuthMiddleware
	Limiter     *middleware.RateLimiter // nil disables rate limiting
}

func (a *API) limit(cfg middleware.RateLimitConfig, h http.HandlerFunc) http.HandlerFunc {
	if a.Limiter == nil {
		return h
	}
	return a.Limiter.RateLimitHandler(cfg, middleware.GetClientIP, h)
}

// Router builds the route table.
func (a *API) Router() *mux.Router {
	router := mux.NewRouter()

	// WebSocket channels
	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(a.AuthMW.RequireAuth)
	ws.HandleFunc("/channels/{topic}", a.limit(middleware.WebSocketUpgradeLimit, a.WebSocket.HandleChannel)).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(middleware.SecurityHeaders())

	// Public routes
	api.HandleFunc("/auth/guest", a.limit(middleware.GuestCreationLimit, a.Auth.CreateGuest)).Methods("POST")
	api.HandleFunc("/leaderboard", a.Leaderboard.GetLeaderboard).Methods("GET")
	api.HandleFunc("/matchmaking/lobby", a.Matchmaking.GetLobby).Methods("GET")
	api.HandleFunc("/docs/protocol", ServeProtocolDocs).Methods("GET")

	me := api.PathPrefix("/me").Subrouter()
	me.Use(a.AuthMW.RequireAuth)
	me.HandleFunc("", a.Auth.GetMe).Methods("GET")
	me.HandleFunc("/status", a.Auth.UpdateStatus).Methods("PUT")

	matchApi := api.PathPrefix("/matchmaking").Subrouter()
	matchApi.Use(a.AuthMW.RequireAuth)
	matchApi.HandleFunc("/join", a.limit(middleware.MatchmakingLimit, a.Matchmaking.JoinQueue)).Methods("POST")
	matchApi.HandleFunc("/leave", a.limit(middleware.MatchmakingLimit, a.Matchmaking.LeaveQueue)).Methods("POST")
	matchApi.HandleFunc("/status", a.Matchmaking.GetQueueStatus).Methods("GET")

	battleApi := api.PathPrefix("/battles").Subrouter()
	battleApi.Use(a.AuthMW.RequireAuth)
	battleApi.HandleFunc("/history", a.Battles.GetHistory).Methods("GET")
	battleApi.HandleFunc("/{id}", a.Battles.GetBattle).Methods("GET")
	battleApi.HandleFunc("/{id}/settle", a.limit(middleware.SettleLimit, a.Battles.SettleBattle)).Methods("POST")

	// API Documentation
	router.HandleFunc("/docs", ServeAPIDocs).Methods("GET")
	router.HandleFunc("/health", Health).Methods("GET")

	return router
}
