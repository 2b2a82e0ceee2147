package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pvp-battle/internal/audit"
	"pvp-battle/internal/auth"
	"pvp-battle/internal/client"
	"pvp-battle/internal/handlers"
	"pvp-battle/internal/matchmaking"
	"pvp-battle/internal/middleware"
	"pvp-battle/internal/models"
	"pvp-battle/internal/services"
	"pvp-battle/internal/storage"
)

type testServer struct {
	*httptest.Server
	store *storage.Memory
	hub   *handlers.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	hub := handlers.NewHub(nil, logger)
	go hub.Run(ctx)

	jwtService := auth.NewJWTService("test-secret", time.Hour)
	recorder := audit.NewRecorder(nil, logger)

	cfg := matchmaking.DefaultConfig()
	cfg.ProcessInterval = 20 * time.Millisecond
	queue := matchmaking.NewQueue(store, store, nil, nil, cfg, logger)
	queue.SetMatchNotifier(hub.NotifyMatchFound)
	queue.SetExpiryNotifier(hub.NotifyExpired)
	queue.Start()

	completion := services.NewBattleCompletionService(store, store, nil, logger, services.WithRecorder(recorder))
	api := &handlers.API{
		Auth:        handlers.NewAuthHandler(store, jwtService, recorder, nil, logger),
		Matchmaking: handlers.NewMatchmakingHandler(queue, store, recorder, logger),
		Battles:     handlers.NewBattleHandler(store, completion, recorder, logger),
		Leaderboard: handlers.NewLeaderboardHandler(store),
		WebSocket:   handlers.NewWebSocketHandler(hub, store, recorder, []string{"*"}, logger),
		AuthMW:      middleware.NewAuthMiddleware(jwtService, logger),
	}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		queue.Stop()
		cancel()
	})
	return &testServer{Server: srv, store: store, hub: hub}
}

func (s *testServer) login(t *testing.T, name string) (*client.API, *client.Guest) {
	t.Helper()
	api, guest, err := client.Login(context.Background(), s.URL, name, zap.NewNop())
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return api, guest
}

// dial opens a channel socket and returns the HTTP status of the handshake.
func (s *testServer) dial(t *testing.T, topic, token string) (*websocket.Conn, int) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/channels/" + url.PathEscape(topic)
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		if resp == nil {
			t.Fatalf("dial %s: %v", topic, err)
		}
		return nil, resp.StatusCode
	}
	t.Cleanup(func() { conn.Close() })
	return conn, http.StatusSwitchingProtocols
}

func TestGuestLoginAndProfile(t *testing.T) {
	srv := newTestServer(t)
	api, guest := srv.login(t, "  Ann  ")

	if guest.Profile == nil || guest.Profile.DisplayName != "Ann" {
		t.Fatalf("guest profile = %+v", guest.Profile)
	}
	me, err := api.Me(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if me.UserID != guest.UserID || me.Rating != models.DefaultRating || me.Status != models.StatusOnline {
		t.Fatalf("me = %+v", me)
	}

	resp, err := http.Get(srv.URL + "/api/me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /api/me = %d", resp.StatusCode)
	}
}

func TestGuestWithoutNameGetsGeneratedOne(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/auth/guest", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var g client.Guest
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}
	if g.Token == "" || g.Profile == nil || g.Profile.DisplayName == "" {
		t.Fatalf("guest = %+v", g)
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	api, guest := srv.login(t, "Ann")

	if err := api.SetStatus(ctx, guest.UserID, models.StatusInBattle); err != nil {
		t.Fatal(err)
	}
	me, _ := api.Me(ctx)
	if me.Status != models.StatusInBattle {
		t.Fatalf("status = %s", me.Status)
	}

	err := api.SetStatus(ctx, guest.UserID, "sleeping")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("unknown status err = %v", err)
	}
}

func TestJoinQueueTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	api, guest := srv.login(t, "Ann")

	if err := api.Enqueue(ctx, guest.UserID, models.PlayerStats{Rating: 1200, Level: 3}); err != nil {
		t.Fatal(err)
	}
	err := api.Enqueue(ctx, guest.UserID, models.PlayerStats{Rating: 1200, Level: 3})
	if !errors.Is(err, storage.ErrAlreadySearching) {
		t.Fatalf("second join = %v", err)
	}

	var lobby []handlers.LobbyEntry
	getJSON(t, srv.URL+"/api/matchmaking/lobby", &lobby)
	if len(lobby) != 1 || lobby[0].Rating != 1200 || lobby[0].Level != 3 {
		t.Fatalf("lobby = %+v", lobby)
	}

	if err := api.Cancel(ctx, guest.UserID); err != nil {
		t.Fatal(err)
	}
	if err := api.Cancel(ctx, guest.UserID); err != nil {
		t.Fatalf("leaving twice = %v", err)
	}
	getJSON(t, srv.URL+"/api/matchmaking/lobby", &lobby)
	if len(lobby) != 0 {
		t.Fatalf("lobby after leave = %+v", lobby)
	}
}

func TestChannelAuthorization(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	_, alice := srv.login(t, "Alice")
	_, bob := srv.login(t, "Bob")

	done := models.NewBattle("done", alice.UserID, bob.UserID, time.Now())
	done.Status = models.BattleStatusFinished
	srv.store.CreateBattle(ctx, done)
	srv.store.CreateBattle(ctx, models.NewBattle("live", alice.UserID, bob.UserID, time.Now()))
	srv.store.CreateBattle(ctx, models.NewBattle("others", "x", "y", time.Now()))

	cases := []struct {
		topic string
		token string
		want  int
	}{
		{"matchmaking:" + alice.UserID, "", http.StatusUnauthorized},
		{"lobby", alice.Token, http.StatusBadRequest},
		{"matchmaking:" + bob.UserID, alice.Token, http.StatusForbidden},
		{"battle:missing", alice.Token, http.StatusNotFound},
		{"battle:done", alice.Token, http.StatusConflict},
		{"battle:others", alice.Token, http.StatusForbidden},
		{"matchmaking:" + alice.UserID, alice.Token, http.StatusSwitchingProtocols},
		{"battle:live", bob.Token, http.StatusSwitchingProtocols},
	}
	for _, tc := range cases {
		if _, got := srv.dial(t, tc.topic, tc.token); got != tc.want {
			t.Errorf("%s: status %d, want %d", tc.topic, got, tc.want)
		}
	}
}

func TestSettleOverHTTP(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	alice, a := srv.login(t, "Alice")
	bob, b := srv.login(t, "Bob")
	mallory, _ := srv.login(t, "Mallory")

	srv.store.CreateBattle(ctx, models.NewBattle("b1", a.UserID, b.UserID, time.Now()))
	report := models.SettlementReport{
		BattleID:      "b1",
		WinnerID:      a.UserID,
		Player1Health: 60,
		Player2Health: 0,
		Reason:        models.EndReasonKO,
	}

	first, err := alice.Settle(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Recorded || !first.Outcome.Won || first.Outcome.Rewards.RatingDelta != 25 {
		t.Fatalf("winner result = %+v", first)
	}

	// the loser's report cannot change the stored winner
	report.WinnerID = b.UserID
	second, err := bob.Settle(ctx, report)
	if err != nil {
		t.Fatal(err)
	}
	if second.Recorded || second.Outcome.Won || second.Outcome.Rewards.RatingDelta != -15 {
		t.Fatalf("loser result = %+v", second)
	}
	if second.Battle.WinnerID != a.UserID {
		t.Fatalf("stored winner = %s", second.Battle.WinnerID)
	}

	var apiErr *client.APIError
	if _, err := mallory.Settle(ctx, report); !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("stranger settle = %v", err)
	}
	if _, err := mallory.Battle(ctx, "b1"); !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("stranger read = %v", err)
	}
	if _, err := alice.Settle(ctx, models.SettlementReport{BattleID: "nope"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown battle = %v", err)
	}

	me, _ := alice.Me(ctx)
	if me.Rating != models.DefaultRating+25 || me.Wins != 1 {
		t.Fatalf("alice after settle = %+v", me)
	}

	var board []models.LeaderboardEntry
	getJSON(t, srv.URL+"/api/leaderboard?limit=2", &board)
	if len(board) != 2 || board[0].UserID != a.UserID || board[0].Rank != 1 {
		t.Fatalf("leaderboard = %+v", board)
	}
}

func TestProtocolDocs(t *testing.T) {
	srv := newTestServer(t)
	var doc map[string]json.RawMessage
	getJSON(t, srv.URL+"/api/docs/protocol", &doc)
	for _, name := range []string{"frame", "move", "state_change", "battle_end", "match_found", "settlement_report"} {
		if _, ok := doc[name]; !ok {
			t.Errorf("protocol docs missing %s", name)
		}
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
