package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses onto the storage errors the battle
// session already understands.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusConflict:
		return storage.ErrAlreadySearching
	case http.StatusNotFound:
		return storage.ErrNotFound
	}
	return nil
}

// API talks to a running server on behalf of one authenticated player. It
// satisfies battle.Matchmaker, battle.Settler and battle.StatusUpdater.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

type Option func(*API)

func WithHTTPClient(c *http.Client) Option {
	return func(a *API) { a.httpClient = c }
}

func New(baseURL, token string, logger *zap.Logger, opts ...Option) *API {
	a := &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        logger.Named("api_client"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Token() string { return a.token }

// Guest is the server's answer to a guest login.
type Guest struct {
	Token     string              `json:"token"`
	UserID    string              `json:"userId"`
	ExpiresIn int64               `json:"expiresIn"`
	Profile   *models.UserProfile `json:"profile"`
}

// Login creates a guest identity and returns an API bound to its token.
func Login(ctx context.Context, baseURL, displayName string, logger *zap.Logger, opts ...Option) (*API, *Guest, error) {
	a := New(baseURL, "", logger, opts...)
	var g Guest
	if err := a.do(ctx, http.MethodPost, "/api/auth/guest", map[string]string{"displayName": displayName}, &g); err != nil {
		return nil, nil, fmt.Errorf("guest login: %w", err)
	}
	a.token = g.Token
	return a, &g, nil
}

// Enqueue joins the matchmaking queue. userID must be the token's owner.
func (a *API) Enqueue(ctx context.Context, userID string, stats models.PlayerStats) error {
	body := map[string]int{"rating": stats.Rating, "level": stats.Level}
	return a.do(ctx, http.MethodPost, "/api/matchmaking/join", body, nil)
}

func (a *API) Cancel(ctx context.Context, userID string) error {
	return a.do(ctx, http.MethodPost, "/api/matchmaking/leave", nil, nil)
}

func (a *API) Settle(ctx context.Context, report models.SettlementReport) (*models.SettlementResult, error) {
	var res models.SettlementResult
	path := "/api/battles/" + url.PathEscape(report.BattleID) + "/settle"
	if err := a.do(ctx, http.MethodPost, path, report, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *API) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	return a.do(ctx, http.MethodPut, "/api/me/status", map[string]models.UserStatus{"status": status}, nil)
}

func (a *API) Me(ctx context.Context) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := a.do(ctx, http.MethodGet, "/api/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *API) Battle(ctx context.Context, battleID string) (*models.Battle, error) {
	var b models.Battle
	if err := a.do(ctx, http.MethodGet, "/api/battles/"+url.PathEscape(battleID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request to %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		a.log.Debug("request rejected", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
