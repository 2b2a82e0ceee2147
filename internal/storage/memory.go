package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"pvp-battle/internal/models"
)

// Memory is an in-process Store for tests, simulations and single-instance
// development servers.
type Memory struct {
	mu       sync.Mutex
	requests map[string]models.MatchRequest
	battles  map[string]*models.Battle
	profiles map[string]*models.UserProfile
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]models.MatchRequest),
		battles:  make(map[string]*models.Battle),
		profiles: make(map[string]*models.UserProfile),
		now:      time.Now,
	}
}

func (m *Memory) InsertRequest(ctx context.Context, req models.MatchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.UserID]; ok {
		return ErrAlreadySearching
	}
	m.requests[req.UserID] = req
	return nil
}

func (m *Memory) DeleteRequest(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[userID]
	delete(m.requests, userID)
	return ok, nil
}

func (m *Memory) GetRequest(ctx context.Context, userID string) (*models.MatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

func (m *Memory) ListRequests(ctx context.Context) ([]models.MatchRequest, error) {
	m.mu.Lock()
	out := make([]models.MatchRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (m *Memory) DeleteExpiredRequests(ctx context.Context, cutoff time.Time) ([]models.MatchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []models.MatchRequest
	for id, r := range m.requests {
		if r.EnqueuedAt.Before(cutoff) {
			expired = append(expired, r)
			delete(m.requests, id)
		}
	}
	return expired, nil
}

func (m *Memory) CreateBattle(ctx context.Context, b *models.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.ID] = b.Clone()
	return nil
}

func (m *Memory) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) FinalizeBattle(ctx context.Context, b *models.Battle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.battles[b.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != models.BattleStatusFighting {
		return false, nil
	}
	m.battles[b.ID] = b.Clone()
	return true, nil
}

func (m *Memory) ListStaleBattles(ctx context.Context, startedBefore time.Time, limit int) ([]models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Battle
	for _, b := range m.battles {
		if b.Status == models.BattleStatusFighting && b.CreatedAt.Before(startedBefore) {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListBattlesByPlayer(ctx context.Context, userID string, limit int) ([]models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Battle
	for _, b := range m.battles {
		if b.HasPlayer(userID) {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EnsureProfile(ctx context.Context, p *models.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.UserID]; ok {
		return nil
	}
	c := *p
	m.profiles[p.UserID] = &c
	return nil
}

func (m *Memory) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.RewardedBattles = slices.Clone(p.RewardedBattles)
	return &c, nil
}

func (m *Memory) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ApplyOutcome(ctx context.Context, userID, battleID string, o models.BattleOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		p = &models.UserProfile{UserID: userID, Rating: models.DefaultRating, CreatedAt: m.now()}
		m.profiles[userID] = p
	}
	if slices.Contains(p.RewardedBattles, battleID) {
		return false, nil
	}
	p.RewardedBattles = append(p.RewardedBattles, battleID)
	p.XP += o.Rewards.XP
	p.Coins += o.Rewards.Coins
	p.Rating += o.Rewards.RatingDelta
	p.BattlesPlayed++
	if o.Won {
		p.Wins++
	} else {
		p.Losses++
	}
	p.Status = models.StatusOnline
	p.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) TopProfiles(ctx context.Context, limit int) ([]models.UserProfile, error) {
	m.mu.Lock()
	out := make([]models.UserProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, *p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating == out[j].Rating {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Rating > out[j].Rating
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }
