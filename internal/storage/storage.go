package storage

import (
	"context"
	"errors"
	"time"

	"pvp-battle/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadySearching = errors.New("already searching")
)

// QueueStore holds matchmaking requests, at most one per user.
type QueueStore interface {
	// InsertRequest fails with ErrAlreadySearching when the user has a request.
	InsertRequest(ctx context.Context, req models.MatchRequest) error
	// DeleteRequest reports whether a request was removed.
	DeleteRequest(ctx context.Context, userID string) (bool, error)
	GetRequest(ctx context.Context, userID string) (*models.MatchRequest, error)
	// ListRequests returns every waiting request, oldest first.
	ListRequests(ctx context.Context) ([]models.MatchRequest, error)
	// DeleteExpiredRequests removes and returns requests enqueued before cutoff.
	DeleteExpiredRequests(ctx context.Context, cutoff time.Time) ([]models.MatchRequest, error)
}

// BattleStore holds battle records.
type BattleStore interface {
	CreateBattle(ctx context.Context, b *models.Battle) error
	GetBattle(ctx context.Context, id string) (*models.Battle, error)
	// FinalizeBattle writes the final record only while the stored battle is
	// still fighting. It reports whether this call performed the write.
	FinalizeBattle(ctx context.Context, b *models.Battle) (bool, error)
	ListStaleBattles(ctx context.Context, startedBefore time.Time, limit int) ([]models.Battle, error)
	ListBattlesByPlayer(ctx context.Context, userID string, limit int) ([]models.Battle, error)
}

// ProfileStore holds per-user progression and status.
type ProfileStore interface {
	// EnsureProfile inserts p unless a profile with the same id exists.
	EnsureProfile(ctx context.Context, p *models.UserProfile) error
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	SetStatus(ctx context.Context, userID string, status models.UserStatus) error
	// ApplyOutcome credits an outcome at most once per (user, battle).
	ApplyOutcome(ctx context.Context, userID, battleID string, o models.BattleOutcome) (bool, error)
	TopProfiles(ctx context.Context, limit int) ([]models.UserProfile, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	QueueStore
	BattleStore
	ProfileStore
	Close(ctx context.Context) error
}
