package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pvp-battle/internal/lock"
	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

const lockName = "matchmaking"

// Config controls pairing. The acceptable rating gap for a request starts at
// InitialBand and grows by BandStep every BandInterval of waiting, up to MaxBand.
type Config struct {
	InitialBand     int           `json:"initialBand"`
	BandStep        int           `json:"bandStep"`
	BandInterval    time.Duration `json:"bandInterval"`
	MaxBand         int           `json:"maxBand"`
	MaxLevelGap     int           `json:"maxLevelGap"` // 0 disables the level check
	RequestTTL      time.Duration `json:"requestTtl"`
	ProcessInterval time.Duration `json:"processInterval"`
}

func DefaultConfig() Config {
	return Config{
		InitialBand:     100,
		BandStep:        50,
		BandInterval:    5 * time.Second,
		MaxBand:         400,
		RequestTTL:      30 * time.Second,
		ProcessInterval: time.Second,
	}
}

// MatchNotifier is called once per matched player.
type MatchNotifier func(userID string, found models.MatchFound)

// ExpiryNotifier is called for each request removed by the TTL sweep.
type ExpiryNotifier func(userID string)

var errClaimLost = errors.New("request no longer waiting")

type Queue struct {
	queue   storage.QueueStore
	battles storage.BattleStore
	locker  lock.Locker
	clock   clockwork.Clock
	cfg     Config
	log     *zap.Logger

	matchNotifier  MatchNotifier
	expiryNotifier ExpiryNotifier

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(queue storage.QueueStore, battles storage.BattleStore, locker lock.Locker, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if locker == nil {
		locker = lock.NewLocal(clock)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = def.ProcessInterval
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = def.RequestTTL
	}
	if cfg.BandInterval <= 0 {
		cfg.BandInterval = def.BandInterval
	}
	return &Queue{
		queue:   queue,
		battles: battles,
		locker:  locker,
		clock:   clock,
		cfg:     cfg,
		log:     logger.Named("matchmaking"),
		stopCh:  make(chan struct{}),
	}
}

// SetMatchNotifier registers a callback invoked for both players of a new battle.
func (q *Queue) SetMatchNotifier(fn MatchNotifier) {
	q.matchNotifier = fn
}

// SetExpiryNotifier registers a callback invoked when a request times out.
func (q *Queue) SetExpiryNotifier(fn ExpiryNotifier) {
	q.expiryNotifier = fn
}

// Start begins the background matching loop
func (q *Queue) Start() {
	ticker := q.clock.NewTicker(q.cfg.ProcessInterval)
	q.wg.Add(1)
	go q.processLoop(ticker)
	q.log.Info("matchmaking queue started", zap.Duration("interval", q.cfg.ProcessInterval))
}

// Stop halts the background matching loop
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	q.log.Info("matchmaking queue stopped")
}

// Enqueue registers a searching player. It fails with storage.ErrAlreadySearching
// when the player already has a request.
func (q *Queue) Enqueue(ctx context.Context, userID string, stats models.PlayerStats) error {
	if userID == "" {
		return fmt.Errorf("enqueue: empty user id")
	}
	req := models.MatchRequest{
		UserID:         userID,
		Rating:         stats.Rating,
		CharacterLevel: stats.Level,
		EnqueuedAt:     q.clock.Now(),
	}
	if err := q.queue.InsertRequest(ctx, req); err != nil {
		return err
	}
	q.log.Debug("player enqueued",
		zap.String("user_id", userID),
		zap.Int("rating", stats.Rating),
		zap.Int("level", stats.Level))
	return nil
}

// Cancel removes the player's request if there is one.
func (q *Queue) Cancel(ctx context.Context, userID string) error {
	removed, err := q.queue.DeleteRequest(ctx, userID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", userID, err)
	}
	if removed {
		q.log.Debug("player left queue", zap.String("user_id", userID))
	}
	return nil
}

// Status reports whether the player is searching and for how long.
func (q *Queue) Status(ctx context.Context, userID string) (*models.QueueStatus, error) {
	req, err := q.queue.GetRequest(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.QueueStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.QueueStatus{
		Searching:   true,
		WaitSeconds: int(q.clock.Since(req.EnqueuedAt).Seconds()),
		Rating:      req.Rating,
	}, nil
}

func (q *Queue) processLoop(ticker clockwork.Ticker) {
	defer q.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessInterval*5)
			q.processMatches(ctx)
			cancel()
		case <-q.stopCh:
			return
		}
	}
}

// processMatches expires stale requests and pairs the rest FIFO. A
// distributed lock keeps two instances from pairing the same requests.
func (q *Queue) processMatches(ctx context.Context) {
	ok, err := q.locker.TryLock(ctx, lockName, 5*q.cfg.ProcessInterval)
	if err != nil {
		q.log.Warn("matchmaking lock failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := q.locker.Unlock(context.Background(), lockName); err != nil {
			q.log.Warn("matchmaking unlock failed", zap.Error(err))
		}
	}()

	q.expireRequests(ctx)

	waiting, err := q.queue.ListRequests(ctx)
	if err != nil {
		q.log.Error("listing waiting players", zap.Error(err))
		return
	}
	if len(waiting) < 2 {
		return
	}

	now := q.clock.Now()
	matched := make(map[string]bool, len(waiting))
	for i := range waiting {
		a := waiting[i]
		if matched[a.UserID] {
			continue
		}
		for j := i + 1; j < len(waiting); j++ {
			b := waiting[j]
			if matched[b.UserID] || !q.compatible(a, b, now) {
				continue
			}
			err := q.createMatch(ctx, a, b)
			if errors.Is(err, errClaimLost) {
				// one of them left between listing and claiming
				if _, err := q.queue.GetRequest(ctx, a.UserID); err != nil {
					break
				}
				matched[b.UserID] = true
				continue
			}
			if err != nil {
				q.log.Error("creating match", zap.Error(err))
				break
			}
			matched[a.UserID] = true
			matched[b.UserID] = true
			break
		}
	}
}

func (q *Queue) compatible(a, b models.MatchRequest, now time.Time) bool {
	if a.UserID == b.UserID {
		return false
	}
	if q.cfg.MaxLevelGap > 0 && abs(a.CharacterLevel-b.CharacterLevel) > q.cfg.MaxLevelGap {
		return false
	}
	band := max(q.band(now.Sub(a.EnqueuedAt)), q.band(now.Sub(b.EnqueuedAt)))
	return abs(a.Rating-b.Rating) <= band
}

// band is the acceptable rating gap after waiting for wait.
func (q *Queue) band(wait time.Duration) int {
	if wait < 0 {
		wait = 0
	}
	steps := int(wait / q.cfg.BandInterval)
	b := q.cfg.InitialBand + steps*q.cfg.BandStep
	if q.cfg.MaxBand > 0 && b > q.cfg.MaxBand {
		b = q.cfg.MaxBand
	}
	return b
}

// createMatch claims both requests, creates the battle and notifies both
// players. The earlier request takes the player1 slot.
func (q *Queue) createMatch(ctx context.Context, a, b models.MatchRequest) error {
	gotA, err := q.queue.DeleteRequest(ctx, a.UserID)
	if err != nil {
		return err
	}
	if !gotA {
		return errClaimLost
	}
	gotB, err := q.queue.DeleteRequest(ctx, b.UserID)
	if err != nil || !gotB {
		q.restore(ctx, a)
		if err != nil {
			return err
		}
		return errClaimLost
	}

	battle := models.NewBattle(uuid.NewString(), a.UserID, b.UserID, q.clock.Now())
	if err := q.battles.CreateBattle(ctx, battle); err != nil {
		q.restore(ctx, a)
		q.restore(ctx, b)
		return fmt.Errorf("create battle: %w", err)
	}

	q.log.Info("players matched",
		zap.String("battle_id", battle.ID),
		zap.String("player1", a.UserID),
		zap.Int("rating1", a.Rating),
		zap.String("player2", b.UserID),
		zap.Int("rating2", b.Rating))

	if q.matchNotifier != nil {
		q.matchNotifier(a.UserID, models.MatchFound{
			BattleID:       battle.ID,
			OpponentID:     b.UserID,
			OpponentRating: b.Rating,
			Battle:         battle.Clone(),
		})
		q.matchNotifier(b.UserID, models.MatchFound{
			BattleID:       battle.ID,
			OpponentID:     a.UserID,
			OpponentRating: a.Rating,
			Battle:         battle.Clone(),
		})
	}
	return nil
}

func (q *Queue) restore(ctx context.Context, req models.MatchRequest) {
	if err := q.queue.InsertRequest(ctx, req); err != nil && !errors.Is(err, storage.ErrAlreadySearching) {
		q.log.Warn("restoring queue entry", zap.String("user_id", req.UserID), zap.Error(err))
	}
}

func (q *Queue) expireRequests(ctx context.Context) {
	expired, err := q.queue.DeleteExpiredRequests(ctx, q.clock.Now().Add(-q.cfg.RequestTTL))
	if err != nil {
		q.log.Error("expiring queue entries", zap.Error(err))
		return
	}
	for _, r := range expired {
		q.log.Info("queue entry expired", zap.String("user_id", r.UserID))
		if q.expiryNotifier != nil {
			q.expiryNotifier(r.UserID)
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
