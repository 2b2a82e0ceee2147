package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pvp-battle/internal/lock"
	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

const cleanupLockName = "stale_battle_cleanup"

// BattleOverBroadcaster tells connected peers that the server closed a battle.
type BattleOverBroadcaster interface {
	BroadcastBattleOver(b *models.Battle)
}

type CleanupConfig struct {
	Interval          time.Duration
	MaxBattleDuration time.Duration
	BatchSize         int
	LockTTL           time.Duration
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:          time.Minute,
		MaxBattleDuration: 10 * time.Minute,
		BatchSize:         100,
		LockTTL:           5 * time.Minute,
	}
}

// StaleBattleCleanupService periodically abandons battles that stayed in
// fighting past MaxBattleDuration, e.g. both peers vanished before settling.
type StaleBattleCleanupService struct {
	battles     storage.BattleStore
	completion  *BattleCompletionService
	locker      lock.Locker
	broadcaster BattleOverBroadcaster
	clock       clockwork.Clock
	cfg         CleanupConfig
	sched       gocron.Scheduler
	log         *zap.Logger
}

func NewStaleBattleCleanupService(
	battles storage.BattleStore,
	completion *BattleCompletionService,
	locker lock.Locker,
	broadcaster BattleOverBroadcaster,
	clock clockwork.Clock,
	cfg CleanupConfig,
	logger *zap.Logger,
) *StaleBattleCleanupService {
	def := DefaultCleanupConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBattleDuration <= 0 {
		cfg.MaxBattleDuration = def.MaxBattleDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	return &StaleBattleCleanupService{
		battles:     battles,
		completion:  completion,
		locker:      locker,
		broadcaster: broadcaster,
		clock:       clock,
		cfg:         cfg,
		log:         logger.Named("cleanup"),
	}
}

// Start schedules the sweep.
func (s *StaleBattleCleanupService) Start() error {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			s.RunPass(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		return err
	}
	s.sched = sched
	sched.Start()
	s.log.Info("stale battle cleanup started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("max_battle_duration", s.cfg.MaxBattleDuration))
	return nil
}

func (s *StaleBattleCleanupService) Stop() {
	if s.sched == nil {
		return
	}
	if err := s.sched.Shutdown(); err != nil {
		s.log.Warn("stopping scheduler", zap.Error(err))
	}
	s.log.Info("stale battle cleanup stopped")
}

// RunPass abandons every stale battle once, under the cleanup lock. It returns
// how many battles this pass closed.
func (s *StaleBattleCleanupService) RunPass(ctx context.Context) int {
	ok, err := s.locker.TryLock(ctx, cleanupLockName, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("acquiring cleanup lock", zap.Error(err))
		return 0
	}
	if !ok {
		return 0 // another instance is sweeping
	}
	defer s.locker.Unlock(context.Background(), cleanupLockName)

	cutoff := s.clock.Now().Add(-s.cfg.MaxBattleDuration)
	stale, err := s.battles.ListStaleBattles(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("querying stale battles", zap.Error(err))
		return 0
	}
	if len(stale) == 0 {
		return 0
	}
	s.log.Info("found stale battles", zap.Int("count", len(stale)))

	closed := 0
	for i := range stale {
		done, err := s.completion.Abandon(ctx, &stale[i])
		if err != nil {
			s.log.Error("abandoning battle", zap.String("battle_id", stale[i].ID), zap.Error(err))
			continue
		}
		if !done {
			continue // settled concurrently
		}
		closed++
		if s.broadcaster != nil {
			if b, err := s.battles.GetBattle(ctx, stale[i].ID); err == nil {
				s.broadcaster.BroadcastBattleOver(b)
			}
		}
	}
	return closed
}
