// Package sqlstore implements storage.Store on PostgreSQL through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&queueRow{}, &battleRow{}, &profileRow{}, &rewardRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) InsertRequest(ctx context.Context, req models.MatchRequest) error {
	err := s.db.WithContext(ctx).Create(&queueRow{
		UserID:         req.UserID,
		Rating:         req.Rating,
		CharacterLevel: req.CharacterLevel,
		SearchingSince: req.EnqueuedAt,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAlreadySearching
	}
	return err
}

func (s *Store) DeleteRequest(ctx context.Context, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&queueRow{})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) GetRequest(ctx context.Context, userID string) (*models.MatchRequest, error) {
	var row queueRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req := row.model()
	return &req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]models.MatchRequest, error) {
	var rows []queueRow
	if err := s.db.WithContext(ctx).Order("searching_since ASC, user_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.MatchRequest, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *Store) DeleteExpiredRequests(ctx context.Context, cutoff time.Time) ([]models.MatchRequest, error) {
	var rows []queueRow
	err := s.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("searching_since < ?", cutoff).
		Delete(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.MatchRequest, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (s *Store) CreateBattle(ctx context.Context, b *models.Battle) error {
	row, err := newBattleRow(b)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	var row battleRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.model()
}

// FinalizeBattle updates only while status is still fighting. A map is used
// so zero healths are written.
func (s *Store) FinalizeBattle(ctx context.Context, b *models.Battle) (bool, error) {
	row, err := newBattleRow(b)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&battleRow{}).
		Where("id = ? AND status = ?", b.ID, string(models.BattleStatusFighting)).
		Updates(map[string]interface{}{
			"player1_health":   row.Player1Health,
			"player2_health":   row.Player2Health,
			"status":           row.Status,
			"winner_id":        row.WinnerID,
			"rating_change_p1": row.RatingChangeP1,
			"rating_change_p2": row.RatingChangeP2,
			"battle_data":      row.BattleData,
			"end_reason":       row.EndReason,
			"ended_at":         row.EndedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&battleRow{}).Where("id = ?", b.ID).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListStaleBattles(ctx context.Context, startedBefore time.Time, limit int) ([]models.Battle, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(models.BattleStatusFighting), startedBefore).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.findBattles(q)
}

func (s *Store) ListBattlesByPlayer(ctx context.Context, userID string, limit int) ([]models.Battle, error) {
	q := s.db.WithContext(ctx).
		Where("player1_id = ? OR player2_id = ?", userID, userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.findBattles(q)
}

func (s *Store) findBattles(q *gorm.DB) ([]models.Battle, error) {
	var rows []battleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Battle, 0, len(rows))
	for _, r := range rows {
		b, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("battle %s: %w", r.ID, err)
		}
		out = append(out, *b)
	}
	return out, nil
}

func (s *Store) EnsureProfile(ctx context.Context, p *models.UserProfile) error {
	row := profileRow{
		UserID:        p.UserID,
		DisplayName:   p.DisplayName,
		Status:        string(p.Status),
		Rating:        p.Rating,
		XP:            p.XP,
		Coins:         p.Coins,
		Wins:          p.Wins,
		Losses:        p.Losses,
		BattlesPlayed: p.BattlesPlayed,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p := row.model()
	return &p, nil
}

func (s *Store) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	res := s.db.WithContext(ctx).Model(&profileRow{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"status": string(status), "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ApplyOutcome inserts the reward marker and the profile increments in one
// transaction; a duplicate marker means the battle was already credited.
func (s *Store) ApplyOutcome(ctx context.Context, userID, battleID string, o models.BattleOutcome) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rewardRow{UserID: userID, BattleID: battleID, CreatedAt: now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&profileRow{
			UserID:    userID,
			Status:    string(models.StatusOnline),
			Rating:    models.DefaultRating,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"xp":             gorm.Expr("xp + ?", o.Rewards.XP),
			"coins":          gorm.Expr("coins + ?", o.Rewards.Coins),
			"rating":         gorm.Expr("rating + ?", o.Rewards.RatingDelta),
			"battles_played": gorm.Expr("battles_played + 1"),
			"status":         string(models.StatusOnline),
			"updated_at":     now,
		}
		if o.Won {
			updates["wins"] = gorm.Expr("wins + 1")
		} else {
			updates["losses"] = gorm.Expr("losses + 1")
		}
		if err := tx.Model(&profileRow{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) TopProfiles(ctx context.Context, limit int) ([]models.UserProfile, error) {
	q := s.db.WithContext(ctx).Order("rating DESC, user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []profileRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.UserProfile, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}
