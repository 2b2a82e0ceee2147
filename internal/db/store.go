package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pvp-battle/internal/models"
	"pvp-battle/internal/storage"
)

// Store implements storage.Store on MongoDB.
type Store struct {
	*MongoDB
}

var _ storage.Store = (*Store)(nil)

func NewStore(m *MongoDB) *Store {
	return &Store{MongoDB: m}
}

func (s *Store) InsertRequest(ctx context.Context, req models.MatchRequest) error {
	_, err := s.MatchmakingQueue().InsertOne(ctx, req)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrAlreadySearching
	}
	if err != nil {
		return fmt.Errorf("insert match request: %w", err)
	}
	return nil
}

func (s *Store) DeleteRequest(ctx context.Context, userID string) (bool, error) {
	res, err := s.MatchmakingQueue().DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		return false, fmt.Errorf("delete match request: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) GetRequest(ctx context.Context, userID string) (*models.MatchRequest, error) {
	var req models.MatchRequest
	err := s.MatchmakingQueue().FindOne(ctx, bson.M{"_id": userID}).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match request: %w", err)
	}
	return &req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]models.MatchRequest, error) {
	opts := options.Find().SetSort(bson.D{{Key: "searchingSince", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.MatchmakingQueue().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list match requests: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.MatchRequest
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpiredRequests deletes one by one so that only requests this call
// actually removed are returned.
func (s *Store) DeleteExpiredRequests(ctx context.Context, cutoff time.Time) ([]models.MatchRequest, error) {
	cursor, err := s.MatchmakingQueue().Find(ctx, bson.M{"searchingSince": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("find expired requests: %w", err)
	}
	var candidates []models.MatchRequest
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, err
	}

	var removed []models.MatchRequest
	for _, req := range candidates {
		res, err := s.MatchmakingQueue().DeleteOne(ctx, bson.M{"_id": req.UserID, "searchingSince": bson.M{"$lt": cutoff}})
		if err != nil {
			return removed, fmt.Errorf("delete expired request %s: %w", req.UserID, err)
		}
		if res.DeletedCount > 0 {
			removed = append(removed, req)
		}
	}
	return removed, nil
}

func (s *Store) CreateBattle(ctx context.Context, b *models.Battle) error {
	if _, err := s.Battles().InsertOne(ctx, b); err != nil {
		return fmt.Errorf("create battle: %w", err)
	}
	return nil
}

func (s *Store) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	var b models.Battle
	err := s.Battles().FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get battle: %w", err)
	}
	return &b, nil
}

// FinalizeBattle replaces the document only while it is still fighting, so a
// second report or the cleanup sweep can never overwrite a settled battle.
func (s *Store) FinalizeBattle(ctx context.Context, b *models.Battle) (bool, error) {
	res, err := s.Battles().ReplaceOne(ctx,
		bson.M{"_id": b.ID, "status": string(models.BattleStatusFighting)},
		b,
	)
	if err != nil {
		return false, fmt.Errorf("finalize battle: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	n, err := s.Battles().CountDocuments(ctx, bson.M{"_id": b.ID})
	if err != nil {
		return false, fmt.Errorf("finalize battle: %w", err)
	}
	if n == 0 {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (s *Store) ListStaleBattles(ctx context.Context, startedBefore time.Time, limit int) ([]models.Battle, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.Battles().Find(ctx, bson.M{
		"status":    string(models.BattleStatusFighting),
		"createdAt": bson.M{"$lt": startedBefore},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("list stale battles: %w", err)
	}
	var out []models.Battle
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListBattlesByPlayer(ctx context.Context, userID string, limit int) ([]models.Battle, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.Battles().Find(ctx, bson.M{
		"$or": []bson.M{{"player1Id": userID}, {"player2Id": userID}},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("list battles: %w", err)
	}
	var out []models.Battle
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) EnsureProfile(ctx context.Context, p *models.UserProfile) error {
	doc := *p
	if doc.RewardedBattles == nil {
		doc.RewardedBattles = []string{} // $push needs an array, not null
	}
	_, err := s.Profiles().InsertOne(ctx, &doc)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.Profiles().FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *Store) SetStatus(ctx context.Context, userID string, status models.UserStatus) error {
	res, err := s.Profiles().UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"status": string(status), "updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ApplyOutcome is guarded by rewardedBattles: the update only matches while
// battleID is absent from the list.
func (s *Store) ApplyOutcome(ctx context.Context, userID, battleID string, o models.BattleOutcome) (bool, error) {
	now := time.Now()
	if err := s.EnsureProfile(ctx, &models.UserProfile{
		UserID:          userID,
		Status:          models.StatusOnline,
		Rating:          models.DefaultRating,
		RewardedBattles: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return false, err
	}

	inc := bson.M{
		"xp":            o.Rewards.XP,
		"coins":         o.Rewards.Coins,
		"rating":        o.Rewards.RatingDelta,
		"battlesPlayed": 1,
	}
	if o.Won {
		inc["wins"] = 1
	} else {
		inc["losses"] = 1
	}
	res, err := s.Profiles().UpdateOne(ctx,
		bson.M{"_id": userID, "rewardedBattles": bson.M{"$ne": battleID}},
		bson.M{
			"$inc":  inc,
			"$push": bson.M{"rewardedBattles": battleID},
			"$set":  bson.M{"status": string(models.StatusOnline), "updatedAt": now},
		},
	)
	if err != nil {
		return false, fmt.Errorf("apply outcome: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) TopProfiles(ctx context.Context, limit int) ([]models.UserProfile, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "rating", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"rewardedBattles": 0})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.Profiles().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("top profiles: %w", err)
	}
	var out []models.UserProfile
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
