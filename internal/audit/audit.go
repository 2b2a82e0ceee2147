package audit

import (
	"context"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"pvp-battle/internal/middleware"
)

// Event types for audit logging
const (
	EventGuestCreated     = "guest_created"
	EventMatchmakingJoin  = "matchmaking_join"
	EventBattleSettled    = "battle_settled"
	EventBattleAbandoned  = "battle_abandoned"
	EventSettleRejected   = "settle_rejected"
	EventChannelForbidden = "channel_forbidden"
)

// Event represents a security- or economy-relevant event.
type Event struct {
	Type      string    `bson:"eventType"`
	UserID    string    `bson:"userId,omitempty"`
	IP        string    `bson:"ip,omitempty"`
	UserAgent string    `bson:"userAgent,omitempty"`
	Details   string    `bson:"details,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Recorder writes audit events to the audit_log collection. Without a
// collection events only go to the log.
type Recorder struct {
	coll *mongo.Collection
	log  *zap.Logger
}

func NewRecorder(coll *mongo.Collection, logger *zap.Logger) *Recorder {
	return &Recorder{coll: coll, log: logger.Named("audit")}
}

// Record writes ev in the background (fire-and-forget).
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.log.Info("audit",
		zap.String("event", ev.Type),
		zap.String("user_id", ev.UserID),
		zap.String("details", ev.Details))
	if r.coll == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.coll.InsertOne(ctx, bson.M{
			"eventType": ev.Type,
			"userId":    ev.UserID,
			"ip":        ev.IP,
			"userAgent": ev.UserAgent,
			"details":   ev.Details,
			"createdAt": ev.CreatedAt,
		}); err != nil {
			r.log.Warn("audit log write failed", zap.Error(err))
		}
	}()
}

// LogRequest records an event caused by an HTTP request.
func (r *Recorder) LogRequest(req *http.Request, eventType, userID, details string) {
	r.Record(req.Context(), Event{
		Type:      eventType,
		UserID:    userID,
		IP:        middleware.GetClientIP(req),
		UserAgent: req.UserAgent(),
		Details:   details,
	})
}
