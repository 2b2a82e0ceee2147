package eventbus

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope is one channel frame crossing instances.
type Envelope struct {
	OriginMachineID string    `json:"originMachineId" bson:"originMachineId"`
	Topic           string    `json:"topic" bson:"topic"`
	Frame           []byte    `json:"frame" bson:"frame"`
	ExcludeUserID   string    `json:"excludeUserId,omitempty" bson:"excludeUserId,omitempty"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
}

// DeliverFunc delivers a frame published by instance origin to local
// websocket members of topic.
type DeliverFunc func(origin, topic string, frame []byte, excludeUserID string)

// Bus fans channel frames out to the other server instances. Frames published
// by this instance are never delivered back to it.
type Bus interface {
	MachineID() string
	Publish(topic string, frame []byte, excludeUserID string)
	Start()
	Stop()
}

type base struct {
	machineID string
	deliver   DeliverFunc
	log       *zap.Logger
}

func newBase(deliver DeliverFunc, logger *zap.Logger, name string) base {
	return base{
		machineID: uuid.NewString(),
		deliver:   deliver,
		log:       logger.Named("eventbus").Named(name),
	}
}

func (b *base) MachineID() string { return b.machineID }

func (b *base) envelope(topic string, frame []byte, exclude string) Envelope {
	return Envelope{
		OriginMachineID: b.machineID,
		Topic:           topic,
		Frame:           frame,
		ExcludeUserID:   exclude,
		CreatedAt:       time.Now(),
	}
}

// dispatch hands a remote envelope to the local hub; it reports whether the
// envelope was delivered.
func (b *base) dispatch(ev Envelope) bool {
	if ev.OriginMachineID == b.machineID || b.deliver == nil {
		return false // already delivered locally
	}
	b.deliver(ev.OriginMachineID, ev.Topic, ev.Frame, ev.ExcludeUserID)
	return true
}

// Local is the single-instance bus: Publish is a no-op.
type Local struct {
	base
}

func NewLocal(logger *zap.Logger) *Local {
	return &Local{base: newBase(nil, logger, "local")}
}

func (l *Local) Publish(string, []byte, string) {}

func (l *Local) Start() {
	l.log.Info("running in local-only mode")
}

func (l *Local) Stop() {}
