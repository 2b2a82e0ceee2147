package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"pvp-battle/internal/channel"
	"pvp-battle/internal/damage"
	"pvp-battle/internal/events"
	"pvp-battle/internal/models"
	"pvp-battle/internal/presence"
	"pvp-battle/internal/rating"
)

const (
	DefaultMatchmakingTimeout = 30 * time.Second
	DefaultSettleTimeout      = 5 * time.Second
	DefaultJoinTimeout        = 10 * time.Second
)

var ErrPersistence = errors.New("settlement persistence failed")

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindConnection  ErrorKind = "connection"
	KindPersistence ErrorKind = "persistence"
)

// OpError is the payload error of an events.Error event.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Matchmaker registers and withdraws searching players.
type Matchmaker interface {
	Enqueue(ctx context.Context, userID string, stats models.PlayerStats) error
	Cancel(ctx context.Context, userID string) error
}

// Settler records a finished battle with whoever holds the authoritative copy.
type Settler interface {
	Settle(ctx context.Context, report models.SettlementReport) (*models.SettlementResult, error)
}

// StatusUpdater publishes the player's presence status to their profile.
type StatusUpdater interface {
	SetStatus(ctx context.Context, userID string, status models.UserStatus) error
}

type Config struct {
	UserID             string
	MatchmakingTimeout time.Duration
	GracePeriod        time.Duration
	SettleTimeout      time.Duration
	JoinTimeout        time.Duration
	Rewards            rating.RewardTable
}

type Deps struct {
	Transport  channel.Transport
	Matchmaker Matchmaker
	Settler    Settler       // optional
	Status     StatusUpdater // optional
	Clock      clockwork.Clock
	Resolver   *damage.Resolver
	Rating     rating.Policy
	Logger     *zap.Logger
}

// State is a point-in-time view of the session.
type State struct {
	State             models.PeerState `json:"state"`
	Battle            *models.Battle   `json:"battle,omitempty"`
	MoveQueue         []models.Move    `json:"moveQueue"`
	OpponentConnected bool             `json:"opponentConnected"`
	Divergences       int              `json:"divergences"`
}

// Session is one player's side of the battle protocol: matchmaking, the
// battle channel, the local replica and settlement. All state lives behind mu;
// events are queued under mu and delivered after it is released.
type Session struct {
	cfg        Config
	transport  channel.Transport
	matchmaker Matchmaker
	settler    Settler
	status     StatusUpdater
	clock      clockwork.Clock
	resolver   *damage.Resolver
	policy     rating.Policy
	emitter    *events.Emitter
	log        *zap.Logger

	mu     sync.Mutex
	state  models.PeerState
	closed bool
	stats  models.PlayerStats

	// current search
	search      uint64
	searchTimer clockwork.Timer
	mmChannel   channel.Channel

	// current battle
	battleGen        uint64
	battle           *models.Battle
	opponentRating   int
	battleCh         channel.Channel
	tracker          *presence.Tracker
	moveQueue        []models.Move
	applied          map[string]struct{}
	seq              uint64
	opponentHPAtDrop int
	divergences      int

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("battle session: empty user id")
	}
	if deps.Transport == nil || deps.Matchmaker == nil {
		return nil, errors.New("battle session: transport and matchmaker are required")
	}
	if cfg.MatchmakingTimeout <= 0 {
		cfg.MatchmakingTimeout = DefaultMatchmakingTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = presence.DefaultGracePeriod
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultSettleTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Rewards == (rating.RewardTable{}) {
		cfg.Rewards = rating.DefaultRewards
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Resolver == nil {
		deps.Resolver = damage.New(nil)
	}
	if deps.Rating == nil {
		deps.Rating = rating.DefaultFixed
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Session{
		cfg:        cfg,
		transport:  deps.Transport,
		matchmaker: deps.Matchmaker,
		settler:    deps.Settler,
		status:     deps.Status,
		clock:      deps.Clock,
		resolver:   deps.Resolver,
		policy:     deps.Rating,
		emitter:    events.NewEmitter(),
		log:        deps.Logger.Named("battle").With(zap.String("user_id", cfg.UserID)),
		state:      models.PeerIdle,
	}, nil
}

func (s *Session) UserID() string { return s.cfg.UserID }

// On subscribes to one event kind. The returned func unsubscribes.
func (s *Session) On(kind events.Kind, h events.Handler) func() {
	return s.emitter.On(kind, h)
}

// OnAll subscribes to every event kind.
func (s *Session) OnAll(h events.Handler) func() {
	return s.emitter.OnAll(h)
}

// Snapshot returns the current state, replica and move queue.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		State:       s.state,
		Battle:      s.battle.Clone(),
		MoveQueue:   append([]models.Move(nil), s.moveQueue...),
		Divergences: s.divergences,
	}
	if s.tracker != nil {
		st.OpponentConnected = s.tracker.OpponentConnected()
	}
	return st
}

// Cleanup releases channels, timers and any queue entry from whatever state
// the session is in, and returns it to idle. Safe to call repeatedly.
func (s *Session) Cleanup() {
	s.mu.Lock()
	wasSearching := s.state == models.PeerSearching
	s.search++
	mm := s.stopSearchLocked()
	bc := s.resetBattleLocked()
	s.state = models.PeerIdle
	s.mu.Unlock()

	closeChannel(mm)
	closeChannel(bc)
	if wasSearching {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
		if err := s.matchmaker.Cancel(ctx, s.cfg.UserID); err != nil {
			s.log.Warn("leaving queue during cleanup", zap.Error(err))
		}
		cancel()
	}
}

// Close cleans up and waits for background work such as in-flight settlement.
// No operation succeeds afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Cleanup()
	s.wg.Wait()
}

// emitLocked queues an event; it is delivered by the next flush.
func (s *Session) emitLocked(kind events.Kind, payload any) {
	s.emitter.Enqueue(events.Event{Kind: kind, Payload: payload})
}

func (s *Session) errorLocked(op string, kind ErrorKind, err error) {
	s.emitLocked(events.Error, events.ErrorPayload{Op: op, Err: &OpError{Op: op, Kind: kind, Err: err}})
}

// unlock releases mu and delivers everything queued while it was held.
func (s *Session) unlock() {
	s.mu.Unlock()
	s.emitter.Drain()
}

func (s *Session) setStatus(status models.UserStatus) {
	if s.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SettleTimeout)
	defer cancel()
	if err := s.status.SetStatus(ctx, s.cfg.UserID, status); err != nil {
		s.log.Warn("updating profile status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (s *Session) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func closeChannel(ch channel.Channel) {
	if ch != nil {
		ch.Close()
	}
}
