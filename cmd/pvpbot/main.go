// Command pvpbot plays complete battles, either as two in-process peers or as
// one peer against a running server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pvp-battle/internal/battle"
	"pvp-battle/internal/channel"
	"pvp-battle/internal/client"
	"pvp-battle/internal/damage"
	"pvp-battle/internal/events"
	"pvp-battle/internal/logging"
	"pvp-battle/internal/matchmaking"
	"pvp-battle/internal/models"
	"pvp-battle/internal/services"
	"pvp-battle/internal/storage"
)

var moveTypes = []models.MoveType{
	models.MoveLightAttack,
	models.MoveHeavyAttack,
	models.MoveSpecialAttack,
	models.MoveDefend,
}

type options struct {
	mode     string
	server   string
	name     string
	rating   int
	level    int
	interval time.Duration
	timeout  time.Duration
	logLevel string
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.mode, "mode", "local", "local (two in-process peers) or remote (one peer against -server)")
	flag.StringVar(&opts.server, "server", envOr("PVP_SERVER_URL", "http://localhost:8080"), "server base URL for remote mode")
	flag.StringVar(&opts.name, "name", "", "display name for remote mode")
	flag.IntVar(&opts.rating, "rating", models.DefaultRating, "rating to search with")
	flag.IntVar(&opts.level, "level", 1, "character level to search with")
	flag.DurationVar(&opts.interval, "interval", 200*time.Millisecond, "delay between moves")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up after this long")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	logger, err := logging.New(opts.logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	switch opts.mode {
	case "local":
		err = runLocal(ctx, opts, logger)
	case "remote":
		err = runRemote(ctx, opts, logger)
	default:
		err = fmt.Errorf("unknown mode %q", opts.mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvpbot: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runLocal wires two peers to the in-memory broker, the real queue and the
// completion service.
func runLocal(ctx context.Context, opts options, logger *zap.Logger) error {
	store := storage.NewMemory()
	broker := channel.NewBroker(logger)
	defer broker.Close()

	mmCfg := matchmaking.DefaultConfig()
	mmCfg.ProcessInterval = 100 * time.Millisecond
	queue := matchmaking.NewQueue(store, store, nil, nil, mmCfg, logger)
	queue.SetMatchNotifier(func(userID string, found models.MatchFound) {
		broker.Publish(channel.MatchmakingTopic(userID), channel.EventMatchFound, found)
	})
	queue.SetExpiryNotifier(func(userID string) {
		broker.Publish(channel.MatchmakingTopic(userID), channel.EventMatchmakingExpired, nil)
	})
	queue.Start()
	defer queue.Stop()

	completion := services.NewBattleCompletionService(store, store, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range []string{"bot-1", "bot-2"} {
		i, name := i, name
		store.EnsureProfile(ctx, &models.UserProfile{UserID: name, DisplayName: name, Rating: opts.rating, Status: models.StatusOnline})
		sess, err := battle.New(battle.Config{UserID: name}, battle.Deps{
			Transport:  broker,
			Matchmaker: queue,
			Settler:    completion,
			Status:     store,
			Resolver:   damage.NewSeeded(time.Now().UnixNano() + int64(i)),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer sess.Close()
		g.Go(func() error {
			stats := models.PlayerStats{Rating: opts.rating + 10*i, Level: opts.level}
			res, err := play(gctx, sess, stats, opts.interval)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			report(name, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	board, _ := store.TopProfiles(ctx, 2)
	for _, p := range board {
		fmt.Printf("%-6s rating=%d wins=%d losses=%d xp=%d coins=%d\n", p.UserID, p.Rating, p.Wins, p.Losses, p.XP, p.Coins)
	}
	return nil
}

func runRemote(ctx context.Context, opts options, logger *zap.Logger) error {
	api, guest, err := client.Login(ctx, opts.server, opts.name, logger)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (%s)\n", guest.Profile.DisplayName, guest.UserID)

	sess, err := battle.New(battle.Config{UserID: guest.UserID}, battle.Deps{
		Transport:  channel.NewWSTransport(opts.server, api.Token(), logger),
		Matchmaker: api,
		Settler:    api,
		Status:     api,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := play(ctx, sess, models.PlayerStats{Rating: opts.rating, Level: opts.level}, opts.interval)
	if err != nil {
		return err
	}
	report(guest.Profile.DisplayName, res)

	if me, err := api.Me(ctx); err == nil {
		fmt.Printf("profile rating=%d wins=%d losses=%d xp=%d coins=%d\n", me.Rating, me.Wins, me.Losses, me.XP, me.Coins)
	}
	return nil
}

// play searches for a match and attacks on every tick until the battle ends.
func play(ctx context.Context, s *battle.Session, stats models.PlayerStats, interval time.Duration) (events.BattleEndedPayload, error) {
	fighting := make(chan struct{}, 1)
	ended := make(chan events.BattleEndedPayload, 1)
	cancelled := make(chan events.CancelReason, 1)
	failed := make(chan error, 4)

	s.OnAll(func(ev events.Event) {
		switch p := ev.Payload.(type) {
		case events.OpponentConnectedPayload:
			if p.Connected {
				notify(fighting, struct{}{})
			}
		case events.BattleEndedPayload:
			notify(ended, p)
		case events.MatchmakingCancelledPayload:
			notify(cancelled, p.Reason)
		case events.ErrorPayload:
			notify(failed, fmt.Errorf("%s: %w", p.Op, p.Err))
		}
	})

	if !s.StartMatchmaking(ctx, stats) {
		select {
		case err := <-failed:
			return events.BattleEndedPayload{}, err
		default:
			return events.BattleEndedPayload{}, errors.New("could not start matchmaking")
		}
	}

	select {
	case <-fighting:
	case reason := <-cancelled:
		return events.BattleEndedPayload{}, fmt.Errorf("matchmaking cancelled: %s", reason)
	case err := <-failed:
		return events.BattleEndedPayload{}, err
	case <-ctx.Done():
		s.CancelMatchmaking(context.Background())
		return events.BattleEndedPayload{}, ctx.Err()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case res := <-ended:
			return res, nil
		case <-ticker.C:
			s.ExecuteMove(ctx, moveTypes[rng.Intn(len(moveTypes))], nil)
		case <-ctx.Done():
			return events.BattleEndedPayload{}, ctx.Err()
		}
	}
}

func notify[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func report(name string, res events.BattleEndedPayload) {
	b := res.Battle
	fmt.Printf("%s: won=%t reason=%s hp=%d/%d moves=%d xp=%d coins=%d rating=%+d\n",
		name, res.Won, res.Reason, b.Player1Health, b.Player2Health, len(b.Data.Moves),
		res.Rewards.XP, res.Rewards.Coins, res.Rewards.RatingDelta)
}
