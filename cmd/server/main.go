package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pvp-battle/internal/archive"
	"pvp-battle/internal/audit"
	"pvp-battle/internal/auth"
	"pvp-battle/internal/config"
	"pvp-battle/internal/db"
	"pvp-battle/internal/eventbus"
	"pvp-battle/internal/handlers"
	"pvp-battle/internal/lock"
	"pvp-battle/internal/logging"
	"pvp-battle/internal/matchmaking"
	"pvp-battle/internal/middleware"
	"pvp-battle/internal/rating"
	"pvp-battle/internal/services"
	"pvp-battle/internal/sqlstore"
	"pvp-battle/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(config.GetEnv())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting pvp battle server", zap.String("env", cfg.Environment), zap.String("storage", cfg.Storage.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// Storage
	var (
		store   storage.Store
		mongodb *db.MongoDB
	)
	switch cfg.Storage.Driver {
	case "mongo":
		mongodb, err = db.NewMongoDB(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database, logger)
		if err != nil {
			return err
		}
		mongodb.EnsureIndexes(ctx)
		store = db.NewStore(mongodb)
		logger.Info("connected to MongoDB", zap.String("database", cfg.Storage.Mongo.Database))
	case "postgres":
		store, err = sqlstore.Open(cfg.Storage.Postgres.DSN)
		if err != nil {
			return err
		}
		logger.Info("connected to PostgreSQL")
	default:
		store = storage.NewMemory()
		logger.Warn("using in-memory storage, state is lost on restart")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if cfg.EventBus.Driver == "redis" || cfg.Lock.Driver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
	}

	var locker lock.Locker
	switch cfg.Lock.Driver {
	case "mongo":
		locker = lock.NewMongo(mongodb.CleanupLocks())
	case "redis":
		locker = lock.NewRedis(redisClient, "pvp:lock:")
	default:
		locker = lock.NewLocal(clock)
	}

	recorder := audit.NewRecorder(nil, logger)
	if mongodb != nil {
		recorder = audit.NewRecorder(mongodb.AuditLog(), logger)
	}

	// Hub first: the bus delivers into it.
	hub := handlers.NewHub(clock, logger)
	var bus eventbus.Bus
	switch cfg.EventBus.Driver {
	case "mongo":
		mb := eventbus.NewMongo(mongodb.WSEvents(), hub.DeliverRemote, logger)
		if err := mb.EnsureIndexes(ctx); err != nil {
			logger.Warn("event bus indexes", zap.Error(err))
		}
		bus = mb
	case "redis":
		bus = eventbus.NewRedis(redisClient, cfg.EventBus.Channel, hub.DeliverRemote, logger)
	default:
		bus = eventbus.NewLocal(logger)
	}
	hub.SetBus(bus)
	logger.Info("event bus ready", zap.String("driver", cfg.EventBus.Driver), zap.String("machine_id", bus.MachineID()))

	policy, err := rating.PolicyByName(cfg.Battle.RatingPolicy)
	if err != nil {
		return err
	}
	completionOpts := []services.CompletionOption{
		services.WithRecorder(recorder),
		services.WithRewards(cfg.Battle.Rewards),
		services.WithCompletionClock(clock),
	}
	if cfg.Archive.Bucket != "" {
		archiver, err := archive.NewS3(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Prefix:          cfg.Archive.Prefix,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		completionOpts = append(completionOpts, services.WithArchiver(archiver))
		logger.Info("replay archiving enabled", zap.String("bucket", cfg.Archive.Bucket))
	}
	completion := services.NewBattleCompletionService(store, store, policy, logger, completionOpts...)

	queue := matchmaking.NewQueue(store, store, locker, clock, cfg.MatchmakingConfig(), logger)
	queue.SetMatchNotifier(hub.NotifyMatchFound)
	queue.SetExpiryNotifier(hub.NotifyExpired)

	cleanup := services.NewStaleBattleCleanupService(store, completion, locker, hub, clock, cfg.CleanupConfig(), logger)

	secret := cfg.JWT.Secret
	if secret == "" {
		// development only, Validate rejects this elsewhere
		secret = uuid.NewString()
		logger.Warn("jwt.secret not set, tokens will not survive a restart")
	}
	jwtService := auth.NewJWTService(secret, cfg.JWT.AccessTTL.D())
	limiter := middleware.NewRateLimiter(clock)
	defer limiter.Stop()

	api := &handlers.API{
		Auth:        handlers.NewAuthHandler(store, jwtService, recorder, clock, logger),
		Matchmaking: handlers.NewMatchmakingHandler(queue, store, recorder, logger),
		Battles:     handlers.NewBattleHandler(store, completion, recorder, logger),
		Leaderboard: handlers.NewLeaderboardHandler(store),
		WebSocket:   handlers.NewWebSocketHandler(hub, store, recorder, cfg.Server.AllowedOrigins, logger),
		AuthMW:      middleware.NewAuthMiddleware(jwtService, logger),
		Limiter:     limiter,
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     corsHandler.Handler(api.Router()),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	bus.Start()
	queue.Start()
	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("starting cleanup: %w", err)
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	cleanup.Stop()
	queue.Stop()
	// withdraw presence before the bus goes away
	stopHub()
	<-hubDone
	bus.Stop()

	if err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
