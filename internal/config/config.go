package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pvp-battle/internal/matchmaking"
	"pvp-battle/internal/rating"
	"pvp-battle/internal/services"
)

// Duration accepts "1m30s" style strings or a plain number of seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

type Config struct {
	Environment string `json:"environment"`
	Server      struct {
		Host           string   `json:"host"`
		Port           int      `json:"port"`
		AllowedOrigins []string `json:"allowedOrigins"`
	} `json:"server"`
	Storage struct {
		Driver string `json:"driver"` // mongo, postgres, memory
		Mongo  struct {
			URI      string `json:"uri"`
			Database string `json:"database"`
		} `json:"mongo"`
		Postgres struct {
			DSN string `json:"dsn"`
		} `json:"postgres"`
	} `json:"storage"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	EventBus struct {
		Driver  string `json:"driver"` // mongo, redis, local
		Channel string `json:"channel"`
	} `json:"eventbus"`
	Lock struct {
		Driver string `json:"driver"` // mongo, redis, local
	} `json:"lock"`
	JWT struct {
		Secret    string   `json:"secret"`
		AccessTTL Duration `json:"accessTtl"`
	} `json:"jwt"`
	Battle struct {
		MatchmakingTimeout Duration           `json:"matchmakingTimeout"`
		GracePeriod        Duration           `json:"gracePeriod"`
		SettleTimeout      Duration           `json:"settleTimeout"`
		JoinTimeout        Duration           `json:"joinTimeout"`
		RatingPolicy       string             `json:"ratingPolicy"` // fixed, elo
		Rewards            rating.RewardTable `json:"rewards"`
	} `json:"battle"`
	Matchmaking struct {
		InitialBand     int      `json:"initialBand"`
		BandStep        int      `json:"bandStep"`
		BandInterval    Duration `json:"bandInterval"`
		MaxBand         int      `json:"maxBand"`
		MaxLevelGap     int      `json:"maxLevelGap"`
		RequestTTL      Duration `json:"requestTtl"`
		ProcessInterval Duration `json:"processInterval"`
	} `json:"matchmaking"`
	Cleanup struct {
		Interval          Duration `json:"interval"`
		MaxBattleDuration Duration `json:"maxBattleDuration"`
		BatchSize         int      `json:"batchSize"`
	} `json:"cleanup"`
	Archive struct {
		Bucket          string `json:"bucket"` // empty disables archiving
		Region          string `json:"region"`
		Endpoint        string `json:"endpoint"`
		Prefix          string `json:"prefix"`
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
	} `json:"archive"`
	Logging struct {
		Level  string `json:"level"`
		Format string `json:"format"` // json, console
	} `json:"logging"`
}

// Default returns a single-instance development configuration.
func Default() *Config {
	var cfg Config
	cfg.Environment = "development"
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Storage.Driver = "memory"
	cfg.Storage.Mongo.URI = "mongodb://localhost:27017"
	cfg.Storage.Mongo.Database = "pvp_battle"
	cfg.Redis.Addr = "localhost:6379"
	cfg.EventBus.Driver = "local"
	cfg.EventBus.Channel = "pvp:events"
	cfg.Lock.Driver = "local"
	cfg.JWT.AccessTTL = Duration(7 * 24 * time.Hour)

	cfg.Battle.MatchmakingTimeout = Duration(30 * time.Second)
	cfg.Battle.GracePeriod = Duration(10 * time.Second)
	cfg.Battle.SettleTimeout = Duration(5 * time.Second)
	cfg.Battle.JoinTimeout = Duration(10 * time.Second)
	cfg.Battle.RatingPolicy = "fixed"
	cfg.Battle.Rewards = rating.DefaultRewards

	mm := matchmaking.DefaultConfig()
	cfg.Matchmaking.InitialBand = mm.InitialBand
	cfg.Matchmaking.BandStep = mm.BandStep
	cfg.Matchmaking.BandInterval = Duration(mm.BandInterval)
	cfg.Matchmaking.MaxBand = mm.MaxBand
	cfg.Matchmaking.MaxLevelGap = mm.MaxLevelGap
	cfg.Matchmaking.RequestTTL = Duration(mm.RequestTTL)
	cfg.Matchmaking.ProcessInterval = Duration(mm.ProcessInterval)

	cl := services.DefaultCleanupConfig()
	cfg.Cleanup.Interval = Duration(cl.Interval)
	cfg.Cleanup.MaxBattleDuration = Duration(cl.MaxBattleDuration)
	cfg.Cleanup.BatchSize = cl.BatchSize

	cfg.Archive.Region = "auto"
	cfg.Archive.Prefix = "replays/"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return &cfg
}

// Load reads configs/config.{env}.json over the defaults. A missing file is
// not an error.
func Load(env string) (*Config, error) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}

	cfg := Default()
	cfg.Environment = env

	configPath := filepath.Join(configDir, fmt.Sprintf("config.%s.json", env))
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := json.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	cfg.Environment = env
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]Duration{
		"battle.matchmakingTimeout":   c.Battle.MatchmakingTimeout,
		"battle.gracePeriod":          c.Battle.GracePeriod,
		"battle.settleTimeout":        c.Battle.SettleTimeout,
		"battle.joinTimeout":          c.Battle.JoinTimeout,
		"matchmaking.bandInterval":    c.Matchmaking.BandInterval,
		"matchmaking.requestTtl":      c.Matchmaking.RequestTTL,
		"matchmaking.processInterval": c.Matchmaking.ProcessInterval,
		"cleanup.interval":            c.Cleanup.Interval,
		"cleanup.maxBattleDuration":   c.Cleanup.MaxBattleDuration,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.JWT.Secret == "" && c.Environment != "development" {
		errs = append(errs, errors.New("jwt.secret is required outside development"))
	}
	if _, err := rating.PolicyByName(c.Battle.RatingPolicy); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case "memory":
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri is required"))
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	for name, driver := range map[string]string{"eventbus.driver": c.EventBus.Driver, "lock.driver": c.Lock.Driver} {
		switch driver {
		case "local", "redis":
		case "mongo":
			if c.Storage.Driver != "mongo" {
				errs = append(errs, fmt.Errorf("%s mongo needs storage.driver mongo", name))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown %s %q", name, driver))
		}
	}
	return errors.Join(errs...)
}

// MatchmakingConfig converts the matchmaking section for the queue.
func (c *Config) MatchmakingConfig() matchmaking.Config {
	return matchmaking.Config{
		InitialBand:     c.Matchmaking.InitialBand,
		BandStep:        c.Matchmaking.BandStep,
		BandInterval:    c.Matchmaking.BandInterval.D(),
		MaxBand:         c.Matchmaking.MaxBand,
		MaxLevelGap:     c.Matchmaking.MaxLevelGap,
		RequestTTL:      c.Matchmaking.RequestTTL.D(),
		ProcessInterval: c.Matchmaking.ProcessInterval.D(),
	}
}

func (c *Config) CleanupConfig() services.CleanupConfig {
	return services.CleanupConfig{
		Interval:          c.Cleanup.Interval.D(),
		MaxBattleDuration: c.Cleanup.MaxBattleDuration.D(),
		BatchSize:         c.Cleanup.BatchSize,
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func GetEnv() string {
	env := os.Getenv("PVP_ENV")
	if env == "" {
		return "development"
	}
	return env
}
