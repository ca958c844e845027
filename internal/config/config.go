package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// LockLease bounds how long a crashed holder can block a commit lock.
		LockLease string `yaml:"lockLease"`
		LockWait  string `yaml:"lockWait"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret"`
		TokenTTL  string `yaml:"tokenTtl"`
	} `yaml:"auth"`
	Game    Game    `yaml:"game"`
	Scoring Scoring `yaml:"scoring"`
	Coins   Coins   `yaml:"coins"`
	Sync    Sync    `yaml:"sync"`
}

// Game controls challenge generation.
type Game struct {
	Epoch             string  `yaml:"epoch"`
	QuestionsPerDay   int     `yaml:"questionsPerDay"`
	MaxPerCategory    int     `yaml:"maxPerCategory"`
	MinCategorySpread int     `yaml:"minCategorySpread"`
	MinFieldCoverage  float64 `yaml:"minFieldCoverage"`
	DatasetPath       string  `yaml:"datasetPath"`
	DatasetVersion    string  `yaml:"datasetVersion"`
	ChallengeTTL      string  `yaml:"challengeTtl"`
	SessionTTL        string  `yaml:"sessionTtl"`
}

// Scoring holds the score formula constants.
type Scoring struct {
	PointsPerCorrect   int     `yaml:"pointsPerCorrect"`
	MaxSpeedBonus      int     `yaml:"maxSpeedBonus"`
	SpeedCutoffSeconds float64 `yaml:"speedCutoffSeconds"`
	TimeBudgetSeconds  float64 `yaml:"timeBudgetSeconds"`
	StreakBonusPerDay  int     `yaml:"streakBonusPerDay"`
	MaxStreakBonus     int     `yaml:"maxStreakBonus"`
}

// Coins holds the coin reward table.
type Coins struct {
	DailyPlay         int         `yaml:"dailyPlay"`
	PerCorrect        int         `yaml:"perCorrect"`
	PerFastAnswer     int         `yaml:"perFastAnswer"`
	FastAnswerSeconds float64     `yaml:"fastAnswerSeconds"`
	PerfectGame       int         `yaml:"perfectGame"`
	FirstPlay         int         `yaml:"firstPlay"`
	StreakMilestones  map[int]int `yaml:"streakMilestones"`
}

// Sync controls remote store access.
type Sync struct {
	RemoteTimeout string `yaml:"remoteTimeout"`
	MaxRetries    int    `yaml:"maxRetries"`
	Mode          string `yaml:"mode"` // inline or asynq
	Concurrency   int    `yaml:"concurrency"`
}

// Default returns the built-in configuration.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Log.Mode = "dev"
	cfg.Redis.LockLease = "10s"
	cfg.Redis.LockWait = "3s"
	cfg.Auth.TokenTTL = "8760h"
	cfg.Game = Game{
		Epoch:             "2024-01-01",
		QuestionsPerDay:   10,
		MaxPerCategory:    3,
		MinCategorySpread: 4,
		MinFieldCoverage:  0.6,
		ChallengeTTL:      "24h",
		SessionTTL:        "2h",
	}
	cfg.Scoring = Scoring{
		PointsPerCorrect:   100,
		MaxSpeedBonus:      50,
		SpeedCutoffSeconds: 10,
		TimeBudgetSeconds:  15,
		StreakBonusPerDay:  10,
		MaxStreakBonus:     100,
	}
	cfg.Coins = Coins{
		DailyPlay:         10,
		PerCorrect:        5,
		PerFastAnswer:     2,
		FastAnswerSeconds: 3,
		PerfectGame:       25,
		FirstPlay:         50,
		StreakMilestones:  map[int]int{3: 15, 5: 25, 7: 50, 14: 100, 30: 250, 100: 1000},
	}
	cfg.Sync = Sync{RemoteTimeout: "3s", MaxRetries: 5, Mode: "inline", Concurrency: 10}
	return cfg
}

// Load reads YAML config from path on top of Default. A missing file yields the defaults.
// A .env file in the working directory is loaded first; environment variables override the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_MODE"); v != "" {
		cfg.Log.Mode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("SYNC_MODE"); v != "" {
		cfg.Sync.Mode = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// EpochDate parses the launch date (YYYY-MM-DD, UTC).
func (g Game) EpochDate() (time.Time, error) {
	return time.ParseInLocation("2006-01-02", g.Epoch, time.UTC)
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
