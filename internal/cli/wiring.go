package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"daily-atlas-service/internal/achievement"
	"daily-atlas-service/internal/app"
	"daily-atlas-service/internal/config"
	"daily-atlas-service/internal/dataset"
	"daily-atlas-service/internal/generator"
	"daily-atlas-service/internal/identity"
	"daily-atlas-service/internal/infra/memory"
	pgstore "daily-atlas-service/internal/infra/postgres"
	"daily-atlas-service/internal/infra/queue"
	redisinfra "daily-atlas-service/internal/infra/redis"
	"daily-atlas-service/internal/infra/sqlite"
	"daily-atlas-service/internal/ledger"
	"daily-atlas-service/internal/logger"
	"daily-atlas-service/internal/progression"
	"daily-atlas-service/internal/scoring"
)

// deps is everything the server needs, built once from config.
type deps struct {
	service *app.Service
	issuer  *identity.Issuer
	hub     *identity.Hub
	closers []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func buildDeps(ctx context.Context, cfg config.Config, log *logger.Logger) (*deps, error) {
	d := &deps{}
	fail := func(err error) (*deps, error) {
		d.close()
		return nil, err
	}

	redisClient, err := connectRedis(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if redisClient != nil {
		d.closers = append(d.closers, func() { _ = redisClient.Close() })
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		d.closers = append(d.closers, pool.Close)
	}

	snap, err := loadDataset(ctx, cfg, pool, log)
	if err != nil {
		return fail(err)
	}
	epoch, err := cfg.Game.EpochDate()
	if err != nil {
		return fail(fmt.Errorf("game epoch: %w", err))
	}
	loader := generator.NewLoader(snap, generatorConfig(cfg))
	challengeTTL := config.TTLDuration(cfg.Game.ChallengeTTL, 24*time.Hour)
	sessionTTL := config.TTLDuration(cfg.Game.SessionTTL, 2*time.Hour)

	var (
		challenges app.ChallengeRepository
		sessions   app.SessionRepository
		locker     app.Locker
	)
	if redisClient != nil {
		challenges = redisinfra.NewChallengeRepository(redisClient, loader, challengeTTL, log)
		sessions = redisinfra.NewSessionStore(redisClient, sessionTTL)
		locker = redisinfra.NewLocker(redisClient,
			config.TTLDuration(cfg.Redis.LockLease, 10*time.Second),
			config.TTLDuration(cfg.Redis.LockWait, 3*time.Second))
	} else {
		challenges = memory.NewChallengeRepository(loader, challengeTTL)
		sessions = memory.NewSessionStore()
		locker = memory.NewLocker()
	}

	var local progression.LocalStore
	if cfg.SQLite.Path != "" {
		store, err := sqlite.Open(ctx, cfg.SQLite.Path, log)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, func() { _ = store.Close() })
		local = store
	} else {
		log.Warn("sqlite path not configured, progression is kept in memory only")
		local = memory.NewProgressionStore()
	}

	remoteTimeout := config.TTLDuration(cfg.Sync.RemoteTimeout, 3*time.Second)
	var (
		remote progression.RemoteStore
		syncer progression.Syncer
	)
	if cfg.Postgres.URL != "" {
		db := pgstore.OpenDB(cfg.Postgres.URL)
		d.closers = append(d.closers, func() { _ = db.Close() })
		remote = pgstore.NewProgressionStore(db)
		var closeSyncer func()
		syncer, closeSyncer, err = newSyncer(cfg, remote, remoteTimeout, log)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, closeSyncer)
	}

	progress := progression.NewService(local, progression.Options{
		Remote:        remote,
		Syncer:        syncer,
		RemoteTimeout: remoteTimeout,
		Logger:        log,
	})

	catalog, err := achievement.DefaultCatalog(snap.Categories(), snap.Regions())
	if err != nil {
		return fail(err)
	}
	d.service = app.NewService(progress, challenges, sessions, locker, app.Config{
		Epoch:        epoch,
		Scoring:      scoringConfig(cfg),
		Rewards:      rewards(cfg),
		Achievements: catalog,
		Shop:         ledger.DefaultCatalog(),
		Logger:       log,
	})

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("jwt secret not configured, tokens will not survive a restart")
	}
	d.issuer, err = identity.NewIssuer(secret, config.TTLDuration(cfg.Auth.TokenTTL, 365*24*time.Hour))
	if err != nil {
		return fail(err)
	}
	d.hub = identity.NewHub()
	d.hub.OnChange(d.service.OnIdentityChange)

	log.Info("dependencies ready",
		"dataset", snap.Version,
		"redis", redisClient != nil,
		"sqlite", cfg.SQLite.Path != "",
		"remote", remote != nil,
		"sync", cfg.Sync.Mode,
	)
	return d, nil
}

// newSyncer returns the configured syncer and a closer that drains or releases it.
func newSyncer(cfg config.Config, remote progression.Store, timeout time.Duration, log *logger.Logger) (progression.Syncer, func(), error) {
	switch cfg.Sync.Mode {
	case "asynq":
		if cfg.Redis.Addr == "" {
			return nil, nil, errors.New("sync mode asynq needs redis.addr")
		}
		client := asynq.NewClient(redisConnOpt(cfg))
		return queue.NewSyncer(client, cfg.Sync.MaxRetries, time.Minute, log), func() { _ = client.Close() }, nil
	case "", "inline":
		inline := progression.NewInlineSyncer(remote, timeout, cfg.Sync.MaxRetries, log)
		return inline, inline.Wait, nil
	default:
		return nil, nil, fmt.Errorf("unknown sync mode %q", cfg.Sync.Mode)
	}
}

func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisConnOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

// loadDataset prefers an explicit file, then the published Postgres snapshot, then the
// embedded default.
func loadDataset(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, log *logger.Logger) (*dataset.Snapshot, error) {
	if cfg.Game.DatasetPath != "" {
		return dataset.LoadFile(cfg.Game.DatasetPath)
	}
	if pool != nil {
		snap, err := pgstore.NewDatasetLoader(pool).Load(ctx, cfg.Game.DatasetVersion)
		switch {
		case err == nil:
			return snap, nil
		case errors.Is(err, pgx.ErrNoRows) && cfg.Game.DatasetVersion == "":
			log.Warn("no dataset published, using embedded snapshot")
		default:
			return nil, err
		}
	}
	return dataset.Default()
}

func generatorConfig(cfg config.Config) generator.Config {
	return generator.Config{
		QuestionsPerDay:   cfg.Game.QuestionsPerDay,
		MaxPerCategory:    cfg.Game.MaxPerCategory,
		MinCategorySpread: cfg.Game.MinCategorySpread,
		MinFieldCoverage:  cfg.Game.MinFieldCoverage,
	}
}

func scoringConfig(cfg config.Config) scoring.Config {
	return scoring.Config{
		PointsPerCorrect:   cfg.Scoring.PointsPerCorrect,
		MaxSpeedBonus:      cfg.Scoring.MaxSpeedBonus,
		SpeedCutoffSeconds: cfg.Scoring.SpeedCutoffSeconds,
		TimeBudgetSeconds:  cfg.Scoring.TimeBudgetSeconds,
		StreakBonusPerDay:  cfg.Scoring.StreakBonusPerDay,
		MaxStreakBonus:     cfg.Scoring.MaxStreakBonus,
	}
}

func rewards(cfg config.Config) ledger.Rewards {
	return ledger.Rewards{
		DailyPlay:         cfg.Coins.DailyPlay,
		PerCorrect:        cfg.Coins.PerCorrect,
		PerFastAnswer:     cfg.Coins.PerFastAnswer,
		FastAnswerSeconds: cfg.Coins.FastAnswerSeconds,
		PerfectGame:       cfg.Coins.PerfectGame,
		FirstPlay:         cfg.Coins.FirstPlay,
		StreakMilestones:  cfg.Coins.StreakMilestones,
	}
}
