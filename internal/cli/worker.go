package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	pgstore "daily-atlas-service/internal/infra/postgres"
	"daily-atlas-service/internal/infra/queue"
)

// NewWorkerCmd runs the consumer that pushes queued progression writes to Postgres.
func NewWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the remote sync worker (sync.mode=asynq)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.Redis.Addr == "" || cfg.Postgres.URL == "" {
				return fmt.Errorf("worker needs redis.addr and postgres.url")
			}

			db := pgstore.OpenDB(cfg.Postgres.URL)
			defer db.Close()
			remote := pgstore.NewProgressionStore(db)

			concurrency := cfg.Sync.Concurrency
			if concurrency <= 0 {
				concurrency = 10
			}
			return queue.NewWorker(redisConnOpt(cfg), remote, concurrency, log).Run()
		},
	}
}
