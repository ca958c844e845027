package cli

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"

	pgstore "daily-atlas-service/internal/infra/postgres"
)

// NewPublishCmd uploads a dataset snapshot so every instance loads the same version.
func NewPublishCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a JSON dataset snapshot to Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if err := runMigrations(cmd.Context(), cfg, log); err != nil {
				return err
			}
			pool, err := pgxpool.Connect(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			version, err := pgstore.NewDatasetLoader(pool).Publish(cmd.Context(), raw)
			if err != nil {
				return err
			}
			log.Info("dataset published", "version", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the snapshot JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
