package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"daily-atlas-service/internal/generator"
)

// NewGenerateCmd prints a day's challenge, answers included, for reproducibility checks.
func NewGenerateCmd(configPath *string) *cobra.Command {
	var day int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print the challenge for a day index (default today)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			snap, err := loadDataset(cmd.Context(), cfg, nil, log)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("day") {
				epoch, err := cfg.Game.EpochDate()
				if err != nil {
					return err
				}
				day = generator.DayIndex(time.Now(), epoch)
			}
			challenge, err := generator.Generate(day, snap, generatorConfig(cfg))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(challenge)
		},
	}
	cmd.Flags().IntVar(&day, "day", 0, "day index since the game epoch")
	return cmd
}
