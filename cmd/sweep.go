// -- cmd/sweep.go --
package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/internal/approval"
	"github.com/relayloop/actiongate/internal/config"
	"github.com/relayloop/actiongate/internal/observability"
	"github.com/relayloop/actiongate/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue approval requests once and exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := observability.GetLogger()
		cfg := appConfig

		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open database pool: %w", err)
		}
		defer pool.Close()

		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return err
		}

		policy := config.NewPolicyStore(cfg.Pipeline)
		workflow := approval.NewWorkflow(logger, st, nil, st, policy)

		expired, err := workflow.SweepExpired(ctx)
		if err != nil {
			return err
		}
		logger.Info("Sweep finished", zap.Int("expired_actions", len(expired)))
		for _, id := range expired {
			logger.Info("Action expired", zap.String("action_id", id))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
