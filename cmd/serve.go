// -- cmd/serve.go --
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/approval"
	"github.com/relayloop/actiongate/internal/config"
	"github.com/relayloop/actiongate/internal/contextsrc"
	"github.com/relayloop/actiongate/internal/gate"
	"github.com/relayloop/actiongate/internal/llmclient"
	"github.com/relayloop/actiongate/internal/notify"
	"github.com/relayloop/actiongate/internal/observability"
	"github.com/relayloop/actiongate/internal/relevance"
	"github.com/relayloop/actiongate/internal/store"
)

var (
	servePollInterval time.Duration
	serveOrgID        string
	serveApproverID   string
	serveMaxParallel  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gating loop: poll due actions, verify relevance, route approvals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveOrgID == "" {
			return fmt.Errorf("--org is required")
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().DurationVar(&servePollInterval, "poll-interval", 15*time.Second, "how often to poll for due actions")
	serveCmd.Flags().StringVar(&serveOrgID, "org", "", "organization whose actions this instance gates")
	serveCmd.Flags().StringVar(&serveApproverID, "approver", "operator", "approver identity for generated requests")
	serveCmd.Flags().IntVar(&serveMaxParallel, "max-parallel", 8, "maximum actions processed concurrently")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
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
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	llm, err := llmclient.NewRouterFromConfig(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("failed to build LLM router: %w", err)
	}
	defer func() {
		if err := llm.Close(); err != nil {
			logger.Warn("Failed to close LLM clients", zap.Error(err))
		}
	}()

	notifier, err := notify.NewNATSNotifier(logger, cfg.Notify)
	if err != nil {
		return err
	}
	defer notifier.Close()

	policy := config.NewPolicyStore(cfg.Pipeline)
	contexts := contextsrc.New(logger, contextsrc.NewHTTPSource(logger, cfg.Context), cfg.Pipeline.MaxContextAge)

	rules := relevance.NewRuleChecker(logger)
	semantic := relevance.NewSemanticChecker(logger, llm, cfg.Pipeline.MaxConcurrentSemanticChecks)
	validator := relevance.NewValidator(logger, rules, semantic, "actiongate")

	engine := approval.NewPolicyEngine(logger, semantic)
	workflow := approval.NewWorkflow(logger, st, notifier, st, policy)
	g := gate.New(logger, st, contexts, validator, engine, workflow, st, policy, serveApproverID)

	leases := gate.NewLeaseRegistry()
	ticker := time.NewTicker(servePollInterval)
	defer ticker.Stop()

	logger.Info("Gating loop started",
		zap.String("org", serveOrgID),
		zap.Duration("poll_interval", servePollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Gating loop stopping")
			return nil
		case <-ticker.C:
		}

		if err := processDue(ctx, logger, st, g, workflow, leases); err != nil {
			logger.Error("Poll cycle failed", zap.Error(err))
		}
	}
}

// processDue runs one poll cycle: expire overdue approvals, surface requests
// nearing expiry, gate every due pending action, then release actions whose
// approval came through.
func processDue(ctx context.Context, logger *zap.Logger, st *store.Store, g *gate.Gate, workflow *approval.Workflow, leases *gate.LeaseRegistry) error {
	if _, err := workflow.SweepExpired(ctx); err != nil {
		logger.Error("Expiry sweep failed", zap.Error(err))
	}
	if expiring, err := workflow.ListExpiring(ctx); err != nil {
		logger.Error("Reminder query failed", zap.Error(err))
	} else {
		for _, req := range expiring {
			logger.Warn("Approval request nearing expiry",
				zap.String("request_id", req.ID),
				zap.String("approver_id", req.ApproverID),
				zap.Time("expires_at", req.ExpiresAt),
			)
		}
	}

	pending, err := st.ListActionsByStatus(ctx, serveOrgID, schemas.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending actions: %w", err)
	}
	approved, err := st.ListActionsByStatus(ctx, serveOrgID, schemas.StatusRelevanceCheckPassed)
	if err != nil {
		return fmt.Errorf("failed to list approved actions: %w", err)
	}

	now := time.Now().UTC()
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(serveMaxParallel)

	// The lease guarantees a single in-flight run per action id.
	dispatch := func(action schemas.ScheduledAction, run func(context.Context, schemas.ScheduledAction) (schemas.ExecutionDecision, error)) {
		if !leases.TryAcquire(action.ID) {
			return
		}
		grp.Go(func() error {
			defer leases.Release(action.ID)
			decision, err := run(grpCtx, action)
			if err != nil {
				logger.Error("Action processing failed",
					zap.String("action_id", action.ID), zap.Error(err))
				return nil
			}
			logger.Info("Action processed",
				zap.String("action_id", action.ID),
				zap.String("decision", string(decision)),
			)
			return nil
		})
	}

	for _, action := range pending {
		if action.ExecuteAt.After(now) {
			continue
		}
		dispatch(action, g.Process)
	}
	// Approved actions already cleared relevance and the human gate; release
	// them straight to execution.
	for _, action := range approved {
		dispatch(action, g.ReleaseApproved)
	}
	return grp.Wait()
}
