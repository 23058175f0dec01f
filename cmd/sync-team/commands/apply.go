package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/teamsync/pkg/confirmation"
	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/services/zulip"
)

type applyOptions struct {
	requireConfirmation bool
	onlyPrintPlan       bool
}

func newApplyCommand(opts *globalOptions) *cobra.Command {
	var applyOpts applyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the plan to the services",
		Long: `Compute the plan of every selected service and execute it.

Operations run in plan order. Transient and rate-limit errors are retried
with backoff; other failures are recorded and the remaining operations still
run. Each service is independent: the exit status is non-zero if any
selected service did not fully succeed.

With --require-confirmation the plans are hashed. The plan is only executed
when CONFIRMATION_EXPECTED_HASH matches; otherwise an approval request is
posted to CONFIRMATION_STREAM / CONFIRMATION_TOPIC on Zulip.`,
		Example: `  # Apply every service
  sync-team apply

  # Apply only GitHub changes
  sync-team apply --services github

  # Ask for approval, or apply the approved plan
  sync-team apply --require-confirmation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), cmd.OutOrStdout(), opts, applyOpts)
		},
	}

	cmd.Flags().BoolVar(&applyOpts.requireConfirmation, "require-confirmation", false, "require external approval before applying")
	cmd.Flags().BoolVar(&applyOpts.onlyPrintPlan, "only-print-plan", false, "print the plan without executing it")
	cmd.MarkFlagsMutuallyExclusive("require-confirmation", "only-print-plan")

	return cmd
}

func runApply(ctx context.Context, w io.Writer, opts *globalOptions, applyOpts applyOptions) error {
	if applyOpts.requireConfirmation && applyOpts.onlyPrintPlan {
		return fmt.Errorf("you can only set one of --only-print-plan or --require-confirmation")
	}

	s, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()

	var flow *confirmation.Flow
	if applyOpts.requireConfirmation {
		if err := s.cfg.ConfirmationSettings(); err != nil {
			return err
		}
		c := s.cfg.Confirmation
		flow, err = confirmation.New(confirmation.Settings{
			Stream:       c.Stream,
			Topic:        c.Topic,
			BaseURL:      c.BaseURL,
			ExpectedHash: c.ExpectedHash,
			Approver:     c.Approver,
		}, zulip.NewClient(s.zulipOptions()), s.logger)
		if err != nil {
			return err
		}
	}

	report := s.orchestrator.PlanAll(ctx, s.factories())

	switch {
	case applyOpts.onlyPrintPlan:
		s.logger.Info().Msg("Only printing the plan")

	case flow != nil:
		_, err := flow.Run(ctx, report.Plans(), func(ctx context.Context) error {
			s.orchestrator.ExecuteAll(ctx, report, engine.ModeApply)
			return nil
		})
		if err != nil {
			_ = s.output(w, report)
			return err
		}

	default:
		s.orchestrator.ExecuteAll(ctx, report, engine.ModeApply)
	}

	return s.output(w, report)
}
