package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/teamsync/pkg/teamdata"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the changes a sync would make",
		Long: `Compute the plan of every selected service without writing anything.

For each service the desired state is derived from the team data and the
current state is read from the service. The plan lists the entities that
would be created, updated and deleted, in execution order. Plan guard
findings and team data warnings are printed alongside.`,
		Example: `  # Plan every service against the production team API
  sync-team plan

  # Plan the mailing lists only, from a local checkout of the team repo
  sync-team plan --services mailgun --team-repo ../team/target/site

  # Re-plan whenever the local team data changes
  sync-team plan --team-repo ../team/target/site --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), opts, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-plan whenever the team repo changes (requires --team-repo)")

	return cmd
}

func runPlan(ctx context.Context, w io.Writer, opts *globalOptions, watch bool) error {
	if watch && opts.teamRepo == "" {
		return fmt.Errorf("--watch requires --team-repo")
	}

	s, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()

	s.logger.Warn().Msg("Running in dry mode, no changes will be applied")

	if !watch {
		return s.output(w, s.orchestrator.PlanAll(ctx, s.factories()))
	}

	if s.guard != nil {
		if err := s.guard.Watch(ctx, s.cfg.Policy.Paths); err != nil {
			return err
		}
	}

	replan := func(ctx context.Context) {
		err := s.output(w, s.orchestrator.PlanAll(ctx, s.factories()))
		if err != nil && !errors.Is(err, ErrSyncFailed) {
			s.logger.Error().Err(err).Msg("Failed to plan")
		}
	}
	replan(ctx)
	return teamdata.Watch(ctx, opts.teamRepo, teamdata.DefaultDebounce, s.logger, replan)
}
