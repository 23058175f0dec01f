package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ErrSyncFailed is returned when at least one selected service did not
// succeed. The report has already been printed.
var ErrSyncFailed = errors.New("synchronization failed")

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath     string
	services       string
	teamRepo       string
	teamJSON       string
	teamAPIURL     string
	jsonOutput     bool
	noColor        bool
	metricsFile    string
	metricsPushURL string

	version string
	environ func() []string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate, os.Environ)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string, environ func() []string) *cobra.Command {
	opts := &globalOptions{version: version, environ: environ}

	rootCmd := &cobra.Command{
		Use:   "sync-team",
		Short: "Synchronize team data to GitHub, Mailgun and Zulip",
		Long: `sync-team reconciles the GitHub organizations, Mailgun mailing lists and
Zulip user groups with the team data set.

Each selected service is planned independently: the desired state is
derived from the team data, the current state is read from the service,
and the difference becomes an ordered plan. 'plan' only prints it; 'apply'
executes it. A failing service never stops the others.

Credentials are read from the environment:
  GITHUB_TOKEN, GITHUB_TOKEN_<ORG>, GITHUB_IGNORED_ORGS
  MAILGUN_API_TOKEN, EMAIL_ENCRYPTION_KEY
  ZULIP_USERNAME, ZULIP_API_TOKEN`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), opts, false)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path")
	flags.StringVar(&opts.services, "services", "", "comma-separated services to synchronize (default: all)")
	flags.StringVar(&opts.teamRepo, "team-repo", "", "read team data from a local directory of JSON documents")
	flags.StringVar(&opts.teamJSON, "team-json", "", "read team data from a single JSON bundle")
	flags.StringVar(&opts.teamAPIURL, "team-api-url", "", "base URL of the static team API")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write metrics to a node-exporter textfile")
	flags.StringVar(&opts.metricsPushURL, "metrics-push-url", "", "push metrics to a Pushgateway")
	rootCmd.MarkFlagsMutuallyExclusive("team-repo", "team-json", "team-api-url")

	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))

	return rootCmd
}
