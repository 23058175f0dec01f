package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/teamsync/pkg/config"
	"github.com/openfroyo/teamsync/pkg/engine"
	"github.com/openfroyo/teamsync/pkg/policy"
	"github.com/openfroyo/teamsync/pkg/services/github"
	"github.com/openfroyo/teamsync/pkg/services/mailgun"
	"github.com/openfroyo/teamsync/pkg/services/zulip"
	"github.com/openfroyo/teamsync/pkg/teamdata"
	"github.com/openfroyo/teamsync/pkg/telemetry"
)

// shutdownTimeout bounds the final metrics flush and span export.
const shutdownTimeout = 10 * time.Second

// session holds everything a sync run needs.
type session struct {
	opts         *globalOptions
	cfg          *config.Config
	services     []string
	tel          *telemetry.Telemetry
	logger       zerolog.Logger
	guard        *policy.Engine
	orchestrator *engine.Orchestrator
}

func newSession(ctx context.Context, opts *globalOptions) (*session, error) {
	environ := opts.environ()

	cfg, err := config.Load(opts.configPath, environ)
	if err != nil {
		return nil, err
	}
	if opts.teamAPIURL != "" {
		cfg.TeamData.APIURL = opts.teamAPIURL
	}
	if opts.metricsFile != "" {
		cfg.Telemetry.MetricsFile = opts.metricsFile
	}
	if opts.metricsPushURL != "" {
		cfg.Telemetry.MetricsPushURL = opts.metricsPushURL
	}

	selection := opts.services
	if selection == "" {
		selection = strings.Join(cfg.Services, ",")
	}
	services, err := config.SelectServices(selection)
	if err != nil {
		return nil, err
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = opts.version
	if level := lookupEnv(environ, "LOG_LEVEL"); level != "" {
		tcfg.Logging.Level = telemetry.ParseLevel(level).String()
	}
	tcfg.Logging.NoColor = opts.noColor
	tcfg.Tracing.Exporter = cfg.Telemetry.TraceExporter
	tcfg.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.Metrics.TextfilePath = cfg.Telemetry.MetricsFile
	tcfg.Metrics.PushURL = cfg.Telemetry.MetricsPushURL

	// Spans go to stderr so that stdout only carries the report.
	tel, err := telemetry.New(ctx, tcfg, os.Stderr, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Zerolog()

	s := &session{
		opts:     opts,
		cfg:      cfg,
		services: services,
		tel:      tel,
		logger:   logger,
	}

	orchestratorOpts := []engine.OrchestratorOption{
		engine.WithOrchestratorTracer(tel.Tracer.Tracer()),
		engine.WithOrchestratorLogger(logger),
	}
	if !cfg.Policy.Disabled {
		guard, err := policy.NewEngine(logger, policy.Limits{MaxDeletions: cfg.Policy.MaxDeletions})
		if err != nil {
			return nil, err
		}
		if err := guard.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
		s.guard = guard
		orchestratorOpts = append(orchestratorOpts, engine.WithPlanGuard(guard))
	}

	executor := engine.NewExecutor(cfg.RetryPolicy(),
		engine.WithRecorder(tel.Metrics),
		engine.WithTracer(tel.Tracer.Tracer()),
		engine.WithLogger(logger),
	)
	s.orchestrator = engine.NewOrchestrator(executor, orchestratorOpts...)

	logger.Debug().
		Strs("services", services).
		Str("config", opts.configPath).
		Msg("Session initialized")
	return s, nil
}

// close flushes telemetry. Flush failures are logged only.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// source picks the team data source: flags first, then the config file.
func (s *session) source() teamdata.Source {
	switch {
	case s.opts.teamRepo != "":
		return teamdata.NewLocalSource(s.opts.teamRepo)
	case s.opts.teamJSON != "":
		return teamdata.NewBundleSource(s.opts.teamJSON)
	case s.opts.teamAPIURL == "" && s.cfg.TeamData.Dir != "":
		return teamdata.NewLocalSource(s.cfg.TeamData.Dir)
	case s.opts.teamAPIURL == "" && s.cfg.TeamData.BundleFile != "":
		return teamdata.NewBundleSource(s.cfg.TeamData.BundleFile)
	default:
		return teamdata.NewRemoteSource(s.cfg.TeamData.APIURL, s.cfg.TeamData.Timeout)
	}
}

// factories builds the selected services over a fresh provider, so every
// run reads the team data again.
func (s *session) factories() []engine.ServiceFactory {
	provider := teamdata.NewProvider(s.source(), s.logger)
	cfg := s.cfg

	var out []engine.ServiceFactory
	for _, name := range s.services {
		switch name {
		case config.ServiceGitHub:
			opts := github.Options{
				BaseURL:         cfg.GitHub.BaseURL,
				RateLimit:       cfg.GitHub.RateLimit,
				Burst:           cfg.GitHub.Burst,
				PageConcurrency: cfg.GitHub.PageConcurrency,
				Token: func(org string) (string, error) {
					token, err := cfg.GitHubToken(org)
					return token.Reveal(), err
				},
				HTTPClient: s.httpClient(),
				Logger:     s.logger,
			}
			out = append(out, requireCredentials(github.NewService(provider, opts, cfg.IsIgnoredOrg), cfg.GitHubCredentials))

		case config.ServiceMailgun:
			opts := mailgun.Options{
				BaseURL:    cfg.Mailgun.BaseURL,
				RateLimit:  cfg.Mailgun.RateLimit,
				Burst:      cfg.Mailgun.Burst,
				PageSize:   cfg.Mailgun.PageSize,
				Token:      cfg.Mailgun.Token.Reveal(),
				HTTPClient: s.httpClient(),
				Logger:     s.logger,
			}
			svc := mailgun.NewService(provider, opts, cfg.Mailgun.EncryptionKey.Reveal())
			out = append(out, requireCredentials(svc, cfg.MailgunCredentials))

		case config.ServiceZulip:
			svc := zulip.NewService(provider, s.zulipOptions(), cfg.Zulip.DeleteUnmanaged)
			out = append(out, requireCredentials(svc, cfg.ZulipCredentials))
		}
	}
	return out
}

func (s *session) zulipOptions() zulip.Options {
	return zulip.Options{
		BaseURL:    s.cfg.Zulip.BaseURL,
		RateLimit:  s.cfg.Zulip.RateLimit,
		Burst:      s.cfg.Zulip.Burst,
		Username:   s.cfg.Zulip.Username,
		Token:      s.cfg.Zulip.Token.Reveal(),
		HTTPClient: s.httpClient(),
		Logger:     s.logger,
	}
}

func (s *session) httpClient() *http.Client {
	return &http.Client{Timeout: s.cfg.Retry.CallTimeout}
}

// output prints the report, records it in the metrics and turns a failed
// run into ErrSyncFailed.
func (s *session) output(w io.Writer, report *engine.Report) error {
	s.tel.Metrics.RecordReport(report)

	if s.opts.jsonOutput {
		if err := engine.FormatJSON(w, report); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	} else {
		engine.FormatText(w, report, s.opts.noColor)
	}

	if !report.Succeeded() {
		return ErrSyncFailed
	}
	return nil
}

// requireCredentials checks the service's credentials when it is built, so
// only selected services need theirs.
func requireCredentials(f engine.ServiceFactory, check func() error) engine.ServiceFactory {
	build := f.Build
	f.Build = func(ctx context.Context) (engine.Pipeline, error) {
		if err := check(); err != nil {
			return nil, err
		}
		return build(ctx)
	}
	return f
}

func lookupEnv(environ []string, key string) string {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
