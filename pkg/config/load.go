package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Environment variable names.
const (
	EnvGitHubToken        = "GITHUB_TOKEN"
	EnvGitHubTokenPrefix  = "GITHUB_TOKEN_"
	EnvGitHubIgnoredOrgs  = "GITHUB_IGNORED_ORGS"
	EnvMailgunToken       = "MAILGUN_API_TOKEN"
	EnvEncryptionKey      = "EMAIL_ENCRYPTION_KEY"
	EnvZulipUsername      = "ZULIP_USERNAME"
	EnvZulipToken         = "ZULIP_API_TOKEN"
	EnvConfirmStream      = "CONFIRMATION_STREAM"
	EnvConfirmTopic       = "CONFIRMATION_TOPIC"
	EnvConfirmBaseURL     = "CONFIRMATION_BASE_URL"
	EnvConfirmExpected    = "CONFIRMATION_EXPECTED_HASH"
	EnvConfirmApprover    = "CONFIRMATION_APPROVER"
	defaultTeamAPIURL     = "https://team-api.infra.rust-lang.org/v1"
	defaultGitHubBaseURL  = "https://api.github.com"
	defaultMailgunBaseURL = "https://api.mailgun.net/v3"
	defaultZulipBaseURL   = "https://rust-lang.zulipchat.com/api/v1"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		TeamData: TeamDataConfig{
			APIURL:  defaultTeamAPIURL,
			Timeout: 30 * time.Second,
		},
		GitHub: GitHubConfig{
			BaseURL:         defaultGitHubBaseURL,
			RateLimit:       10,
			Burst:           5,
			PageConcurrency: 8,
			OrgTokens:       map[string]Secret{},
		},
		Mailgun: MailgunConfig{
			BaseURL:   defaultMailgunBaseURL,
			RateLimit: 5,
			Burst:     5,
			PageSize:  1000,
		},
		Zulip: ZulipConfig{
			BaseURL:   defaultZulipBaseURL,
			RateLimit: 5,
			Burst:     5,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			CallTimeout: 30 * time.Second,
		},
		Policy: PolicyConfig{
			MaxDeletions: 25,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "sync-team",
			TraceExporter: "none",
		},
	}
}

// Load builds the configuration from an optional YAML file and the
// environment, given as KEY=VALUE pairs (os.Environ form).
func Load(path string, environ []string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Decode(bytes.NewReader(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(environ)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg, rejecting unknown fields.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv copies secrets and environment-only settings into cfg.
func (c *Config) ApplyEnv(environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	c.GitHub.Token = Secret(env[EnvGitHubToken])
	if c.GitHub.OrgTokens == nil {
		c.GitHub.OrgTokens = map[string]Secret{}
	}
	for k, v := range env {
		if !strings.HasPrefix(k, EnvGitHubTokenPrefix) || v == "" {
			continue
		}
		org := strings.TrimPrefix(k, EnvGitHubTokenPrefix)
		c.GitHub.OrgTokens[normalizeOrgKey(org)] = Secret(v)
	}
	if ignored := strings.Fields(env[EnvGitHubIgnoredOrgs]); len(ignored) > 0 {
		c.GitHub.IgnoredOrgs = append(c.GitHub.IgnoredOrgs, ignored...)
	}

	c.Mailgun.Token = Secret(env[EnvMailgunToken])
	c.Mailgun.EncryptionKey = Secret(env[EnvEncryptionKey])

	c.Zulip.Username = env[EnvZulipUsername]
	c.Zulip.Token = Secret(env[EnvZulipToken])

	c.Confirmation = ConfirmationConfig{
		Stream:       env[EnvConfirmStream],
		Topic:        env[EnvConfirmTopic],
		BaseURL:      env[EnvConfirmBaseURL],
		ExpectedHash: env[EnvConfirmExpected],
		Approver:     env[EnvConfirmApprover],
	}
}

// normalizeOrgKey maps an org name or env suffix to the lookup key:
// upper-case with '-' replaced by '_'.
func normalizeOrgKey(org string) string {
	return strings.ToUpper(strings.ReplaceAll(org, "-", "_"))
}

// Validate checks structural constraints. Credentials are checked per
// service by the *Credentials methods.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return engine.NewConfigurationError("invalid configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if c.TeamData.APIURL == "" && c.TeamData.Dir == "" && c.TeamData.BundleFile == "" {
		return engine.NewConfigurationError("no team data source configured", nil).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// SelectServices parses a comma-separated service list. An empty list
// selects every service. The result is de-duplicated and sorted.
func SelectServices(csv string) ([]string, error) {
	if strings.TrimSpace(csv) == "" {
		return append([]string(nil), AllServices...), nil
	}
	seen := map[string]bool{}
	var out []string
	for _, name := range strings.Split(csv, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		switch name {
		case ServiceGitHub, ServiceMailgun, ServiceZulip:
		default:
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("unknown service %q (valid: %s)", name, strings.Join(AllServices, ", ")), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GitHubToken returns the token for org: its org-scoped token if set,
// the default token otherwise.
func (c *Config) GitHubToken(org string) (Secret, error) {
	if t, ok := c.GitHub.OrgTokens[normalizeOrgKey(org)]; ok && t != "" {
		return t, nil
	}
	if c.GitHub.Token != "" {
		return c.GitHub.Token, nil
	}
	return "", missing(ServiceGitHub, fmt.Sprintf("%s or %s%s is not set", EnvGitHubToken, EnvGitHubTokenPrefix, normalizeOrgKey(org)))
}

// GitHubCredentials checks that at least one GitHub token is available.
func (c *Config) GitHubCredentials() error {
	if c.GitHub.Token != "" {
		return nil
	}
	for _, t := range c.GitHub.OrgTokens {
		if t != "" {
			return nil
		}
	}
	return missing(ServiceGitHub, EnvGitHubToken+" is not set")
}

// MailgunCredentials checks the Mailgun token and the encryption key.
func (c *Config) MailgunCredentials() error {
	if c.Mailgun.Token == "" {
		return missing(ServiceMailgun, EnvMailgunToken+" is not set")
	}
	if c.Mailgun.EncryptionKey == "" {
		return engine.NewEncryptionError(EnvEncryptionKey+" is not set", nil).
			WithCode(engine.ErrCodeMissingCredential).
			WithService(ServiceMailgun)
	}
	return nil
}

// ZulipCredentials checks the Zulip username and token.
func (c *Config) ZulipCredentials() error {
	if c.Zulip.Username == "" {
		return missing(ServiceZulip, EnvZulipUsername+" is not set")
	}
	if c.Zulip.Token == "" {
		return missing(ServiceZulip, EnvZulipToken+" is not set")
	}
	return nil
}

// ConfirmationSettings checks the settings required by the approval flow.
func (c *Config) ConfirmationSettings() error {
	var unset []string
	if c.Confirmation.Stream == "" {
		unset = append(unset, EnvConfirmStream)
	}
	if c.Confirmation.Topic == "" {
		unset = append(unset, EnvConfirmTopic)
	}
	if c.Confirmation.BaseURL == "" {
		unset = append(unset, EnvConfirmBaseURL)
	}
	if len(unset) > 0 {
		return engine.NewConfigurationError(strings.Join(unset, ", ")+" not set", nil).
			WithCode(engine.ErrCodeMissingCredential)
	}
	return c.ZulipCredentials()
}

// IsIgnoredOrg reports whether org must be left untouched.
func (c *Config) IsIgnoredOrg(org string) bool {
	for _, o := range c.GitHub.IgnoredOrgs {
		if strings.EqualFold(o, org) {
			return true
		}
	}
	return false
}

// RetryPolicy converts the retry settings for the executor.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		CallTimeout: c.Retry.CallTimeout,
	}
}

func missing(service, msg string) *engine.EngineError {
	return engine.NewConfigurationError(msg, nil).
		WithCode(engine.ErrCodeMissingCredential).
		WithService(service)
}
