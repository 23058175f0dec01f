package config

import (
	"encoding/json"
	"time"
)

// Service names.
const (
	ServiceGitHub  = "github"
	ServiceMailgun = "mailgun"
	ServiceZulip   = "zulip"
)

// AllServices lists every synchronized service in run order.
var AllServices = []string{ServiceGitHub, ServiceMailgun, ServiceZulip}

// Secret holds a credential. It never renders its value.
type Secret string

const redacted = "[redacted]"

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer so %#v does not leak the value.
func (s Secret) GoString() string {
	return s.String()
}

// MarshalJSON renders the secret redacted.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText renders the secret redacted. Used by zerolog and yaml.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reveal returns the raw value for use in an outbound request.
func (s Secret) Reveal() string {
	return string(s)
}

// Config is the process configuration. It is built once at start and
// passed by reference; nothing reads the environment afterwards.
type Config struct {
	// Services lists the services to synchronize. Empty means all.
	Services []string `yaml:"services" validate:"dive,oneof=github mailgun zulip"`

	// TeamData selects and tunes the desired-state source.
	TeamData TeamDataConfig `yaml:"team_data"`

	// GitHub configures the hosting-platform service.
	GitHub GitHubConfig `yaml:"github"`

	// Mailgun configures the mailing-list service.
	Mailgun MailgunConfig `yaml:"mailgun"`

	// Zulip configures the chat service.
	Zulip ZulipConfig `yaml:"zulip"`

	// Retry bounds retries of write calls.
	Retry RetryConfig `yaml:"retry"`

	// Policy configures the plan guard.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures tracing and metrics output.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Confirmation holds the approval flow settings. Environment only.
	Confirmation ConfirmationConfig `yaml:"-"`
}

// TeamDataConfig selects the desired-state source. At most one of Dir and
// BundleFile may be set; otherwise APIURL is used.
type TeamDataConfig struct {
	APIURL     string        `yaml:"api_url" validate:"omitempty,url"`
	Dir        string        `yaml:"dir" validate:"excluded_with=BundleFile"`
	BundleFile string        `yaml:"bundle_file"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// GitHubConfig configures the hosting-platform client.
type GitHubConfig struct {
	BaseURL         string   `yaml:"base_url" validate:"required,url"`
	IgnoredOrgs     []string `yaml:"ignored_orgs"`
	RateLimit       float64  `yaml:"rate_limit" validate:"gt=0"`
	Burst           int      `yaml:"burst" validate:"min=1"`
	PageConcurrency int      `yaml:"page_concurrency" validate:"min=1,max=32"`

	// Token is the default token, used for orgs without their own.
	Token Secret `yaml:"-"`

	// OrgTokens maps org keys (upper-case, "-" as "_") to org-scoped tokens.
	OrgTokens map[string]Secret `yaml:"-"`
}

// MailgunConfig configures the mailing-list client.
type MailgunConfig struct {
	BaseURL       string  `yaml:"base_url" validate:"required,url"`
	RateLimit     float64 `yaml:"rate_limit" validate:"gt=0"`
	Burst         int     `yaml:"burst" validate:"min=1"`
	PageSize      int     `yaml:"page_size" validate:"min=1,max=1000"`
	Token         Secret  `yaml:"-"`
	EncryptionKey Secret  `yaml:"-"`
}

// ZulipConfig configures the chat client.
type ZulipConfig struct {
	BaseURL   string  `yaml:"base_url" validate:"required,url"`
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"min=1"`

	// DeleteUnmanaged removes user groups absent from the data set.
	DeleteUnmanaged bool `yaml:"delete_unmanaged"`

	Username string `yaml:"-"`
	Token    Secret `yaml:"-"`
}

// RetryConfig bounds retries of write calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
}

// PolicyConfig configures the plan guard.
type PolicyConfig struct {
	// Disabled skips policy evaluation entirely.
	Disabled bool `yaml:"disabled"`

	// MaxDeletions is the largest number of deletes a plan may hold.
	MaxDeletions int `yaml:"max_deletions" validate:"min=0"`

	// Paths lists extra .rego files or directories.
	Paths []string `yaml:"paths"`
}

// TelemetryConfig configures tracing and metrics output.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	MetricsFile    string `yaml:"metrics_file"`
	MetricsPushURL string `yaml:"metrics_push_url" validate:"omitempty,url"`
}

// ConfirmationConfig holds the approval flow settings.
type ConfirmationConfig struct {
	Stream       string
	Topic        string
	BaseURL      string
	ExpectedHash string
	Approver     string
}
