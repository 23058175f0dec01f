package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/teamsync/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync-team.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
services: [github, zulip]
team_data:
  dir: /srv/team
  timeout: 10s
github:
  ignored_orgs: [rust-lang-deprecated]
  rate_limit: 2
retry:
  max_attempts: 6
  base_delay: 500ms
  max_delay: 20s
policy:
  max_deletions: 3
zulip:
  delete_unmanaged: true
`)

	cfg, err := Load(path, []string{"GITHUB_IGNORED_ORGS=rust-lang-nursery other"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if diff := cmp.Diff([]string{"github", "zulip"}, cfg.Services); diff != "" {
		t.Errorf("services mismatch (-want +got):\n%s", diff)
	}
	if cfg.TeamData.Dir != "/srv/team" {
		t.Errorf("team_data.dir = %q, want /srv/team", cfg.TeamData.Dir)
	}
	if cfg.TeamData.Timeout != 10*time.Second {
		t.Errorf("team_data.timeout = %v, want 10s", cfg.TeamData.Timeout)
	}
	if cfg.GitHub.RateLimit != 2 {
		t.Errorf("github.rate_limit = %v, want 2", cfg.GitHub.RateLimit)
	}
	if cfg.GitHub.PageConcurrency != 8 {
		t.Errorf("github.page_concurrency = %d, want default 8", cfg.GitHub.PageConcurrency)
	}
	if diff := cmp.Diff([]string{"rust-lang-deprecated", "rust-lang-nursery", "other"}, cfg.GitHub.IgnoredOrgs); diff != "" {
		t.Errorf("ignored orgs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Retry.MaxAttempts != 6 {
		t.Errorf("retry.max_attempts = %d, want 6", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry.base_delay = %v, want 500ms", cfg.Retry.BaseDelay)
	}
	if cfg.Policy.MaxDeletions != 3 {
		t.Errorf("policy.max_deletions = %d, want 3", cfg.Policy.MaxDeletions)
	}
	if !cfg.Zulip.DeleteUnmanaged {
		t.Error("zulip.delete_unmanaged = false, want true")
	}
	if !cfg.IsIgnoredOrg("Rust-Lang-Nursery") {
		t.Error("IsIgnoredOrg(Rust-Lang-Nursery) = false, want true")
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, "githb:\n  rate_limit: 1\n")

	if _, err := Load(path, nil); err == nil {
		t.Error("Load() accepted an unknown field")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown service", "services: [slack]\n"},
		{"zero attempts", "retry:\n  max_attempts: 0\n"},
		{"max below base", "retry:\n  base_delay: 10s\n  max_delay: 1s\n"},
		{"bad exporter", "telemetry:\n  trace_exporter: jaeger\n"},
		{"otlp without endpoint", "telemetry:\n  trace_exporter: otlp\n"},
		{"dir and bundle", "team_data:\n  dir: /a\n  bundle_file: /b.json\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), nil)
			if err == nil {
				t.Fatal("Load() = nil error, want failure")
			}
			if got := engine.ClassOf(err); got != engine.ErrorClassConfiguration {
				t.Errorf("ClassOf(err) = %q, want %q", got, engine.ErrorClassConfiguration)
			}
		})
	}
}

func TestApplyEnv_GitHubOrgTokens(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv([]string{
		"GITHUB_TOKEN=default-token",
		"GITHUB_TOKEN_RUST_LANG=rust-token",
		"GITHUB_TOKEN_EMPTY=",
	})

	for org, want := range map[string]string{
		"rust-lang":         "rust-token",
		"rust-lang-nursery": "default-token",
	} {
		tok, err := cfg.GitHubToken(org)
		if err != nil {
			t.Fatalf("GitHubToken(%q) error = %v", org, err)
		}
		if tok.Reveal() != want {
			t.Errorf("GitHubToken(%q) selected the wrong token", org)
		}
	}
	if err := cfg.GitHubCredentials(); err != nil {
		t.Errorf("GitHubCredentials() error = %v", err)
	}
}

func TestCredentials_PerService(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv([]string{
		"MAILGUN_API_TOKEN=mg",
		"EMAIL_ENCRYPTION_KEY=0123456789abcdef0123456789abcdef",
	})

	if err := cfg.MailgunCredentials(); err != nil {
		t.Errorf("MailgunCredentials() error = %v", err)
	}

	err := cfg.GitHubCredentials()
	if err == nil {
		t.Fatal("GitHubCredentials() = nil, want missing credential")
	}
	if got := engine.ClassOf(err); got != engine.ErrorClassConfiguration {
		t.Errorf("ClassOf(err) = %q, want %q", got, engine.ErrorClassConfiguration)
	}
	if !strings.Contains(err.Error(), "GITHUB_TOKEN") {
		t.Errorf("error %q does not name GITHUB_TOKEN", err)
	}

	_, err = cfg.GitHubToken("rust-lang")
	if err == nil || !strings.Contains(err.Error(), "GITHUB_TOKEN_RUST_LANG") {
		t.Errorf("GitHubToken(rust-lang) error = %v, want it to name GITHUB_TOKEN_RUST_LANG", err)
	}

	err = cfg.ZulipCredentials()
	if err == nil || !strings.Contains(err.Error(), "ZULIP_USERNAME") {
		t.Errorf("ZulipCredentials() error = %v, want it to name ZULIP_USERNAME", err)
	}
}

func TestCredentials_MissingKeyIsEncryptionError(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv([]string{"MAILGUN_API_TOKEN=mg"})

	err := cfg.MailgunCredentials()
	if err == nil {
		t.Fatal("MailgunCredentials() = nil, want missing key error")
	}
	if got := engine.ClassOf(err); got != engine.ErrorClassEncryption {
		t.Errorf("ClassOf(err) = %q, want %q", got, engine.ErrorClassEncryption)
	}
}

func TestConfirmationSettings(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv([]string{"CONFIRMATION_STREAM=general"})

	err := cfg.ConfirmationSettings()
	if err == nil {
		t.Fatal("ConfirmationSettings() = nil with topic and base URL unset")
	}
	for _, want := range []string{"CONFIRMATION_TOPIC", "CONFIRMATION_BASE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}

	cfg.ApplyEnv([]string{
		"CONFIRMATION_STREAM=general",
		"CONFIRMATION_TOPIC=sync",
		"CONFIRMATION_BASE_URL=https://example.com/approve",
		"ZULIP_USERNAME=bot@example.com",
		"ZULIP_API_TOKEN=z",
	})
	if err := cfg.ConfirmationSettings(); err != nil {
		t.Errorf("ConfirmationSettings() error = %v", err)
	}
}

func TestSelectServices(t *testing.T) {
	all, err := SelectServices("")
	if err != nil {
		t.Fatalf("SelectServices(\"\") error = %v", err)
	}
	if diff := cmp.Diff(AllServices, all); diff != "" {
		t.Errorf("default services mismatch (-want +got):\n%s", diff)
	}

	got, err := SelectServices(" zulip,GitHub,zulip ")
	if err != nil {
		t.Fatalf("SelectServices() error = %v", err)
	}
	if diff := cmp.Diff([]string{"github", "zulip"}, got); diff != "" {
		t.Errorf("selected services mismatch (-want +got):\n%s", diff)
	}

	_, err = SelectServices("github,discord")
	if err == nil || !strings.Contains(err.Error(), "discord") {
		t.Errorf("SelectServices(github,discord) error = %v, want it to name discord", err)
	}
}

func TestSecret_NeverRendered(t *testing.T) {
	s := Secret("hunter2")

	for _, got := range []string{s.String(), fmt.Sprintf("%v", s), fmt.Sprintf("%#v", s)} {
		if got != "[redacted]" {
			t.Errorf("secret rendered as %q, want [redacted]", got)
		}
	}

	data, err := json.Marshal(struct{ Token Secret }{s})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("secret leaked into JSON: %s", data)
	}

	if s.Reveal() != "hunter2" {
		t.Error("Reveal() did not return the raw value")
	}
	if got := Secret("").String(); got != "" {
		t.Errorf("empty secret rendered as %q", got)
	}
}
