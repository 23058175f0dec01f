// Package config builds the process configuration for sync-team.
//
// # Sources
//
// Settings come from an optional YAML file and from the environment:
//
//   - YAML (--config): endpoints, rate limits, retry policy, plan guard
//     limits, telemetry exporters. Unknown fields are rejected.
//   - Environment: every credential and the approval flow settings.
//     Credentials are never read from the file.
//
// # Credentials
//
// Credentials are checked per service so that a run restricted to one
// service does not require the others' secrets:
//
//	cfg, err := config.Load(path, os.Environ())
//	if err != nil {
//	    return err
//	}
//	if err := cfg.MailgunCredentials(); err != nil {
//	    // fails the mailgun run only
//	}
//
// GitHub tokens are organization-scoped. GITHUB_TOKEN_<ORG> (upper-case,
// "-" written as "_") overrides GITHUB_TOKEN for that organization.
//
// # Secrets
//
// Secret values render as "[redacted]" through fmt, JSON and text
// marshaling. Reveal returns the raw value for outbound requests only.
//
// # Validation
//
// Structural constraints are declared as go-playground/validator tags and
// reported as configuration errors.
package config
