// Package confirmation gates a mutating run behind an out-of-band approval.
//
// The plans of a run are hashed. A run whose hash matches the approved one
// is executed; any other run posts the plans and an approval link to a
// chat stream instead.
package confirmation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Poster sends a message to a chat stream topic.
type Poster interface {
	SendStreamMessage(ctx context.Context, stream, topic, content string) error
}

// Settings locate the approval conversation and carry the approval itself.
type Settings struct {
	Stream  string
	Topic   string
	BaseURL string

	// ExpectedHash is the approved hash, empty when nothing was approved.
	ExpectedHash string

	// Approver identifies who approved ExpectedHash.
	Approver string
}

// Flow runs the approval protocol.
type Flow struct {
	settings Settings
	poster   Poster
	logger   zerolog.Logger
}

// New creates an approval flow. An expected hash requires an approver.
func New(settings Settings, poster Poster, logger zerolog.Logger) (*Flow, error) {
	if settings.ExpectedHash != "" && settings.Approver == "" {
		return nil, engine.NewConfigurationError("an approved hash requires an approver", nil).
			WithCode(engine.ErrCodeMissingCredential)
	}
	return &Flow{
		settings: settings,
		poster:   poster,
		logger:   logger.With().Str("component", "confirmation").Logger(),
	}, nil
}

// Hash returns the hex SHA-256 of the canonical form of plans. Identifiers
// and timestamps do not contribute.
func Hash(plans []*engine.Plan) string {
	h := sha256.New()
	for _, p := range plans {
		_, _ = h.Write([]byte(p.Canonical()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run calls execute if plans hash to the approved hash, then announces the
// application. Otherwise it posts an approval request. It reports whether
// execute ran.
func (f *Flow) Run(ctx context.Context, plans []*engine.Plan, execute func(context.Context) error) (bool, error) {
	hash := Hash(plans)
	log := f.logger.With().Str("hash", hash).Logger()

	if f.settings.ExpectedHash == "" {
		log.Info().Msg("No approved hash, requesting approval")
		return false, f.requestApproval(ctx, plans, hash, false)
	}
	if f.settings.ExpectedHash != hash {
		log.Warn().Str("expected", f.settings.ExpectedHash).Msg("Plan changed since the approval")
		return false, f.requestApproval(ctx, plans, hash, true)
	}

	log.Info().Str("approver", f.settings.Approver).Msg("Plan approved, applying")
	if err := execute(ctx); err != nil {
		return true, err
	}
	msg := fmt.Sprintf("Applied plan `%s`\nApproved by: `%s`", hash, f.settings.Approver)
	if err := f.post(ctx, msg); err != nil {
		return true, err
	}
	return true, nil
}

func (f *Flow) requestApproval(ctx context.Context, plans []*engine.Plan, hash string, changed bool) error {
	var b strings.Builder
	if changed {
		b.WriteString("🚨 **The plan changed since the approval, please approve again!**\n\n")
	}
	b.WriteString("```text\n")
	engine.FormatPlans(&b, plans)
	b.WriteString("```\n")
	fmt.Fprintf(&b, "Hash: `%s`\n", hash)
	fmt.Fprintf(&b, "[Approve](%s/%s) (requires authentication)\n", strings.TrimRight(f.settings.BaseURL, "/"), hash)
	return f.post(ctx, b.String())
}

func (f *Flow) post(ctx context.Context, content string) error {
	if err := f.poster.SendStreamMessage(ctx, f.settings.Stream, f.settings.Topic, content); err != nil {
		return fmt.Errorf("failed to post confirmation message: %w", err)
	}
	return nil
}
