// Package slack posts stage transitions and triage digests to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/careertrack/internal/application"
	"github.com/linnemanlabs/careertrack/internal/pipeline"
	"github.com/linnemanlabs/careertrack/internal/triage"
)

const (
	maxReasonLen = 2000
	maxDigestLen = 2800
	httpTimeout  = 10 * time.Second
	timeLayout   = "2006-01-02 15:04 UTC"
)

// Notifier sends transition and digest messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send and
// SendDigest are no-ops.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a stage transition.
func (n *Notifier) Send(ctx context.Context, ev *application.TransitionEvent) error {
	if n.webhookURL == "" || ev == nil || ev.Application == nil {
		return nil
	}
	if err := n.post(ctx, buildTransitionMessage(ev)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack transition notification sent",
		"application_id", ev.Application.ID,
		"to", string(ev.To),
	)
	return nil
}

// SendDigest posts a needs-action sweep digest.
func (n *Notifier) SendDigest(ctx context.Context, d *application.Digest) error {
	if n.webhookURL == "" || d == nil {
		return nil
	}
	if err := n.post(ctx, buildDigestMessage(d)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack digest sent", "needs_action", d.Summary.NeedsAction)
	return nil
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildTransitionMessage(ev *application.TransitionEvent) map[string]any {
	app := ev.Application
	blocks := []map[string]any{
		header(fmt.Sprintf("%s %s: %s", stageEmoji(ev.To), transitionTitle(ev.To), app.Company)),
		{"type": "divider"},
		fields(
			fmt.Sprintf("*Student:* %s", app.StudentID),
			fmt.Sprintf("*Role:* %s", orDash(app.Role)),
			fmt.Sprintf("*Stage:* %s → %s", ev.From, ev.To),
			fmt.Sprintf("*Advisor:* %s", orDash(ev.Author)),
		),
	}
	if r := strings.TrimSpace(ev.Reason); r != "" {
		blocks = append(blocks, section(fmt.Sprintf("*Reason*\n\n%s", truncate(r, maxReasonLen))))
	}
	blocks = append(blocks, footer(fmt.Sprintf("careertrack • application %s • %s", app.ID, ev.At.UTC().Format(timeLayout))))
	return map[string]any{"blocks": blocks}
}

func buildDigestMessage(d *application.Digest) map[string]any {
	s := d.Summary
	title := fmt.Sprintf("\U0001f4cb %d of %d applications need action", s.NeedsAction, s.Total)

	var b strings.Builder
	for _, it := range d.Top {
		line := fmt.Sprintf("• *%s* (%s) %s: %s, %s\n",
			it.Subject.Company, it.Subject.StudentID, it.Subject.Stage,
			joinReasons(it.Result.Reasons), it.Result.Urgency)
		if b.Len()+len(line) > maxDigestLen {
			b.WriteString("• …\n")
			break
		}
		b.WriteString(line)
	}
	list := b.String()
	if list == "" {
		list = "_Nothing needs action._"
	}

	return map[string]any{
		"blocks": []map[string]any{
			header(title),
			{"type": "divider"},
			fields(
				fmt.Sprintf("*Overdue:* %d", s.ByReason[triage.ReasonOverdue]),
				fmt.Sprintf("*Due soon:* %d", s.ByReason[triage.ReasonDueSoon]),
				fmt.Sprintf("*Stale:* %d", s.ByReason[triage.ReasonStale]),
				fmt.Sprintf("*No next step:* %d", s.ByReason[triage.ReasonNoNextStep]),
			),
			{"type": "divider"},
			section("*Most urgent*\n\n" + list),
			footer(fmt.Sprintf("careertrack • triage sweep • %s", d.At.UTC().Format(timeLayout))),
		},
	}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": text},
	}
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func fields(texts ...string) map[string]any {
	fs := make([]map[string]any, 0, len(texts))
	for _, t := range texts {
		fs = append(fs, map[string]any{"type": "mrkdwn", "text": t})
	}
	return map[string]any{"type": "section", "fields": fs}
}

func footer(text string) map[string]any {
	return map[string]any{
		"type":     "context",
		"elements": []map[string]any{{"type": "mrkdwn", "text": text}},
	}
}

func transitionTitle(to pipeline.Stage) string {
	switch to {
	case pipeline.StageApplied:
		return "Applied"
	case pipeline.StageInterview:
		return "Interview"
	case pipeline.StageOffer:
		return "Offer received"
	case pipeline.StageAccepted:
		return "Offer accepted"
	case pipeline.StageRejected:
		return "Rejected"
	case pipeline.StageWithdrawn:
		return "Withdrawn"
	case pipeline.StageArchived:
		return "Archived"
	default:
		return "Moved to " + string(to)
	}
}

func stageEmoji(to pipeline.Stage) string {
	switch to {
	case pipeline.StageOffer, pipeline.StageAccepted:
		return "\U0001f7e2" // green circle
	case pipeline.StageRejected:
		return "\U0001f534" // red circle
	case pipeline.StageWithdrawn, pipeline.StageArchived:
		return "⚪" // white circle
	default:
		return "\U0001f535" // blue circle
	}
}

func joinReasons(rs []triage.Reason) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
