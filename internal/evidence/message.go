package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// Caps applied when rendering a reaction message.
const (
	maxFailedChecks = 4
	maxComments     = 3
	maxCommentChars = 160
	tailLines       = 80
	tailChars       = 320
	maxMessageChars = 2400
)

// OutputFetcher returns recent captured runtime output for a session.
type OutputFetcher func(ctx context.Context, sessionID string, lines int) (string, error)

// MessageBuilder renders the structured prompts that ci-failed,
// changes-requested, and bugbot-comments reactions send to a worker.
// Build never fails; any sub-fetch error degrades to the configured
// fallback message.
type MessageBuilder struct {
	scm    plugin.SCM
	output OutputFetcher
	logger *logger.Logger
}

// NewMessageBuilder creates a builder over an SCM plugin and a runtime
// output fetcher.
func NewMessageBuilder(scm plugin.SCM, output OutputFetcher, log *logger.Logger) *MessageBuilder {
	return &MessageBuilder{scm: scm, output: output, logger: log}
}

// BuildRequest parameterizes one message build.
type BuildRequest struct {
	SessionID string
	Event     string
	Fallback  string
	PR        *plugin.PR
}

// Build renders the reaction message for an event.
func (m *MessageBuilder) Build(ctx context.Context, req BuildRequest) string {
	msg, err := m.build(ctx, req)
	if err != nil {
		m.logger.Warn("reaction message degraded to fallback",
			zap.String("session_id", req.SessionID),
			zap.String("event", req.Event),
			zap.Error(err))
		return req.Fallback
	}
	return msg
}

func (m *MessageBuilder) build(ctx context.Context, req BuildRequest) (string, error) {
	var sections []string

	switch req.Event {
	case "ci-failed":
		checks, err := m.failedChecks(ctx, req.PR)
		if err != nil {
			return "", err
		}
		sections = append(sections, "CI is failing on your pull request.")
		sections = append(sections, renderChecks(checks))
		sections = append(sections, renderSteps([]string{
			"Reproduce the failing checks locally.",
			"Fix the failures and push the changes.",
			"Confirm CI is green before moving on.",
		}))

	case "changes-requested":
		comments, err := m.scm.GetPendingComments(ctx, req.PR)
		if err != nil {
			return "", err
		}
		sections = append(sections, "A reviewer requested changes on your pull request.")
		sections = append(sections, renderComments(comments))
		sections = append(sections, renderSteps([]string{
			"Address each review comment.",
			"Reply or resolve the threads on the pull request.",
			"Push the updated changes.",
		}))

	case "bugbot-comments":
		comments, err := m.scm.GetAutomatedComments(ctx, req.PR)
		if err != nil {
			return "", err
		}
		sortBySeverity(comments)
		sections = append(sections, "Automated review found issues on your pull request.")
		sections = append(sections, renderComments(comments))
		sections = append(sections, renderSteps([]string{
			"Fix the reported findings, highest severity first.",
			"Push the updated changes.",
		}))

	default:
		if req.Fallback == "" {
			return "", fmt.Errorf("no template for event %q", req.Event)
		}
		sections = append(sections, req.Fallback)
	}

	if tail := m.outputTail(ctx, req.SessionID); tail != "" {
		sections = append(sections, "--- recent terminal output ---\n"+tail)
	}

	msg := strings.Join(compact(sections), "\n\n")
	if r := []rune(msg); len(r) > maxMessageChars {
		msg = string(r[:maxMessageChars])
	}
	return msg, nil
}

func (m *MessageBuilder) failedChecks(ctx context.Context, pr *plugin.PR) ([]plugin.CICheck, error) {
	summary, err := m.scm.GetCISummary(ctx, pr)
	if err != nil {
		return nil, err
	}
	checks := summary.FailedChecks
	if len(checks) > maxFailedChecks {
		checks = checks[:maxFailedChecks]
	}
	return checks, nil
}

// outputTail fetches recent runtime output and keeps the last
// tailChars of it. Errors degrade to an empty tail, not a fallback.
func (m *MessageBuilder) outputTail(ctx context.Context, sessionID string) string {
	if m.output == nil {
		return ""
	}
	out, err := m.output(ctx, sessionID, tailLines)
	if err != nil {
		return ""
	}
	out = strings.TrimSpace(out)
	if r := []rune(out); len(r) > tailChars {
		out = string(r[len(r)-tailChars:])
	}
	return out
}

func renderChecks(checks []plugin.CICheck) string {
	if len(checks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Failing checks:")
	for _, c := range checks {
		line := c.Name
		if c.Summary != "" {
			line += ": " + truncate(c.Summary, maxCommentChars)
		}
		b.WriteString("\n- " + line)
	}
	return b.String()
}

func renderComments(comments []plugin.Comment) string {
	if len(comments) == 0 {
		return ""
	}
	if len(comments) > maxComments {
		comments = comments[:maxComments]
	}
	var b strings.Builder
	b.WriteString("Unresolved comments:")
	for _, c := range comments {
		line := truncate(strings.ReplaceAll(c.Body, "\n", " "), maxCommentChars)
		if c.Path != "" {
			line = c.Path + ": " + line
		}
		if c.Author != "" {
			line += " (" + c.Author + ")"
		}
		b.WriteString("\n- " + line)
	}
	return b.String()
}

func renderSteps(steps []string) string {
	var b strings.Builder
	b.WriteString("Steps:")
	for i, s := range steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}

var severityRank = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}

func sortBySeverity(comments []plugin.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return rankOf(comments[i].Severity) < rankOf(comments[j].Severity)
	})
}

func rankOf(severity string) int {
	if r, ok := severityRank[strings.ToLower(severity)]; ok {
		return r
	}
	return len(severityRank)
}

// truncate counts runes so a cut never splits a multi-byte character.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func compact(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
