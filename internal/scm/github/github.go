// Package github implements the SCM contract on the gh CLI. Nothing
// here talks to the GitHub API directly; gh handles auth, pagination,
// and host selection.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// ghRunner abstracts gh invocation for tests.
type ghRunner interface {
	run(ctx context.Context, dir string, args ...string) (string, error)
}

type execGH struct{}

// run executes gh and returns stdout. Stderr is kept out of the JSON
// stream and folded into the error instead.
func (execGH) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Available reports whether the gh CLI is installed.
func Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// SCM is the gh-backed SCM plugin.
type SCM struct {
	runner ghRunner
	logger *logger.Logger
}

// New creates the GitHub SCM plugin.
func New(log *logger.Logger) *SCM {
	return &SCM{
		runner: execGH{},
		logger: log.WithFields(zap.String("component", "github-scm")),
	}
}

func (s *SCM) Name() string { return "github" }

// ghPR is the JSON shape returned by gh pr list.
type ghPR struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	State   string `json:"state"`
	IsDraft bool   `json:"isDraft"`
}

// DetectPR finds the open PR whose head is the session's branch. A nil
// PR with a nil error means the branch has no PR yet.
func (s *SCM) DetectPR(ctx context.Context, branch string, project config.ProjectConfig) (*plugin.PR, error) {
	args := []string{"pr", "list",
		"--head", branch,
		"--state", "open",
		"--json", "number,title,url,state,isDraft",
		"--limit", "1"}
	if project.Repo != "" {
		args = append(args, "--repo", project.Repo)
	}
	out, err := s.runner.run(ctx, project.Path, args...)
	if err != nil {
		return nil, apperrors.PluginFailure("github", err)
	}
	var prs []ghPR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, apperrors.PluginFailure("github", fmt.Errorf("parse pr list: %w", err))
	}
	if len(prs) == 0 {
		return nil, nil
	}
	raw := prs[0]
	owner, repo := splitRepo(project.Repo)
	if owner == "" {
		owner, repo = ownerRepoFromURL(raw.URL)
	}
	return &plugin.PR{
		Number:  raw.Number,
		Owner:   owner,
		Repo:    repo,
		URL:     raw.URL,
		Title:   raw.Title,
		State:   strings.ToLower(raw.State),
		IsDraft: raw.IsDraft,
	}, nil
}

// ghCheck is the JSON shape from gh pr checks.
type ghCheck struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Bucket      string `json:"bucket"` // pass, fail, pending, skipping, cancel
	Link        string `json:"link"`
	Description string `json:"description"`
}

func (s *SCM) GetCIChecks(ctx context.Context, pr *plugin.PR) ([]plugin.CICheck, error) {
	out, err := s.runner.run(ctx, "", "pr", "checks", fmt.Sprintf("%d", pr.Number),
		"--repo", repoSlug(pr),
		"--json", "name,state,bucket,link,description")
	if err != nil {
		// gh pr checks exits 8 when some checks failed; the JSON is
		// still complete on stdout.
		if strings.TrimSpace(out) == "" {
			return nil, apperrors.PluginFailure("github", err)
		}
	}
	var raw []ghCheck
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.PluginFailure("github", fmt.Errorf("parse checks: %w", err))
	}
	checks := make([]plugin.CICheck, len(raw))
	for i, c := range raw {
		checks[i] = plugin.CICheck{
			Name:       c.Name,
			Status:     c.State,
			Conclusion: c.Bucket,
			URL:        c.Link,
			Summary:    c.Description,
		}
	}
	return checks, nil
}

// GetCISummary folds the check runs into one status. Failures win over
// pending; skipped checks do not block a passing verdict.
func (s *SCM) GetCISummary(ctx context.Context, pr *plugin.PR) (*plugin.CISummary, error) {
	checks, err := s.GetCIChecks(ctx, pr)
	if err != nil {
		return nil, err
	}
	return SummarizeChecks(checks), nil
}

// SummarizeChecks aggregates check conclusions into a CISummary.
func SummarizeChecks(checks []plugin.CICheck) *plugin.CISummary {
	summary := &plugin.CISummary{Status: plugin.CINone, Total: len(checks)}
	if len(checks) == 0 {
		return summary
	}
	for _, c := range checks {
		switch c.Conclusion {
		case "fail", "cancel":
			summary.Failed++
			summary.FailedChecks = append(summary.FailedChecks, c)
		case "pending":
			summary.Pending++
		}
	}
	switch {
	case summary.Failed > 0:
		summary.Status = plugin.CIFailing
	case summary.Pending > 0:
		summary.Status = plugin.CIPending
	default:
		summary.Status = plugin.CIPassing
	}
	return summary
}

// ghReview is the review shape from the pulls API.
type ghReview struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (s *SCM) GetReviews(ctx context.Context, pr *plugin.PR) ([]plugin.Review, error) {
	out, err := s.runner.run(ctx, "", "api",
		fmt.Sprintf("repos/%s/pulls/%d/reviews", repoSlug(pr), pr.Number),
		"--paginate")
	if err != nil {
		return nil, apperrors.PluginFailure("github", err)
	}
	var raw []ghReview
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.PluginFailure("github", fmt.Errorf("parse reviews: %w", err))
	}
	reviews := make([]plugin.Review, len(raw))
	for i, r := range raw {
		author := r.User.Login
		if author == "" {
			author = r.Author.Login
		}
		reviews[i] = plugin.Review{
			Author:      author,
			State:       r.State,
			Body:        r.Body,
			SubmittedAt: r.SubmittedAt,
		}
	}
	return reviews, nil
}

func (s *SCM) GetReviewDecision(ctx context.Context, pr *plugin.PR) (plugin.ReviewDecision, error) {
	out, err := s.runner.run(ctx, "", "pr", "view", fmt.Sprintf("%d", pr.Number),
		"--repo", repoSlug(pr),
		"--json", "reviewDecision",
		"--jq", ".reviewDecision")
	if err != nil {
		return plugin.ReviewNone, apperrors.PluginFailure("github", err)
	}
	switch strings.TrimSpace(out) {
	case "APPROVED":
		return plugin.ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return plugin.ReviewChangesRequested, nil
	case "REVIEW_REQUIRED":
		return plugin.ReviewRequired, nil
	default:
		return plugin.ReviewNone, nil
	}
}

// ghComment is the review-comment shape from the pulls API.
type ghComment struct {
	Path      string    `json:"path"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	InReplyTo *int64    `json:"in_reply_to_id"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// GetPendingComments returns top-level review comments; replies are
// dropped because they belong to a thread the agent already saw.
func (s *SCM) GetPendingComments(ctx context.Context, pr *plugin.PR) ([]plugin.Comment, error) {
	out, err := s.runner.run(ctx, "", "api",
		fmt.Sprintf("repos/%s/pulls/%d/comments", repoSlug(pr), pr.Number),
		"--paginate")
	if err != nil {
		return nil, apperrors.PluginFailure("github", err)
	}
	var raw []ghComment
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.PluginFailure("github", fmt.Errorf("parse comments: %w", err))
	}
	var comments []plugin.Comment
	for _, c := range raw {
		if c.InReplyTo != nil {
			continue
		}
		comments = append(comments, plugin.Comment{
			Author:    c.User.Login,
			Body:      c.Body,
			Path:      c.Path,
			Severity:  detectSeverity(c.Body),
			CreatedAt: c.CreatedAt,
		})
	}
	return comments, nil
}

// GetAutomatedComments filters pending comments down to bot findings.
func (s *SCM) GetAutomatedComments(ctx context.Context, pr *plugin.PR) ([]plugin.Comment, error) {
	comments, err := s.GetPendingComments(ctx, pr)
	if err != nil {
		return nil, err
	}
	var automated []plugin.Comment
	for _, c := range comments {
		if IsBotAuthor(c.Author) {
			automated = append(automated, c)
		}
	}
	return automated, nil
}

func (s *SCM) GetMergeability(ctx context.Context, pr *plugin.PR) (plugin.Mergeability, error) {
	out, err := s.runner.run(ctx, "", "pr", "view", fmt.Sprintf("%d", pr.Number),
		"--repo", repoSlug(pr),
		"--json", "mergeable",
		"--jq", ".mergeable")
	if err != nil {
		return plugin.MergeUnknown, apperrors.PluginFailure("github", err)
	}
	switch strings.TrimSpace(out) {
	case "MERGEABLE":
		return plugin.MergeClean, nil
	case "CONFLICTING":
		return plugin.MergeConflicting, nil
	default:
		return plugin.MergeUnknown, nil
	}
}

func (s *SCM) MergePR(ctx context.Context, pr *plugin.PR, method string) error {
	flag := "--squash"
	switch method {
	case "merge":
		flag = "--merge"
	case "rebase":
		flag = "--rebase"
	}
	_, err := s.runner.run(ctx, "", "pr", "merge", fmt.Sprintf("%d", pr.Number),
		"--repo", repoSlug(pr), flag, "--delete-branch")
	if err != nil {
		return apperrors.PluginFailure("github", err)
	}
	s.logger.Info("pull request merged",
		zap.String("repo", repoSlug(pr)), zap.Int("number", pr.Number))
	return nil
}

// IsBotAuthor reports whether a comment author is an automated
// reviewer. GitHub app accounts carry the [bot] suffix.
func IsBotAuthor(author string) bool {
	lower := strings.ToLower(author)
	return strings.HasSuffix(lower, "[bot]") ||
		strings.HasSuffix(lower, "-bot") ||
		lower == "bugbot"
}

var severityMarkers = []string{"critical", "high", "medium", "low"}

// detectSeverity pulls a severity tag off a finding's first line when
// the bot formats one ("**High**: ...", "[critical] ...").
func detectSeverity(body string) string {
	line := body
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.ToLower(line)
	for _, marker := range severityMarkers {
		if strings.Contains(line, marker) {
			return marker
		}
	}
	return ""
}

func repoSlug(pr *plugin.PR) string {
	return pr.Owner + "/" + pr.Repo
}

func splitRepo(slug string) (string, string) {
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok {
		return "", ""
	}
	return owner, repo
}

// ownerRepoFromURL parses https://github.com/<owner>/<repo>/pull/<n>.
func ownerRepoFromURL(url string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://"), "/")
	if len(parts) < 3 {
		return "", ""
	}
	return parts[1], parts[2]
}
