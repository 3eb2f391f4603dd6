// Package github implements the issue tracker contract on the gh CLI.
//
// Issue ids are either a bare number ("142"), resolved against the
// project checkout gh runs in, or a qualified "owner/repo#142".
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

type ghRunner interface {
	run(ctx context.Context, dir string, args ...string) (string, error)
}

type execGH struct{}

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

// Tracker is the gh-backed issue tracker plugin.
type Tracker struct {
	runner ghRunner
	logger *logger.Logger
}

// New creates the GitHub tracker plugin.
func New(log *logger.Logger) *Tracker {
	return &Tracker{
		runner: execGH{},
		logger: log.WithFields(zap.String("component", "github-tracker")),
	}
}

func (t *Tracker) Name() string { return "github" }

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (t *Tracker) GetIssue(ctx context.Context, id string) (*plugin.Issue, error) {
	repo, number, err := ParseIssueID(id)
	if err != nil {
		return nil, err
	}
	args := []string{"issue", "view", strconv.Itoa(number),
		"--json", "number,title,body,url,labels"}
	if repo != "" {
		args = append(args, "--repo", repo)
	}
	out, err := t.runner.run(ctx, "", args...)
	if err != nil {
		if strings.Contains(err.Error(), "Could not resolve") || strings.Contains(err.Error(), "no issues") {
			return nil, apperrors.NotFound("issue", id)
		}
		return nil, apperrors.PluginFailure("github", err)
	}
	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, apperrors.PluginFailure("github", fmt.Errorf("parse issue: %w", err))
	}
	issue := &plugin.Issue{
		ID:    id,
		Title: raw.Title,
		Body:  raw.Body,
		URL:   raw.URL,
	}
	for _, l := range raw.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, nil
}

// IssueURL builds the issue URL without a network round trip. Only
// qualified ids carry enough information; bare numbers return "".
func (t *Tracker) IssueURL(id string) string {
	repo, number, err := ParseIssueID(id)
	if err != nil || repo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/issues/%d", repo, number)
}

// BranchName derives the working branch for an issue.
func (t *Tracker) BranchName(id string) string {
	_, number, err := ParseIssueID(id)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("issue-%d", number)
}

// GeneratePrompt fetches the issue and composes the initial agent
// prompt: context first, then the contract the agent works under.
func (t *Tracker) GeneratePrompt(ctx context.Context, id string, project config.ProjectConfig) (string, error) {
	issue, err := t.GetIssue(ctx, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Work on the following GitHub issue.\n\n")
	fmt.Fprintf(&b, "Issue: %s\n", issue.Title)
	if issue.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", issue.URL)
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if issue.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(issue.Body))
	}
	base := project.DefaultBranch
	if base == "" {
		base = "main"
	}
	fmt.Fprintf(&b, "\nYou are working in an isolated git worktree on branch %q.\n", t.BranchName(id))
	fmt.Fprintf(&b, "When the change is complete, commit it and open a pull request against %q.\n", base)
	fmt.Fprintf(&b, "Reference the issue in the PR description.\n")
	return b.String(), nil
}

// ParseIssueID splits an issue id into its repo slug (may be empty)
// and number.
func ParseIssueID(id string) (string, int, error) {
	repo := ""
	numPart := strings.TrimPrefix(id, "#")
	if slug, num, ok := strings.Cut(id, "#"); ok && slug != "" {
		if !strings.Contains(slug, "/") {
			return "", 0, apperrors.InvalidInput("issue id %q: repo must be owner/repo", id)
		}
		repo = slug
		numPart = num
	}
	number, err := strconv.Atoi(numPart)
	if err != nil || number <= 0 {
		return "", 0, apperrors.InvalidInput("issue id %q: expected a number or owner/repo#number", id)
	}
	return repo, number, nil
}
