package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentorch/orchestrator/internal/common/config"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

type fakeGH struct {
	calls   [][]string
	dirs    []string
	outputs []string
	errs    []error
}

func (f *fakeGH) run(_ context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	f.dirs = append(f.dirs, dir)
	i := len(f.calls) - 1
	var out string
	var err error
	if i < len(f.outputs) {
		out = f.outputs[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

func newTestSCM(f *fakeGH) *SCM {
	s := New(logger.Default())
	s.runner = f
	return s
}

var testPR = &plugin.PR{Number: 7, Owner: "acme", Repo: "api", URL: "https://github.com/acme/api/pull/7"}

func TestDetectPR(t *testing.T) {
	f := &fakeGH{outputs: []string{`[{"number":7,"title":"Add rate limiter","url":"https://github.com/acme/api/pull/7","state":"OPEN","isDraft":false}]`}}
	s := newTestSCM(f)

	pr, err := s.DetectPR(context.Background(), "api-3", config.ProjectConfig{Repo: "acme/api", Path: "/repos/api"})
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "acme", pr.Owner)
	assert.Equal(t, "api", pr.Repo)
	assert.Equal(t, "open", pr.State)

	require.Len(t, f.calls, 1)
	args := strings.Join(f.calls[0], " ")
	assert.Contains(t, args, "--head api-3")
	assert.Contains(t, args, "--repo acme/api")
	assert.Equal(t, "/repos/api", f.dirs[0])
}

func TestDetectPRNoneOpen(t *testing.T) {
	s := newTestSCM(&fakeGH{outputs: []string{`[]`}})
	pr, err := s.DetectPR(context.Background(), "api-3", config.ProjectConfig{Repo: "acme/api"})
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestDetectPROwnerFromURL(t *testing.T) {
	f := &fakeGH{outputs: []string{`[{"number":2,"url":"https://github.com/acme/api/pull/2","state":"OPEN"}]`}}
	s := newTestSCM(f)

	pr, err := s.DetectPR(context.Background(), "api-1", config.ProjectConfig{Path: "/repos/api"})
	require.NoError(t, err)
	assert.Equal(t, "acme", pr.Owner)
	assert.Equal(t, "api", pr.Repo)
	assert.NotContains(t, strings.Join(f.calls[0], " "), "--repo")
}

func TestGetCIChecksSurvivesFailureExit(t *testing.T) {
	// gh pr checks exits non-zero when checks failed but still prints JSON.
	f := &fakeGH{
		outputs: []string{`[{"name":"unit","state":"completed","bucket":"fail","link":"https://ci/1","description":"2 failed"}]`},
		errs:    []error{errors.New("gh pr: exit status 8")},
	}
	s := newTestSCM(f)

	checks, err := s.GetCIChecks(context.Background(), testPR)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "unit", checks[0].Name)
	assert.Equal(t, "fail", checks[0].Conclusion)
}

func TestSummarizeChecks(t *testing.T) {
	pass := plugin.CICheck{Name: "lint", Conclusion: "pass"}
	fail := plugin.CICheck{Name: "unit", Conclusion: "fail"}
	pending := plugin.CICheck{Name: "e2e", Conclusion: "pending"}
	skip := plugin.CICheck{Name: "docs", Conclusion: "skipping"}

	assert.Equal(t, plugin.CINone, SummarizeChecks(nil).Status)
	assert.Equal(t, plugin.CIPassing, SummarizeChecks([]plugin.CICheck{pass, skip}).Status)
	assert.Equal(t, plugin.CIPending, SummarizeChecks([]plugin.CICheck{pass, pending}).Status)

	s := SummarizeChecks([]plugin.CICheck{pass, fail, pending})
	assert.Equal(t, plugin.CIFailing, s.Status)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Pending)
	require.Len(t, s.FailedChecks, 1)
	assert.Equal(t, "unit", s.FailedChecks[0].Name)
}

func TestGetReviewDecision(t *testing.T) {
	for raw, want := range map[string]plugin.ReviewDecision{
		"APPROVED\n":        plugin.ReviewApproved,
		"CHANGES_REQUESTED": plugin.ReviewChangesRequested,
		"REVIEW_REQUIRED":   plugin.ReviewRequired,
		"":                  plugin.ReviewNone,
	} {
		s := newTestSCM(&fakeGH{outputs: []string{raw}})
		decision, err := s.GetReviewDecision(context.Background(), testPR)
		require.NoError(t, err)
		assert.Equal(t, want, decision, "raw %q", raw)
	}
}

func TestGetPendingCommentsDropsReplies(t *testing.T) {
	f := &fakeGH{outputs: []string{`[
		{"path":"main.go","body":"**High**: unchecked error","user":{"login":"bugbot[bot]"}},
		{"path":"main.go","body":"done","in_reply_to_id":11,"user":{"login":"dev"}}
	]`}}
	s := newTestSCM(f)

	comments, err := s.GetPendingComments(context.Background(), testPR)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "bugbot[bot]", comments[0].Author)
	assert.Equal(t, "high", comments[0].Severity)
}

func TestGetAutomatedComments(t *testing.T) {
	f := &fakeGH{outputs: []string{`[
		{"path":"main.go","body":"[low] nit","user":{"login":"review-bot"}},
		{"path":"main.go","body":"please rename","user":{"login":"alice"}}
	]`}}
	s := newTestSCM(f)

	automated, err := s.GetAutomatedComments(context.Background(), testPR)
	require.NoError(t, err)
	require.Len(t, automated, 1)
	assert.Equal(t, "review-bot", automated[0].Author)
}

func TestGetMergeability(t *testing.T) {
	for raw, want := range map[string]plugin.Mergeability{
		"MERGEABLE":   plugin.MergeClean,
		"CONFLICTING": plugin.MergeConflicting,
		"UNKNOWN":     plugin.MergeUnknown,
	} {
		s := newTestSCM(&fakeGH{outputs: []string{raw}})
		m, err := s.GetMergeability(context.Background(), testPR)
		require.NoError(t, err)
		assert.Equal(t, want, m)
	}
}

func TestMergePRMethods(t *testing.T) {
	f := &fakeGH{}
	s := newTestSCM(f)
	require.NoError(t, s.MergePR(context.Background(), testPR, "squash"))
	require.NoError(t, s.MergePR(context.Background(), testPR, "rebase"))
	require.NoError(t, s.MergePR(context.Background(), testPR, ""))

	assert.Contains(t, f.calls[0], "--squash")
	assert.Contains(t, f.calls[1], "--rebase")
	assert.Contains(t, f.calls[2], "--squash", "squash is the default")
	assert.Contains(t, f.calls[0], "acme/api")
}

func TestIsBotAuthor(t *testing.T) {
	assert.True(t, IsBotAuthor("dependabot[bot]"))
	assert.True(t, IsBotAuthor("review-bot"))
	assert.True(t, IsBotAuthor("Bugbot"))
	assert.False(t, IsBotAuthor("alice"))
}
