package session

import (
	"regexp"
	"strings"

	"github.com/agentorch/orchestrator/internal/plugin"
)

var branchUnsafe = regexp.MustCompile(`[^\w./-]`)

// SanitizeBranch turns an issue id into a git-safe branch name.
// Leading '#' is stripped, unsafe characters become '-', and the
// result never starts or ends with '.' or '-'.
func SanitizeBranch(issueID string) string {
	s := strings.TrimPrefix(issueID, "#")
	s = branchUnsafe.ReplaceAllString(s, "-")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, ".-")
	return s
}

// BranchFor composes the working branch for an issue, preferring the
// tracker's convention when one is available.
func BranchFor(tracker plugin.Tracker, issueID string) string {
	if tracker != nil {
		if name := tracker.BranchName(issueID); name != "" {
			return SanitizeBranch(name)
		}
	}
	return SanitizeBranch(issueID)
}
