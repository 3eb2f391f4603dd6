package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/taskgraph"
)

// BatchRequest spawns sessions for a set of issues at once. Graph,
// when present, gates issues on their task dependencies; Cap bounds
// how many sessions this batch may start (0 means unlimited).
type BatchRequest struct {
	ProjectID string
	IssueIDs  []string
	Graph     *taskgraph.Graph
	Cap       int
}

// BatchSkip explains why one issue was not spawned.
type BatchSkip struct {
	IssueID string `json:"issueId"`
	Reason  string `json:"reason"`
}

// BatchResult reports what a batch spawn did.
type BatchResult struct {
	Selected []*Session  `json:"selected"`
	Skipped  []BatchSkip `json:"skipped"`
}

// BatchSpawn spawns sessions for the requested issues, skipping
// duplicates, issues that already have a live session, and issues
// whose task dependencies are incomplete.
func (m *Manager) BatchSpawn(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	existing, err := m.List(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	haveSession := make(map[string]bool)
	for _, s := range existing {
		if s.Issue != "" {
			haveSession[s.Issue] = true
		}
	}

	result := &BatchResult{}
	seen := make(map[string]bool)
	for _, issueID := range req.IssueIDs {
		if seen[issueID] {
			result.Skipped = append(result.Skipped, BatchSkip{IssueID: issueID, Reason: "duplicate in this batch"})
			continue
		}
		seen[issueID] = true

		if haveSession[issueID] {
			result.Skipped = append(result.Skipped, BatchSkip{IssueID: issueID, Reason: "already has session"})
			continue
		}
		if reason := blockedReason(req.Graph, issueID); reason != "" {
			result.Skipped = append(result.Skipped, BatchSkip{IssueID: issueID, Reason: reason})
			continue
		}
		if req.Cap > 0 && len(result.Selected) >= req.Cap {
			result.Skipped = append(result.Skipped, BatchSkip{IssueID: issueID, Reason: "concurrency cap reached"})
			continue
		}

		s, serr := m.Spawn(ctx, SpawnRequest{ProjectID: req.ProjectID, IssueID: issueID})
		if serr != nil {
			m.logger.Warn("batch spawn failed for issue",
				zap.String("issue", issueID),
				zap.Error(serr))
			result.Skipped = append(result.Skipped, BatchSkip{IssueID: issueID, Reason: serr.Error()})
			continue
		}
		result.Selected = append(result.Selected, s)
	}
	return result, nil
}

// blockedReason checks the task graph for the issue's task and names
// its incomplete dependencies.
func blockedReason(g *taskgraph.Graph, issueID string) string {
	if g == nil {
		return ""
	}
	node := g.NodeByIssue(issueID)
	if node == nil {
		node = g.Node(issueID)
	}
	if node == nil {
		return ""
	}
	if node.State == taskgraph.StateComplete {
		return "task already complete"
	}
	var incomplete []string
	for _, dep := range node.Dependencies {
		if d := g.Node(dep); d != nil && d.State != taskgraph.StateComplete {
			incomplete = append(incomplete, dep)
		}
	}
	if len(incomplete) > 0 {
		return fmt.Sprintf("blocked by incomplete dependencies: %s", strings.Join(incomplete, ", "))
	}
	return ""
}
