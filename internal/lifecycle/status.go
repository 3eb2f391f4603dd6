// Package lifecycle advances sessions through their status state
// machine by polling, fires configured reactions on detected events,
// and runs the verifier gate for projects that enable it.
package lifecycle

import (
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

// Status is a session lifecycle status.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusCleanup          Status = "cleanup"
	StatusDone             Status = "done"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusErrored          Status = "errored"
	StatusKilled           Status = "killed"
	StatusVerifierPending  Status = "verifier_pending"
	StatusVerifierFailed   Status = "verifier_failed"
	StatusPRReady          Status = "pr_ready"
)

// edges holds the allowed forward transitions. The wildcard edges to
// errored/killed/needs_input/stuck are handled in AllowedTransition.
var edges = map[Status][]Status{
	StatusSpawning:         {StatusWorking},
	StatusWorking:          {StatusPROpen, StatusVerifierPending},
	StatusPROpen:           {StatusCIFailed, StatusReviewPending, StatusChangesRequested, StatusApproved, StatusMergeable},
	StatusCIFailed:         {StatusPROpen, StatusChangesRequested},
	StatusReviewPending:    {StatusApproved, StatusChangesRequested},
	StatusChangesRequested: {StatusPROpen, StatusCIFailed},
	StatusApproved:         {StatusMergeable},
	StatusMergeable:        {StatusMerged},
	StatusMerged:           {StatusCleanup},
	StatusCleanup:          {StatusDone},
	StatusVerifierPending:  {StatusVerifierFailed, StatusPRReady},
	StatusVerifierFailed:   {StatusWorking, StatusVerifierPending},
	StatusPRReady:          {StatusPROpen},
	// Recovery edges out of the attention states.
	StatusNeedsInput: {StatusWorking},
	StatusStuck:      {StatusWorking},
}

// interruptStatuses may be entered from any non-terminal status.
var interruptStatuses = map[Status]bool{
	StatusErrored: true, StatusKilled: true, StatusNeedsInput: true, StatusStuck: true,
}

// TerminalStatuses are the statuses no transition leaves, except the
// merged -> cleanup -> done tail.
var TerminalStatuses = map[Status]bool{
	StatusMerged: true, StatusCleanup: true, StatusDone: true,
	StatusKilled: true, StatusErrored: true,
}

// hardTerminal statuses reject even interrupt edges.
var hardTerminal = map[Status]bool{
	StatusDone: true, StatusKilled: true, StatusErrored: true,
}

// AllowedTransition reports whether from -> to is a legal edge.
func AllowedTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if interruptStatuses[to] {
		return !hardTerminal[from]
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates an edge and returns a conflict when it is not
// in the state machine.
func Transition(from, to Status) error {
	if !AllowedTransition(from, to) {
		return apperrors.Conflict("status transition %s -> %s is not permitted", from, to)
	}
	return nil
}
