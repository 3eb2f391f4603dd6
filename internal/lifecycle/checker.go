package lifecycle

import (
	"context"
	"time"

	"github.com/agentorch/orchestrator/internal/plugin"
	"github.com/agentorch/orchestrator/internal/session"
)

// Observation is one complete poll of a session. Fields are gathered
// in a fixed order: metadata, runtime liveness, agent activity, SCM.
type Observation struct {
	Session  *session.Session
	Status   Status
	Alive    bool
	Activity *plugin.ActivityDetection

	PR                *plugin.PR
	CI                *plugin.CISummary
	ReviewDecision    plugin.ReviewDecision
	Mergeability      plugin.Mergeability
	AutomatedComments []plugin.Comment

	Now time.Time
}

// Decision is the outcome of one poll: at most one status transition
// and at most one reaction event.
type Decision struct {
	To     *Status
	Event  string
	Detail string
}

func statusPtr(s Status) *Status { return &s }

// prStatuses are the statuses where SCM observation drives the machine.
var prStatuses = map[Status]bool{
	StatusPROpen: true, StatusCIFailed: true, StatusReviewPending: true,
	StatusChangesRequested: true, StatusApproved: true, StatusMergeable: true,
}

// decide maps an observation to a decision. It is a pure function of
// its inputs so the transition rules stay testable without plugins.
func decide(obs Observation, stuckThreshold, idleNoPRThreshold time.Duration) Decision {
	status := obs.Status

	// The merged tail advances regardless of the runtime, which is
	// usually gone by cleanup time.
	switch status {
	case StatusMerged:
		return Decision{To: statusPtr(StatusCleanup)}
	case StatusCleanup:
		return Decision{To: statusPtr(StatusDone)}
	}
	if TerminalStatuses[status] {
		return Decision{}
	}

	// Runtime death outranks everything else.
	if !obs.Alive {
		return Decision{To: statusPtr(StatusErrored), Event: "agent-exited", Detail: "runtime is no longer alive"}
	}

	// Agent-reported attention states.
	if obs.Activity != nil {
		switch obs.Activity.State {
		case plugin.ActivityWaitingInput:
			if status != StatusNeedsInput {
				return Decision{To: statusPtr(StatusNeedsInput), Event: "agent-needs-input", Detail: obs.Activity.Detail}
			}
			return Decision{}
		case plugin.ActivityBlocked:
			if status != StatusStuck {
				return Decision{To: statusPtr(StatusStuck), Event: "agent-stuck", Detail: obs.Activity.Detail}
			}
			return Decision{}
		case plugin.ActivityIdle:
			if stuckThreshold > 0 && !obs.Activity.Since.IsZero() &&
				obs.Now.Sub(obs.Activity.Since) > stuckThreshold && status != StatusStuck {
				return Decision{To: statusPtr(StatusStuck), Event: "agent-stuck", Detail: "idle past threshold"}
			}
		}
	}

	switch {
	case status == StatusSpawning:
		if obs.Activity != nil {
			return Decision{To: statusPtr(StatusWorking)}
		}
		return Decision{}

	case status == StatusNeedsInput || status == StatusStuck:
		// Agent resumed on its own.
		if obs.Activity != nil && obs.Activity.State == plugin.ActivityActive {
			return Decision{To: statusPtr(StatusWorking)}
		}
		return Decision{}

	case status == StatusWorking || status == StatusPRReady:
		if obs.PR != nil {
			return Decision{To: statusPtr(StatusPROpen)}
		}
		if status == StatusWorking && idleNoPRThreshold > 0 && obs.Session != nil {
			if started := parseTime(obs.Session.CreatedAt); !started.IsZero() &&
				obs.Now.Sub(started) > idleNoPRThreshold {
				return Decision{Event: "agent-idle-no-pr", Detail: "working without a pull request past threshold"}
			}
		}
		return Decision{}

	case prStatuses[status]:
		return decidePR(status, obs)
	}
	return Decision{}
}

// decidePR applies the SCM observations in a fixed precedence:
// conflicts, CI, review decision, bot findings, then green-path
// advancement.
func decidePR(status Status, obs Observation) Decision {
	ciFailing := obs.CI != nil && obs.CI.Status == plugin.CIFailing
	ciPassing := obs.CI != nil && obs.CI.Status == plugin.CIPassing

	if obs.Mergeability == plugin.MergeConflicting {
		return Decision{Event: "merge-conflicts", Detail: "branch conflicts with the base branch"}
	}
	if ciFailing && status != StatusCIFailed {
		if AllowedTransition(status, StatusCIFailed) {
			return Decision{To: statusPtr(StatusCIFailed), Event: "ci-failed"}
		}
		return Decision{Event: "ci-failed"}
	}
	if ciFailing && status == StatusCIFailed {
		return Decision{Event: "ci-failed"}
	}
	if obs.ReviewDecision == plugin.ReviewChangesRequested && status != StatusChangesRequested {
		if AllowedTransition(status, StatusChangesRequested) {
			return Decision{To: statusPtr(StatusChangesRequested), Event: "changes-requested"}
		}
		return Decision{Event: "changes-requested"}
	}
	if obs.ReviewDecision == plugin.ReviewChangesRequested && status == StatusChangesRequested {
		return Decision{Event: "changes-requested"}
	}
	if len(obs.AutomatedComments) > 0 && (status == StatusPROpen || status == StatusReviewPending) {
		return Decision{Event: "bugbot-comments"}
	}

	switch status {
	case StatusCIFailed:
		if ciPassing {
			return Decision{To: statusPtr(StatusPROpen)}
		}
	case StatusChangesRequested:
		if obs.ReviewDecision == plugin.ReviewApproved || obs.ReviewDecision == plugin.ReviewNone {
			return Decision{To: statusPtr(StatusPROpen)}
		}
	case StatusPROpen:
		if obs.ReviewDecision == plugin.ReviewApproved {
			if ciPassing && obs.Mergeability == plugin.MergeClean {
				return Decision{To: statusPtr(StatusMergeable), Event: "approved-and-green"}
			}
			return Decision{To: statusPtr(StatusApproved)}
		}
		if obs.ReviewDecision == plugin.ReviewRequired {
			return Decision{To: statusPtr(StatusReviewPending)}
		}
	case StatusReviewPending:
		if obs.ReviewDecision == plugin.ReviewApproved {
			return Decision{To: statusPtr(StatusApproved)}
		}
	case StatusApproved:
		if ciPassing && obs.Mergeability == plugin.MergeClean {
			return Decision{To: statusPtr(StatusMergeable), Event: "approved-and-green"}
		}
	case StatusMergeable:
		return Decision{Event: "approved-and-green"}
	}
	return Decision{}
}

func parseTime(stamp string) time.Time {
	if stamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// observeSCM gathers the SCM view for a session with a PR. Failures
// degrade to zero values so a flaky provider cannot wedge the loop.
func observeSCM(ctx context.Context, scm plugin.SCM, obs *Observation) {
	if obs.PR == nil {
		return
	}
	if ci, err := scm.GetCISummary(ctx, obs.PR); err == nil {
		obs.CI = ci
	}
	if decision, err := scm.GetReviewDecision(ctx, obs.PR); err == nil {
		obs.ReviewDecision = decision
	} else {
		obs.ReviewDecision = plugin.ReviewNone
	}
	if merge, err := scm.GetMergeability(ctx, obs.PR); err == nil {
		obs.Mergeability = merge
	} else {
		obs.Mergeability = plugin.MergeUnknown
	}
	if comments, err := scm.GetAutomatedComments(ctx, obs.PR); err == nil {
		obs.AutomatedComments = comments
	}
}
