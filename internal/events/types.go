// Package events names the subjects published on the transition bus.
package events

// Session lifecycle subjects.
const (
	SessionSpawned       = "session.spawned"
	SessionStatusChanged = "session.status_changed"
	SessionKilled        = "session.killed"
	SessionRestored      = "session.restored"
)

// Task graph subjects.
const (
	TaskStateChanged = "task.state_changed"
	TaskUnlocked     = "task.unlocked"
)

// Plan artifact subjects.
const (
	PlanWritten       = "plan.written"
	PlanStatusChanged = "plan.status_changed"
)

// Reaction engine subjects.
const (
	ReactionFired     = "reaction.fired"
	ReactionEscalated = "reaction.escalated"
	VerifierVerdict   = "verifier.verdict"
)

// BuildSessionSubject scopes a subject to one session.
func BuildSessionSubject(base, sessionID string) string {
	return base + "." + sessionID
}

// BuildWildcardSubject subscribes to a subject across all sessions.
func BuildWildcardSubject(base string) string {
	return base + ".*"
}
