package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EscalationState is the per-session record of the reaction engine's
// last automated remediation: which event fired, how many prompts were
// sent, and when the first one went out. It round-trips through the
// escalationState metadata key so repeated polls stay idempotent.
type EscalationState struct {
	Event     string
	Attempts  int
	FirstSeen time.Time
	// Escalated marks that the human notification for this event has
	// already gone out; later polls with the same event stay silent.
	Escalated bool
}

// ParseEscalationState decodes "<event>:<attempts>:<firstSeenUnixMs>"
// with an optional trailing ":escalated" marker. Unparseable input
// yields a zero state, never an error; stale or corrupt metadata must
// not stall the engine.
func ParseEscalationState(raw string) EscalationState {
	parts := strings.Split(raw, ":")
	escalated := false
	if len(parts) == 4 && parts[3] == "escalated" {
		escalated = true
		parts = parts[:3]
	}
	if len(parts) != 3 {
		return EscalationState{}
	}
	attempts, err := strconv.Atoi(parts[1])
	if err != nil || attempts < 0 {
		return EscalationState{}
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || ms <= 0 {
		return EscalationState{}
	}
	return EscalationState{
		Event:     parts[0],
		Attempts:  attempts,
		FirstSeen: time.UnixMilli(ms).UTC(),
		Escalated: escalated,
	}
}

// Encode renders the metadata value.
func (e EscalationState) Encode() string {
	if e.Event == "" {
		return ""
	}
	encoded := fmt.Sprintf("%s:%d:%d", e.Event, e.Attempts, e.FirstSeen.UnixMilli())
	if e.Escalated {
		encoded += ":escalated"
	}
	return encoded
}

// IsZero reports whether no escalation is in progress.
func (e EscalationState) IsZero() bool {
	return e.Event == ""
}

// Exhausted reports whether the automated budget for this event is
// spent: more attempts than retries, or the escalate-after window has
// elapsed since the first attempt.
func (e EscalationState) Exhausted(retries int, escalateAfter time.Duration, now time.Time) bool {
	if e.IsZero() {
		return false
	}
	if e.Attempts > retries {
		return true
	}
	if escalateAfter > 0 && now.Sub(e.FirstSeen) > escalateAfter {
		return true
	}
	return false
}
