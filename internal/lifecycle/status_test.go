package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

func TestAllowedTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusSpawning, StatusWorking},
		{StatusWorking, StatusPROpen},
		{StatusWorking, StatusVerifierPending},
		{StatusPROpen, StatusCIFailed},
		{StatusPROpen, StatusMergeable},
		{StatusCIFailed, StatusPROpen},
		{StatusReviewPending, StatusApproved},
		{StatusChangesRequested, StatusPROpen},
		{StatusApproved, StatusMergeable},
		{StatusMergeable, StatusMerged},
		{StatusMerged, StatusCleanup},
		{StatusCleanup, StatusDone},
		{StatusVerifierPending, StatusPRReady},
		{StatusVerifierPending, StatusVerifierFailed},
		{StatusVerifierFailed, StatusWorking},
		{StatusVerifierFailed, StatusVerifierPending},
		{StatusPRReady, StatusPROpen},
		{StatusNeedsInput, StatusWorking},
		{StatusStuck, StatusWorking},
	}
	for _, edge := range allowed {
		assert.True(t, AllowedTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]Status{
		{StatusSpawning, StatusPROpen},
		{StatusWorking, StatusMerged},
		{StatusMerged, StatusWorking},
		{StatusDone, StatusWorking},
		{StatusApproved, StatusPROpen},
		{StatusWorking, StatusWorking},
	}
	for _, edge := range denied {
		assert.False(t, AllowedTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestInterruptsReachableFromAnywhereButHardTerminal(t *testing.T) {
	for _, from := range []Status{StatusSpawning, StatusWorking, StatusPROpen, StatusMergeable, StatusVerifierPending} {
		for _, to := range []Status{StatusErrored, StatusKilled, StatusNeedsInput, StatusStuck} {
			assert.True(t, AllowedTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, from := range []Status{StatusDone, StatusKilled, StatusErrored} {
		assert.False(t, AllowedTransition(from, StatusStuck), "%s -> stuck", from)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	assert.NoError(t, Transition(StatusWorking, StatusPROpen))
	err := Transition(StatusDone, StatusWorking)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}
