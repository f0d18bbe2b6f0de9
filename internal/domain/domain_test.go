package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"overseer/internal/id"
)

func TestNewTaskID_PicksPrefixMatchingKind(t *testing.T) {
	assert.Equal(t, id.KindMilestone, NewTaskID(TaskKindMilestone).Kind())
	assert.Equal(t, id.KindTask, NewTaskID(TaskKindTask).Kind())
	assert.Equal(t, id.KindSubtask, NewTaskID(TaskKindSubtask).Kind())
}

func TestTaskKindForID_RoundTripsThroughNewTaskID(t *testing.T) {
	for _, kind := range []TaskKind{TaskKindMilestone, TaskKindTask, TaskKindSubtask} {
		got, ok := TaskKindForID(NewTaskID(kind))
		assert.True(t, ok)
		assert.Equal(t, kind, got)
	}
}

func TestTaskKindForID_RejectsUnrelatedIDKind(t *testing.T) {
	_, ok := TaskKindForID(id.New(id.KindRepo))
	assert.False(t, ok)
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskCancelled.IsTerminal())
	assert.False(t, TaskInProgress.IsTerminal())
	assert.False(t, TaskPending.IsTerminal())
}

func TestRefNameFor_PrefixesTaskRef(t *testing.T) {
	taskID := NewTaskID(TaskKindTask)
	assert.Equal(t, "task/"+taskID.String(), RefNameFor(taskID))
}

func TestReviewStatus_IsActive(t *testing.T) {
	assert.True(t, ReviewGatesPending.IsActive())
	assert.True(t, ReviewAgentPending.IsActive())
	assert.False(t, ReviewApproved.IsActive())
	assert.False(t, ReviewChangesRequested.IsActive())
}

func TestGateScope_IsTaskScoped(t *testing.T) {
	repoScoped := GateScope{RepoID: id.New(id.KindRepo)}
	assert.False(t, repoScoped.IsTaskScoped())

	taskScoped := GateScope{RepoID: id.New(id.KindRepo), TaskID: NewTaskID(TaskKindTask)}
	assert.True(t, taskScoped.IsTaskScoped())
}

func TestGateResult_Key(t *testing.T) {
	gateID := id.New(id.KindGate)
	reviewID := id.New(id.KindReview)
	r := GateResult{GateID: gateID, ReviewID: reviewID, Attempt: 2, Status: GateResultFailed}
	assert.Equal(t, GateResultKey{GateID: gateID, ReviewID: reviewID, Attempt: 2}, r.Key())
}

func TestResultsEqual_ComparesOnlyAttemptAndStatus(t *testing.T) {
	a := GateResult{Attempt: 1, Status: GateResultPassed, Stdout: "x"}
	b := GateResult{Attempt: 1, Status: GateResultPassed, Stdout: "different"}
	assert.True(t, ResultsEqual(a, b))

	c := GateResult{Attempt: 2, Status: GateResultPassed}
	assert.False(t, ResultsEqual(a, c))

	d := GateResult{Attempt: 1, Status: GateResultFailed}
	assert.False(t, ResultsEqual(a, d))
}
