package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"overseer/internal/domain"
	"overseer/internal/id"
)

func TestKindIDCoherence_AcceptsMatchingKind(t *testing.T) {
	task := id.New(id.KindTask)
	assert.NoError(t, KindIDCoherence(task, domain.TaskKindTask))
}

func TestKindIDCoherence_RejectsMismatchedKind(t *testing.T) {
	task := id.New(id.KindTask)
	assert.Error(t, KindIDCoherence(task, domain.TaskKindSubtask))
}

func TestKindIDCoherence_RejectsNonTaskIdentifier(t *testing.T) {
	repo := id.New(id.KindRepo)
	assert.Error(t, KindIDCoherence(repo, domain.TaskKindTask))
}

func TestHierarchy_MilestoneMayNotHaveParent(t *testing.T) {
	parent := id.New(id.KindMilestone)
	err := Hierarchy(domain.TaskKindMilestone, &parent, nil)
	assert.Error(t, err)
}

func TestHierarchy_MilestoneWithNoParentIsValid(t *testing.T) {
	assert.NoError(t, Hierarchy(domain.TaskKindMilestone, nil, nil))
}

func TestHierarchy_TaskParentMustBeMilestone(t *testing.T) {
	parent := id.New(id.KindTask)
	lookup := func(pid id.ID) (domain.TaskKind, bool) { return domain.TaskKindTask, true }
	err := Hierarchy(domain.TaskKindTask, &parent, lookup)
	assert.Error(t, err)
}

func TestHierarchy_TaskParentMilestoneIsValid(t *testing.T) {
	parent := id.New(id.KindMilestone)
	lookup := func(pid id.ID) (domain.TaskKind, bool) { return domain.TaskKindMilestone, true }
	assert.NoError(t, Hierarchy(domain.TaskKindTask, &parent, lookup))
}

func TestHierarchy_SubtaskRequiresParent(t *testing.T) {
	assert.Error(t, Hierarchy(domain.TaskKindSubtask, nil, nil))
}

func TestHierarchy_SubtaskParentMustBeTask(t *testing.T) {
	parent := id.New(id.KindMilestone)
	lookup := func(pid id.ID) (domain.TaskKind, bool) { return domain.TaskKindMilestone, true }
	err := Hierarchy(domain.TaskKindSubtask, &parent, lookup)
	assert.Error(t, err)
}

func TestCanTransitionTask_PendingToInProgress(t *testing.T) {
	assert.True(t, CanTransitionTask(domain.TaskPending, domain.TaskInProgress))
}

func TestCanTransitionTask_RejectsSkippingReview(t *testing.T) {
	assert.False(t, CanTransitionTask(domain.TaskPending, domain.TaskCompleted))
}

func TestCanTransitionTask_TerminalStatesAreSinks(t *testing.T) {
	assert.False(t, CanTransitionTask(domain.TaskCompleted, domain.TaskInProgress))
	assert.False(t, CanTransitionTask(domain.TaskCancelled, domain.TaskPending))
}

func TestTaskTransition_ReturnsInvalidTransitionError(t *testing.T) {
	err := TaskTransition(domain.TaskCompleted, domain.TaskPending)
	assert.Error(t, err)
}

func TestCheckNewBlocker_RejectsSelfBlock(t *testing.T) {
	task := id.New(id.KindTask)
	err := CheckNewBlocker(BlockedByGraph{}, task, task)
	assert.Error(t, err)
}

func TestCheckNewBlocker_RejectsCycle(t *testing.T) {
	a := id.New(id.KindTask)
	b := id.New(id.KindTask)
	graph := BlockedByGraph{
		a: {b}, // a is already blocked by b
	}
	// adding "b blocked by a" would close a cycle, since b is reachable from a
	err := CheckNewBlocker(graph, b, a)
	assert.Error(t, err)
}

func TestCheckNewBlocker_AllowsIndependentEdge(t *testing.T) {
	a := id.New(id.KindTask)
	b := id.New(id.KindTask)
	c := id.New(id.KindTask)
	graph := BlockedByGraph{a: {b}}
	assert.NoError(t, CheckNewBlocker(graph, a, c))
}

func TestEffectivelyBlocked_OpenBlockerBlocks(t *testing.T) {
	blockerID := id.New(id.KindTask)
	taskView := TaskView{ID: id.New(id.KindTask)}
	blockedBy := func(tid id.ID) []id.ID { return []id.ID{blockerID} }
	lookup := func(tid id.ID) (TaskView, bool) {
		return TaskView{ID: blockerID, Status: domain.TaskInProgress}, true
	}
	assert.True(t, EffectivelyBlocked(taskView, blockedBy, lookup))
}

func TestEffectivelyBlocked_CompletedBlockerClears(t *testing.T) {
	blockerID := id.New(id.KindTask)
	taskView := TaskView{ID: id.New(id.KindTask)}
	blockedBy := func(tid id.ID) []id.ID { return []id.ID{blockerID} }
	lookup := func(tid id.ID) (TaskView, bool) {
		return TaskView{ID: blockerID, Status: domain.TaskCompleted}, true
	}
	assert.False(t, EffectivelyBlocked(taskView, blockedBy, lookup))
}

func TestEffectivelyBlocked_MissingBlockerBlocks(t *testing.T) {
	blockerID := id.New(id.KindTask)
	taskView := TaskView{ID: id.New(id.KindTask)}
	blockedBy := func(tid id.ID) []id.ID { return []id.ID{blockerID} }
	lookup := func(tid id.ID) (TaskView, bool) { return TaskView{}, false }
	assert.True(t, EffectivelyBlocked(taskView, blockedBy, lookup))
}

func TestEffectivelyBlocked_AncestorBlockPropagates(t *testing.T) {
	parentID := id.New(id.KindMilestone)
	blockerID := id.New(id.KindTask)
	taskView := TaskView{ID: id.New(id.KindTask), ParentID: &parentID}

	blockedBy := func(tid id.ID) []id.ID {
		if tid == parentID {
			return []id.ID{blockerID}
		}
		return nil
	}
	lookup := func(tid id.ID) (TaskView, bool) {
		switch tid {
		case parentID:
			return TaskView{ID: parentID}, true
		case blockerID:
			return TaskView{ID: blockerID, Status: domain.TaskInProgress}, true
		}
		return TaskView{}, false
	}
	assert.True(t, EffectivelyBlocked(taskView, blockedBy, lookup))
}

func TestReady_PendingAndUnblockedIsReady(t *testing.T) {
	taskView := TaskView{ID: id.New(id.KindTask), Status: domain.TaskPending}
	blockedBy := func(tid id.ID) []id.ID { return nil }
	lookup := func(tid id.ID) (TaskView, bool) { return TaskView{}, false }
	assert.True(t, Ready(taskView, blockedBy, lookup))
}

func TestReady_NonPendingIsNotReady(t *testing.T) {
	taskView := TaskView{ID: id.New(id.KindTask), Status: domain.TaskInProgress}
	blockedBy := func(tid id.ID) []id.ID { return nil }
	lookup := func(tid id.ID) (TaskView, bool) { return TaskView{}, false }
	assert.False(t, Ready(taskView, blockedBy, lookup))
}
