// Package validate contains the pure, I/O-free validators: kind/id
// coherence, hierarchy, the task-status transition table, blocker cycle
// detection, and the effective-block/ready computation, built around a
// lookup table of allowed status transitions.
package validate

import (
	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
)

// KindIDCoherence rejects a task whose identifier prefix disagrees with its
// declared Kind.
func KindIDCoherence(taskID id.ID, kind domain.TaskKind) error {
	declared, ok := domain.TaskKindForID(taskID)
	if !ok {
		return errkind.TaskInvalidInput("identifier %s is not a task identifier", taskID)
	}
	if declared != kind {
		return errkind.TaskInvalidInput("identifier %s has kind %s, declared kind is %s", taskID, declared, kind)
	}
	return nil
}

// ParentKind looks up a parent task's kind, given a lookup function the
// caller supplies (typically backed by the store).
type ParentKind func(id.ID) (domain.TaskKind, bool)

// Hierarchy enforces: a Milestone has no parent; a Task's parent, if
// present, must be a Milestone; a Subtask's parent must be a Task.
func Hierarchy(kind domain.TaskKind, parentID *id.ID, lookupParentKind ParentKind) error {
	switch kind {
	case domain.TaskKindMilestone:
		if parentID != nil {
			return errkind.TaskInvalidInput("milestones cannot have a parent")
		}
	case domain.TaskKindTask:
		if parentID != nil {
			pk, ok := lookupParentKind(*parentID)
			if !ok {
				return errkind.TaskInvalidInput("parent %s not found", *parentID)
			}
			if pk != domain.TaskKindMilestone {
				return errkind.TaskInvalidInput("a task's parent must be a milestone")
			}
		}
	case domain.TaskKindSubtask:
		if parentID == nil {
			return errkind.TaskInvalidInput("a subtask must have a parent")
		}
		pk, ok := lookupParentKind(*parentID)
		if !ok {
			return errkind.TaskInvalidInput("parent %s not found", *parentID)
		}
		if pk != domain.TaskKindTask {
			return errkind.TaskInvalidInput("a subtask's parent must be a task")
		}
	default:
		return errkind.TaskInvalidInput("unknown task kind %q", kind)
	}
	return nil
}

// transitions is the reflexive closure of the task-status state machine of
// §4.1.
var transitions = map[domain.TaskStatus]map[domain.TaskStatus]bool{
	domain.TaskPending: {
		domain.TaskPending:       true,
		domain.TaskInProgress:    true,
		domain.TaskCancelled:     true,
		domain.TaskAwaitingHuman: true,
	},
	domain.TaskInProgress: {
		domain.TaskInProgress:    true,
		domain.TaskInReview:      true,
		domain.TaskCancelled:     true,
		domain.TaskAwaitingHuman: true,
	},
	domain.TaskInReview: {
		domain.TaskInReview:      true,
		domain.TaskCompleted:     true,
		domain.TaskCancelled:     true,
		domain.TaskAwaitingHuman: true,
	},
	domain.TaskAwaitingHuman: {
		domain.TaskAwaitingHuman: true,
		domain.TaskPending:       true,
		domain.TaskInProgress:    true,
		domain.TaskInReview:      true,
	},
	domain.TaskCompleted:  {domain.TaskCompleted: true},
	domain.TaskCancelled:  {domain.TaskCancelled: true},
}

// CanTransitionTask reports whether from → to is a legal task-status move.
func CanTransitionTask(from, to domain.TaskStatus) bool {
	moves, ok := transitions[from]
	if !ok {
		return false
	}
	return moves[to]
}

// TaskTransition validates from → to, returning InvalidTransition on
// failure.
func TaskTransition(from, to domain.TaskStatus) error {
	if !CanTransitionTask(from, to) {
		return errkind.InvalidTransition(string(from), string(to))
	}
	return nil
}

// BlockedByGraph is the current "blocks" relation: task → its blockers.
type BlockedByGraph map[id.ID][]id.ID

// CheckNewBlocker validates adding the edge (taskID blocked by blockerID)
// against the current graph, per §4.1: SelfBlock if taskID == blockerID,
// CycleDetected if taskID is reachable from blockerID following
// blocked_by edges.
func CheckNewBlocker(graph BlockedByGraph, taskID, blockerID id.ID) error {
	if taskID == blockerID {
		return errkind.SelfBlock(taskID.String())
	}
	if reachable(graph, blockerID, taskID, map[id.ID]bool{}) {
		return errkind.CycleDetected(taskID.String(), blockerID.String())
	}
	return nil
}

// reachable reports whether target is reachable from start by following
// blocked_by edges in graph.
func reachable(graph BlockedByGraph, start, target id.ID, visited map[id.ID]bool) bool {
	if start == target {
		return true
	}
	if visited[start] {
		return false
	}
	visited[start] = true
	for _, next := range graph[start] {
		if reachable(graph, next, target, visited) {
			return true
		}
	}
	return false
}

// TaskView is the minimal view of a task the effective-block computation
// needs.
type TaskView struct {
	ID        id.ID
	ParentID  *id.ID
	Status    domain.TaskStatus
}

// Lookup resolves a task id to its TaskView; ok is false if the task is
// missing (a missing blocker counts as "not Completed/Cancelled").
type Lookup func(id.ID) (TaskView, bool)

// EffectivelyBlocked reports whether a task is blocked by any blocker on
// itself or on any ancestor, per §4.1: a blocker counts against the task if
// it is missing or not in {Completed, Cancelled}.
func EffectivelyBlocked(task TaskView, blockedBy func(id.ID) []id.ID, lookup Lookup) bool {
	current := task
	for {
		for _, blockerID := range blockedBy(current.ID) {
			blocker, ok := lookup(blockerID)
			if !ok {
				return true
			}
			if !blocker.Status.IsTerminal() {
				return true
			}
			// Cancelled also clears a block per §4.1 ("Completed or
			// Cancelled"); IsTerminal already covers both.
		}
		if current.ParentID == nil {
			return false
		}
		parent, ok := lookup(*current.ParentID)
		if !ok {
			return false
		}
		current = parent
	}
}

// Ready reports whether a task is Pending and not effectively blocked.
func Ready(task TaskView, blockedBy func(id.ID) []id.ID, lookup Lookup) bool {
	return task.Status == domain.TaskPending && !EffectivelyBlocked(task, blockedBy, lookup)
}
