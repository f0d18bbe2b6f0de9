package workflow

import (
	"context"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/gate"
	"overseer/internal/gateconfig"
	"overseer/internal/id"
	"overseer/internal/store"
	"overseer/internal/validate"
)

// CreateTask implements task.create (spec §4.2.1).
func (e *Engine) CreateTask(ctx context.Context, reqCtx domain.RequestContext, in CreateTaskInput) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if _, err := loadRepo(ctx, tx, in.RepoID); err != nil {
			return nil, err
		}
		if in.ParentID != nil {
			if _, err := loadTask(ctx, tx, *in.ParentID); err != nil {
				return nil, err
			}
		}
		for _, blockerID := range in.BlockedBy {
			blocker, err := loadTask(ctx, tx, blockerID)
			if err != nil {
				return nil, err
			}
			if blocker.RepoID != in.RepoID {
				return nil, errkind.TaskInvalidInput("blocker %s belongs to a different repo", blockerID)
			}
		}

		taskID := domain.NewTaskID(in.Kind)
		if err := validate.KindIDCoherence(taskID, in.Kind); err != nil {
			return nil, err
		}
		lookupKind := func(pid id.ID) (domain.TaskKind, bool) {
			p, ok, _ := tx.Tasks().Get(ctx, pid)
			if !ok {
				return "", false
			}
			return p.Kind, true
		}
		if err := validate.Hierarchy(in.Kind, in.ParentID, lookupKind); err != nil {
			return nil, err
		}

		frontMatter, remainder, has := gateconfig.SplitContext(in.Context)
		now := e.now()
		t := domain.Task{
			ID:          taskID,
			RepoID:      in.RepoID,
			ParentID:    in.ParentID,
			Kind:        in.Kind,
			Description: in.Description,
			Context:     remainder,
			Priority:    in.Priority,
			Status:      domain.TaskPending,
			BlockedBy:   append([]id.ID(nil), in.BlockedBy...),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if t.Priority == "" {
			t.Priority = domain.PriorityNormal
		}
		if err := tx.Tasks().Create(ctx, t); err != nil {
			return nil, err
		}
		out = t

		events := []domain.EventBody{domain.TaskCreated{TaskID: t.ID, RepoID: t.RepoID}}
		if has {
			entries, err := gateconfig.ParseFrontMatter(frontMatter)
			if err != nil {
				return nil, errkind.TaskInvalidInput("task front matter: %v", err)
			}
			for _, entry := range entries {
				g := gateFromEntry(domain.GateScope{RepoID: in.RepoID, TaskID: t.ID}, entry, now)
				if err := tx.Gates().Create(ctx, g); err != nil {
					return nil, err
				}
				events = append(events, domain.GateAdded{GateID: g.ID})
			}
		}
		return events, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// GetTask is the task.get reader.
func (e *Engine) GetTask(ctx context.Context, taskID id.ID) (domain.Task, error) {
	t, ok, err := e.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, errkind.TaskNotFound(taskID.String())
	}
	return t, nil
}

// GetTaskWithContext is task.get's aggregated form: the task plus its
// inherited context/learnings, effective gates, VCS state, active
// review, and active help request, assembled from one read-only pass
// over the store so a caller does not need a handful of follow-up calls.
func (e *Engine) GetTaskWithContext(ctx context.Context, taskID id.ID) (TaskWithContext, error) {
	t, ok, err := e.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return TaskWithContext{}, err
	}
	if !ok {
		return TaskWithContext{}, errkind.TaskNotFound(taskID.String())
	}

	out := TaskWithContext{Task: t}

	out.Context, err = taskContextFor(ctx, e.store, t)
	if err != nil {
		return TaskWithContext{}, err
	}
	out.Learnings, err = inheritedLearningsFor(ctx, e.store, t)
	if err != nil {
		return TaskWithContext{}, err
	}
	out.Gates, err = effectiveGates(ctx, e.store, t)
	if err != nil {
		return TaskWithContext{}, err
	}
	if vcs, ok, err := e.store.TaskVcs().Get(ctx, taskID); err != nil {
		return TaskWithContext{}, err
	} else if ok {
		out.Vcs = &vcs
	}
	if review, ok, err := e.store.Reviews().ActiveForTask(ctx, taskID); err != nil {
		return TaskWithContext{}, err
	} else if ok {
		out.Review = &review
	}
	if help, ok, err := e.store.HelpRequests().ActiveForTask(ctx, taskID); err != nil {
		return TaskWithContext{}, err
	} else if ok {
		out.HelpRequest = &help
	}
	return out, nil
}

// taskContextFor walks the same own/parent/milestone ancestry as
// inheritedLearningsFor, but collects each level's free-text Context
// field instead of its learnings.
func taskContextFor(ctx context.Context, tx store.Store, t domain.Task) (TaskContext, error) {
	out := TaskContext{Own: t.Context}
	if t.ParentID == nil {
		return out, nil
	}
	parent, err := loadTask(ctx, tx, *t.ParentID)
	if err != nil {
		return TaskContext{}, err
	}
	out.Parent = parent.Context

	parentKind, ok := domain.TaskKindForID(parent.ID)
	if !ok {
		return out, nil
	}
	if parentKind == domain.TaskKindMilestone {
		out.Milestone = parent.Context
		return out, nil
	}
	if parent.ParentID == nil {
		return out, nil
	}
	milestone, err := loadTask(ctx, tx, *parent.ParentID)
	if err != nil {
		return TaskContext{}, err
	}
	out.Milestone = milestone.Context
	return out, nil
}

// ListTasks is the task.list reader.
func (e *Engine) ListTasks(ctx context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	return e.store.Tasks().List(ctx, filter)
}

// TaskTree is the task.tree reader.
func (e *Engine) TaskTree(ctx context.Context, repoID id.ID, root *id.ID) ([]domain.Task, error) {
	return e.store.Tasks().Tree(ctx, repoID, root)
}

// NextReadyTask is the task.next_ready reader.
func (e *Engine) NextReadyTask(ctx context.Context, repoID id.ID, milestone *id.ID) (domain.Task, bool, error) {
	return e.store.Tasks().NextReady(ctx, repoID, milestone)
}

// TaskProgress is the task.progress reader.
func (e *Engine) TaskProgress(ctx context.Context, repoID id.ID, scope *id.ID) (store.ProgressCounts, error) {
	return e.store.Tasks().Progress(ctx, repoID, scope)
}

// UpdateTask implements task.update (spec §4.2.1).
func (e *Engine) UpdateTask(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID, in UpdateTaskInput) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if in.Description != nil {
			t.Description = *in.Description
		}
		if in.Context != nil {
			t.Context = *in.Context
		}
		if in.Priority != nil {
			t.Priority = *in.Priority
		}
		t.UpdatedAt = e.now()
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		out = t
		return []domain.EventBody{domain.TaskUpdated{TaskID: t.ID}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// DeleteTask implements task.delete (spec §4.2.1).
func (e *Engine) DeleteTask(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) error {
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if _, err := loadTask(ctx, tx, taskID); err != nil {
			return nil, err
		}
		if err := tx.Tasks().Delete(ctx, taskID); err != nil {
			return nil, err
		}
		return []domain.EventBody{domain.TaskDeleted{TaskID: taskID}}, nil
	})
	return err
}

// blockedByGraph builds validate.BlockedByGraph for every task in repoID.
func blockedByGraph(ctx context.Context, tx store.Store, repoID id.ID) (validate.BlockedByGraph, error) {
	tasks, err := tx.Tasks().List(ctx, store.TaskFilter{RepoID: repoID})
	if err != nil {
		return nil, err
	}
	graph := make(validate.BlockedByGraph, len(tasks))
	for _, t := range tasks {
		graph[t.ID] = t.BlockedBy
	}
	return graph, nil
}

// AddBlocker implements task.add_blocker (spec §4.2.1).
func (e *Engine) AddBlocker(ctx context.Context, reqCtx domain.RequestContext, taskID, blockerID id.ID) error {
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		blocker, err := loadTask(ctx, tx, blockerID)
		if err != nil {
			return nil, err
		}
		if blocker.RepoID != t.RepoID {
			return nil, errkind.TaskInvalidInput("blocker %s belongs to a different repo", blockerID)
		}
		graph, err := blockedByGraph(ctx, tx, t.RepoID)
		if err != nil {
			return nil, err
		}
		if err := validate.CheckNewBlocker(graph, taskID, blockerID); err != nil {
			return nil, err
		}
		t.BlockedBy = append(t.BlockedBy, blockerID)
		t.UpdatedAt = e.now()
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		return []domain.EventBody{domain.BlockerAdded{TaskID: taskID, BlockerID: blockerID}}, nil
	})
	return err
}

// RemoveBlocker implements task.remove_blocker (spec §4.2.1).
func (e *Engine) RemoveBlocker(ctx context.Context, reqCtx domain.RequestContext, taskID, blockerID id.ID) error {
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		filtered := t.BlockedBy[:0:0]
		for _, b := range t.BlockedBy {
			if b != blockerID {
				filtered = append(filtered, b)
			}
		}
		t.BlockedBy = filtered
		t.UpdatedAt = e.now()
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		return []domain.EventBody{domain.BlockerRemoved{TaskID: taskID, BlockerID: blockerID}}, nil
	})
	return err
}

// SetTaskStatus implements task.set_status (spec §4.2.1).
func (e *Engine) SetTaskStatus(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID, status domain.TaskStatus) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		from := t.Status
		if err := validate.TaskTransition(from, status); err != nil {
			return nil, err
		}
		now := e.now()
		if status == domain.TaskInProgress && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if status == domain.TaskCompleted && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		t.Status = status
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		out = t
		return []domain.EventBody{domain.TaskStatusChanged{TaskID: t.ID, From: from, To: status}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// CancelTask implements task.cancel (spec §4.2.1).
func (e *Engine) CancelTask(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if err := validate.TaskTransition(t.Status, domain.TaskCancelled); err != nil {
			return nil, err
		}
		t.Status = domain.TaskCancelled
		t.UpdatedAt = e.now()
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		out = t
		return []domain.EventBody{domain.TaskCancelled{TaskID: t.ID}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// ForceCompleteTask implements task.force_complete (spec §4.2.1).
func (e *Engine) ForceCompleteTask(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if err := validate.TaskTransition(t.Status, domain.TaskCompleted); err != nil {
			return nil, err
		}
		now := e.now()
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		t.Status = domain.TaskCompleted
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		out = t
		return []domain.EventBody{domain.TaskCompleted{TaskID: t.ID}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// StartTask implements task.start (spec §4.2.1).
func (e *Engine) StartTask(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if err := validate.TaskTransition(t.Status, domain.TaskInProgress); err != nil {
			return nil, err
		}

		view := validate.TaskView{ID: t.ID, ParentID: t.ParentID, Status: t.Status}
		blockedBy := func(tid id.ID) []id.ID {
			bt, ok, _ := tx.Tasks().Get(ctx, tid)
			if !ok {
				return nil
			}
			return bt.BlockedBy
		}
		lookup := func(tid id.ID) (validate.TaskView, bool) {
			bt, ok, _ := tx.Tasks().Get(ctx, tid)
			if !ok {
				return validate.TaskView{}, false
			}
			return validate.TaskView{ID: bt.ID, ParentID: bt.ParentID, Status: bt.Status}, true
		}
		if validate.EffectivelyBlocked(view, blockedBy, lookup) {
			return nil, errkind.TaskConflict("task %s is blocked", taskID)
		}

		if _, ok, err := tx.TaskVcs().Get(ctx, taskID); err != nil {
			return nil, err
		} else if ok {
			return nil, errkind.RefAlreadyExists(domain.RefNameFor(taskID))
		}

		repo, err := loadRepo(ctx, tx, t.RepoID)
		if err != nil {
			return nil, err
		}
		backend := e.backend(repo.VCSType)
		if err := backend.EnsureClean(ctx, repo.Path); err != nil {
			return nil, err
		}

		var baseCommit, startCommit, changeID string
		if t.ParentID != nil {
			parentVcs, ok, err := tx.TaskVcs().Get(ctx, *t.ParentID)
			if err != nil {
				return nil, err
			}
			if !ok || parentVcs.HeadCommit == "" {
				return nil, errkind.TaskConflict("parent task %s has no completed VCS state", *t.ParentID)
			}
			if err := backend.CheckoutRef(ctx, repo.Path, parentVcs.RefName); err != nil {
				return nil, err
			}
			baseCommit, startCommit = parentVcs.HeadCommit, parentVcs.HeadCommit
		} else {
			head, err := backend.HeadCommit(ctx, repo.Path)
			if err != nil {
				return nil, err
			}
			baseCommit, startCommit = head, head
		}

		refName := domain.RefNameFor(taskID)
		changeID, err = backend.CreateRef(ctx, repo.Path, refName)
		if err != nil {
			return nil, err
		}
		if err := backend.CheckoutRef(ctx, repo.Path, refName); err != nil {
			return nil, err
		}

		now := e.now()
		tv := domain.TaskVcs{
			TaskID:      taskID,
			RepoID:      t.RepoID,
			VCSType:     repo.VCSType,
			RefName:     refName,
			ChangeID:    changeID,
			BaseCommit:  baseCommit,
			StartCommit: startCommit,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.TaskVcs().Create(ctx, tv); err != nil {
			return nil, err
		}

		t.Status = domain.TaskInProgress
		t.StartedAt = &now
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		out = t

		return []domain.EventBody{
			domain.TaskStarted{TaskID: t.ID},
			domain.RefCreated{TaskID: t.ID, RefName: refName},
		}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

// SubmitTask implements task.submit (spec §4.2.1): commits the working
// copy, opens a Review, and runs every effective gate at attempt 1.
func (e *Engine) SubmitTask(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) (domain.Review, error) {
	var out domain.Review
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if err := validate.TaskTransition(t.Status, domain.TaskInReview); err != nil {
			return nil, err
		}
		tv, ok, err := tx.TaskVcs().Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.TaskConflict("task %s was never started", taskID)
		}
		repo, err := loadRepo(ctx, tx, t.RepoID)
		if err != nil {
			return nil, err
		}
		backend := e.backend(repo.VCSType)
		revision, err := backend.CommitAll(ctx, repo.Path, "task: "+taskID.String())
		if err != nil {
			return nil, err
		}
		tv.HeadCommit = revision
		tv.UpdatedAt = e.now()
		if err := tx.TaskVcs().Update(ctx, tv); err != nil {
			return nil, err
		}

		now := e.now()
		t.Status = domain.TaskInReview
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}

		review := domain.Review{
			ID:          id.New(id.KindReview),
			TaskID:      taskID,
			Status:      domain.ReviewGatesPending,
			SubmittedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Reviews().Create(ctx, review); err != nil {
			return nil, err
		}

		events := []domain.EventBody{
			domain.TaskSubmitted{TaskID: taskID, ReviewID: review.ID},
			domain.ReviewCreated{ReviewID: review.ID, TaskID: taskID},
			domain.Committed{TaskID: taskID, Revision: revision},
		}

		gates, err := effectiveGates(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		if len(gates) == 0 {
			review.Status = domain.ReviewAgentPending
			review.GatesCompletedAt = &now
			review.UpdatedAt = now
			if err := tx.Reviews().Update(ctx, review); err != nil {
				return nil, err
			}
			out = review
			return events, nil
		}

		gateEvents, err := e.runGates(ctx, tx, t, repo, &review, gates, attemptOne)
		if err != nil {
			return nil, err
		}
		events = append(events, gateEvents...)

		if err := e.recomputeReviewStatus(ctx, tx, &review, gates); err != nil {
			return nil, err
		}
		out = review
		return events, nil
	})
	if err != nil {
		return domain.Review{}, err
	}
	return out, nil
}

// ArchiveTaskVcs implements vcs.archive(task_id): removes a terminal
// task's VCS ref from its backend while keeping the TaskVcs row, stamping
// it with archived_at.
func (e *Engine) ArchiveTaskVcs(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) (domain.TaskVcs, error) {
	var out domain.TaskVcs
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if !t.Status.IsTerminal() {
			return nil, errkind.InvalidTransition(string(t.Status), string(domain.TaskCompleted))
		}
		tv, ok, err := tx.TaskVcs().Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.RefNotFound(taskID.String())
		}
		repo, err := loadRepo(ctx, tx, t.RepoID)
		if err != nil {
			return nil, err
		}
		backend := e.backend(repo.VCSType)
		if err := backend.DeleteRef(ctx, repo.Path, tv.RefName); err != nil {
			return nil, err
		}

		now := e.now()
		tv.ArchivedAt = &now
		tv.UpdatedAt = now
		if err := tx.TaskVcs().Update(ctx, tv); err != nil {
			return nil, err
		}
		out = tv

		return []domain.EventBody{
			domain.TaskArchived{TaskID: taskID},
			domain.VCSTaskArchived{TaskID: taskID},
		}, nil
	})
	if err != nil {
		return domain.TaskVcs{}, err
	}
	return out, nil
}

// attemptOne always reuses attempt 1, for the first gate run a submit
// triggers.
func attemptOne(domain.Gate) int { return 1 }

// runGates executes each gate in gates at the attempt number attemptFor
// returns, applies escalation, persists the result, and returns the
// events each run produced.
func (e *Engine) runGates(ctx context.Context, tx store.Store, t domain.Task, repo domain.Repo, review *domain.Review, gates []domain.Gate, attemptFor func(domain.Gate) int) ([]domain.EventBody, error) {
	var events []domain.EventBody
	for _, g := range gates {
		attempt := attemptFor(g)
		events = append(events, domain.GateStarted{GateID: g.ID, ReviewID: review.ID, Attempt: attempt})

		result, err := e.runner.Run(ctx, gate.RunInput{
			Gate:     g,
			Task:     t,
			RepoPath: repo.Path,
			ReviewID: review.ID,
			Attempt:  attempt,
		})
		if err != nil {
			return nil, err
		}
		result = gate.ApplyEscalation(result, g.MaxRetries)
		if err := tx.GateResults().RecordResult(ctx, result); err != nil {
			return nil, err
		}
		e.metrics.RecordGateRun(ctx, string(result.Status))

		switch result.Status {
		case domain.GateResultPassed:
			events = append(events, domain.GatePassed{GateID: g.ID, ReviewID: review.ID, Attempt: attempt})
		case domain.GateResultEscalated:
			events = append(events, domain.GateEscalated{GateID: g.ID, ReviewID: review.ID, Attempt: attempt})
		default:
			events = append(events, domain.GateFailed{GateID: g.ID, ReviewID: review.ID, Attempt: attempt, Status: result.Status})
		}
	}
	return events, nil
}

// recomputeReviewStatus reruns the §4.5 aggregator over review's gate
// results and persists the new status if it changed.
func (e *Engine) recomputeReviewStatus(ctx context.Context, tx store.Store, review *domain.Review, gates []domain.Gate) error {
	results, err := tx.GateResults().ListByReview(ctx, review.ID)
	if err != nil {
		return err
	}
	newStatus := gate.Aggregate(gates, gate.LatestPerGate(results))
	if newStatus != review.Status {
		review.Status = newStatus
		review.UpdatedAt = e.now()
		if newStatus == domain.ReviewAgentPending && review.GatesCompletedAt == nil {
			now := e.now()
			review.GatesCompletedAt = &now
		}
		if err := tx.Reviews().Update(ctx, review); err != nil {
			return err
		}
	}
	return nil
}
