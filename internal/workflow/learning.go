package workflow

import (
	"context"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
)

// AddLearning implements learning.add (spec §4.2.5): a learning with no
// source_task_id, attached directly to task.
func (e *Engine) AddLearning(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID, content string) (domain.Learning, error) {
	var out domain.Learning
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if _, err := loadTask(ctx, tx, taskID); err != nil {
			return nil, err
		}
		if content == "" {
			return nil, errkind.LearningInvalidInput("content must not be empty")
		}
		l := domain.Learning{
			ID:        id.New(id.KindLearning),
			TaskID:    taskID,
			Content:   content,
			CreatedAt: e.now(),
		}
		if err := tx.Learnings().Create(ctx, l); err != nil {
			return nil, err
		}
		out = l
		return []domain.EventBody{domain.LearningAdded{LearningID: l.ID, TaskID: taskID}}, nil
	})
	if err != nil {
		return domain.Learning{}, err
	}
	return out, nil
}

// InheritedLearningsFor implements learning.inherited (spec §4.2.5).
func (e *Engine) InheritedLearningsFor(ctx context.Context, taskID id.ID) (InheritedLearnings, error) {
	t, err := loadTask(ctx, e.store, taskID)
	if err != nil {
		return InheritedLearnings{}, err
	}
	return inheritedLearningsFor(ctx, e.store, t)
}

// inheritedLearningsFor computes {own, parent, milestone} against tx: own is
// t's own learnings; parent is the direct parent's; milestone is the
// grandparent's if the parent is a Task, or the parent's own if the parent
// is already a Milestone.
func inheritedLearningsFor(ctx context.Context, tx store.Store, t domain.Task) (InheritedLearnings, error) {
	own, err := tx.Learnings().ListByTask(ctx, t.ID)
	if err != nil {
		return InheritedLearnings{}, err
	}

	var out InheritedLearnings
	out.Own = own
	if t.ParentID == nil {
		return out, nil
	}

	parent, err := loadTask(ctx, tx, *t.ParentID)
	if err != nil {
		return InheritedLearnings{}, err
	}
	out.Parent, err = tx.Learnings().ListByTask(ctx, parent.ID)
	if err != nil {
		return InheritedLearnings{}, err
	}

	parentKind, ok := domain.TaskKindForID(parent.ID)
	if !ok {
		return out, nil
	}
	if parentKind == domain.TaskKindMilestone {
		out.Milestone = out.Parent
		return out, nil
	}
	if parent.ParentID == nil {
		return out, nil
	}
	milestone, err := loadTask(ctx, tx, *parent.ParentID)
	if err != nil {
		return InheritedLearnings{}, err
	}
	out.Milestone, err = tx.Learnings().ListByTask(ctx, milestone.ID)
	if err != nil {
		return InheritedLearnings{}, err
	}
	return out, nil
}
