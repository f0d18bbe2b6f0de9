package workflow

import (
	"context"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
)

// RequestHelp implements help.request (spec §4.2.3).
func (e *Engine) RequestHelp(ctx context.Context, reqCtx domain.RequestContext, in HelpRequestInput) (domain.HelpRequest, error) {
	var out domain.HelpRequest
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, in.TaskID)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case domain.TaskPending, domain.TaskInProgress, domain.TaskInReview:
		default:
			return nil, errkind.HelpInvalidState("task %s is not in a help-eligible state (%s)", in.TaskID, t.Status)
		}
		if _, ok, err := tx.HelpRequests().ActiveForTask(ctx, in.TaskID); err != nil {
			return nil, err
		} else if ok {
			return nil, errkind.TaskConflict("task %s already has an active help request", in.TaskID)
		}

		now := e.now()
		h := domain.HelpRequest{
			ID:               id.New(id.KindHelp),
			TaskID:           in.TaskID,
			FromStatus:       t.Status,
			Category:         in.Category,
			Reason:           in.Reason,
			SuggestedOptions: append([]string(nil), in.SuggestedOptions...),
			Status:           domain.HelpPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.HelpRequests().Create(ctx, h); err != nil {
			return nil, err
		}
		out = h

		from := t.Status
		t.Status = domain.TaskAwaitingHuman
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}

		return []domain.EventBody{
			domain.HelpRequested{HelpID: h.ID, TaskID: t.ID},
			domain.TaskStatusChanged{TaskID: t.ID, From: from, To: domain.TaskAwaitingHuman},
		}, nil
	})
	if err != nil {
		return domain.HelpRequest{}, err
	}
	return out, nil
}

// RespondHelp implements help.respond (spec §4.2.3).
func (e *Engine) RespondHelp(ctx context.Context, reqCtx domain.RequestContext, helpID id.ID, in HelpRespondInput) (domain.HelpRequest, error) {
	var out domain.HelpRequest
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		h, ok, err := tx.HelpRequests().Get(ctx, helpID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.HelpNotFound(helpID.String())
		}
		if h.Status != domain.HelpPending {
			return nil, errkind.HelpInvalidState("help request %s is not pending", helpID)
		}
		now := e.now()
		h.Response = in.Response
		h.ChosenOption = in.ChosenOption
		h.Status = domain.HelpResponded
		h.RespondedAt = &now
		h.UpdatedAt = now
		if err := tx.HelpRequests().Update(ctx, h); err != nil {
			return nil, err
		}
		out = h
		return []domain.EventBody{domain.HelpResponded{HelpID: h.ID}}, nil
	})
	if err != nil {
		return domain.HelpRequest{}, err
	}
	return out, nil
}

// ResumeHelp implements help.resume (spec §4.2.3): the active help request
// must be Responded; it resolves, and the task returns to from_status.
func (e *Engine) ResumeHelp(ctx context.Context, reqCtx domain.RequestContext, taskID id.ID) (domain.Task, error) {
	var out domain.Task
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		t, err := loadTask(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		h, ok, err := tx.HelpRequests().ActiveForTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if !ok || h.Status != domain.HelpResponded {
			return nil, errkind.HelpInvalidState("task %s has no responded help request", taskID)
		}

		now := e.now()
		h.Status = domain.HelpResolved
		h.ResumedAt = &now
		h.UpdatedAt = now
		if err := tx.HelpRequests().Update(ctx, h); err != nil {
			return nil, err
		}

		t.Status = h.FromStatus
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		out = t

		return []domain.EventBody{domain.HelpResumed{HelpID: h.ID, TaskID: t.ID}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}
