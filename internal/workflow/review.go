package workflow

import (
	"context"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
	"overseer/internal/validate"
)

// AddComment implements review.add_comment (spec §4.2.2).
func (e *Engine) AddComment(ctx context.Context, reqCtx domain.RequestContext, reviewID id.ID, in CommentInput) (domain.ReviewComment, error) {
	var out domain.ReviewComment
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		review, err := loadReview(ctx, tx, reviewID)
		if err != nil {
			return nil, err
		}
		now := e.now()
		c := domain.ReviewComment{
			ID:        id.New(id.KindComment),
			ReviewID:  reviewID,
			TaskID:    review.TaskID,
			Author:    in.Author,
			FilePath:  in.FilePath,
			LineStart: in.LineStart,
			LineEnd:   in.LineEnd,
			Side:      in.Side,
			Body:      in.Body,
			CreatedAt: now,
		}
		if err := tx.Comments().Create(ctx, c); err != nil {
			return nil, err
		}
		out = c
		return []domain.EventBody{domain.ReviewCommentAdded{ReviewID: reviewID, CommentID: c.ID}}, nil
	})
	if err != nil {
		return domain.ReviewComment{}, err
	}
	return out, nil
}

// ListComments is the review.list_comments reader.
func (e *Engine) ListComments(ctx context.Context, reviewID id.ID) ([]domain.ReviewComment, error) {
	return e.store.Comments().ListByReview(ctx, reviewID)
}

// ResolveComment implements review.resolve_comment (spec §4.2.2).
func (e *Engine) ResolveComment(ctx context.Context, reqCtx domain.RequestContext, commentID id.ID) (domain.ReviewComment, error) {
	var out domain.ReviewComment
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		c, ok, err := tx.Comments().Get(ctx, commentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.CommentNotFound(commentID.String())
		}
		now := e.now()
		c.ResolvedAt = &now
		if err := tx.Comments().Update(ctx, c); err != nil {
			return nil, err
		}
		out = c
		return []domain.EventBody{domain.ReviewCommentResolved{ReviewID: c.ReviewID, CommentID: c.ID}}, nil
	})
	if err != nil {
		return domain.ReviewComment{}, err
	}
	return out, nil
}

// GetReview is the review.get reader.
func (e *Engine) GetReview(ctx context.Context, reviewID id.ID) (domain.Review, error) {
	rv, ok, err := e.store.Reviews().Get(ctx, reviewID)
	if err != nil {
		return domain.Review{}, err
	}
	if !ok {
		return domain.Review{}, errkind.ReviewNotFound(reviewID.String())
	}
	return rv, nil
}

// ApproveReview implements review.approve (spec §4.2.2): AgentPending →
// HumanPending → Approved. Reaching Approved also completes the task.
func (e *Engine) ApproveReview(ctx context.Context, reqCtx domain.RequestContext, reviewID id.ID) (domain.Review, error) {
	var out domain.Review
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		review, err := loadReview(ctx, tx, reviewID)
		if err != nil {
			return nil, err
		}
		now := e.now()
		events := []domain.EventBody{}
		switch review.Status {
		case domain.ReviewAgentPending:
			review.Status = domain.ReviewHumanPending
			review.AgentCompletedAt = &now
			review.UpdatedAt = now
			if err := tx.Reviews().Update(ctx, review); err != nil {
				return nil, err
			}
			events = append(events, domain.ReviewApproved{ReviewID: reviewID, Status: review.Status})
			out = review
			return events, nil
		case domain.ReviewHumanPending:
			review.Status = domain.ReviewApproved
			review.HumanCompletedAt = &now
			review.UpdatedAt = now
			if err := tx.Reviews().Update(ctx, review); err != nil {
				return nil, err
			}
			events = append(events, domain.ReviewApproved{ReviewID: reviewID, Status: review.Status})

			t, err := loadTask(ctx, tx, review.TaskID)
			if err != nil {
				return nil, err
			}
			if err := validate.TaskTransition(t.Status, domain.TaskCompleted); err != nil {
				return nil, err
			}
			t.Status = domain.TaskCompleted
			if t.CompletedAt == nil {
				t.CompletedAt = &now
			}
			t.UpdatedAt = now
			if err := tx.Tasks().Update(ctx, t); err != nil {
				return nil, err
			}
			events = append(events, domain.TaskCompleted{TaskID: t.ID})
			out = review
			return events, nil
		default:
			return nil, errkind.ReviewInvalidTransition(string(review.Status), string(domain.ReviewHumanPending))
		}
	})
	if err != nil {
		return domain.Review{}, err
	}
	return out, nil
}

// RequestChanges implements review.request_changes (spec §4.2.2): any
// non-terminal review may receive this. The parent task returns to
// InProgress so the agent can act on the new comments.
func (e *Engine) RequestChanges(ctx context.Context, reqCtx domain.RequestContext, reviewID id.ID, comments []CommentInput) (domain.Review, error) {
	var out domain.Review
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		review, err := loadReview(ctx, tx, reviewID)
		if err != nil {
			return nil, err
		}
		if review.Status == domain.ReviewApproved || review.Status == domain.ReviewChangesRequested {
			return nil, errkind.ReviewInvalidTransition(string(review.Status), string(domain.ReviewChangesRequested))
		}

		now := e.now()
		review.Status = domain.ReviewChangesRequested
		review.UpdatedAt = now
		if err := tx.Reviews().Update(ctx, review); err != nil {
			return nil, err
		}

		events := []domain.EventBody{}
		for _, in := range comments {
			c := domain.ReviewComment{
				ID:        id.New(id.KindComment),
				ReviewID:  reviewID,
				TaskID:    review.TaskID,
				Author:    in.Author,
				FilePath:  in.FilePath,
				LineStart: in.LineStart,
				LineEnd:   in.LineEnd,
				Side:      in.Side,
				Body:      in.Body,
				CreatedAt: now,
			}
			if err := tx.Comments().Create(ctx, c); err != nil {
				return nil, err
			}
			events = append(events, domain.ReviewCommentAdded{ReviewID: reviewID, CommentID: c.ID})
		}

		t, err := loadTask(ctx, tx, review.TaskID)
		if err != nil {
			return nil, err
		}
		from := t.Status
		if from.IsTerminal() {
			return nil, errkind.TaskConflict("task %s is already %s", t.ID, from)
		}
		// InReview -> InProgress is not a move the generic task-status table
		// allows (task.set_status never performs it); request_changes is the
		// one engine operation that makes this specific move, driven by the
		// review rather than a caller-chosen status.
		t.Status = domain.TaskInProgress
		t.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, t); err != nil {
			return nil, err
		}
		events = append(events,
			domain.TaskStatusChanged{TaskID: t.ID, From: from, To: domain.TaskInProgress},
			domain.ReviewChangesRequested{ReviewID: reviewID, TaskID: t.ID},
		)
		out = review
		return events, nil
	})
	if err != nil {
		return domain.Review{}, err
	}
	return out, nil
}
