package workflow

import (
	"context"

	"overseer/internal/airreview"
	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
	"overseer/internal/vcs"
)

// ReviewWithAI runs review(review_id): idempotent by AIReviewRecord
// existence. Collects a snapshot, invokes the pluggable provider, and
// applies the resulting decision to the review and task.
//
// The diff is read inside the same transaction that records the pending
// AIReviewRecord, closing the snapshot-vs-review-state race that would
// otherwise be left open (see DESIGN.md's Open Question decision).
func (e *Engine) ReviewWithAI(ctx context.Context, reqCtx domain.RequestContext, reviewID id.ID) (domain.AIReviewRecord, error) {
	if existing, ok, err := e.store.AIReviews().Get(ctx, reviewID); err != nil {
		return domain.AIReviewRecord{}, err
	} else if ok {
		return existing, nil
	}

	var snap airreview.Snapshot
	var skip bool
	createdAt := e.now()
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if existing, ok, err := tx.AIReviews().Get(ctx, reviewID); err != nil {
			return nil, err
		} else if ok {
			skip = true
			return nil, nil
		}

		built, err := buildAIReviewSnapshot(ctx, tx, e.backend, reviewID)
		if err != nil {
			return nil, err
		}
		snap = built

		pending := domain.AIReviewRecord{ReviewID: reviewID, Status: domain.AIReviewPending, CreatedAt: createdAt}
		if err := tx.AIReviews().Put(ctx, pending); err != nil {
			return nil, err
		}
		return []domain.EventBody{domain.GitAiStarted{ReviewID: reviewID}}, nil
	})
	if err != nil {
		return domain.AIReviewRecord{}, err
	}
	if skip {
		existing, _, err := e.store.AIReviews().Get(ctx, reviewID)
		return existing, err
	}

	verdict, provErr := e.provider.Review(ctx, snap)

	var out domain.AIReviewRecord
	_, err = e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		completed := e.now()
		if provErr != nil {
			rec := domain.AIReviewRecord{
				ReviewID:    reviewID,
				Status:      domain.AIReviewFailed,
				FailReason:  provErr.Error(),
				CreatedAt:   createdAt,
				CompletedAt: &completed,
			}
			if err := tx.AIReviews().Put(ctx, rec); err != nil {
				return nil, err
			}
			out = rec
			return []domain.EventBody{domain.GitAiFailed{ReviewID: reviewID, Reason: provErr.Error()}}, nil
		}

		rec := domain.AIReviewRecord{
			ReviewID:    reviewID,
			Status:      domain.AIReviewDone,
			Decision:    verdict.Decision,
			CreatedAt:   createdAt,
			CompletedAt: &completed,
		}
		if err := tx.AIReviews().Put(ctx, rec); err != nil {
			return nil, err
		}
		out = rec
		return []domain.EventBody{domain.GitAiCompleted{ReviewID: reviewID, Decision: string(verdict.Decision)}}, nil
	})
	if err != nil {
		return domain.AIReviewRecord{}, err
	}
	if provErr != nil {
		return out, nil
	}

	switch verdict.Decision {
	case domain.AIReviewApprove:
		if _, err := e.ApproveReview(ctx, reqCtx, reviewID); err != nil {
			return domain.AIReviewRecord{}, err
		}
	case domain.AIReviewRequestChanges:
		comments := make([]CommentInput, 0, len(verdict.Comments))
		for _, c := range verdict.Comments {
			comments = append(comments, CommentInput{
				Author:    domain.AuthorAI,
				FilePath:  c.FilePath,
				LineStart: c.LineStart,
				LineEnd:   c.LineEnd,
				Side:      c.Side,
				Body:      c.Body,
			})
		}
		if _, err := e.RequestChanges(ctx, reqCtx, reviewID, comments); err != nil {
			return domain.AIReviewRecord{}, err
		}
	}

	return out, nil
}

// buildAIReviewSnapshot assembles the {diff, task_context, learnings,
// gate_results} snapshot of spec §4.2.8 from tx's view of the store.
func buildAIReviewSnapshot(ctx context.Context, tx store.Store, backend func(domain.VCSType) vcs.Backend, reviewID id.ID) (airreview.Snapshot, error) {
	review, err := loadReview(ctx, tx, reviewID)
	if err != nil {
		return airreview.Snapshot{}, err
	}
	t, err := loadTask(ctx, tx, review.TaskID)
	if err != nil {
		return airreview.Snapshot{}, err
	}
	repo, err := loadRepo(ctx, tx, t.RepoID)
	if err != nil {
		return airreview.Snapshot{}, err
	}
	tv, ok, err := tx.TaskVcs().Get(ctx, t.ID)
	if err != nil {
		return airreview.Snapshot{}, err
	}
	if !ok {
		return airreview.Snapshot{}, errkind.AIReviewInvalidInput("task %s has no VCS ref", t.ID)
	}

	var diff vcs.Diff
	if tv.BaseCommit != "" && tv.HeadCommit != "" {
		diff, err = backend(tv.VCSType).DiffRange(ctx, repo.Path, tv.BaseCommit, tv.HeadCommit)
		if err != nil {
			return airreview.Snapshot{}, err
		}
	}

	inherited, err := inheritedLearningsFor(ctx, tx, t)
	if err != nil {
		return airreview.Snapshot{}, err
	}
	learnings := append(append(append([]domain.Learning{}, inherited.Own...), inherited.Parent...), inherited.Milestone...)

	gateResults, err := tx.GateResults().ListByReview(ctx, reviewID)
	if err != nil {
		return airreview.Snapshot{}, err
	}

	return airreview.Snapshot{
		ReviewID:    reviewID.String(),
		TaskContext: t.Context,
		Diff:        diff,
		Learnings:   learnings,
		GateResults: gateResults,
	}, nil
}
