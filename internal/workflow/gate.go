package workflow

import (
	"context"
	"time"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/gate"
	"overseer/internal/id"
	"overseer/internal/store"
)

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// AddGate implements gate.add (spec §4.2.4).
func (e *Engine) AddGate(ctx context.Context, reqCtx domain.RequestContext, in GateInput) (domain.Gate, error) {
	var out domain.Gate
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if !in.Scope.RepoID.IsZero() {
			if _, err := loadRepo(ctx, tx, in.Scope.RepoID); err != nil {
				return nil, err
			}
		}
		if in.Scope.IsTaskScoped() {
			if _, err := loadTask(ctx, tx, in.Scope.TaskID); err != nil {
				return nil, err
			}
		}
		exists, err := tx.Gates().NameExistsInScope(ctx, in.Scope, in.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errkind.GateNameConflict(scopeLabel(in.Scope), in.Name)
		}

		now := e.now()
		g := domain.Gate{
			ID:               id.New(id.KindGate),
			Scope:            in.Scope,
			Name:             in.Name,
			Command:          in.Command,
			TimeoutSecs:      in.TimeoutSecs,
			MaxRetries:       in.MaxRetries,
			PollIntervalSecs: in.PollIntervalSecs,
			MaxPendingSecs:   in.MaxPendingSecs,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Gates().Create(ctx, g); err != nil {
			return nil, err
		}
		out = g
		return []domain.EventBody{domain.GateAdded{GateID: g.ID}}, nil
	})
	if err != nil {
		return domain.Gate{}, err
	}
	return out, nil
}

func scopeLabel(s domain.GateScope) string {
	if s.IsTaskScoped() {
		return s.TaskID.String()
	}
	return s.RepoID.String()
}

// UpdateGate implements gate.update (spec §4.2.4).
func (e *Engine) UpdateGate(ctx context.Context, reqCtx domain.RequestContext, gateID id.ID, in GateInput) (domain.Gate, error) {
	var out domain.Gate
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		g, err := loadGate(ctx, tx, gateID)
		if err != nil {
			return nil, err
		}
		if in.Name != "" && in.Name != g.Name {
			exists, err := tx.Gates().NameExistsInScope(ctx, g.Scope, in.Name)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, errkind.GateNameConflict(scopeLabel(g.Scope), in.Name)
			}
			g.Name = in.Name
		}
		if in.Command != "" {
			g.Command = in.Command
		}
		if in.TimeoutSecs != 0 {
			g.TimeoutSecs = in.TimeoutSecs
		}
		if in.MaxRetries != 0 {
			g.MaxRetries = in.MaxRetries
		}
		if in.PollIntervalSecs != 0 {
			g.PollIntervalSecs = in.PollIntervalSecs
		}
		if in.MaxPendingSecs != 0 {
			g.MaxPendingSecs = in.MaxPendingSecs
		}
		g.UpdatedAt = e.now()
		if err := tx.Gates().Update(ctx, g); err != nil {
			return nil, err
		}
		out = g
		return []domain.EventBody{domain.GateUpdated{GateID: g.ID}}, nil
	})
	if err != nil {
		return domain.Gate{}, err
	}
	return out, nil
}

// RemoveGate implements gate.remove (spec §4.2.4).
func (e *Engine) RemoveGate(ctx context.Context, reqCtx domain.RequestContext, gateID id.ID) error {
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if _, err := loadGate(ctx, tx, gateID); err != nil {
			return nil, err
		}
		if err := tx.Gates().Delete(ctx, gateID); err != nil {
			return nil, err
		}
		return []domain.EventBody{domain.GateRemoved{GateID: gateID}}, nil
	})
	return err
}

// ListRepoGates and ListTaskGates are the gate.list readers.
func (e *Engine) ListRepoGates(ctx context.Context, repoID id.ID) ([]domain.Gate, error) {
	return e.store.Gates().ListByRepoScope(ctx, repoID)
}

func (e *Engine) ListTaskGates(ctx context.Context, taskID id.ID) ([]domain.Gate, error) {
	return e.store.Gates().ListByTaskScope(ctx, taskID)
}

// EffectiveGates is the gate.effective reader (spec §4.3).
func (e *Engine) EffectiveGates(ctx context.Context, taskID id.ID) ([]domain.Gate, error) {
	t, ok, err := e.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errkind.TaskNotFound(taskID.String())
	}
	return effectiveGates(ctx, e.store, t)
}

// GateResultsForReview is the gate.results reader.
func (e *Engine) GateResultsForReview(ctx context.Context, reviewID id.ID) ([]domain.GateResult, error) {
	return e.store.GateResults().ListByReview(ctx, reviewID)
}

// RerunGates implements gate.rerun (spec §4.2.4): review must be
// GatesPending or GatesEscalated.
func (e *Engine) RerunGates(ctx context.Context, reqCtx domain.RequestContext, reviewID id.ID) (domain.Review, error) {
	var out domain.Review
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		review, err := loadReview(ctx, tx, reviewID)
		if err != nil {
			return nil, err
		}
		if review.Status != domain.ReviewGatesPending && review.Status != domain.ReviewGatesEscalated {
			return nil, errkind.ReviewInvalidTransition(string(review.Status), "rerun")
		}
		t, err := loadTask(ctx, tx, review.TaskID)
		if err != nil {
			return nil, err
		}
		gates, err := effectiveGates(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		repo, err := loadRepo(ctx, tx, t.RepoID)
		if err != nil {
			return nil, err
		}

		results, err := tx.GateResults().ListByReview(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		latest := gate.LatestPerGate(results)

		var events []domain.EventBody
		for _, g := range gates {
			last, hasLast := latest[g.ID]
			attempt := 1
			switch {
			case !hasLast:
				attempt = 1
			case last.Status == domain.GateResultPending:
				attempt = last.Attempt
			default:
				attempt = last.Attempt + 1
			}

			if attempt > g.MaxRetries {
				result := domain.GateResult{
					GateID:    g.ID,
					ReviewID:  reviewID,
					TaskID:    t.ID,
					Status:    domain.GateResultEscalated,
					Attempt:   attempt,
					StartedAt: e.now(),
				}
				if err := tx.GateResults().RecordResult(ctx, result); err != nil {
					return nil, err
				}
				e.metrics.RecordGateRun(ctx, string(result.Status))
				events = append(events, domain.GateEscalated{GateID: g.ID, ReviewID: reviewID, Attempt: attempt})
				continue
			}

			events = append(events, domain.GateStarted{GateID: g.ID, ReviewID: reviewID, Attempt: attempt})
			result, err := e.runner.Run(ctx, gate.RunInput{
				Gate:     g,
				Task:     t,
				RepoPath: repo.Path,
				ReviewID: reviewID,
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
				events = append(events, domain.GatePassed{GateID: g.ID, ReviewID: reviewID, Attempt: attempt})
			case domain.GateResultEscalated:
				events = append(events, domain.GateEscalated{GateID: g.ID, ReviewID: reviewID, Attempt: attempt})
			default:
				events = append(events, domain.GateFailed{GateID: g.ID, ReviewID: reviewID, Attempt: attempt, Status: result.Status})
			}
		}

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

// PollPending implements gate.poll_pending (spec §4.9, §4.2.4): a periodic
// sweep the gate poller invokes every 5s. Errors for one review are
// swallowed so the sweep continues to the next (spec §7: "the gate poller
// ... swallow[s] transient errors per review and continue[s]").
func (e *Engine) PollPending(ctx context.Context, reqCtx domain.RequestContext) {
	reviews, err := e.store.Reviews().ListByStatus(ctx, domain.ReviewGatesPending)
	if err != nil {
		e.logger.Warn("poll_pending: list reviews: %v", err)
		return
	}
	for _, review := range reviews {
		if err := e.pollReview(ctx, reqCtx, review); err != nil {
			e.logger.Warn("poll_pending: review %s: %v", review.ID.String(), err)
		}
	}
}

func (e *Engine) pollReview(ctx context.Context, reqCtx domain.RequestContext, review domain.Review) error {
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		// Re-load inside the transaction: another writer may have advanced
		// this review since the outer, lock-free list scan.
		review, err := loadReview(ctx, tx, review.ID)
		if err != nil {
			return nil, err
		}
		if review.Status != domain.ReviewGatesPending {
			return nil, nil
		}
		t, err := loadTask(ctx, tx, review.TaskID)
		if err != nil {
			return nil, err
		}
		repo, err := loadRepo(ctx, tx, t.RepoID)
		if err != nil {
			return nil, err
		}
		gates, err := effectiveGates(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		gateByID := make(map[id.ID]domain.Gate, len(gates))
		for _, g := range gates {
			gateByID[g.ID] = g
		}

		results, err := tx.GateResults().ListByReview(ctx, review.ID)
		if err != nil {
			return nil, err
		}

		var events []domain.EventBody
		changed := false
		now := e.now()
		for _, res := range results {
			if res.Status != domain.GateResultPending {
				continue
			}
			g, ok := gateByID[res.GateID]
			if !ok {
				continue
			}
			age := now.Sub(res.StartedAt)
			if age > secondsToDuration(g.MaxPendingSecs) {
				res.Status = domain.GateResultTimeout
				completed := now
				res.CompletedAt = &completed
				res = gate.ApplyEscalation(res, g.MaxRetries)
				if err := tx.GateResults().RecordResult(ctx, res); err != nil {
					return nil, err
				}
				e.metrics.RecordGateRun(ctx, string(res.Status))
				events = append(events, domain.GateFailed{GateID: g.ID, ReviewID: review.ID, Attempt: res.Attempt, Status: res.Status})
				changed = true
				continue
			}
			if res.StartedAt.Add(secondsToDuration(g.PollIntervalSecs)).After(now) {
				continue
			}

			events = append(events, domain.GateStarted{GateID: g.ID, ReviewID: review.ID, Attempt: res.Attempt})
			next, err := e.runner.Run(ctx, gate.RunInput{
				Gate:     g,
				Task:     t,
				RepoPath: repo.Path,
				ReviewID: review.ID,
				Attempt:  res.Attempt,
			})
			if err != nil {
				return nil, err
			}
			next = gate.ApplyEscalation(next, g.MaxRetries)
			if err := tx.GateResults().RecordResult(ctx, next); err != nil {
				return nil, err
			}
			e.metrics.RecordGateRun(ctx, string(next.Status))
			switch next.Status {
			case domain.GateResultPassed:
				events = append(events, domain.GatePassed{GateID: g.ID, ReviewID: review.ID, Attempt: next.Attempt})
			case domain.GateResultEscalated:
				events = append(events, domain.GateEscalated{GateID: g.ID, ReviewID: review.ID, Attempt: next.Attempt})
			default:
				events = append(events, domain.GateFailed{GateID: g.ID, ReviewID: review.ID, Attempt: next.Attempt, Status: next.Status})
			}
			changed = true
		}

		if changed {
			if err := e.recomputeReviewStatus(ctx, tx, &review, gates); err != nil {
				return nil, err
			}
		}
		return events, nil
	})
	return err
}
