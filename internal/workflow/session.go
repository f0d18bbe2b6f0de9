package workflow

import (
	"context"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
)

// RegisterHarness implements session.register_harness (spec §4.2.7):
// upserts a harness record marked connected.
func (e *Engine) RegisterHarness(ctx context.Context, reqCtx domain.RequestContext, in RegisterHarnessInput) (domain.Harness, error) {
	var out domain.Harness
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		h := domain.Harness{
			ID:           in.HarnessID,
			Capabilities: append([]string(nil), in.Capabilities...),
			Connected:    true,
			LastSeenAt:   e.now(),
		}
		if err := tx.Harnesses().Upsert(ctx, h); err != nil {
			return nil, err
		}
		out = h
		return []domain.EventBody{domain.HarnessConnected{HarnessID: h.ID}}, nil
	})
	if err != nil {
		return domain.Harness{}, err
	}
	return out, nil
}

// SetHarnessConnected implements session.set_connected.
func (e *Engine) SetHarnessConnected(ctx context.Context, reqCtx domain.RequestContext, harnessID string, connected bool) (domain.Harness, error) {
	var out domain.Harness
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		h, ok, err := tx.Harnesses().Get(ctx, harnessID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.Internal("harness %s not registered", harnessID)
		}
		h.Connected = connected
		h.LastSeenAt = e.now()
		if err := tx.Harnesses().Upsert(ctx, h); err != nil {
			return nil, err
		}
		out = h
		if connected {
			return []domain.EventBody{domain.HarnessConnected{HarnessID: h.ID}}, nil
		}
		return []domain.EventBody{domain.HarnessDisconnected{HarnessID: h.ID}}, nil
	})
	if err != nil {
		return domain.Harness{}, err
	}
	return out, nil
}

// ListHarnesses is the session.list reader.
func (e *Engine) ListHarnesses(ctx context.Context) ([]domain.Harness, error) {
	return e.store.Harnesses().List(ctx)
}

// StartSession implements session.start_session (spec §4.2.7): Conflict if
// the task already has an active session.
func (e *Engine) StartSession(ctx context.Context, reqCtx domain.RequestContext, in StartSessionInput) (domain.Session, error) {
	var out domain.Session
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if _, err := loadTask(ctx, tx, in.TaskID); err != nil {
			return nil, err
		}
		if _, ok, err := tx.Sessions().ActiveForTask(ctx, in.TaskID); err != nil {
			return nil, err
		} else if ok {
			return nil, errkind.TaskConflict("task %s already has an active session", in.TaskID)
		}

		now := e.now()
		s := domain.Session{
			ID:        id.New(id.KindSession),
			TaskID:    in.TaskID,
			HarnessID: in.HarnessID,
			Status:    domain.SessionActive,
			StartedAt: now,
		}
		if err := tx.Sessions().Create(ctx, s); err != nil {
			return nil, err
		}
		out = s
		return []domain.EventBody{domain.SessionStarted{SessionID: s.ID, TaskID: s.TaskID}}, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

// HeartbeatSession implements session.heartbeat.
func (e *Engine) HeartbeatSession(ctx context.Context, reqCtx domain.RequestContext, sessionID id.ID) (domain.Session, error) {
	var out domain.Session
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		s, ok, err := tx.Sessions().Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.Internal("session %s not found", sessionID)
		}
		now := e.now()
		s.LastHeartbeatAt = &now
		if err := tx.Sessions().Update(ctx, s); err != nil {
			return nil, err
		}
		out = s
		return nil, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

// CompleteSession implements session.complete (spec §4.2.7).
func (e *Engine) CompleteSession(ctx context.Context, reqCtx domain.RequestContext, sessionID id.ID, status CompleteSessionStatus, errMsg string) (domain.Session, error) {
	var out domain.Session
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		s, ok, err := tx.Sessions().Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.Internal("session %s not found", sessionID)
		}

		now := e.now()
		switch status {
		case CompleteOK, CompleteCompleted:
			s.Status = domain.SessionCompleted
		case CompleteFailed:
			s.Status = domain.SessionFailed
			s.Error = errMsg
		case CompleteCancelled:
			s.Status = domain.SessionCancelled
		default:
			return nil, errkind.Internal("unknown session completion status %q", status)
		}
		s.CompletedAt = &now
		if err := tx.Sessions().Update(ctx, s); err != nil {
			return nil, err
		}
		out = s

		if s.Status == domain.SessionFailed {
			return []domain.EventBody{domain.SessionFailed{SessionID: s.ID, Error: s.Error}}, nil
		}
		return []domain.EventBody{domain.SessionCompleted{SessionID: s.ID}}, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}
