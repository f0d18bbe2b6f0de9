package workflow

import (
	"context"
	"path/filepath"
	"strings"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
)

// RegisterRepo implements repo.register (spec §4.2.6): rejects duplicate
// paths, derives the name from the final path component, auto-detects the
// VCS type, then seeds repo-scoped gates from .overseer/gates.toml if
// present.
func (e *Engine) RegisterRepo(ctx context.Context, reqCtx domain.RequestContext, path string) (domain.Repo, error) {
	var out domain.Repo
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return nil, errkind.RepoInvalidInput("path must not be empty")
		}
		if _, ok, err := tx.Repos().GetByPath(ctx, path); err != nil {
			return nil, err
		} else if ok {
			return nil, errkind.RepoExists(path)
		}

		vcsType, err := e.detectVCS(ctx, path)
		if err != nil {
			return nil, err
		}

		now := e.now()
		r := domain.Repo{
			ID:        id.New(id.KindRepo),
			Path:      path,
			Name:      filepath.Base(path),
			VCSType:   vcsType,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Repos().Create(ctx, r); err != nil {
			return nil, err
		}
		out = r

		events := []domain.EventBody{domain.RepoRegistered{RepoID: r.ID}}

		entries, err := loadRepoGateFile(path)
		if err != nil {
			return nil, err
		}
		scope := domain.GateScope{RepoID: r.ID}
		for _, entry := range entries {
			g := gateFromEntry(scope, entry, now)
			if err := tx.Gates().Create(ctx, g); err != nil {
				return nil, err
			}
			events = append(events, domain.GateAdded{GateID: g.ID})
		}
		return events, nil
	})
	if err != nil {
		return domain.Repo{}, err
	}
	return out, nil
}

// detectVCS tries each backend's Detect in turn, since auto-detection
// precedes knowing which backend governs path.
func (e *Engine) detectVCS(ctx context.Context, path string) (domain.VCSType, error) {
	for _, t := range []domain.VCSType{domain.VCSGit, domain.VCSJj} {
		if vcsType, err := e.backend(t).Detect(ctx, path); err == nil {
			return vcsType, nil
		}
	}
	return "", errkind.VCSRepoNotFound(path)
}

// GetRepo is the repo.get reader.
func (e *Engine) GetRepo(ctx context.Context, repoID id.ID) (domain.Repo, error) {
	return loadRepo(ctx, e.store, repoID)
}

// ListRepos is the repo.list reader.
func (e *Engine) ListRepos(ctx context.Context) ([]domain.Repo, error) {
	return e.store.Repos().List(ctx)
}

// UnregisterRepo implements repo.unregister.
func (e *Engine) UnregisterRepo(ctx context.Context, reqCtx domain.RequestContext, repoID id.ID) error {
	_, err := e.transact(ctx, reqCtx, func(ctx context.Context, tx store.Store) ([]domain.EventBody, error) {
		if _, err := loadRepo(ctx, tx, repoID); err != nil {
			return nil, err
		}
		if err := tx.Repos().Delete(ctx, repoID); err != nil {
			return nil, err
		}
		return []domain.EventBody{domain.RepoUnregistered{RepoID: repoID}}, nil
	})
	return err
}
