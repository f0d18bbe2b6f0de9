package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/validate"
)

// Memory is the reference Store implementation: every repository is a
// plain map guarded by one sync.RWMutex shared across the whole store, so
// WithTx can give callers a true single-writer critical section without a
// second locking layer underneath it. Production deployments would swap
// this for a real database behind the same Store interface; the core
// itself is storage-agnostic per spec §4.7.
type Memory struct {
	mu sync.RWMutex

	repos       map[id.ID]domain.Repo
	reposByPath map[string]id.ID

	tasks map[id.ID]domain.Task
	vcs   map[id.ID]domain.TaskVcs

	reviews  map[id.ID]domain.Review
	comments map[id.ID]domain.ReviewComment

	gates       map[id.ID]domain.Gate
	gateResults map[domain.GateResultKey]domain.GateResult

	helps     map[id.ID]domain.HelpRequest
	learnings map[id.ID]domain.Learning

	sessions  map[id.ID]domain.Session
	harnesses map[string]domain.Harness

	events   []domain.EventRecord
	nextSeq  int64
	idempo   map[string]domain.IdempotencyRecord
	aiReview map[id.ID]domain.AIReviewRecord
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		repos:       make(map[id.ID]domain.Repo),
		reposByPath: make(map[string]id.ID),
		tasks:       make(map[id.ID]domain.Task),
		vcs:         make(map[id.ID]domain.TaskVcs),
		reviews:     make(map[id.ID]domain.Review),
		comments:    make(map[id.ID]domain.ReviewComment),
		gates:       make(map[id.ID]domain.Gate),
		gateResults: make(map[domain.GateResultKey]domain.GateResult),
		helps:       make(map[id.ID]domain.HelpRequest),
		learnings:   make(map[id.ID]domain.Learning),
		sessions:    make(map[id.ID]domain.Session),
		harnesses:   make(map[string]domain.Harness),
		idempo:      make(map[string]domain.IdempotencyRecord),
		aiReview:    make(map[id.ID]domain.AIReviewRecord),
	}
}

// WithTx runs fn holding the store's single write lock for its duration,
// giving spec §4.7's "begin-immediate" serialized-write semantics: at most
// one writer proceeds at a time, and fn's view is consistent because no
// other writer can interleave. A panic or returned error leaves the
// already-applied map mutations in place exactly like any other Go map
// write would — Memory offers no rollback of partial in-proc mutations,
// which is why the workflow engine validates and computes everything it
// can before touching the store (see internal/workflow).
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m)
}

func (m *Memory) Repos() Repos             { return reposRepo{m} }
func (m *Memory) Tasks() Tasks             { return tasksRepo{m} }
func (m *Memory) TaskVcs() TaskVcsRows     { return taskVcsRepo{m} }
func (m *Memory) Reviews() Reviews         { return reviewsRepo{m} }
func (m *Memory) Comments() Comments       { return commentsRepo{m} }
func (m *Memory) Gates() Gates             { return gatesRepo{m} }
func (m *Memory) GateResults() GateResults { return gateResultsRepo{m} }
func (m *Memory) HelpRequests() HelpRequests { return helpRepo{m} }
func (m *Memory) Learnings() Learnings     { return learningsRepo{m} }
func (m *Memory) Sessions() Sessions       { return sessionsRepo{m} }
func (m *Memory) Harnesses() Harnesses     { return harnessesRepo{m} }
func (m *Memory) Events() Events           { return eventsRepo{m} }
func (m *Memory) Idempotency() Idempotency { return idempotencyRepo{m} }
func (m *Memory) AIReviews() AIReviews     { return aiReviewRepo{m} }

// --- Repos ---

type reposRepo struct{ m *Memory }

func (r reposRepo) Create(ctx context.Context, repo domain.Repo) error {
	if _, exists := r.m.reposByPath[repo.Path]; exists {
		return errkind.RepoExists(repo.Path)
	}
	r.m.repos[repo.ID] = repo
	r.m.reposByPath[repo.Path] = repo.ID
	return nil
}

func (r reposRepo) Get(ctx context.Context, repoID id.ID) (domain.Repo, bool, error) {
	repo, ok := r.m.repos[repoID]
	return repo, ok, nil
}

func (r reposRepo) GetByPath(ctx context.Context, path string) (domain.Repo, bool, error) {
	rid, ok := r.m.reposByPath[path]
	if !ok {
		return domain.Repo{}, false, nil
	}
	return r.m.repos[rid], true, nil
}

func (r reposRepo) List(ctx context.Context) ([]domain.Repo, error) {
	out := make([]domain.Repo, 0, len(r.m.repos))
	for _, repo := range r.m.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r reposRepo) Delete(ctx context.Context, repoID id.ID) error {
	repo, ok := r.m.repos[repoID]
	if !ok {
		return errkind.RepoNotFound(repoID.String())
	}
	delete(r.m.repos, repoID)
	delete(r.m.reposByPath, repo.Path)
	return nil
}

// --- Tasks ---

type tasksRepo struct{ m *Memory }

func (r tasksRepo) Create(ctx context.Context, t domain.Task) error {
	r.m.tasks[t.ID] = t
	return nil
}

func (r tasksRepo) Get(ctx context.Context, taskID id.ID) (domain.Task, bool, error) {
	t, ok := r.m.tasks[taskID]
	return t, ok, nil
}

func (r tasksRepo) Update(ctx context.Context, t domain.Task) error {
	if _, ok := r.m.tasks[t.ID]; !ok {
		return errkind.TaskNotFound(t.ID.String())
	}
	r.m.tasks[t.ID] = t
	return nil
}

func (r tasksRepo) Delete(ctx context.Context, taskID id.ID) error {
	if _, ok := r.m.tasks[taskID]; !ok {
		return errkind.TaskNotFound(taskID.String())
	}
	delete(r.m.tasks, taskID)
	// Children lose their parent link rather than being deleted
	// themselves; orphaning is the conservative choice over an
	// unrequested recursive delete.
	for tid, t := range r.m.tasks {
		if t.ParentID != nil && *t.ParentID == taskID {
			t.ParentID = nil
			r.m.tasks[tid] = t
		}
	}
	return nil
}

func (r tasksRepo) blockedBy(tid id.ID) []id.ID {
	t, ok := r.m.tasks[tid]
	if !ok {
		return nil
	}
	return t.BlockedBy
}

func (r tasksRepo) lookup(tid id.ID) (validate.TaskView, bool) {
	t, ok := r.m.tasks[tid]
	if !ok {
		return validate.TaskView{}, false
	}
	return validate.TaskView{ID: t.ID, ParentID: t.ParentID, Status: t.Status}, true
}

func (r tasksRepo) isReady(t domain.Task) bool {
	view := validate.TaskView{ID: t.ID, ParentID: t.ParentID, Status: t.Status}
	return validate.Ready(view, r.blockedBy, r.lookup)
}

func (r tasksRepo) List(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range r.m.tasks {
		if !filter.RepoID.IsZero() && t.RepoID != filter.RepoID {
			continue
		}
		if filter.ParentID != nil {
			if t.ParentID == nil || *t.ParentID != *filter.ParentID {
				continue
			}
		}
		if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, t.Kind) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		if filter.ReadyOnly && !r.isReady(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsKind(kinds []domain.TaskKind, k domain.TaskKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []domain.TaskStatus, s domain.TaskStatus) bool {
	for _, c := range statuses {
		if c == s {
			return true
		}
	}
	return false
}

func (r tasksRepo) Tree(ctx context.Context, repoID id.ID, root *id.ID) ([]domain.Task, error) {
	all, _ := r.List(ctx, TaskFilter{RepoID: repoID})
	var rootID id.ID
	if root != nil {
		rootID = *root
	} else {
		var roots []domain.Task
		for _, t := range all {
			if t.ParentID == nil {
				roots = append(roots, t)
			}
		}
		if len(roots) != 1 {
			return nil, errkind.TaskInvalidInput("repo %s has %d root tasks; specify root explicitly", repoID, len(roots))
		}
		rootID = roots[0].ID
	}

	byParent := map[id.ID][]domain.Task{}
	byID := map[id.ID]domain.Task{}
	for _, t := range all {
		byID[t.ID] = t
		if t.ParentID != nil {
			byParent[*t.ParentID] = append(byParent[*t.ParentID], t)
		}
	}
	rootTask, ok := byID[rootID]
	if !ok {
		return nil, errkind.TaskNotFound(rootID.String())
	}

	var out []domain.Task
	var walk func(t domain.Task)
	walk = func(t domain.Task) {
		out = append(out, t)
		children := byParent[t.ID]
		sort.Slice(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })
		for _, c := range children {
			walk(c)
		}
	}
	walk(rootTask)
	return out, nil
}

func (r tasksRepo) NextReady(ctx context.Context, repoID id.ID, milestone *id.ID) (domain.Task, bool, error) {
	all, _ := r.List(ctx, TaskFilter{RepoID: repoID, Statuses: []domain.TaskStatus{domain.TaskPending}, ReadyOnly: true})
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, t := range all {
		if milestone == nil {
			return t, true, nil
		}
		if t.ID == *milestone || r.underMilestone(t, *milestone) {
			return t, true, nil
		}
	}
	return domain.Task{}, false, nil
}

func (r tasksRepo) underMilestone(t domain.Task, milestone id.ID) bool {
	cur := t
	for cur.ParentID != nil {
		if *cur.ParentID == milestone {
			return true
		}
		parent, ok := r.m.tasks[*cur.ParentID]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

func (r tasksRepo) Progress(ctx context.Context, repoID id.ID, scope *id.ID) (ProgressCounts, error) {
	var all []domain.Task
	if scope != nil {
		tree, err := r.Tree(ctx, repoID, scope)
		if err != nil {
			return ProgressCounts{}, err
		}
		all = tree
	} else {
		all, _ = r.List(ctx, TaskFilter{RepoID: repoID})
	}

	var c ProgressCounts
	for _, t := range all {
		c.Total++
		switch t.Status {
		case domain.TaskCompleted:
			c.Completed++
		case domain.TaskInProgress:
			c.InProgress++
		case domain.TaskInReview:
			c.InReview++
		case domain.TaskAwaitingHuman:
			c.AwaitingHuman++
		}
		if t.Status == domain.TaskPending {
			if r.isReady(t) {
				c.Ready++
			} else {
				c.Blocked++
			}
		}
	}
	return c, nil
}

// --- TaskVcs ---

type taskVcsRepo struct{ m *Memory }

func (r taskVcsRepo) Create(ctx context.Context, v domain.TaskVcs) error {
	if _, ok := r.m.vcs[v.TaskID]; ok {
		return errkind.RefAlreadyExists(v.RefName)
	}
	r.m.vcs[v.TaskID] = v
	return nil
}

func (r taskVcsRepo) Get(ctx context.Context, taskID id.ID) (domain.TaskVcs, bool, error) {
	v, ok := r.m.vcs[taskID]
	return v, ok, nil
}

func (r taskVcsRepo) Update(ctx context.Context, v domain.TaskVcs) error {
	if _, ok := r.m.vcs[v.TaskID]; !ok {
		return errkind.RefNotFound(v.RefName)
	}
	r.m.vcs[v.TaskID] = v
	return nil
}

// --- Reviews ---

type reviewsRepo struct{ m *Memory }

func (r reviewsRepo) Create(ctx context.Context, rv domain.Review) error {
	r.m.reviews[rv.ID] = rv
	return nil
}

func (r reviewsRepo) Get(ctx context.Context, reviewID id.ID) (domain.Review, bool, error) {
	rv, ok := r.m.reviews[reviewID]
	return rv, ok, nil
}

func (r reviewsRepo) Update(ctx context.Context, rv domain.Review) error {
	if _, ok := r.m.reviews[rv.ID]; !ok {
		return errkind.ReviewNotFound(rv.ID.String())
	}
	r.m.reviews[rv.ID] = rv
	return nil
}

func (r reviewsRepo) ActiveForTask(ctx context.Context, taskID id.ID) (domain.Review, bool, error) {
	var candidates []domain.Review
	for _, rv := range r.m.reviews {
		if rv.TaskID == taskID && rv.Status.IsActive() {
			candidates = append(candidates, rv)
		}
	}
	if len(candidates) == 0 {
		return domain.Review{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	return candidates[0], true, nil
}

func (r reviewsRepo) ListByStatus(ctx context.Context, statuses ...domain.ReviewStatus) ([]domain.Review, error) {
	var out []domain.Review
	for _, rv := range r.m.reviews {
		for _, s := range statuses {
			if rv.Status == s {
				out = append(out, rv)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Comments ---

type commentsRepo struct{ m *Memory }

func (r commentsRepo) Create(ctx context.Context, c domain.ReviewComment) error {
	r.m.comments[c.ID] = c
	return nil
}

func (r commentsRepo) Get(ctx context.Context, commentID id.ID) (domain.ReviewComment, bool, error) {
	c, ok := r.m.comments[commentID]
	return c, ok, nil
}

func (r commentsRepo) Update(ctx context.Context, c domain.ReviewComment) error {
	if _, ok := r.m.comments[c.ID]; !ok {
		return errkind.CommentNotFound(c.ID.String())
	}
	r.m.comments[c.ID] = c
	return nil
}

func (r commentsRepo) ListByReview(ctx context.Context, reviewID id.ID) ([]domain.ReviewComment, error) {
	var out []domain.ReviewComment
	for _, c := range r.m.comments {
		if c.ReviewID == reviewID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Gates ---

type gatesRepo struct{ m *Memory }

func (r gatesRepo) Create(ctx context.Context, g domain.Gate) error {
	r.m.gates[g.ID] = g
	return nil
}

func (r gatesRepo) Get(ctx context.Context, gateID id.ID) (domain.Gate, bool, error) {
	g, ok := r.m.gates[gateID]
	return g, ok, nil
}

func (r gatesRepo) Update(ctx context.Context, g domain.Gate) error {
	if _, ok := r.m.gates[g.ID]; !ok {
		return errkind.GateNotFound(g.ID.String())
	}
	r.m.gates[g.ID] = g
	return nil
}

func (r gatesRepo) Delete(ctx context.Context, gateID id.ID) error {
	if _, ok := r.m.gates[gateID]; !ok {
		return errkind.GateNotFound(gateID.String())
	}
	delete(r.m.gates, gateID)
	return nil
}

func (r gatesRepo) ListByRepoScope(ctx context.Context, repoID id.ID) ([]domain.Gate, error) {
	var out []domain.Gate
	for _, g := range r.m.gates {
		if !g.Scope.IsTaskScoped() && g.Scope.RepoID == repoID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r gatesRepo) ListByTaskScope(ctx context.Context, taskID id.ID) ([]domain.Gate, error) {
	var out []domain.Gate
	for _, g := range r.m.gates {
		if g.Scope.IsTaskScoped() && g.Scope.TaskID == taskID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r gatesRepo) NameExistsInScope(ctx context.Context, scope domain.GateScope, name string) (bool, error) {
	for _, g := range r.m.gates {
		if g.Scope == scope && g.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// --- GateResults ---

type gateResultsRepo struct{ m *Memory }

func (r gateResultsRepo) RecordResult(ctx context.Context, res domain.GateResult) error {
	r.m.gateResults[res.Key()] = res
	return nil
}

func (r gateResultsRepo) ListByReview(ctx context.Context, reviewID id.ID) ([]domain.GateResult, error) {
	var out []domain.GateResult
	for _, res := range r.m.gateResults {
		if res.ReviewID == reviewID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GateID != out[j].GateID {
			return out[i].GateID.String() < out[j].GateID.String()
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

// --- HelpRequests ---

type helpRepo struct{ m *Memory }

func (r helpRepo) Create(ctx context.Context, h domain.HelpRequest) error {
	r.m.helps[h.ID] = h
	return nil
}

func (r helpRepo) Get(ctx context.Context, helpID id.ID) (domain.HelpRequest, bool, error) {
	h, ok := r.m.helps[helpID]
	return h, ok, nil
}

func (r helpRepo) Update(ctx context.Context, h domain.HelpRequest) error {
	if _, ok := r.m.helps[h.ID]; !ok {
		return errkind.HelpNotFound(h.ID.String())
	}
	r.m.helps[h.ID] = h
	return nil
}

func (r helpRepo) ActiveForTask(ctx context.Context, taskID id.ID) (domain.HelpRequest, bool, error) {
	for _, h := range r.m.helps {
		if h.TaskID == taskID && (h.Status == domain.HelpPending || h.Status == domain.HelpResponded) {
			return h, true, nil
		}
	}
	return domain.HelpRequest{}, false, nil
}

// --- Learnings ---

type learningsRepo struct{ m *Memory }

func (r learningsRepo) Create(ctx context.Context, l domain.Learning) error {
	r.m.learnings[l.ID] = l
	return nil
}

func (r learningsRepo) ListByTask(ctx context.Context, taskID id.ID) ([]domain.Learning, error) {
	var out []domain.Learning
	for _, l := range r.m.learnings {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Sessions ---

type sessionsRepo struct{ m *Memory }

func (r sessionsRepo) Create(ctx context.Context, s domain.Session) error {
	r.m.sessions[s.ID] = s
	return nil
}

func (r sessionsRepo) Get(ctx context.Context, sessionID id.ID) (domain.Session, bool, error) {
	s, ok := r.m.sessions[sessionID]
	return s, ok, nil
}

func (r sessionsRepo) Update(ctx context.Context, s domain.Session) error {
	if _, ok := r.m.sessions[s.ID]; !ok {
		return errkind.TaskInvalidInput("session %s not found", s.ID)
	}
	r.m.sessions[s.ID] = s
	return nil
}

func (r sessionsRepo) ActiveForTask(ctx context.Context, taskID id.ID) (domain.Session, bool, error) {
	for _, s := range r.m.sessions {
		if s.TaskID == taskID && (s.Status == domain.SessionPending || s.Status == domain.SessionActive) {
			return s, true, nil
		}
	}
	return domain.Session{}, false, nil
}

func (r sessionsRepo) List(ctx context.Context) ([]domain.Session, error) {
	out := make([]domain.Session, 0, len(r.m.sessions))
	for _, s := range r.m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- Harnesses ---

type harnessesRepo struct{ m *Memory }

func (r harnessesRepo) Upsert(ctx context.Context, h domain.Harness) error {
	r.m.harnesses[h.ID] = h
	return nil
}

func (r harnessesRepo) Get(ctx context.Context, harnessID string) (domain.Harness, bool, error) {
	h, ok := r.m.harnesses[harnessID]
	return h, ok, nil
}

func (r harnessesRepo) List(ctx context.Context) ([]domain.Harness, error) {
	out := make([]domain.Harness, 0, len(r.m.harnesses))
	for _, h := range r.m.harnesses {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Events ---

type eventsRepo struct{ m *Memory }

func (r eventsRepo) NextSeq(ctx context.Context) (int64, error) {
	r.m.nextSeq++
	return r.m.nextSeq, nil
}

func (r eventsRepo) Append(ctx context.Context, rec domain.EventRecord) error {
	r.m.events = append(r.m.events, rec)
	return nil
}

func (r eventsRepo) List(ctx context.Context, after int64, limit int) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for _, e := range r.m.events {
		if e.Seq > after {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Idempotency ---

type idempotencyRepo struct{ m *Memory }

func (r idempotencyRepo) Get(ctx context.Context, key, scopeHash string) (domain.IdempotencyRecord, bool, error) {
	rec, ok := r.m.idempo[key+"|"+scopeHash]
	return rec, ok, nil
}

func (r idempotencyRepo) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	r.m.idempo[rec.Key+"|"+rec.ScopeHash] = rec
	return nil
}

// DeleteExpired locks directly rather than going through WithTx: it runs
// off the daily GC cron entry, not a workflow-engine transaction.
func (r idempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	removed := 0
	for k, rec := range r.m.idempo {
		if now.After(rec.ExpiresAt) {
			delete(r.m.idempo, k)
			removed++
		}
	}
	return removed, nil
}

// --- AIReviews ---

type aiReviewRepo struct{ m *Memory }

func (r aiReviewRepo) Get(ctx context.Context, reviewID id.ID) (domain.AIReviewRecord, bool, error) {
	rec, ok := r.m.aiReview[reviewID]
	return rec, ok, nil
}

func (r aiReviewRepo) Put(ctx context.Context, rec domain.AIReviewRecord) error {
	r.m.aiReview[rec.ReviewID] = rec
	return nil
}
