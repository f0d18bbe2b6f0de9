// Package store defines the repository contracts — one interface per
// entity family plus a single WithTx combinator that runs a closure
// inside a serialized write transaction — and an in-memory reference
// implementation behind a sync.RWMutex.
//
// The persistent schema itself is out of scope; this package ships
// exactly one concrete Store, with query-shape conventions (List
// filters, a Tree walk, and a progress-counts aggregate) covering the
// full entity set.
package store

import (
	"context"
	"time"

	"overseer/internal/domain"
	"overseer/internal/id"
)

// TaskFilter selects tasks for tasks.list per spec §4.7.
type TaskFilter struct {
	RepoID     id.ID
	ParentID   *id.ID
	Kinds      []domain.TaskKind
	Statuses   []domain.TaskStatus
	ReadyOnly  bool
	ArchivedOnly bool
}

// ProgressCounts is the aggregate tasks.progress returns.
type ProgressCounts struct {
	Total         int
	Completed     int
	Ready         int
	Blocked       int
	InProgress    int
	InReview      int
	AwaitingHuman int
}

// Repos is the Repo repository.
type Repos interface {
	Create(ctx context.Context, r domain.Repo) error
	Get(ctx context.Context, repoID id.ID) (domain.Repo, bool, error)
	GetByPath(ctx context.Context, path string) (domain.Repo, bool, error)
	List(ctx context.Context) ([]domain.Repo, error)
	Delete(ctx context.Context, repoID id.ID) error
}

// Tasks is the Task repository, including the read-side query surface of
// spec §4.7.
type Tasks interface {
	Create(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, taskID id.ID) (domain.Task, bool, error)
	Update(ctx context.Context, t domain.Task) error
	Delete(ctx context.Context, taskID id.ID) error
	List(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
	Tree(ctx context.Context, repoID id.ID, root *id.ID) ([]domain.Task, error)
	NextReady(ctx context.Context, repoID id.ID, milestone *id.ID) (domain.Task, bool, error)
	Progress(ctx context.Context, repoID id.ID, scope *id.ID) (ProgressCounts, error)
}

// TaskVcsRows is the TaskVcs repository.
type TaskVcsRows interface {
	Create(ctx context.Context, v domain.TaskVcs) error
	Get(ctx context.Context, taskID id.ID) (domain.TaskVcs, bool, error)
	Update(ctx context.Context, v domain.TaskVcs) error
}

// Reviews is the Review repository.
type Reviews interface {
	Create(ctx context.Context, r domain.Review) error
	Get(ctx context.Context, reviewID id.ID) (domain.Review, bool, error)
	Update(ctx context.Context, r domain.Review) error
	ActiveForTask(ctx context.Context, taskID id.ID) (domain.Review, bool, error)
	ListByStatus(ctx context.Context, statuses ...domain.ReviewStatus) ([]domain.Review, error)
}

// Comments is the ReviewComment repository.
type Comments interface {
	Create(ctx context.Context, c domain.ReviewComment) error
	Get(ctx context.Context, commentID id.ID) (domain.ReviewComment, bool, error)
	Update(ctx context.Context, c domain.ReviewComment) error
	ListByReview(ctx context.Context, reviewID id.ID) ([]domain.ReviewComment, error)
}

// Gates is the Gate repository.
type Gates interface {
	Create(ctx context.Context, g domain.Gate) error
	Get(ctx context.Context, gateID id.ID) (domain.Gate, bool, error)
	Update(ctx context.Context, g domain.Gate) error
	Delete(ctx context.Context, gateID id.ID) error
	ListByRepoScope(ctx context.Context, repoID id.ID) ([]domain.Gate, error)
	ListByTaskScope(ctx context.Context, taskID id.ID) ([]domain.Gate, error)
	NameExistsInScope(ctx context.Context, scope domain.GateScope, name string) (bool, error)
}

// GateResults is the GateResult repository; RecordResult upserts on
// (gate_id, review_id, attempt) per spec §4.7.
type GateResults interface {
	RecordResult(ctx context.Context, r domain.GateResult) error
	ListByReview(ctx context.Context, reviewID id.ID) ([]domain.GateResult, error)
}

// HelpRequests is the HelpRequest repository.
type HelpRequests interface {
	Create(ctx context.Context, h domain.HelpRequest) error
	Get(ctx context.Context, helpID id.ID) (domain.HelpRequest, bool, error)
	Update(ctx context.Context, h domain.HelpRequest) error
	ActiveForTask(ctx context.Context, taskID id.ID) (domain.HelpRequest, bool, error)
}

// Learnings is the Learning repository.
type Learnings interface {
	Create(ctx context.Context, l domain.Learning) error
	ListByTask(ctx context.Context, taskID id.ID) ([]domain.Learning, error)
}

// Sessions is the Session repository.
type Sessions interface {
	Create(ctx context.Context, s domain.Session) error
	Get(ctx context.Context, sessionID id.ID) (domain.Session, bool, error)
	Update(ctx context.Context, s domain.Session) error
	ActiveForTask(ctx context.Context, taskID id.ID) (domain.Session, bool, error)
	List(ctx context.Context) ([]domain.Session, error)
}

// Harnesses is the Harness repository.
type Harnesses interface {
	Upsert(ctx context.Context, h domain.Harness) error
	Get(ctx context.Context, harnessID string) (domain.Harness, bool, error)
	List(ctx context.Context) ([]domain.Harness, error)
}

// Events is the event-log repository half of internal/eventlog.Appender;
// it also exposes the replay reads of spec §4.7.
type Events interface {
	NextSeq(ctx context.Context) (int64, error)
	Append(ctx context.Context, rec domain.EventRecord) error
	List(ctx context.Context, after int64, limit int) ([]domain.EventRecord, error)
}

// Idempotency is the IdempotencyRecord repository.
type Idempotency interface {
	Get(ctx context.Context, key, scopeHash string) (domain.IdempotencyRecord, bool, error)
	Put(ctx context.Context, rec domain.IdempotencyRecord) error

	// DeleteExpired removes every record whose ExpiresAt is before now,
	// returning the count removed, for the daily idempotency-GC sweep.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AIReviews is the AI-review snapshot/decision repository backing the
// idempotent review(review_id) operation of spec §4.2.8.
type AIReviews interface {
	Get(ctx context.Context, reviewID id.ID) (domain.AIReviewRecord, bool, error)
	Put(ctx context.Context, rec domain.AIReviewRecord) error
}

// Store is the full set of repositories plus the write-transaction
// combinator of spec §4.7. WithTx runs fn inside one serialized write
// transaction ("begin-immediate" semantics: at most one write transaction
// runs at a time); fn sees the same Store, and any error returned aborts
// the transaction with no persisted effect.
type Store interface {
	Repos() Repos
	Tasks() Tasks
	TaskVcs() TaskVcsRows
	Reviews() Reviews
	Comments() Comments
	Gates() Gates
	GateResults() GateResults
	HelpRequests() HelpRequests
	Learnings() Learnings
	Sessions() Sessions
	Harnesses() Harnesses
	Events() Events
	Idempotency() Idempotency
	AIReviews() AIReviews

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
