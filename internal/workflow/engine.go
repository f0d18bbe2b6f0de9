// Package workflow implements the transactional command core of spec
// §4.2: the single mutator of the store, enforcing every task/review/
// gate/help/session state machine, coordinating VCS and gate-subprocess
// side effects with persisted state, and appending the monotonic event
// stream each mutation produces.
//
// The shape of one operation — validate and load, mutate, run side
// effects, persist events at freshly allocated sequence numbers, commit,
// then publish on the live bus only after commit — is grounded on the
// teacher's internal/domain/workflow state-machine engine combined with
// its AsyncEventHistoryStore publish-after-durable-write pattern.
package workflow

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"overseer/internal/airreview"
	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/eventlog"
	"overseer/internal/gate"
	"overseer/internal/gateconfig"
	"overseer/internal/id"
	"overseer/internal/logging"
	"overseer/internal/metrics"
	"overseer/internal/store"
	"overseer/internal/tracing"
	"overseer/internal/vcs"
)

// Engine is the workflow engine: the sole mutator of Store.
type Engine struct {
	store    store.Store
	log      *eventlog.Log
	runner   *gate.Runner
	backend  func(domain.VCSType) vcs.Backend
	provider airreview.Provider
	logger   logging.Logger
	tracer   *tracing.Tracer
	metrics  *metrics.Recorder

	now func() time.Time
}

// Option customizes a new Engine.
type Option func(*Engine)

// WithVCSBackend overrides the VCS backend resolver, primarily for tests.
func WithVCSBackend(resolver func(domain.VCSType) vcs.Backend) Option {
	return func(e *Engine) { e.backend = resolver }
}

// WithGateRunner overrides the gate runner, primarily for tests.
func WithGateRunner(r *gate.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithAIReviewProvider overrides the pluggable AI-review provider.
func WithAIReviewProvider(p airreview.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithClock overrides the engine's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer overrides the engine's span tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics overrides the engine's metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine over st, publishing committed events on log.
func New(st store.Store, log *eventlog.Log, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		log:      log,
		runner:   gate.NewRunner(),
		backend:  vcs.For,
		provider: airreview.NullProvider{},
		logger:   logging.NewComponentLogger("workflow.engine"),
		tracer:   tracing.Noop(),
		metrics:  metrics.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// transact runs fn inside one write transaction, persists the event
// bodies it returns with freshly allocated sequence numbers, commits, and
// — only once the transaction has committed — publishes the persisted
// records on the live bus. A returned error rolls the transaction back
// with no event persisted, per spec §4.2 step 5.
func (e *Engine) transact(ctx context.Context, reqCtx domain.RequestContext, fn func(ctx context.Context, tx store.Store) ([]domain.EventBody, error)) ([]domain.EventRecord, error) {
	ctx, span := e.tracer.Operation(ctx, operationName(fn), "", reqCtx.CorrelationID)
	defer span.End()

	var recs []domain.EventRecord
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		bodies, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		recs, err = e.persistEvents(ctx, tx, reqCtx, bodies)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		e.log.Publish(rec)
	}
	return recs, nil
}

// operationName derives a human-readable operation label from the calling
// method's compiled name, e.g. "workflow.(*Engine).StartTask", so every transact
// call gets a distinct span without threading an operation string through
// each of the engine's public methods.
func operationName(fn func(ctx context.Context, tx store.Store) ([]domain.EventBody, error)) string {
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	name = name[strings.LastIndex(name, "/")+1:]
	name = strings.TrimSuffix(name, ".func1")
	return name
}

func (e *Engine) persistEvents(ctx context.Context, tx store.Store, reqCtx domain.RequestContext, bodies []domain.EventBody) ([]domain.EventRecord, error) {
	recs := make([]domain.EventRecord, 0, len(bodies))
	for _, body := range bodies {
		appendStart := time.Now()
		seq, err := tx.Events().NextSeq(ctx)
		if err != nil {
			return nil, err
		}
		rec := domain.EventRecord{
			ID:            id.New(id.KindEvent),
			Seq:           seq,
			At:            e.now(),
			CorrelationID: reqCtx.CorrelationID,
			Source:        reqCtx.Source,
			Body:          body,
		}
		if err := tx.Events().Append(ctx, rec); err != nil {
			return nil, err
		}
		e.metrics.RecordEventAppend(ctx, float64(time.Since(appendStart).Microseconds())/1000)
		recs = append(recs, rec)
	}
	return recs, nil
}

// loadTask fetches a task or returns TaskNotFound.
func loadTask(ctx context.Context, tx store.Store, taskID id.ID) (domain.Task, error) {
	t, ok, err := tx.Tasks().Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, errkind.TaskNotFound(taskID.String())
	}
	return t, nil
}

func loadRepo(ctx context.Context, tx store.Store, repoID id.ID) (domain.Repo, error) {
	r, ok, err := tx.Repos().Get(ctx, repoID)
	if err != nil {
		return domain.Repo{}, err
	}
	if !ok {
		return domain.Repo{}, errkind.RepoNotFound(repoID.String())
	}
	return r, nil
}

func loadReview(ctx context.Context, tx store.Store, reviewID id.ID) (domain.Review, error) {
	rv, ok, err := tx.Reviews().Get(ctx, reviewID)
	if err != nil {
		return domain.Review{}, err
	}
	if !ok {
		return domain.Review{}, errkind.ReviewNotFound(reviewID.String())
	}
	return rv, nil
}

func loadGate(ctx context.Context, tx store.Store, gateID id.ID) (domain.Gate, error) {
	g, ok, err := tx.Gates().Get(ctx, gateID)
	if err != nil {
		return domain.Gate{}, err
	}
	if !ok {
		return domain.Gate{}, errkind.GateNotFound(gateID.String())
	}
	return g, nil
}

// ancestors returns t's ancestor chain, nearest parent first, root last.
func ancestors(ctx context.Context, tx store.Store, t domain.Task) ([]domain.Task, error) {
	var chain []domain.Task
	cur := t
	for cur.ParentID != nil {
		parent, err := loadTask(ctx, tx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// effectiveGates computes the effective gate set of spec §4.3: repo-scoped
// gates for t.RepoID in insertion order, followed by task-scoped gates for
// every ancestor from the root down to t, in insertion order.
func effectiveGates(ctx context.Context, tx store.Store, t domain.Task) ([]domain.Gate, error) {
	out, err := tx.Gates().ListByRepoScope(ctx, t.RepoID)
	if err != nil {
		return nil, err
	}

	chain, err := ancestors(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	// chain is nearest-parent-first; walk root-to-leaf instead.
	for i := len(chain) - 1; i >= 0; i-- {
		taskGates, err := tx.Gates().ListByTaskScope(ctx, chain[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, taskGates...)
	}
	taskGates, err := tx.Gates().ListByTaskScope(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	out = append(out, taskGates...)
	return out, nil
}

// loadRepoGateFile reads a repo's .overseer/gates.toml from its
// working copy, returning (nil, nil) if the file does not exist — a
// missing gate file is not an error, per spec §4.2.6.
func loadRepoGateFile(repoPath string) ([]gateconfig.Entry, error) {
	data, err := os.ReadFile(filepath.Join(repoPath, ".overseer", "gates.toml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return gateconfig.ParseRepoGates(data)
}

func gateFromEntry(scope domain.GateScope, entry gateconfig.Entry, now time.Time) domain.Gate {
	return domain.Gate{
		ID:               id.New(id.KindGate),
		Scope:            scope,
		Name:             entry.Name,
		Command:          entry.Command,
		TimeoutSecs:      entry.TimeoutSecs,
		MaxRetries:       entry.MaxRetries,
		PollIntervalSecs: entry.PollIntervalSecs,
		MaxPendingSecs:   entry.MaxPendingSecs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
