package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/airreview"
	"overseer/internal/domain"
	"overseer/internal/eventlog"
	"overseer/internal/gate"
	"overseer/internal/id"
	"overseer/internal/store"
	"overseer/internal/vcs"
	"overseer/internal/workflow"
)

// fakeBackend is a deterministic vcs.Backend stand-in: no real git/jj
// binary is invoked, since the engine's own tests should not depend on
// subprocesses or a real working copy existing on disk.
type fakeBackend struct {
	mu         sync.Mutex
	commits    int
	deletedRef string
}

func (b *fakeBackend) Detect(ctx context.Context, path string) (domain.VCSType, error) {
	return domain.VCSGit, nil
}
func (b *fakeBackend) EnsureClean(ctx context.Context, path string) error { return nil }
func (b *fakeBackend) HeadCommit(ctx context.Context, path string) (string, error) {
	return "base-commit", nil
}
func (b *fakeBackend) CreateRef(ctx context.Context, path, name string) (string, error) {
	return "change-" + name, nil
}
func (b *fakeBackend) CheckoutRef(ctx context.Context, path, name string) error { return nil }
func (b *fakeBackend) CommitAll(ctx context.Context, path, message string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++
	return fmt.Sprintf("commit-%d", b.commits), nil
}
func (b *fakeBackend) DiffRange(ctx context.Context, path, base, head string) (vcs.Diff, error) {
	return vcs.Diff{Base: base, Head: head}, nil
}
func (b *fakeBackend) DeleteRef(ctx context.Context, path, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletedRef = name
	return nil
}

func newTestEngine(t *testing.T, opts ...workflow.Option) (*workflow.Engine, store.Store) {
	t.Helper()
	st := store.NewMemory()
	log := eventlog.New(eventlog.FromEvents(st.Events()))
	backend := &fakeBackend{}
	resolver := func(domain.VCSType) vcs.Backend { return backend }
	all := append([]workflow.Option{workflow.WithVCSBackend(resolver)}, opts...)
	eng := workflow.New(st, log, all...)
	return eng, st
}

// newTestEngineWithBackend is newTestEngine plus a handle on the shared
// fakeBackend, for tests that need to assert on backend-observed calls
// (e.g. which ref a delete targeted).
func newTestEngineWithBackend(t *testing.T, opts ...workflow.Option) (*workflow.Engine, store.Store, *fakeBackend) {
	t.Helper()
	st := store.NewMemory()
	log := eventlog.New(eventlog.FromEvents(st.Events()))
	backend := &fakeBackend{}
	resolver := func(domain.VCSType) vcs.Backend { return backend }
	all := append([]workflow.Option{workflow.WithVCSBackend(resolver)}, opts...)
	eng := workflow.New(st, log, all...)
	return eng, st, backend
}

var rc = domain.RequestContext{Source: domain.SourceCli, CorrelationID: "test"}

func registerRepo(t *testing.T, eng *workflow.Engine, path string) domain.Repo {
	t.Helper()
	repo, err := eng.RegisterRepo(context.Background(), rc, path)
	require.NoError(t, err)
	return repo
}

func createMilestone(t *testing.T, eng *workflow.Engine, repoID id.ID) domain.Task {
	t.Helper()
	ms, err := eng.CreateTask(context.Background(), rc, workflow.CreateTaskInput{
		RepoID: repoID, Kind: domain.TaskKindMilestone, Description: "ship it",
	})
	require.NoError(t, err)
	return ms
}

func createTaskUnder(t *testing.T, eng *workflow.Engine, repoID id.ID, parent *id.ID, kind domain.TaskKind) domain.Task {
	t.Helper()
	tsk, err := eng.CreateTask(context.Background(), rc, workflow.CreateTaskInput{
		RepoID: repoID, ParentID: parent, Kind: kind, Description: "do the thing",
	})
	require.NoError(t, err)
	return tsk
}

func TestEngine_RegisterRepo_CreatesRepoWithDetectedVCS(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	assert.Equal(t, "widget", repo.Name)
	assert.Equal(t, domain.VCSGit, repo.VCSType)
}

func TestEngine_RegisterRepo_RejectsDuplicatePath(t *testing.T) {
	eng, _ := newTestEngine(t)
	registerRepo(t, eng, "/repos/widget")
	_, err := eng.RegisterRepo(context.Background(), rc, "/repos/widget")
	assert.Error(t, err)
}

func TestEngine_CreateTask_BuildsMilestoneTaskSubtaskChain(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)
	sub := createTaskUnder(t, eng, repo.ID, &tsk.ID, domain.TaskKindSubtask)

	assert.Equal(t, domain.TaskPending, sub.Status)
	assert.Equal(t, domain.PriorityNormal, sub.Priority)
}

func TestEngine_CreateTask_RejectsWrongParentKind(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	// A subtask's parent must be a Task, not a Milestone directly.
	_, err := eng.CreateTask(context.Background(), rc, workflow.CreateTaskInput{
		RepoID: repo.ID, ParentID: &ms.ID, Kind: domain.TaskKindSubtask, Description: "bad",
	})
	assert.Error(t, err)
}

func TestEngine_StartTask_CreatesVcsRefAndMovesInProgress(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	started, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, started.Status)
	require.NotNil(t, started.StartedAt)
}

func TestEngine_StartTask_RejectsSecondStart(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	_, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	_, err = eng.StartTask(context.Background(), rc, tsk.ID)
	assert.Error(t, err)
}

func TestEngine_StartTask_RejectsBlockedTask(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	blocker := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)
	blocked, err := eng.CreateTask(context.Background(), rc, workflow.CreateTaskInput{
		RepoID: repo.ID, ParentID: &ms.ID, Kind: domain.TaskKindTask, Description: "blocked",
		BlockedBy: []id.ID{blocker.ID},
	})
	require.NoError(t, err)

	_, err = eng.StartTask(context.Background(), rc, blocked.ID)
	assert.Error(t, err)
}

// startedTask registers a repo, a milestone, and one task under it, then
// starts the task — the common setup every submit/review/gate test needs.
func startedTask(t *testing.T, eng *workflow.Engine) domain.Task {
	t.Helper()
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)
	started, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	return started
}

func TestEngine_SubmitTask_NoGatesAdvancesToAgentPending(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)

	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewAgentPending, review.Status)
	require.NotNil(t, review.GatesCompletedAt)

	got, err := eng.GetTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInReview, got.Status)
}

func TestEngine_SubmitTask_RejectsWithoutStart(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	_, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	assert.Error(t, err)
}

func TestEngine_ApproveReview_TwoStepCompletesTask(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReviewAgentPending, review.Status)

	review, err = eng.ApproveReview(context.Background(), rc, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewHumanPending, review.Status)

	got, err := eng.GetTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInReview, got.Status, "task only completes on the second approve")

	review, err = eng.ApproveReview(context.Background(), rc, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, review.Status)

	got, err = eng.GetTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestEngine_ApproveReview_RejectsFromApproved(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	review, err = eng.ApproveReview(context.Background(), rc, review.ID)
	require.NoError(t, err)
	review, err = eng.ApproveReview(context.Background(), rc, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReviewApproved, review.Status)

	_, err = eng.ApproveReview(context.Background(), rc, review.ID)
	assert.Error(t, err)
}

func TestEngine_RequestChanges_ReturnsTaskToInProgress(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	review, err = eng.RequestChanges(context.Background(), rc, review.ID, []workflow.CommentInput{
		{Author: domain.AuthorAI, FilePath: "main.go", Side: domain.SideRight, Body: "fix this"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewChangesRequested, review.Status)

	got, err := eng.GetTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)

	comments, err := eng.ListComments(context.Background(), review.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "fix this", comments[0].Body)
}

func TestEngine_RequestChanges_RejectsWhenAlreadyApproved(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	review, err = eng.ApproveReview(context.Background(), rc, review.ID)
	require.NoError(t, err)
	review, err = eng.ApproveReview(context.Background(), rc, review.ID)
	require.NoError(t, err)

	_, err = eng.RequestChanges(context.Background(), rc, review.ID, nil)
	assert.Error(t, err)
}

func TestEngine_SubmitTask_WithPassingGateReachesAgentPending(t *testing.T) {
	eng, _ := newTestEngine(t, workflow.WithGateRunner(gate.NewRunner()))
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	_, err := eng.AddGate(context.Background(), rc, workflow.GateInput{
		Scope: domain.GateScope{RepoID: repo.ID}, Name: "lint", Command: "/bin/sh -c 'exit 0'",
		TimeoutSecs: 5, MaxRetries: 2,
	})
	require.NoError(t, err)

	started, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	review, err := eng.SubmitTask(context.Background(), rc, started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewAgentPending, review.Status)

	results, err := eng.GateResultsForReview(context.Background(), review.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.GateResultPassed, results[0].Status)
}

func TestEngine_SubmitTask_WithFailingGateStaysGatesPending(t *testing.T) {
	eng, _ := newTestEngine(t, workflow.WithGateRunner(gate.NewRunner()))
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	_, err := eng.AddGate(context.Background(), rc, workflow.GateInput{
		Scope: domain.GateScope{RepoID: repo.ID}, Name: "lint", Command: "/bin/sh -c 'exit 1'",
		TimeoutSecs: 5, MaxRetries: 2,
	})
	require.NoError(t, err)

	started, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	review, err := eng.SubmitTask(context.Background(), rc, started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewGatesPending, review.Status)
}

func TestEngine_RerunGates_EscalatesPastMaxRetries(t *testing.T) {
	eng, _ := newTestEngine(t, workflow.WithGateRunner(gate.NewRunner()))
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	_, err := eng.AddGate(context.Background(), rc, workflow.GateInput{
		Scope: domain.GateScope{RepoID: repo.ID}, Name: "lint", Command: "/bin/sh -c 'exit 1'",
		TimeoutSecs: 5, MaxRetries: 2,
	})
	require.NoError(t, err)

	started, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	review, err := eng.SubmitTask(context.Background(), rc, started.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReviewGatesPending, review.Status)

	// Attempt 1 already failed, below MaxRetries=2; rerun drives attempt 2,
	// which reaches MaxRetries and escalates.
	review, err = eng.RerunGates(context.Background(), rc, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewGatesEscalated, review.Status)

	results, err := eng.GateResultsForReview(context.Background(), review.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestEngine_PollPending_TimesOutStaleGateResult(t *testing.T) {
	eng, st := newTestEngine(t, workflow.WithGateRunner(gate.NewRunner()))
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)

	g, err := eng.AddGate(context.Background(), rc, workflow.GateInput{
		Scope: domain.GateScope{RepoID: repo.ID}, Name: "slow-check", Command: "/bin/sh -c 'exit 0'",
		TimeoutSecs: 5, MaxRetries: 2, PollIntervalSecs: 0, MaxPendingSecs: 0,
	})
	require.NoError(t, err)

	started, err := eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	review := domain.Review{
		ID: id.New(id.KindReview), TaskID: started.ID, Status: domain.ReviewGatesPending,
	}
	require.NoError(t, st.Reviews().Create(context.Background(), review))

	// Seed a gate result stuck in Pending, already older than MaxPendingSecs.
	require.NoError(t, st.GateResults().RecordResult(context.Background(), domain.GateResult{
		GateID: g.ID, ReviewID: review.ID, TaskID: started.ID, Attempt: 1,
		Status: domain.GateResultPending, StartedAt: time.Now().Add(-time.Hour),
	}))

	eng.PollPending(context.Background(), rc)

	results, err := eng.GateResultsForReview(context.Background(), review.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.GateResultTimeout, results[0].Status)
}

func TestEngine_RequestHelp_MovesTaskToAwaitingHuman(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)

	help, err := eng.RequestHelp(context.Background(), rc, workflow.HelpRequestInput{
		TaskID: tsk.ID, Category: "stuck", Reason: "need a decision",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.HelpPending, help.Status)
	assert.Equal(t, domain.TaskInProgress, help.FromStatus)

	got, err := eng.GetTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAwaitingHuman, got.Status)
}

func TestEngine_RequestHelp_RejectsSecondActiveRequest(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	_, err := eng.RequestHelp(context.Background(), rc, workflow.HelpRequestInput{
		TaskID: tsk.ID, Category: "stuck", Reason: "first",
	})
	require.NoError(t, err)

	_, err = eng.RequestHelp(context.Background(), rc, workflow.HelpRequestInput{
		TaskID: tsk.ID, Category: "stuck", Reason: "second",
	})
	assert.Error(t, err)
}

func TestEngine_RespondAndResumeHelp_RestoresFromStatus(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	help, err := eng.RequestHelp(context.Background(), rc, workflow.HelpRequestInput{
		TaskID: tsk.ID, Category: "stuck", Reason: "need a decision",
	})
	require.NoError(t, err)

	help, err = eng.RespondHelp(context.Background(), rc, help.ID, workflow.HelpRespondInput{
		Response: "use option B", ChosenOption: "B",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.HelpResponded, help.Status)

	got, err := eng.ResumeHelp(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
}

func TestEngine_ResumeHelp_RejectsBeforeResponse(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	_, err := eng.RequestHelp(context.Background(), rc, workflow.HelpRequestInput{
		TaskID: tsk.ID, Category: "stuck", Reason: "need a decision",
	})
	require.NoError(t, err)

	_, err = eng.ResumeHelp(context.Background(), rc, tsk.ID)
	assert.Error(t, err)
}

func TestEngine_StartSession_RejectsDuplicateActiveSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	_, err := eng.RegisterHarness(context.Background(), rc, workflow.RegisterHarnessInput{HarnessID: "h1"})
	require.NoError(t, err)

	_, err = eng.StartSession(context.Background(), rc, workflow.StartSessionInput{TaskID: tsk.ID, HarnessID: "h1"})
	require.NoError(t, err)

	_, err = eng.StartSession(context.Background(), rc, workflow.StartSessionInput{TaskID: tsk.ID, HarnessID: "h1"})
	assert.Error(t, err)
}

func TestEngine_CompleteSession_FailedSetsError(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	_, err := eng.RegisterHarness(context.Background(), rc, workflow.RegisterHarnessInput{HarnessID: "h1"})
	require.NoError(t, err)
	sess, err := eng.StartSession(context.Background(), rc, workflow.StartSessionInput{TaskID: tsk.ID, HarnessID: "h1"})
	require.NoError(t, err)

	done, err := eng.CompleteSession(context.Background(), rc, sess.ID, workflow.CompleteFailed, "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, done.Status)
	assert.Equal(t, "agent crashed", done.Error)
}

func TestEngine_HeartbeatSession_SetsLastHeartbeat(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	_, err := eng.RegisterHarness(context.Background(), rc, workflow.RegisterHarnessInput{HarnessID: "h1"})
	require.NoError(t, err)
	sess, err := eng.StartSession(context.Background(), rc, workflow.StartSessionInput{TaskID: tsk.ID, HarnessID: "h1"})
	require.NoError(t, err)

	beat, err := eng.HeartbeatSession(context.Background(), rc, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, beat.LastHeartbeatAt)
}

func TestEngine_InheritedLearnings_CollectsOwnParentAndMilestone(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)
	sub := createTaskUnder(t, eng, repo.ID, &tsk.ID, domain.TaskKindSubtask)

	_, err := eng.AddLearning(context.Background(), rc, ms.ID, "milestone-level fact")
	require.NoError(t, err)
	_, err = eng.AddLearning(context.Background(), rc, tsk.ID, "task-level fact")
	require.NoError(t, err)
	_, err = eng.AddLearning(context.Background(), rc, sub.ID, "subtask-level fact")
	require.NoError(t, err)

	inherited, err := eng.InheritedLearningsFor(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, inherited.Own, 1)
	assert.Equal(t, "subtask-level fact", inherited.Own[0].Content)
	require.Len(t, inherited.Parent, 1)
	assert.Equal(t, "task-level fact", inherited.Parent[0].Content)
	require.Len(t, inherited.Milestone, 1)
	assert.Equal(t, "milestone-level fact", inherited.Milestone[0].Content)
}

func TestEngine_AddLearning_RejectsEmptyContent(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	_, err := eng.AddLearning(context.Background(), rc, tsk.ID, "")
	assert.Error(t, err)
}

// stubProvider is a minimal airreview.Provider test double letting each
// test pick exactly the verdict it wants to exercise, without shelling
// out to an external command.
type stubProvider struct {
	mu     sync.Mutex
	calls  int
	decide func() (domain.AIReviewDecision, []string)
}

func (p *stubProvider) Review(ctx context.Context, snap airreview.Snapshot) (airreview.Verdict, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	decision, bodies := p.decide()
	v := airreview.Verdict{Decision: decision}
	for _, b := range bodies {
		v.Comments = append(v.Comments, airreview.Comment{FilePath: "main.go", Side: domain.SideRight, Body: b})
	}
	return v, nil
}

func TestEngine_ReviewWithAI_NullProviderApprovesOneStep(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReviewAgentPending, review.Status)

	rec, err := eng.ReviewWithAI(context.Background(), rc, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AIReviewDone, rec.Status)
	assert.Equal(t, domain.AIReviewApprove, rec.Decision)

	got, err := eng.GetReview(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewHumanPending, got.Status)
}

func TestEngine_ReviewWithAI_IsIdempotentByRecordExistence(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	first, err := eng.ReviewWithAI(context.Background(), rc, review.ID)
	require.NoError(t, err)

	second, err := eng.ReviewWithAI(context.Background(), rc, review.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)

	// A second approve step is the only way HumanPending can progress;
	// replaying ReviewWithAI must not have advanced it further on its own.
	got, err := eng.GetReview(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewHumanPending, got.Status)
}

func TestEngine_ReviewWithAI_DoesNotReinvokeProviderOnReplay(t *testing.T) {
	provider := &stubProvider{decide: func() (domain.AIReviewDecision, []string) {
		return domain.AIReviewApprove, nil
	}}
	eng, _ := newTestEngine(t, workflow.WithAIReviewProvider(provider))
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	_, err = eng.ReviewWithAI(context.Background(), rc, review.ID)
	require.NoError(t, err)
	_, err = eng.ReviewWithAI(context.Background(), rc, review.ID)
	require.NoError(t, err)

	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestEngine_ReviewWithAI_RequestChangesDecisionAddsCommentsAndReopensTask(t *testing.T) {
	provider := &stubProvider{decide: func() (domain.AIReviewDecision, []string) {
		return domain.AIReviewRequestChanges, []string{"please rename this"}
	}}
	eng, _ := newTestEngine(t, workflow.WithAIReviewProvider(provider))
	tsk := startedTask(t, eng)
	review, err := eng.SubmitTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	rec, err := eng.ReviewWithAI(context.Background(), rc, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AIReviewRequestChanges, rec.Decision)

	got, err := eng.GetReview(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewChangesRequested, got.Status)

	comments, err := eng.ListComments(context.Background(), review.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "please rename this", comments[0].Body)

	task, err := eng.GetTask(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, task.Status)
}

func TestEngine_GetTaskWithContext_AssemblesAncestryGatesAndVcs(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms, err := eng.CreateTask(context.Background(), rc, workflow.CreateTaskInput{
		RepoID: repo.ID, Kind: domain.TaskKindMilestone, Description: "ms", Context: "milestone ctx",
	})
	require.NoError(t, err)
	tsk, err := eng.CreateTask(context.Background(), rc, workflow.CreateTaskInput{
		RepoID: repo.ID, ParentID: &ms.ID, Kind: domain.TaskKindTask, Description: "t1", Context: "task ctx",
	})
	require.NoError(t, err)
	_, err = eng.AddLearning(context.Background(), rc, tsk.ID, "own learning")
	require.NoError(t, err)
	_, err = eng.StartTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	got, err := eng.GetTaskWithContext(context.Background(), tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, tsk.ID, got.Task.ID)
	assert.Equal(t, "task ctx", got.Context.Own)
	assert.Equal(t, "milestone ctx", got.Context.Parent)
	assert.Equal(t, "milestone ctx", got.Context.Milestone)
	require.Len(t, got.Learnings.Own, 1)
	require.NotNil(t, got.Vcs)
	assert.Equal(t, domain.RefNameFor(tsk.ID), got.Vcs.RefName)
	assert.Nil(t, got.Review)
	assert.Nil(t, got.HelpRequest)
}

func TestEngine_ArchiveTaskVcs_DeletesRefAndStampsArchivedAt(t *testing.T) {
	eng, _, backend := newTestEngineWithBackend(t)
	tsk := startedTask(t, eng)
	_, err := eng.CancelTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	tv, err := eng.ArchiveTaskVcs(context.Background(), rc, tsk.ID)
	require.NoError(t, err)
	require.NotNil(t, tv.ArchivedAt)
	assert.Equal(t, domain.RefNameFor(tsk.ID), backend.deletedRef)
}

func TestEngine_ArchiveTaskVcs_RejectsNonTerminalTask(t *testing.T) {
	eng, _ := newTestEngine(t)
	tsk := startedTask(t, eng)

	_, err := eng.ArchiveTaskVcs(context.Background(), rc, tsk.ID)
	assert.Error(t, err)
}

func TestEngine_ArchiveTaskVcs_RejectsTaskWithoutVcsState(t *testing.T) {
	eng, _ := newTestEngine(t)
	repo := registerRepo(t, eng, "/repos/widget")
	ms := createMilestone(t, eng, repo.ID)
	tsk := createTaskUnder(t, eng, repo.ID, &ms.ID, domain.TaskKindTask)
	_, err := eng.CancelTask(context.Background(), rc, tsk.ID)
	require.NoError(t, err)

	_, err = eng.ArchiveTaskVcs(context.Background(), rc, tsk.ID)
	assert.Error(t, err)
}
