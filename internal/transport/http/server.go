// Package http is the thin call-through HTTP transport: one route per
// workflow-engine operation, paths following /{resource}/{id}/{verb},
// JSON request/response bodies, and idempotency middleware applied to
// POST/PATCH/DELETE carrying an Idempotency-Key.
//
// Handlers are one-line shims onto internal/workflow.Engine methods; the
// transport layer holds no business logic of its own.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/idempotency"
	"overseer/internal/logging"
	"overseer/internal/metrics"
	"overseer/internal/workflow"
)

// Server wires the workflow engine onto a gin.Engine.
type Server struct {
	engine *workflow.Engine
	idem   *idempotency.Gate
	logger logging.Logger
	router *gin.Engine
}

// New builds a Server. metricsRecorder may be nil; when non-nil its
// Prometheus handler is mounted at /metrics.
func New(engine *workflow.Engine, idem *idempotency.Gate, metricsRecorder *metrics.Recorder) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	s := &Server{engine: engine, idem: idem, logger: logging.NewComponentLogger("transport.http"), router: router}
	s.routes()
	if metricsRecorder != nil {
		router.GET("/metrics", gin.WrapH(metricsRecorder.Handler()))
	}
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.POST("/repos", s.registerRepo)
	r.GET("/repos", s.listRepos)
	r.GET("/repos/:repo_id", s.getRepo)
	r.DELETE("/repos/:repo_id", s.unregisterRepo)
	r.GET("/repos/:repo_id/gates", s.listRepoGates)
	r.GET("/repos/:repo_id/progress", s.taskProgress)
	r.GET("/repos/:repo_id/tasks", s.listTasks)
	r.GET("/repos/:repo_id/tasks/tree", s.taskTree)
	r.GET("/repos/:repo_id/tasks/next_ready", s.nextReadyTask)

	r.POST("/tasks", s.createTask)
	r.GET("/tasks/:task_id", s.getTask)
	r.GET("/tasks/:task_id/context", s.getTaskWithContext)
	r.PATCH("/tasks/:task_id", s.updateTask)
	r.DELETE("/tasks/:task_id", s.deleteTask)
	r.POST("/tasks/:task_id/start", s.startTask)
	r.POST("/tasks/:task_id/submit", s.submitTask)
	r.POST("/tasks/:task_id/cancel", s.cancelTask)
	r.POST("/tasks/:task_id/force_complete", s.forceCompleteTask)
	r.POST("/tasks/:task_id/archive", s.archiveTask)
	r.PATCH("/tasks/:task_id/status", s.setTaskStatus)
	r.POST("/tasks/:task_id/blockers/:blocker_id", s.addBlocker)
	r.DELETE("/tasks/:task_id/blockers/:blocker_id", s.removeBlocker)
	r.GET("/tasks/:task_id/gates", s.listTaskGates)
	r.GET("/tasks/:task_id/gates/effective", s.effectiveGates)
	r.POST("/tasks/:task_id/learnings", s.addLearning)
	r.GET("/tasks/:task_id/learnings/inherited", s.inheritedLearnings)
	r.POST("/tasks/:task_id/help", s.requestHelp)
	r.POST("/tasks/:task_id/help/resume", s.resumeHelp)

	r.POST("/help/:help_id/respond", s.respondHelp)

	r.GET("/reviews/:review_id", s.getReview)
	r.POST("/reviews/:review_id/approve", s.approveReview)
	r.POST("/reviews/:review_id/request_changes", s.requestChanges)
	r.GET("/reviews/:review_id/comments", s.listComments)
	r.POST("/reviews/:review_id/comments", s.addComment)
	r.POST("/reviews/:review_id/comments/:comment_id/resolve", s.resolveComment)
	r.GET("/reviews/:review_id/gate_results", s.gateResults)
	r.POST("/reviews/:review_id/gates/rerun", s.rerunGates)
	r.POST("/reviews/:review_id/ai_review", s.reviewWithAI)

	r.POST("/gates", s.addGate)
	r.PATCH("/gates/:gate_id", s.updateGate)
	r.DELETE("/gates/:gate_id", s.removeGate)

	r.POST("/harnesses", s.registerHarness)
	r.GET("/harnesses", s.listHarnesses)
	r.PATCH("/harnesses/:harness_id/connected", s.setHarnessConnected)

	r.POST("/sessions", s.startSession)
	r.POST("/sessions/:session_id/heartbeat", s.heartbeatSession)
	r.POST("/sessions/:session_id/complete", s.completeSession)
}

// requestContext reads the correlation id and source header, falling back
// to a freshly generated time-sortable token per spec §6.
func requestContext(c *gin.Context) domain.RequestContext {
	corrID := c.GetHeader("x-correlation-id")
	if corrID == "" {
		corrID = id.New(id.KindCorrelation).String()
	}
	source := domain.SourceUi
	switch c.GetHeader("x-overseer-source") {
	case "cli":
		source = domain.SourceCli
	case "mcp":
		source = domain.SourceMcp
	case "relay":
		source = domain.SourceRelay
	}
	return domain.RequestContext{Source: source, CorrelationID: corrID}
}

func parseID(c *gin.Context, param string, want ...id.Kind) (id.ID, bool) {
	v, err := id.Parse(c.Param(param), want...)
	if err != nil {
		writeError(c, errkind.Internal("invalid %s: %v", param, err))
		return id.ID{}, false
	}
	return v, true
}

// writeError maps a domain error to its spec §7 HTTP status, or 500 for
// anything else.
func writeError(c *gin.Context, err error) {
	var derr *errkind.Error
	if errors.As(err, &derr) {
		c.JSON(derr.HTTPStatus(), gin.H{"error": derr.Code, "message": derr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
}

// runIdempotent executes fn under the idempotency gate keyed by the
// request's Idempotency-Key header, per spec §4.8, then writes the
// resulting (status, body) pair. scopeRepoID may be empty for operations
// with no natural repo scope.
func runIdempotent(c *gin.Context, idem *idempotency.Gate, scopeRepoID string, fn func() (any, error)) {
	key := c.GetHeader("Idempotency-Key")

	var rawBody []byte
	if c.Request.Body != nil {
		rawBody, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(bytes.NewReader(rawBody))
	}

	keyer := idempotency.Keyer{}
	scopeHash := keyer.ScopeHash(c.Request.Method, c.FullPath(), scopeRepoID)
	reqHash, err := keyer.RequestHash(c.Request.URL.Query(), rawBody)
	if err != nil {
		writeError(c, errkind.Internal("hash request: %v", err))
		return
	}

	status, body, err := idem.Do(c.Request.Context(), key, scopeHash, reqHash, func(ctx context.Context) (int, []byte, error) {
		out, err := fn()
		if err != nil {
			var derr *errkind.Error
			if errors.As(err, &derr) {
				b, _ := json.Marshal(gin.H{"error": derr.Code, "message": derr.Message})
				return derr.HTTPStatus(), b, nil
			}
			return http.StatusInternalServerError, nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, b, nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(status, "application/json", body)
}
