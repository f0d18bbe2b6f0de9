package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/id"
	"overseer/internal/store"
	"overseer/internal/workflow"
)

// --- repos ---

func (s *Server) registerRepo(c *gin.Context) {
	var body struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errkind.RepoInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.RegisterRepo(c.Request.Context(), requestContext(c), body.Path)
	})
}

func (s *Server) listRepos(c *gin.Context) {
	out, err := s.engine.ListRepos(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getRepo(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	out, err := s.engine.GetRepo(c.Request.Context(), repoID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) unregisterRepo(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	runIdempotent(c, s.idem, repoID.String(), func() (any, error) {
		return nil, s.engine.UnregisterRepo(c.Request.Context(), requestContext(c), repoID)
	})
}

func (s *Server) listRepoGates(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	out, err := s.engine.ListRepoGates(c.Request.Context(), repoID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) taskProgress(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	var scope *id.ID
	if v := c.Query("scope"); v != "" {
		parsed, err := id.Parse(v)
		if err != nil {
			writeError(c, errkind.TaskInvalidInput("invalid scope: %v", err))
			return
		}
		scope = &parsed
	}
	out, err := s.engine.TaskProgress(c.Request.Context(), repoID, scope)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listTasks(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	filter := store.TaskFilter{RepoID: repoID, ReadyOnly: c.Query("ready_only") == "true"}
	out, err := s.engine.ListTasks(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) taskTree(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	var root *id.ID
	if v := c.Query("root"); v != "" {
		parsed, err := id.Parse(v)
		if err != nil {
			writeError(c, errkind.TaskInvalidInput("invalid root: %v", err))
			return
		}
		root = &parsed
	}
	out, err := s.engine.TaskTree(c.Request.Context(), repoID, root)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) nextReadyTask(c *gin.Context) {
	repoID, ok := parseID(c, "repo_id", id.KindRepo)
	if !ok {
		return
	}
	var milestone *id.ID
	if v := c.Query("milestone"); v != "" {
		parsed, err := id.Parse(v, id.KindMilestone)
		if err != nil {
			writeError(c, errkind.TaskInvalidInput("invalid milestone: %v", err))
			return
		}
		milestone = &parsed
	}
	out, ok2, err := s.engine.NextReadyTask(c.Request.Context(), repoID, milestone)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok2 {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- tasks ---

func (s *Server) createTask(c *gin.Context) {
	var in workflow.CreateTaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.TaskInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, in.RepoID.String(), func() (any, error) {
		return s.engine.CreateTask(c.Request.Context(), requestContext(c), in)
	})
}

func (s *Server) getTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	out, err := s.engine.GetTask(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getTaskWithContext(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	out, err := s.engine.GetTaskWithContext(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) updateTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	var in workflow.UpdateTaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.TaskInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.UpdateTask(c.Request.Context(), requestContext(c), taskID, in)
	})
}

func (s *Server) deleteTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return nil, s.engine.DeleteTask(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) startTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.StartTask(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) submitTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.SubmitTask(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) cancelTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.CancelTask(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) forceCompleteTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.ForceCompleteTask(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) archiveTask(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.ArchiveTaskVcs(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) setTaskStatus(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	var body struct {
		Status domain.TaskStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errkind.TaskInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.SetTaskStatus(c.Request.Context(), requestContext(c), taskID, body.Status)
	})
}

func (s *Server) addBlocker(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	blockerID, ok := parseID(c, "blocker_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return nil, s.engine.AddBlocker(c.Request.Context(), requestContext(c), taskID, blockerID)
	})
}

func (s *Server) removeBlocker(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	blockerID, ok := parseID(c, "blocker_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return nil, s.engine.RemoveBlocker(c.Request.Context(), requestContext(c), taskID, blockerID)
	})
}

func (s *Server) listTaskGates(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	out, err := s.engine.ListTaskGates(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) effectiveGates(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	out, err := s.engine.EffectiveGates(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) addLearning(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errkind.LearningInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.AddLearning(c.Request.Context(), requestContext(c), taskID, body.Content)
	})
}

func (s *Server) inheritedLearnings(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	out, err := s.engine.InheritedLearningsFor(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) requestHelp(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	var in workflow.HelpRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.HelpInvalidInput("%v", err))
		return
	}
	in.TaskID = taskID
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.RequestHelp(c.Request.Context(), requestContext(c), in)
	})
}

func (s *Server) resumeHelp(c *gin.Context) {
	taskID, ok := parseID(c, "task_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.ResumeHelp(c.Request.Context(), requestContext(c), taskID)
	})
}

func (s *Server) respondHelp(c *gin.Context) {
	helpID, ok := parseID(c, "help_id", id.KindHelp)
	if !ok {
		return
	}
	var in workflow.HelpRespondInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.HelpInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.RespondHelp(c.Request.Context(), requestContext(c), helpID, in)
	})
}

// --- reviews ---

func (s *Server) getReview(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	out, err := s.engine.GetReview(c.Request.Context(), reviewID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) approveReview(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.ApproveReview(c.Request.Context(), requestContext(c), reviewID)
	})
}

func (s *Server) requestChanges(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	var body struct {
		Comments []workflow.CommentInput `json:"comments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errkind.ReviewInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.RequestChanges(c.Request.Context(), requestContext(c), reviewID, body.Comments)
	})
}

func (s *Server) listComments(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	out, err := s.engine.ListComments(c.Request.Context(), reviewID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) addComment(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	var in workflow.CommentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.ReviewInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.AddComment(c.Request.Context(), requestContext(c), reviewID, in)
	})
}

func (s *Server) resolveComment(c *gin.Context) {
	commentID, ok := parseID(c, "comment_id")
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.ResolveComment(c.Request.Context(), requestContext(c), commentID)
	})
}

func (s *Server) gateResults(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	out, err := s.engine.GateResultsForReview(c.Request.Context(), reviewID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) rerunGates(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.RerunGates(c.Request.Context(), requestContext(c), reviewID)
	})
}

func (s *Server) reviewWithAI(c *gin.Context) {
	reviewID, ok := parseID(c, "review_id", id.KindReview)
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.ReviewWithAI(c.Request.Context(), requestContext(c), reviewID)
	})
}

// --- gates ---

func (s *Server) addGate(c *gin.Context) {
	var in workflow.GateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.GateInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.AddGate(c.Request.Context(), requestContext(c), in)
	})
}

func (s *Server) updateGate(c *gin.Context) {
	gateID, ok := parseID(c, "gate_id", id.KindGate)
	if !ok {
		return
	}
	var in workflow.GateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.GateInvalidInput("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.UpdateGate(c.Request.Context(), requestContext(c), gateID, in)
	})
}

func (s *Server) removeGate(c *gin.Context) {
	gateID, ok := parseID(c, "gate_id", id.KindGate)
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return nil, s.engine.RemoveGate(c.Request.Context(), requestContext(c), gateID)
	})
}

// --- harnesses & sessions ---

func (s *Server) registerHarness(c *gin.Context) {
	var in workflow.RegisterHarnessInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.Internal("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.RegisterHarness(c.Request.Context(), requestContext(c), in)
	})
}

func (s *Server) listHarnesses(c *gin.Context) {
	out, err := s.engine.ListHarnesses(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) setHarnessConnected(c *gin.Context) {
	harnessID := c.Param("harness_id")
	var body struct {
		Connected bool `json:"connected"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errkind.Internal("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.SetHarnessConnected(c.Request.Context(), requestContext(c), harnessID, body.Connected)
	})
}

func (s *Server) startSession(c *gin.Context) {
	var in workflow.StartSessionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, errkind.Internal("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.StartSession(c.Request.Context(), requestContext(c), in)
	})
}

func (s *Server) heartbeatSession(c *gin.Context) {
	sessionID, ok := parseID(c, "session_id", id.KindSession)
	if !ok {
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.HeartbeatSession(c.Request.Context(), requestContext(c), sessionID)
	})
}

func (s *Server) completeSession(c *gin.Context) {
	sessionID, ok := parseID(c, "session_id", id.KindSession)
	if !ok {
		return
	}
	var body struct {
		Status workflow.CompleteSessionStatus `json:"status"`
		Error  string                         `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, errkind.Internal("%v", err))
		return
	}
	runIdempotent(c, s.idem, "", func() (any, error) {
		return s.engine.CompleteSession(c.Request.Context(), requestContext(c), sessionID, body.Status, body.Error)
	})
}
