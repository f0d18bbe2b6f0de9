package workflow

import (
	"overseer/internal/domain"
	"overseer/internal/id"
)

// CreateTaskInput is the payload for task.create (spec §4.2.1).
type CreateTaskInput struct {
	RepoID      id.ID           `json:"repo_id"`
	ParentID    *id.ID          `json:"parent_id"`
	Kind        domain.TaskKind `json:"kind"`
	Description string          `json:"description"`
	Context     string          `json:"context"`
	Priority    domain.Priority `json:"priority"`
	BlockedBy   []id.ID         `json:"blocked_by"`
}

// UpdateTaskInput patches description/context/priority (spec §4.2.1).
type UpdateTaskInput struct {
	Description *string          `json:"description"`
	Context     *string          `json:"context"`
	Priority    *domain.Priority `json:"priority"`
}

// HelpRequestInput is the payload for help.request (spec §4.2.3).
type HelpRequestInput struct {
	TaskID           id.ID               `json:"task_id"`
	Category         domain.HelpCategory `json:"category"`
	Reason           string              `json:"reason"`
	SuggestedOptions []string            `json:"suggested_options"`
}

// HelpRespondInput is the payload for help.respond (spec §4.2.3).
type HelpRespondInput struct {
	Response     string `json:"response"`
	ChosenOption string `json:"chosen_option"`
}

// CommentInput is one review comment supplied to request_changes or
// add_comment (spec §4.2.2).
type CommentInput struct {
	Author    domain.CommentAuthor `json:"author"`
	FilePath  string                `json:"file_path"`
	LineStart *int                  `json:"line_start"`
	LineEnd   *int                  `json:"line_end"`
	Side      domain.CommentSide    `json:"side"`
	Body      string                `json:"body"`
}

// GateInput is the payload for gate.add/update (spec §4.2.4).
type GateInput struct {
	Scope            domain.GateScope `json:"scope"`
	Name             string           `json:"name"`
	Command          string           `json:"command"`
	TimeoutSecs      int              `json:"timeout_secs"`
	MaxRetries       int              `json:"max_retries"`
	PollIntervalSecs int              `json:"poll_interval_secs"`
	MaxPendingSecs   int              `json:"max_pending_secs"`
}

// RegisterHarnessInput registers a remote agent harness (spec §4.2.7).
type RegisterHarnessInput struct {
	HarnessID    string   `json:"harness_id"`
	Capabilities []string `json:"capabilities"`
}

// StartSessionInput starts an agent run against a task (spec §4.2.7).
type StartSessionInput struct {
	TaskID    id.ID  `json:"task_id"`
	HarnessID string `json:"harness_id"`
}

// CompleteSessionStatus is the terminal status a session.complete call
// reports.
type CompleteSessionStatus string

const (
	CompleteOK        CompleteSessionStatus = "ok"
	CompleteCompleted CompleteSessionStatus = "completed"
	CompleteFailed    CompleteSessionStatus = "failed"
	CompleteCancelled CompleteSessionStatus = "cancelled"
)

// InheritedLearnings is the result of learning.inherited (spec §4.2.5).
type InheritedLearnings struct {
	Own       []domain.Learning
	Parent    []domain.Learning
	Milestone []domain.Learning
}

// TaskContext is the free-text context a task inherits from its
// ancestry: its own context note, its parent's, and its milestone's.
type TaskContext struct {
	Own       string
	Parent    string
	Milestone string
}

// TaskWithContext is the aggregated read model task.get returns: the
// task itself plus everything a caller would otherwise need a handful
// of extra round trips to assemble.
type TaskWithContext struct {
	Task        domain.Task
	Context     TaskContext
	Learnings   InheritedLearnings
	Gates       []domain.Gate
	Vcs         *domain.TaskVcs
	Review      *domain.Review
	HelpRequest *domain.HelpRequest
}
