// Package errkind defines the typed error taxonomy of §7: one small struct
// per taxon, each carrying a machine-stable Code and a free-form Message,
// each unwrapping to an optional underlying cause. The shape mirrors the
// teacher's internal/errors package (struct-per-classification + Message +
// Unwrap), generalized from three error kinds to one struct type per
// domain taxon.
package errkind

import "fmt"

// Taxon names the error family a Code belongs to.
type Taxon string

const (
	TaxonTask      Taxon = "task"
	TaxonReview    Taxon = "review"
	TaxonGate      Taxon = "gate"
	TaxonHelp      Taxon = "help"
	TaxonLearning  Taxon = "learning"
	TaxonRepo      Taxon = "repo"
	TaxonVCS       Taxon = "vcs"
	TaxonAIReview  Taxon = "ai_review"
	TaxonInternal  Taxon = "internal"
)

// Code is a machine-stable error code, unique within its Taxon.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodeCycleDetected     Code = "cycle_detected"
	CodeSelfBlock         Code = "self_block"
	CodeInvalidInput      Code = "invalid_input"
	CodeConflict          Code = "conflict"

	CodeCommentNotFound Code = "comment_not_found"
	CodeTaskNotInReview Code = "task_not_in_review"
	CodeGateNotPassed   Code = "gate_not_passed"

	CodeNameConflict Code = "name_conflict"
	CodeReviewActive Code = "review_active"

	CodeInvalidState Code = "invalid_state"

	CodeRepoExists Code = "repo_exists"

	CodeDirtyWorkingCopy Code = "dirty_working_copy"
	CodeRefAlreadyExists Code = "ref_already_exists"
	CodeRefNotFound      Code = "ref_not_found"
	CodeCommitFailed     Code = "commit_failed"
	CodeDiffFailed       Code = "diff_failed"
	CodeBackendError     Code = "backend_error"

	CodeProviderUnavailable Code = "provider_unavailable"
	CodeTimeout             Code = "timeout"

	CodeInternal Code = "internal"
)

// Error is the concrete error type for every taxon in §7.
type Error struct {
	Taxon   Taxon
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Taxon, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Taxon, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is matching on Taxon+Code equality, ignoring Message
// and Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Taxon == e.Taxon && t.Code == e.Code
}

func new(taxon Taxon, code Code, format string, args ...any) *Error {
	return &Error{Taxon: taxon, Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(taxon Taxon, code Code, cause error, format string, args ...any) *Error {
	return &Error{Taxon: taxon, Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Task-taxon constructors.
func TaskNotFound(id string) *Error { return new(TaxonTask, CodeNotFound, "task %s not found", id) }
func InvalidTransition(from, to string) *Error {
	return new(TaxonTask, CodeInvalidTransition, "cannot transition from %s to %s", from, to)
}
func CycleDetected(task, blocker string) *Error {
	return new(TaxonTask, CodeCycleDetected, "adding blocker %s to %s would create a cycle", blocker, task)
}
func SelfBlock(task string) *Error {
	return new(TaxonTask, CodeSelfBlock, "task %s cannot block itself", task)
}
func TaskInvalidInput(format string, args ...any) *Error {
	return new(TaxonTask, CodeInvalidInput, format, args...)
}
func TaskConflict(format string, args ...any) *Error {
	return new(TaxonTask, CodeConflict, format, args...)
}

// Review-taxon constructors.
func ReviewNotFound(id string) *Error {
	return new(TaxonReview, CodeNotFound, "review %s not found", id)
}
func CommentNotFound(id string) *Error {
	return new(TaxonReview, CodeCommentNotFound, "comment %s not found", id)
}
func ReviewInvalidTransition(from, to string) *Error {
	return new(TaxonReview, CodeInvalidTransition, "cannot transition review from %s to %s", from, to)
}
func TaskNotInReview(id string) *Error {
	return new(TaxonReview, CodeTaskNotInReview, "task %s is not in review", id)
}
func GateNotPassed(name string) *Error {
	return new(TaxonReview, CodeGateNotPassed, "gate %s has not passed", name)
}
func ReviewInvalidInput(format string, args ...any) *Error {
	return new(TaxonReview, CodeInvalidInput, format, args...)
}

// Gate-taxon constructors.
func GateNotFound(id string) *Error { return new(TaxonGate, CodeNotFound, "gate %s not found", id) }
func GateNameConflict(scope, name string) *Error {
	return new(TaxonGate, CodeNameConflict, "gate name %q already used in scope %s", name, scope)
}
func GateInvalidInput(format string, args ...any) *Error {
	return new(TaxonGate, CodeInvalidInput, format, args...)
}
func GateReviewActive(id string) *Error {
	return new(TaxonGate, CodeReviewActive, "review %s already has an active review", id)
}

// Help-taxon constructors.
func HelpNotFound(id string) *Error { return new(TaxonHelp, CodeNotFound, "help request %s not found", id) }
func HelpInvalidState(format string, args ...any) *Error {
	return new(TaxonHelp, CodeInvalidState, format, args...)
}
func HelpInvalidInput(format string, args ...any) *Error {
	return new(TaxonHelp, CodeInvalidInput, format, args...)
}

// Learning-taxon constructors.
func LearningNotFound(id string) *Error {
	return new(TaxonLearning, CodeNotFound, "learning %s not found", id)
}
func LearningInvalidInput(format string, args ...any) *Error {
	return new(TaxonLearning, CodeInvalidInput, format, args...)
}

// Repo-taxon constructors.
func RepoNotFound(id string) *Error { return new(TaxonRepo, CodeNotFound, "repo %s not found", id) }
func RepoExists(path string) *Error {
	return new(TaxonRepo, CodeRepoExists, "repo already registered at %s", path)
}
func RepoInvalidInput(format string, args ...any) *Error {
	return new(TaxonRepo, CodeInvalidInput, format, args...)
}

// VCS-taxon constructors.
func VCSRepoNotFound(path string) *Error {
	return new(TaxonVCS, CodeNotFound, "no repository at %s", path)
}
func DirtyWorkingCopy(path string) *Error {
	return new(TaxonVCS, CodeDirtyWorkingCopy, "working copy at %s is not clean", path)
}
func RefAlreadyExists(name string) *Error {
	return new(TaxonVCS, CodeRefAlreadyExists, "ref %s already exists", name)
}
func RefNotFound(name string) *Error {
	return new(TaxonVCS, CodeRefNotFound, "ref %s not found", name)
}
func CommitFailed(cause error) *Error {
	return wrap(TaxonVCS, CodeCommitFailed, cause, "commit failed")
}
func DiffFailed(cause error) *Error {
	return wrap(TaxonVCS, CodeDiffFailed, cause, "diff failed")
}
func BackendError(cause error) *Error {
	return wrap(TaxonVCS, CodeBackendError, cause, "vcs backend error")
}

// AI-review-taxon constructors.
func ProviderUnavailable(cause error) *Error {
	return wrap(TaxonAIReview, CodeProviderUnavailable, cause, "ai-review provider unavailable")
}
func AIReviewInvalidInput(format string, args ...any) *Error {
	return new(TaxonAIReview, CodeInvalidInput, format, args...)
}
func AIReviewTimeout() *Error {
	return new(TaxonAIReview, CodeTimeout, "ai-review provider timed out")
}
func AIReviewInternal(cause error) *Error {
	return wrap(TaxonAIReview, CodeInternal, cause, "ai-review internal error")
}

// Internal catch-all.
func Internal(format string, args ...any) *Error {
	return new(TaxonInternal, CodeInternal, format, args...)
}
func InternalWrap(cause error, format string, args ...any) *Error {
	return wrap(TaxonInternal, CodeInternal, cause, format, args...)
}

// HTTPStatus maps a taxon+code pair to the HTTP status per §7's
// user-visible mapping table.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound, CodeCommentNotFound:
		return 404
	case CodeInvalidTransition:
		return 422
	case CodeConflict, CodeNameConflict, CodeRepoExists, CodeRefAlreadyExists, CodeReviewActive:
		return 409
	case CodeInvalidInput:
		return 400
	case CodeGateNotPassed, CodeTaskNotInReview, CodeDirtyWorkingCopy:
		return 412
	case CodeProviderUnavailable:
		return 503
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}
