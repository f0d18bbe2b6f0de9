// Package airreview implements the pluggable AI-review provider stub of
// spec §4.2.8: given a snapshot of a review's diff, task context,
// inherited learnings, and gate results, a provider returns a decision
// (Approve or RequestChanges) plus, on RequestChanges, a set of inline
// comments.
//
// ML content generation itself is explicitly out of scope (spec §1); what
// this package owns is the stub boundary and — grounded on the retrieval
// pack's only JSON-recovery dependency, github.com/kaptinlin/jsonrepair —
// tolerance for a provider that emits slightly malformed JSON, the way a
// real LLM-backed reviewer tends to.
package airreview

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"github.com/kaptinlin/jsonrepair"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/vcs"
)

// Snapshot is the input a Provider reviews.
type Snapshot struct {
	ReviewID    string
	TaskContext string
	Diff        vcs.Diff
	Learnings   []domain.Learning
	GateResults []domain.GateResult
}

// Comment is one inline annotation a provider proposes on RequestChanges.
type Comment struct {
	FilePath  string
	LineStart *int
	LineEnd   *int
	Side      domain.CommentSide
	Body      string
}

// Verdict is a provider's decision plus any proposed comments.
type Verdict struct {
	Decision domain.AIReviewDecision
	Comments []Comment
}

// Provider reviews a Snapshot and returns a Verdict, or an error
// classified per spec §7 (ProviderUnavailable, Timeout, Internal).
type Provider interface {
	Review(ctx context.Context, snap Snapshot) (Verdict, error)
}

// NullProvider always approves without inspecting the snapshot; it is the
// default wired when no external reviewer is configured, matching the
// spec's description of the step as "a pluggable stub".
type NullProvider struct{}

func (NullProvider) Review(ctx context.Context, snap Snapshot) (Verdict, error) {
	return Verdict{Decision: domain.AIReviewApprove}, nil
}

// providerResponse is the JSON shape a CommandProvider's subprocess is
// expected to print to stdout.
type providerResponse struct {
	Decision string `json:"decision"`
	Comments []struct {
		FilePath  string `json:"file_path"`
		LineStart *int   `json:"line_start"`
		LineEnd   *int   `json:"line_end"`
		Side      string `json:"side"`
		Body      string `json:"body"`
	} `json:"comments"`
}

// CommandProvider shells out to an external command, feeding it the
// snapshot as JSON on stdin and parsing a Verdict from its stdout. Real
// LLM-backed reviewers frequently emit near-valid JSON (trailing commas,
// unescaped quotes); jsonrepair.JSONRepair runs before unmarshal to
// recover from exactly that class of defect rather than failing the
// whole review on a formatting slip.
type CommandProvider struct {
	Command []string
}

func (p CommandProvider) Review(ctx context.Context, snap Snapshot) (Verdict, error) {
	if len(p.Command) == 0 {
		return Verdict{}, errkind.ProviderUnavailable(nil)
	}
	payload, err := json.Marshal(snapshotPayload(snap))
	if err != nil {
		return Verdict{}, errkind.AIReviewInternal(err)
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		return Verdict{}, errkind.ProviderUnavailable(err)
	}

	repaired, err := jsonrepair.JSONRepair(string(out))
	if err != nil {
		return Verdict{}, errkind.AIReviewInternal(err)
	}

	var resp providerResponse
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return Verdict{}, errkind.AIReviewInternal(err)
	}

	decision := domain.AIReviewDecision(resp.Decision)
	if decision != domain.AIReviewApprove && decision != domain.AIReviewRequestChanges {
		return Verdict{}, errkind.AIReviewInvalidInput("provider returned unknown decision %q", resp.Decision)
	}

	v := Verdict{Decision: decision}
	for _, c := range resp.Comments {
		v.Comments = append(v.Comments, Comment{
			FilePath:  c.FilePath,
			LineStart: c.LineStart,
			LineEnd:   c.LineEnd,
			Side:      domain.CommentSide(c.Side),
			Body:      c.Body,
		})
	}
	return v, nil
}

type snapshotJSON struct {
	ReviewID    string             `json:"review_id"`
	TaskContext string             `json:"task_context"`
	Diff        string             `json:"diff"`
	Learnings   []string           `json:"learnings"`
	GateResults map[string]string `json:"gate_results"`
}

func snapshotPayload(snap Snapshot) snapshotJSON {
	learnings := make([]string, 0, len(snap.Learnings))
	for _, l := range snap.Learnings {
		learnings = append(learnings, l.Content)
	}
	gateResults := make(map[string]string, len(snap.GateResults))
	for _, r := range snap.GateResults {
		gateResults[r.GateID.String()+"#"+strconv.Itoa(r.Attempt)] = string(r.Status)
	}
	return snapshotJSON{
		ReviewID:    snap.ReviewID,
		TaskContext: snap.TaskContext,
		Diff:        vcs.FormatUnifiedDiff(snap.Diff.Files),
		Learnings:   learnings,
		GateResults: gateResults,
	}
}
