package pipeline

import (
	"context"
	"fmt"

	"github.com/atelier-ai/atelier/runtime/profile"
)

type (
	// Agent is one pipeline step. The four roles implement the same contract
	// so the controller treats them interchangeably: it builds a Task,
	// awaits the tagged Result, and advances or halts.
	Agent interface {
		Execute(ctx context.Context, task Task) (Result, error)
	}

	// Agents binds a concrete agent to each pipeline role. All four are
	// required.
	Agents struct {
		Archivist Agent
		Writer    Agent
		Reviewer  Agent
		Editor    Agent
	}

	// Task carries the inputs of one step. Fields beyond the ids are filled
	// per role: the writer receives the brief, the reviewer and editor the
	// draft version, the editor additionally the review notes and any user
	// feedback.
	Task struct {
		ProjectID string
		ChapterID string

		// Meta describes the chapter being written. Set for the archivist
		// and writer steps.
		Meta ChapterMeta

		// Brief is the archivist's scene brief, input to the writer.
		Brief string

		// DraftVersion names the draft under review/revision, e.g. "v1".
		DraftVersion string

		// ReviewNotes is the reviewer's critique, input to the editor.
		ReviewNotes string

		// Feedback is the user's revision request, present on feedback
		// iterations only.
		Feedback string

		// RejectedItems lists proposal names the user declined, threaded
		// into the editing step so they are not reintroduced.
		RejectedItems []string

		// Iteration is the feedback round, 0 for the initial run.
		Iteration int
	}

	// ChapterMeta describes the chapter a session produces.
	ChapterMeta struct {
		// Title is the chapter title.
		Title string
		// Goal states what the chapter must accomplish.
		Goal string
		// TargetWordCount is the desired draft length. Zero lets the agent
		// pick its default.
		TargetWordCount int
		// Characters optionally restricts which character cards are pulled
		// into context.
		Characters []string
	}

	// Result is the tagged outcome of one step. Success=false halts the
	// session; the other fields are populated per role.
	Result struct {
		// Success reports whether the step produced its artifact.
		Success bool
		// Message explains a failure, or carries informational notes.
		Message string
		// Brief is the archivist's scene brief.
		Brief string
		// Draft is the produced or revised draft text.
		Draft string
		// Version names the stored draft version, e.g. "v2".
		Version string
		// Review is the reviewer's critique.
		Review string
	}
)

func (a Agents) validate() error {
	for _, slot := range []struct {
		role  profile.Role
		agent Agent
	}{
		{profile.RoleArchivist, a.Archivist},
		{profile.RoleWriter, a.Writer},
		{profile.RoleReviewer, a.Reviewer},
		{profile.RoleEditor, a.Editor},
	} {
		if slot.agent == nil {
			return fmt.Errorf("pipeline: %s agent is required", slot.role)
		}
	}
	return nil
}
