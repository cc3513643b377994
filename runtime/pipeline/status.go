package pipeline

// Status is the session state visible to callers and progress sinks. A run
// walks the writing statuses strictly in order; completed and error are
// terminal until a new Start or an explicit Cancel.
type Status string

const (
	// StatusIdle means no session is active.
	StatusIdle Status = "idle"
	// StatusGeneratingBrief means the archivist is compiling the scene brief.
	StatusGeneratingBrief Status = "generating_brief"
	// StatusWritingDraft means the writer is producing the draft.
	StatusWritingDraft Status = "writing_draft"
	// StatusReviewing means the reviewer is evaluating the draft.
	StatusReviewing Status = "reviewing"
	// StatusEditing means the editor is revising the draft.
	StatusEditing Status = "editing"
	// StatusWaitingFeedback means the pipeline paused for user feedback.
	StatusWaitingFeedback Status = "waiting_feedback"
	// StatusCompleted means the chapter was finalized.
	StatusCompleted Status = "completed"
	// StatusError means a step failed and the session halted.
	StatusError Status = "error"
)
