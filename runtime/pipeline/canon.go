package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// DraftStore is the draft persistence collaborator. The controller reads
	// the latest version on feedback and finalize, and persists the final
	// draft on confirm.
	DraftStore interface {
		// LatestDraft returns the most recent draft version for a chapter,
		// or ErrNoDraft when none exists.
		LatestDraft(ctx context.Context, projectID, chapterID string) (Draft, error)
		// SaveFinal persists content as the chapter's final draft.
		SaveFinal(ctx context.Context, projectID, chapterID, content string) error
	}

	// Draft is one stored draft version.
	Draft struct {
		// Version names the draft revision, e.g. "v2".
		Version string
		// Content is the draft text.
		Content string
	}

	// Analyst runs the downstream analysis on a finalized draft: chapter
	// summary, canon extraction, and setting-change proposals. The analyst
	// owns its own persistence; the controller only sequences the calls.
	Analyst interface {
		// SummarizeChapter produces and stores the chapter summary. The
		// returned summary is informational.
		SummarizeChapter(ctx context.Context, projectID, chapterID, draft string) (string, error)
		// ExtractCanon returns the canon updates inferred from the draft as
		// a raw JSON document matching the canon schema.
		ExtractCanon(ctx context.Context, projectID, chapterID, draft string) ([]byte, error)
		// DetectProposals scans a draft for new setting entities worth a
		// card of their own.
		DetectProposals(ctx context.Context, projectID, draft string) ([]Proposal, error)
	}

	// CanonSink applies validated canon updates to the project's established
	// facts, timeline, and character states.
	CanonSink interface {
		Apply(ctx context.Context, projectID string, updates CanonUpdates) error
	}

	// CanonUpdates is the set of canon changes extracted from a finalized
	// chapter. Only documents that pass schema validation are ever applied.
	CanonUpdates struct {
		Facts           []Fact           `json:"facts"`
		TimelineEvents  []TimelineEvent  `json:"timeline_events"`
		CharacterStates []CharacterState `json:"character_states"`
	}

	// Fact is one established story fact.
	Fact struct {
		// Statement is the fact text, never empty.
		Statement string `json:"statement"`
		// Confidence is the extraction confidence in [0,1].
		Confidence float64 `json:"confidence"`
	}

	// TimelineEvent is one event on the story timeline.
	TimelineEvent struct {
		Time         string   `json:"time"`
		Event        string   `json:"event"`
		Participants []string `json:"participants"`
		Location     string   `json:"location"`
	}

	// CharacterState is the updated state of one character.
	CharacterState struct {
		Character      string            `json:"character"`
		Goals          []string          `json:"goals"`
		Injuries       []string          `json:"injuries"`
		Inventory      []string          `json:"inventory"`
		Relationships  map[string]string `json:"relationships"`
		Location       string            `json:"location"`
		EmotionalState string            `json:"emotional_state"`
	}

	// Proposal suggests a new setting card detected in a draft. The user
	// accepts or rejects proposals; rejected names are threaded back into
	// the next editing step.
	Proposal struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Rationale   string  `json:"rationale"`
		SourceText  string  `json:"source_text"`
		Confidence  float64 `json:"confidence"`
	}

	// canonDoc is the wire shape of a canon document. Confidence is a
	// pointer so an absent value defaults to 1.0 instead of 0.
	canonDoc struct {
		Facts []struct {
			Statement  string   `json:"statement"`
			Confidence *float64 `json:"confidence"`
		} `json:"facts"`
		TimelineEvents  []TimelineEvent  `json:"timeline_events"`
		CharacterStates []CharacterState `json:"character_states"`
	}
)

// canonSchema constrains canon documents produced by the analyst. Facts need
// a statement, character states a character name; confidence bounds are not
// enforced here because out-of-range values are clamped, not rejected.
const canonSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "facts": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "statement": {"type": "string"},
          "confidence": {"type": "number"}
        },
        "required": ["statement"]
      }
    },
    "timeline_events": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "time": {"type": "string"},
          "event": {"type": "string"},
          "participants": {"type": "array", "items": {"type": "string"}},
          "location": {"type": "string"}
        }
      }
    },
    "character_states": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "character": {"type": "string"},
          "goals": {"type": "array", "items": {"type": "string"}},
          "injuries": {"type": "array", "items": {"type": "string"}},
          "inventory": {"type": "array", "items": {"type": "string"}},
          "relationships": {"type": "object", "additionalProperties": {"type": "string"}},
          "location": {"type": "string"},
          "emotional_state": {"type": "string"}
        },
        "required": ["character"]
      }
    }
  }
}`

// Empty reports whether the update set carries no changes.
func (u CanonUpdates) Empty() bool {
	return len(u.Facts) == 0 && len(u.TimelineEvents) == 0 && len(u.CharacterStates) == 0
}

// decodeCanonUpdates validates a raw canon document against the schema and
// decodes it. Invalid documents are rejected in full, never partially
// applied. Facts with blank statements and states with blank character names
// are dropped; confidence defaults to 1.0 and is clamped into [0,1].
func decodeCanonUpdates(raw []byte) (CanonUpdates, error) {
	var schemaDoc any
	if err := json.Unmarshal([]byte(canonSchema), &schemaDoc); err != nil {
		return CanonUpdates{}, fmt.Errorf("unmarshal canon schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("canon.json", schemaDoc); err != nil {
		return CanonUpdates{}, fmt.Errorf("add canon schema resource: %w", err)
	}
	schema, err := c.Compile("canon.json")
	if err != nil {
		return CanonUpdates{}, fmt.Errorf("compile canon schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CanonUpdates{}, fmt.Errorf("unmarshal canon updates: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return CanonUpdates{}, fmt.Errorf("canon updates rejected: %w", err)
	}

	var wire canonDoc
	if err := json.Unmarshal(raw, &wire); err != nil {
		return CanonUpdates{}, fmt.Errorf("decode canon updates: %w", err)
	}

	var updates CanonUpdates
	for _, f := range wire.Facts {
		statement := strings.TrimSpace(f.Statement)
		if statement == "" {
			continue
		}
		confidence := 1.0
		if f.Confidence != nil {
			confidence = min(max(*f.Confidence, 0), 1)
		}
		updates.Facts = append(updates.Facts, Fact{Statement: statement, Confidence: confidence})
	}
	updates.TimelineEvents = wire.TimelineEvents
	for _, s := range wire.CharacterStates {
		s.Character = strings.TrimSpace(s.Character)
		if s.Character == "" {
			continue
		}
		updates.CharacterStates = append(updates.CharacterStates, s)
	}
	return updates, nil
}
