// Package mock provides an offline model.Client that answers from canned
// fixtures. Prompts are routed on marker keywords so each pipeline role gets
// a structurally valid reply (pre-writing questions as JSON, summaries and
// canon updates as YAML, plain prose otherwise) without any network call.
// Usage is always zero, so counters and budgets stay inert in offline runs.
package mock

import (
	"context"
	"io"
	"strings"

	"github.com/atelier-ai/atelier/runtime/model"
)

// Client implements model.Client with deterministic canned responses.
type Client struct{}

// New returns an offline mock client.
func New() *Client { return &Client{} }

// Complete returns the canned content selected by the request's keywords.
func (c *Client) Complete(_ context.Context, req model.Request) (model.Response, error) {
	return model.Response{
		Content:      contentFor(req.Messages),
		Model:        "mock",
		FinishReason: "stop",
	}, nil
}

// Stream yields the same canned content in fixed-size rune chunks followed
// by a stop chunk, mimicking the shape of a real provider stream.
func (c *Client) Stream(_ context.Context, req model.Request) (model.Streamer, error) {
	return &streamer{text: []rune(contentFor(req.Messages))}, nil
}

// chunkRunes is the streaming chunk size in runes, not bytes, so multi-byte
// text is never split mid-character.
const chunkRunes = 80

type streamer struct {
	text []rune
	pos  int
	done bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	if s.pos < len(s.text) {
		end := s.pos + chunkRunes
		if end > len(s.text) {
			end = len(s.text)
		}
		chunk := model.Chunk{Type: model.ChunkTypeText, Text: string(s.text[s.pos:end])}
		s.pos = end
		return chunk, nil
	}
	if !s.done {
		s.done = true
		return model.Chunk{Type: model.ChunkTypeStop, StopReason: "stop"}, nil
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error { return nil }

// contentFor routes the concatenated conversation text to a fixture. The
// match is case-insensitive and ordered: the first rule whose keywords all
// appear wins, so prompts that mention several formats still get a single
// deterministic answer.
func contentFor(messages []model.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	text := strings.ToLower(b.String())

	switch {
	case hasAll(text, "json", "type", "plot_point", "text"):
		return preWritingQuestions
	case hasAll(text, "yaml", "new_facts", "brief_summary", "key_events"):
		return chapterSummary
	case hasAll(text, "yaml", "facts:", "timeline_events", "character_states"):
		return canonUpdates
	case hasAll(text, "yaml", "volume_id", "chapter_count", "major_events"):
		return volumeSummary
	case hasAll(text, "json", "name", "type", "description") &&
		(strings.Contains(text, "character") || strings.Contains(text, "world")):
		return settingCard
	default:
		return draftFallback
	}
}

func hasAll(text string, keywords ...string) bool {
	for _, k := range keywords {
		if !strings.Contains(text, k) {
			return false
		}
	}
	return true
}

const (
	// preWritingQuestions answers prompts asking for pre-writing questions
	// as a JSON list of typed entries.
	preWritingQuestions = `[{"type":"plot_point","text":"本章必须完成的关键事件是什么？请给出一个可落地场景。"},{"type":"character_change","text":"主角此章情绪或动机要发生什么变化？"},{"type":"detail_gap","text":"地点、时间或关键道具还有哪些细节需要先确认？"}]`

	// chapterSummary answers chapter summarization prompts in YAML.
	chapterSummary = `chapter: V1C1
title: Mock章节
word_count: 1200
key_events:
  - 主角在旧城区获得关键线索
  - 主角与同伴发生立场分歧
new_facts:
  - 旧城区地下网络由灰潮会控制
  - 主角掌握了进入档案库的临时口令
character_state_changes:
  - 主角对同伴的信任下降
open_loops:
  - 口令有效期尚未确认
brief_summary: 主角在追查中取得突破，但团队关系出现裂痕。
`

	// canonUpdates answers canon extraction prompts in YAML.
	canonUpdates = `facts:
  - statement: 旧城区地下网络由灰潮会控制
    confidence: 0.9
  - statement: 主角获得进入档案库的临时口令
    confidence: 0.85
timeline_events:
  - time: 当夜
    event: 主角潜入旧城区取得情报
    participants: [主角, 同伴]
    location: 旧城区
character_states:
  - character: 主角
    goals: [进入档案库]
    injuries: []
    inventory: [临时口令]
    relationships: {同伴: 信任下降}
    location: 旧城区
    emotional_state: 警惕
`

	// volumeSummary answers volume rollup prompts in YAML.
	volumeSummary = `volume_id: V1
brief_summary: 主线围绕调查旧城区势力展开，冲突持续升级。
key_themes:
  - 信任与背叛
major_events:
  - 主角获取关键情报
chapter_count: 3
`

	// settingCard answers card extraction prompts with a JSON object.
	settingCard = `{"name":"Mock角色","type":"Character","description":"该角色身份明确，行动目标稳定。外在特征鲜明，言行克制。与主角存在持续博弈关系，是推动主线冲突的关键人物。"}`

	// draftFallback serves every prompt no rule matches.
	draftFallback = "Mock内容生成：根据输入的提示词，返回了这段文本。可以按需调整 mock 包的固定回复，以便测试不同的场景和功能。"
)
