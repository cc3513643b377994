// Package tokens estimates token counts and looks up model context windows.
// Estimation is a mixed-script heuristic rather than a real tokenizer: CJK
// text runs close to 1.5 characters per token while Latin text runs close to
// 4, so the two scripts are counted separately. The precision is good enough
// for prompt assembly decisions; exact accounting comes from provider usage
// reports after the call.
package tokens

import "strings"

// Count estimates the number of tokens in text. Empty text counts as zero;
// any non-empty text counts as at least one. CJK code points are weighted at
// 1.5 characters per token and all other runes at 4.
func Count(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5+float64(other)/4) + 1
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // Extension A
		return true
	case r >= 0x20000 && r <= 0x2A6DF: // Extension B
		return true
	case r >= 0x2A700 && r <= 0x2B73F: // Extensions C and D
		return true
	}
	return false
}

// DefaultContextWindow is the conservative fallback for unknown models.
const DefaultContextWindow = 32000

// modelWindow pairs a known model name with its context window. The table is
// ordered: prefix matching walks it top to bottom so more specific names
// (gpt-4o) win over their prefixes (gpt-4).
type modelWindow struct {
	name   string
	window int
}

var modelWindows = []modelWindow{
	// OpenAI
	{"gpt-4o", 128000},
	{"gpt-4o-mini", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo", 16385},
	{"gpt-3.5-turbo-16k", 16385},

	// Anthropic
	{"claude-3-5-sonnet-20241022", 200000},
	{"claude-3-5-sonnet", 200000},
	{"claude-3-opus", 200000},
	{"claude-3-sonnet", 200000},
	{"claude-3-haiku", 200000},
	{"claude-2", 100000},

	// DeepSeek
	{"deepseek-chat", 64000},
	{"deepseek-coder", 64000},
	{"deepseek-reasoner", 64000},

	// Qwen
	{"qwen-turbo", 131072},
	{"qwen-plus", 131072},
	{"qwen-max", 32768},
	{"qwen2.5-72b-instruct", 131072},

	// Kimi (Moonshot)
	{"moonshot-v1-8k", 8000},
	{"moonshot-v1-32k", 32000},
	{"moonshot-v1-128k", 128000},

	// GLM
	{"glm-4", 128000},
	{"glm-4-plus", 128000},
	{"glm-3-turbo", 128000},

	// Gemini
	{"gemini-2.5-flash", 1000000},
	{"gemini-3-flash-preview", 1000000},
	{"gemini-pro", 32000},

	// Grok
	{"grok-beta", 131072},
	{"grok-2", 131072},
}

// ContextWindow returns the context window size for the named model. The
// lookup is case-insensitive and tries, in order: exact match, prefix match
// in table order (in either direction, so dated snapshots of known models
// resolve too), a window hint embedded in the name such as "-128k", and
// finally DefaultContextWindow.
func ContextWindow(model string) int {
	if model == "" {
		return DefaultContextWindow
	}
	name := strings.ToLower(model)

	for _, mw := range modelWindows {
		if mw.name == name {
			return mw.window
		}
	}
	for _, mw := range modelWindows {
		if strings.HasPrefix(name, mw.name) || strings.HasPrefix(mw.name, name) {
			return mw.window
		}
	}
	for _, hint := range []struct {
		substr string
		window int
	}{
		{"128k", 128000},
		{"64k", 64000},
		{"32k", 32000},
		{"16k", 16000},
		{"8k", 8000},
	} {
		if strings.Contains(name, hint.substr) {
			return hint.window
		}
	}
	return DefaultContextWindow
}
