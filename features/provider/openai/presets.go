package openai

import "github.com/atelier-ai/atelier/runtime/profile"

// Preset carries the endpoint defaults for one OpenAI-compatible provider
// family. The adapter itself is identical across families; only the base URL
// and the fallback model differ.
type Preset struct {
	// BaseURL is the API endpoint. Empty means the SDK default
	// (api.openai.com).
	BaseURL string
	// DefaultModel is used when the profile does not name a model.
	DefaultModel string
}

var presets = map[profile.Kind]Preset{
	profile.KindOpenAI:   {DefaultModel: "gpt-4o"},
	profile.KindDeepSeek: {BaseURL: "https://api.deepseek.com", DefaultModel: "deepseek-chat"},
	profile.KindGLM:      {BaseURL: "https://open.bigmodel.cn/api/paas/v4", DefaultModel: "glm-4"},
	profile.KindQwen:     {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", DefaultModel: "qwen-turbo"},
	profile.KindKimi:     {BaseURL: "https://api.moonshot.cn/v1", DefaultModel: "moonshot-v1-8k"},
	profile.KindGrok:     {BaseURL: "https://api.x.ai/v1", DefaultModel: "grok-beta"},
	profile.KindGemini:   {BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/", DefaultModel: "gemini-1.5-pro"},
}

// PresetFor returns the endpoint preset for an OpenAI-compatible profile
// kind. ok is false for kinds this adapter has no preset for; KindCustom is
// deliberately absent because custom profiles carry their own endpoint.
func PresetFor(kind profile.Kind) (Preset, bool) {
	p, ok := presets[kind]
	return p, ok
}
