// Package provider assembles model clients from provider profiles. It picks
// the adapter matching a profile's kind and layers any configured middleware
// on top, yielding a constructor the gateway calls once per cached client.
package provider

import (
	"fmt"

	"github.com/atelier-ai/atelier/features/provider/anthropic"
	"github.com/atelier-ai/atelier/features/provider/mock"
	"github.com/atelier-ai/atelier/features/provider/openai"
	"github.com/atelier-ai/atelier/runtime/model"
	"github.com/atelier-ai/atelier/runtime/profile"
)

// Middleware wraps a model.Client with additional behavior, such as adaptive
// rate limiting.
type Middleware func(model.Client) model.Client

// Option configures the factory.
type Option func(*options)

type options struct {
	middlewares []Middleware
}

// WithMiddleware layers mw onto every client the factory constructs. The
// first middleware registered becomes the outermost wrapper.
func WithMiddleware(mw Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mw)
	}
}

// Factory returns a constructor that builds the model client matching a
// profile's kind. Every kind except anthropic and mock speaks the OpenAI
// chat completions dialect and shares a single adapter.
func Factory(opts ...Option) func(profile.Profile) (model.Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(p profile.Profile) (model.Client, error) {
		client, err := build(p)
		if err != nil {
			return nil, err
		}
		// Apply in reverse so the first registered middleware wraps last and
		// therefore sees the request first.
		for i := len(o.middlewares) - 1; i >= 0; i-- {
			client = o.middlewares[i](client)
		}
		return client, nil
	}
}

func build(p profile.Profile) (model.Client, error) {
	switch p.Kind {
	case profile.KindMock:
		return mock.New(), nil
	case profile.KindAnthropic:
		return anthropic.NewFromProfile(p)
	case profile.KindOpenAI, profile.KindDeepSeek, profile.KindGLM, profile.KindQwen,
		profile.KindKimi, profile.KindGrok, profile.KindGemini, profile.KindCustom:
		return openai.NewFromProfile(p)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}
