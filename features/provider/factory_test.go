package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/features/provider/anthropic"
	"github.com/atelier-ai/atelier/features/provider/mock"
	"github.com/atelier-ai/atelier/features/provider/openai"
	"github.com/atelier-ai/atelier/runtime/model"
	"github.com/atelier-ai/atelier/runtime/profile"
)

type taggedClient struct {
	name  string
	next  model.Client
	calls *[]string
}

func (c *taggedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	*c.calls = append(*c.calls, c.name)
	return c.next.Complete(ctx, req)
}

func (c *taggedClient) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	*c.calls = append(*c.calls, c.name)
	return c.next.Stream(ctx, req)
}

func TestFactorySelectsMock(t *testing.T) {
	client, err := Factory()(profile.Profile{ID: "writer", Kind: profile.KindMock, Model: "mock"})
	require.NoError(t, err)
	require.IsType(t, &mock.Client{}, client)
}

func TestFactorySelectsAnthropic(t *testing.T) {
	client, err := Factory()(profile.Profile{
		ID:         "writer",
		Kind:       profile.KindAnthropic,
		Credential: "sk-test",
		Model:      "claude-3-5-sonnet-20241022",
	})
	require.NoError(t, err)
	require.IsType(t, &anthropic.Client{}, client)
}

func TestFactorySelectsOpenAICompatible(t *testing.T) {
	kinds := []profile.Kind{
		profile.KindOpenAI,
		profile.KindDeepSeek,
		profile.KindGLM,
		profile.KindQwen,
		profile.KindKimi,
		profile.KindGrok,
		profile.KindGemini,
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			client, err := Factory()(profile.Profile{
				ID:         "writer",
				Kind:       kind,
				Credential: "sk-test",
			})
			require.NoError(t, err)
			require.IsType(t, &openai.Client{}, client)
		})
	}
}

func TestFactorySelectsCustom(t *testing.T) {
	client, err := Factory()(profile.Profile{
		ID:         "writer",
		Kind:       profile.KindCustom,
		Credential: "sk-test",
		BaseURL:    "https://llm.internal.example/v1",
		Model:      "in-house-7b",
	})
	require.NoError(t, err)
	require.IsType(t, &openai.Client{}, client)
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	_, err := Factory()(profile.Profile{ID: "writer", Kind: profile.Kind("telegraph")})
	require.ErrorContains(t, err, "unsupported provider kind")
}

func TestFactoryPropagatesAdapterErrors(t *testing.T) {
	_, err := Factory()(profile.Profile{
		ID:    "writer",
		Kind:  profile.KindAnthropic,
		Model: "claude-3-5-sonnet-20241022",
	})
	require.Error(t, err)
}

func TestFactoryAppliesMiddlewareInOrder(t *testing.T) {
	var calls []string
	tag := func(name string) Middleware {
		return func(next model.Client) model.Client {
			return &taggedClient{name: name, next: next, calls: &calls}
		}
	}

	factory := Factory(WithMiddleware(tag("outer")), WithMiddleware(tag("inner")))
	client, err := factory(profile.Profile{ID: "writer", Kind: profile.KindMock, Model: "mock"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{model.User("ping")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, calls)
}
