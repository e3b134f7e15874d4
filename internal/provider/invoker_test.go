package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/resilience"
)

type mockBackend struct {
	mock.Mock
	id string
}

func (m *mockBackend) ID() string { return m.id }

func (m *mockBackend) Configuration(op Operation, _ string) map[string]Param {
	if op == OpChat {
		return map[string]Param{
			"max_tokens":  {Type: ParamInteger, Default: 1024},
			"temperature": {Type: ParamFloat},
			"stream":      {Type: ParamBoolean},
		}
	}
	return nil
}

func (m *mockBackend) Chat(ctx context.Context, model string, in ChatInput, cfg map[string]any) (*ChatOutput, error) {
	args := m.Called(ctx, model, in, cfg)
	out, _ := args.Get(0).(*ChatOutput)
	return out, args.Error(1)
}

func (m *mockBackend) Embeddings(ctx context.Context, model, text string, cfg map[string]any) ([]float32, error) {
	args := m.Called(ctx, model, text, cfg)
	out, _ := args.Get(0).([]float32)
	return out, args.Error(1)
}

var testDefaults = map[Operation]Target{
	OpChat:       {Provider: "openai", Model: "gpt-4o-mini"},
	OpChatJSON:   {Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"},
	OpChatVision: {Provider: "openai", Model: "gpt-4o"},
	OpEmbeddings: {Provider: "openai", Model: "text-embedding-3-small"},
}

func TestResolve(t *testing.T) {
	iv := NewInvoker(testDefaults)

	tests := []struct {
		name    string
		sel     Selection
		want    Target
		wantErr bool
	}{
		{"concrete", Selection{Operation: OpChat, Provider: "gemini", Model: "gemini-2.0-flash"}, Target{"gemini", "gemini-2.0-flash"}, false},
		{"empty provider uses op default", Selection{Operation: OpChat}, testDefaults[OpChat], false},
		{"default provider", Selection{Operation: OpEmbeddings, Provider: AliasDefault}, testDefaults[OpEmbeddings], false},
		{"default_json", Selection{Operation: OpChat, Provider: AliasDefaultJSON}, testDefaults[OpChatJSON], false},
		{"default_vision", Selection{Operation: OpChat, Provider: AliasDefaultVision, Model: "ignored"}, testDefaults[OpChatVision], false},
		{"model sentinel with matching provider", Selection{Operation: OpChat, Provider: "openai", Model: AliasDefault}, testDefaults[OpChat], false},
		{"model sentinel json", Selection{Operation: OpChat, Provider: "anthropic", Model: AliasDefaultJSON}, testDefaults[OpChatJSON], false},
		{"model sentinel with other provider", Selection{Operation: OpChat, Provider: "gemini", Model: AliasDefault}, Target{}, true},
		{"no default configured", Selection{Operation: OpTextToSpeech}, Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := iv.Resolve(tt.sel)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCastConfig(t *testing.T) {
	params := map[string]Param{
		"max_tokens":  {Type: ParamInteger, Default: 1024},
		"temperature": {Type: ParamFloat},
		"stream":      {Type: ParamBoolean},
		"stop":        {Type: ParamArray},
		"voice":       {Type: ParamString},
	}
	got, err := CastConfig(params, map[string]any{
		"temperature": "0.3",
		"stream":      "1",
		"stop":        []any{"a", "b"},
		"voice":       7,
		"undeclared":  "dropped",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"max_tokens":  1024,
		"temperature": 0.3,
		"stream":      true,
		"stop":        []string{"a", "b"},
		"voice":       "7",
	}, got)

	_, err = CastConfig(params, map[string]any{"max_tokens": "many"})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestChat_DispatchesResolvedModelWithCastConfig(t *testing.T) {
	b := &mockBackend{id: "openai"}
	in := UserInput("hello")
	b.On("Chat", mock.Anything, "gpt-4o-mini", in, map[string]any{"max_tokens": 200, "temperature": 0.5}).
		Return(&ChatOutput{Text: "hi"}, nil).Once()

	iv := NewInvoker(testDefaults, WithBackend(b))
	out, err := iv.Chat(context.Background(), Selection{
		Operation: OpChat,
		Provider:  AliasDefault,
		Config:    map[string]any{"max_tokens": "200", "temperature": 0.5},
	}, in)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Text)
	assert.Equal(t, "gpt-4o-mini", out.Model)
	b.AssertExpectations(t)
}

func TestChat_UnknownProvider(t *testing.T) {
	iv := NewInvoker(testDefaults)
	_, err := iv.Chat(context.Background(), Selection{Operation: OpChat, Provider: "nope", Model: "x"}, UserInput("hi"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestUnsupportedOperation(t *testing.T) {
	iv := NewInvoker(testDefaults, WithBackend(&mockBackend{id: "openai"}))
	_, err := iv.TextToImage(context.Background(), Selection{Provider: "openai", Model: "dall-e-3"}, "a fox")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "does not support text_to_image")
}

func TestChat_RetriesTransient(t *testing.T) {
	b := &mockBackend{id: "openai"}
	transient := resilience.NewTransientError(errors.New("503"), 503)
	b.On("Chat", mock.Anything, "gpt-4o", mock.Anything, mock.Anything).Return(nil, transient).Once()
	b.On("Chat", mock.Anything, "gpt-4o", mock.Anything, mock.Anything).Return(&ChatOutput{Text: "ok"}, nil).Once()

	iv := NewInvoker(testDefaults, WithBackend(b), WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}))
	out, err := iv.Chat(context.Background(), Selection{Operation: OpChat, Provider: "openai", Model: "gpt-4o"}, UserInput("x"))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	b.AssertNumberOfCalls(t, "Chat", 2)
}

func TestChat_PermanentErrorNotRetried(t *testing.T) {
	b := &mockBackend{id: "openai"}
	b.On("Chat", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key"))

	iv := NewInvoker(testDefaults, WithBackend(b))
	_, err := iv.Chat(context.Background(), Selection{Operation: OpChat, Provider: "openai", Model: "gpt-4o"}, UserInput("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.False(t, IsConfigError(err))
	b.AssertNumberOfCalls(t, "Chat", 1)
}

func TestChat_CircuitOpens(t *testing.T) {
	b := &mockBackend{id: "openai"}
	b.On("Chat", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	iv := NewInvoker(testDefaults, WithBackend(b),
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
		WithCircuit(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}),
	)
	sel := Selection{Operation: OpChat, Provider: "openai", Model: "gpt-4o"}
	for i := 0; i < 2; i++ {
		_, err := iv.Chat(context.Background(), sel, UserInput("x"))
		require.Error(t, err)
	}
	_, err := iv.Chat(context.Background(), sel, UserInput("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	b.AssertNumberOfCalls(t, "Chat", 2)
}

func TestEmbeddings_RateLimited(t *testing.T) {
	b := &mockBackend{id: "openai"}
	b.On("Embeddings", mock.Anything, "text-embedding-3-small", "q", map[string]any{}).Return([]float32{1, 0}, nil)

	iv := NewInvoker(testDefaults, WithBackend(b), WithRateLimit("openai", 1000, 1))
	for i := 0; i < 3; i++ {
		vec, err := iv.Embeddings(context.Background(), Selection{}, "q")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0}, vec)
	}
	assert.Equal(t, []string{"openai"}, iv.Providers())
}
