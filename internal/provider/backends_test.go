package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/markconroy/markie-sub000/internal/resilience"
	"github.com/markconroy/markie-sub000/pkg/anthropic"
	"github.com/markconroy/markie-sub000/pkg/openai"
)

func TestOpenAIBackend_VisionChat(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"[{\"value\":\"A dog\"}]"}}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	iv := NewInvoker(testDefaults, WithBackend(NewOpenAI("", openai.NewClient("k", openai.WithBaseURL(srv.URL)))))
	out, err := iv.Chat(context.Background(), Selection{Operation: OpChatVision, Provider: AliasDefaultVision},
		ChatInput{System: "be brief", Messages: []ChatMessage{{Role: "user", Text: "alt?", Images: []Binary{{Data: []byte("img"), Mime: "image/png"}}}}})
	require.NoError(t, err)
	assert.Equal(t, `[{"value":"A dog"}]`, out.Text)
	assert.Equal(t, int64(2), out.Usage.OutputTokens)

	req := gjson.ParseBytes(body)
	assert.Equal(t, "gpt-4o", req.Get("model").String())
	assert.Equal(t, "system", req.Get("messages.0.role").String())
	assert.Equal(t, "data:image/png;base64,aW1n", req.Get("messages.1.content.0.image_url.url").String())
	assert.Equal(t, int64(4096), req.Get("max_tokens").Int())
}

func TestOpenAIBackend_TransientStatusRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1]}]}`))
	}))
	defer srv.Close()

	iv := NewInvoker(testDefaults,
		WithBackend(NewOpenAI("openai", openai.NewClient("k", openai.WithBaseURL(srv.URL)))),
		WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}),
	)
	vec, err := iv.Embeddings(context.Background(), Selection{Provider: AliasDefault}, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1}, vec)
	assert.Equal(t, 2, calls)
}

func TestOpenAIBackend_SpeechDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := gjson.ParseBytes(mustRead(r))
		assert.Equal(t, "alloy", req.Get("voice").String())
		assert.Equal(t, "wav", req.Get("response_format").String())
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	iv := NewInvoker(nil, WithBackend(NewOpenAI("openai", openai.NewClient("k", openai.WithBaseURL(srv.URL)))))
	out, err := iv.TextToSpeech(context.Background(), Selection{Provider: "openai", Model: "tts-1", Config: map[string]any{"format": "wav"}}, "hi")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "audio/wav", out[0].Mime)
}

func TestAnthropicBackend_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := gjson.ParseBytes(mustRead(r))
		assert.Equal(t, "image", req.Get("messages.0.content.0.type").String())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929",
			"content":[{"type":"text","text":"[{\"value\":1}]"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	iv := NewInvoker(testDefaults, WithBackend(NewAnthropic(anthropic.NewClient("k", anthropic.WithBaseURL(srv.URL)))))
	out, err := iv.Chat(context.Background(), Selection{Operation: OpChatJSON, Provider: AliasDefaultJSON},
		UserInput("count", Binary{Data: []byte{1}, Mime: "image/jpeg"}))
	require.NoError(t, err)
	assert.Equal(t, `[{"value":1}]`, out.Text)
}

func TestClassify(t *testing.T) {
	err := classify(io.EOF, http.StatusBadGateway)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsTransient(classify(io.ErrUnexpectedEOF, http.StatusBadRequest)))
	assert.NoError(t, classify(nil, http.StatusBadGateway))
}

func mustRead(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}
