// Package openai is a small client for OpenAI-compatible APIs: chat
// completions, audio transcription, speech, image generation and embeddings.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client performs calls against an OpenAI-compatible API.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error)
	Transcribe(ctx context.Context, req TranscriptionRequest) (string, error)
	Speech(ctx context.Context, req SpeechRequest) ([]byte, error)
	GenerateImages(ctx context.Context, req ImageRequest) ([][]byte, error)
	Embeddings(ctx context.Context, req EmbeddingRequest) ([]float32, error)
}

// ChatCompletionRequest is the request body for POST /chat/completions.
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat requests structured output, e.g. {"type": "json_object"}.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Message represents a single message in the conversation. Content is either
// a string or a list of ContentPart.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one part of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// VisionMessage builds a user message with inline images followed by text.
func VisionMessage(text string, dataURLs ...string) Message {
	parts := make([]ContentPart, 0, len(dataURLs)+1)
	for _, u := range dataURLs {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: u}})
	}
	parts = append(parts, ContentPart{Type: "text", Text: text})
	return Message{Role: "user", Content: parts}
}

// ChatCompletionResponse is the response from POST /chat/completions.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Text returns the content of the first choice.
func (r *ChatCompletionResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Choice is a single completion choice.
type Choice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TranscriptionRequest is the multipart request for POST
// /audio/transcriptions.
type TranscriptionRequest struct {
	Model    string
	Filename string
	Audio    []byte
	Language string
	Prompt   string
}

// SpeechRequest is the request body for POST /audio/speech.
type SpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// ImageRequest is the request body for POST /images/generations.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// EmbeddingRequest is the request body for POST /embeddings.
type EmbeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
	// Wait is the Retry-After header, when the server sent one in seconds.
	Wait time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Body)
}

// RetryAfter returns the wait requested by the server.
func (e *StatusError) RetryAfter() time.Duration {
	return e.Wait
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an OpenAI-compatible API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	var result ChatCompletionResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return "", eris.Wrap(err, "openai: create form file")
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return "", eris.Wrap(err, "openai: write form file")
	}
	fields := map[string]string{"model": req.Model, "language": req.Language, "prompt": req.Prompt}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return "", eris.Wrapf(err, "openai: write field %s", k)
		}
	}
	if err := w.Close(); err != nil {
		return "", eris.Wrap(err, "openai: close multipart")
	}

	body, err := c.do(ctx, "/audio/transcriptions", w.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", eris.Wrap(err, "openai: unmarshal transcription")
	}
	return result.Text, nil
}

func (c *httpClient) Speech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "openai: marshal request")
	}
	return c.do(ctx, "/audio/speech", "application/json", bytes.NewReader(b))
}

func (c *httpClient) GenerateImages(ctx context.Context, req ImageRequest) ([][]byte, error) {
	if req.ResponseFormat == "" {
		req.ResponseFormat = "b64_json"
	}
	var result struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "/images/generations", req, &result); err != nil {
		return nil, err
	}
	images := make([][]byte, 0, len(result.Data))
	for i, d := range result.Data {
		img, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, eris.Wrapf(err, "openai: decode image %d", i)
		}
		images = append(images, img)
	}
	return images, nil
}

func (c *httpClient) Embeddings(ctx context.Context, req EmbeddingRequest) ([]float32, error) {
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "/embeddings", req, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, eris.New("openai: empty embeddings response")
	}
	return result.Data[0].Embedding, nil
}

func (c *httpClient) postJSON(ctx context.Context, path string, req, out any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "openai: marshal request")
	}
	body, err := c.do(ctx, path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "openai: unmarshal response")
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "openai: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "openai: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.Wait = time.Duration(secs) * time.Second
		}
		return nil, se
	}
	return respBody, nil
}
