// Package gemini wraps the Google GenAI SDK for chat and embeddings.
package gemini

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

const defaultEmbeddingModel = "gemini-embedding-001"

// Client defines the Gemini operations used by the automator.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Embed(ctx context.Context, model, text string, dimensions int) ([]float32, error)
}

// Part is a text or inline binary part of a message.
type Part struct {
	Text string
	Data []byte
	Mime string
}

// Message is one turn of a conversation.
type Message struct {
	Role  string // "user" or "model"
	Parts []Part
}

// GenerateRequest is our own request type for Generate.
type GenerateRequest struct {
	Model           string
	System          string
	Messages        []Message
	Temperature     *float64
	MaxOutputTokens int
	JSON            bool
}

// GenerateResponse is the normalized generation result.
type GenerateResponse struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}

// Option configures the client.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPClient = hc
	}
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini API client.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, toContents(req.Messages), cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	out := &GenerateResponse{Text: resp.Text(), Model: req.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (c *sdkClient) Embed(ctx context.Context, model, text string, dimensions int) ([]float32, error) {
	if model == "" {
		model = defaultEmbeddingModel
	}
	cfg := &genai.EmbedContentConfig{}
	if dimensions > 0 {
		d := int32(dimensions)
		cfg.OutputDimensionality = &d
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	result, err := c.client.Models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: embed content")
	}
	if len(result.Embeddings) == 0 {
		return nil, eris.New("gemini: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

func toContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if len(p.Data) > 0 {
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.Mime))
				continue
			}
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
		role := genai.RoleUser
		if m.Role == "model" || m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(parts, genai.Role(role)))
	}
	return out
}
