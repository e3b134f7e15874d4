package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/resilience"
	"github.com/markconroy/markie-sub000/pkg/anthropic"
	"github.com/markconroy/markie-sub000/pkg/gemini"
	"github.com/markconroy/markie-sub000/pkg/openai"
)

var chatParams = map[string]Param{
	"max_tokens":  {Type: ParamInteger, Default: 4096},
	"temperature": {Type: ParamFloat},
	"top_p":       {Type: ParamFloat},
}

// classify marks retryable HTTP failures as transient.
func classify(err error, status int) error {
	if err != nil && resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return err
}

func optFloat(cfg map[string]any, key string) *float64 {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	f := cast.ToFloat64(v)
	return &f
}

// Anthropic serves chat (and vision chat) through the Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic wraps an Anthropic client.
func NewAnthropic(c anthropic.Client) *Anthropic {
	return &Anthropic{client: c}
}

func (a *Anthropic) ID() string { return "anthropic" }

func (a *Anthropic) Configuration(op Operation, _ string) map[string]Param {
	if op == OpChat {
		return chatParams
	}
	return nil
}

func (a *Anthropic) Chat(ctx context.Context, model string, in ChatInput, cfg map[string]any) (*ChatOutput, error) {
	msgs := make([]anthropic.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		msg := anthropic.Message{Role: m.Role, Content: m.Text}
		for _, img := range m.Images {
			msg.Images = append(msg.Images, anthropic.Image{MediaType: img.Mime, Data: img.Base64()})
		}
		msgs = append(msgs, msg)
	}
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   cast.ToInt64(cfg["max_tokens"]),
		System:      in.System,
		Messages:    msgs,
		Temperature: optFloat(cfg, "temperature"),
		TopP:        optFloat(cfg, "top_p"),
	})
	if err != nil {
		return nil, classify(err, anthropic.StatusCode(err))
	}
	resp.Usage.LogCost(model, string(OpChat))
	return &ChatOutput{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}

// OpenAI serves every operation against an OpenAI-compatible API.
type OpenAI struct {
	id     string
	client openai.Client
}

// NewOpenAI wraps an OpenAI-compatible client. id defaults to "openai" and
// lets several compatible hosts be registered side by side.
func NewOpenAI(id string, c openai.Client) *OpenAI {
	if id == "" {
		id = "openai"
	}
	return &OpenAI{id: id, client: c}
}

func (o *OpenAI) ID() string { return o.id }

func (o *OpenAI) Configuration(op Operation, model string) map[string]Param {
	switch op {
	case OpChat:
		return chatParams
	case OpSpeechToText:
		return map[string]Param{"language": {Type: ParamString}, "prompt": {Type: ParamString}}
	case OpTextToSpeech:
		return map[string]Param{
			"voice":  {Type: ParamString, Default: "alloy"},
			"format": {Type: ParamString, Default: "mp3"},
			"speed":  {Type: ParamFloat},
		}
	case OpTextToImage:
		params := map[string]Param{
			"size": {Type: ParamString, Default: "1024x1024"},
			"n":    {Type: ParamInteger, Default: 1},
		}
		if strings.HasPrefix(model, "dall-e-3") || strings.HasPrefix(model, "gpt-image") {
			params["quality"] = Param{Type: ParamString}
		}
		return params
	case OpEmbeddings:
		return map[string]Param{"dimensions": {Type: ParamInteger}}
	}
	return nil
}

func openAIStatus(err error) int {
	var se *openai.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func (o *OpenAI) Chat(ctx context.Context, model string, in ChatInput, cfg map[string]any) (*ChatOutput, error) {
	msgs := make([]openai.Message, 0, len(in.Messages)+1)
	if in.System != "" {
		msgs = append(msgs, openai.TextMessage("system", in.System))
	}
	for _, m := range in.Messages {
		if len(m.Images) == 0 {
			msgs = append(msgs, openai.TextMessage(m.Role, m.Text))
			continue
		}
		urls := make([]string, len(m.Images))
		for i, img := range m.Images {
			urls[i] = img.DataURL()
		}
		msgs = append(msgs, openai.VisionMessage(m.Text, urls...))
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: optFloat(cfg, "temperature"),
		TopP:        optFloat(cfg, "top_p"),
	}
	if v, ok := cfg["max_tokens"]; ok {
		n := cast.ToInt(v)
		req.MaxTokens = &n
	}
	resp, err := o.client.ChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err, openAIStatus(err))
	}
	return &ChatOutput{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: Usage{InputTokens: int64(resp.Usage.PromptTokens), OutputTokens: int64(resp.Usage.CompletionTokens)},
	}, nil
}

func (o *OpenAI) SpeechToText(ctx context.Context, model string, audio Binary, cfg map[string]any) (string, error) {
	filename := audio.Filename
	if filename == "" {
		filename = "audio.mp3"
	}
	text, err := o.client.Transcribe(ctx, openai.TranscriptionRequest{
		Model:    model,
		Filename: filename,
		Audio:    audio.Data,
		Language: cast.ToString(cfg["language"]),
		Prompt:   cast.ToString(cfg["prompt"]),
	})
	if err != nil {
		return "", classify(err, openAIStatus(err))
	}
	return text, nil
}

func (o *OpenAI) TextToImage(ctx context.Context, model, prompt string, cfg map[string]any) ([]Binary, error) {
	images, err := o.client.GenerateImages(ctx, openai.ImageRequest{
		Model:   model,
		Prompt:  prompt,
		N:       cast.ToInt(cfg["n"]),
		Size:    cast.ToString(cfg["size"]),
		Quality: cast.ToString(cfg["quality"]),
	})
	if err != nil {
		return nil, classify(err, openAIStatus(err))
	}
	out := make([]Binary, len(images))
	for i, img := range images {
		out[i] = Binary{Data: img, Mime: http.DetectContentType(img)}
	}
	return out, nil
}

func (o *OpenAI) TextToSpeech(ctx context.Context, model, text string, cfg map[string]any) ([]Binary, error) {
	format := cast.ToString(cfg["format"])
	audio, err := o.client.Speech(ctx, openai.SpeechRequest{
		Model:          model,
		Input:          text,
		Voice:          cast.ToString(cfg["voice"]),
		ResponseFormat: format,
		Speed:          cast.ToFloat64(cfg["speed"]),
	})
	if err != nil {
		return nil, classify(err, openAIStatus(err))
	}
	return []Binary{{Data: audio, Mime: audioMime(format)}}, nil
}

func audioMime(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	default:
		return "audio/mpeg"
	}
}

func (o *OpenAI) Embeddings(ctx context.Context, model, text string, cfg map[string]any) ([]float32, error) {
	vec, err := o.client.Embeddings(ctx, openai.EmbeddingRequest{
		Model:      model,
		Input:      text,
		Dimensions: cast.ToInt(cfg["dimensions"]),
	})
	if err != nil {
		return nil, classify(err, openAIStatus(err))
	}
	return vec, nil
}

// Gemini serves chat and embeddings through the GenAI SDK.
type Gemini struct {
	client gemini.Client
}

// NewGemini wraps a Gemini client.
func NewGemini(c gemini.Client) *Gemini {
	return &Gemini{client: c}
}

func (g *Gemini) ID() string { return "gemini" }

func (g *Gemini) Configuration(op Operation, _ string) map[string]Param {
	switch op {
	case OpChat:
		return map[string]Param{
			"max_tokens":  {Type: ParamInteger},
			"temperature": {Type: ParamFloat},
			"json":        {Type: ParamBoolean},
		}
	case OpEmbeddings:
		return map[string]Param{"dimensions": {Type: ParamInteger}}
	}
	return nil
}

func (g *Gemini) Chat(ctx context.Context, model string, in ChatInput, cfg map[string]any) (*ChatOutput, error) {
	msgs := make([]gemini.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		parts := make([]gemini.Part, 0, len(m.Images)+1)
		for _, img := range m.Images {
			parts = append(parts, gemini.Part{Data: img.Data, Mime: img.Mime})
		}
		parts = append(parts, gemini.Part{Text: m.Text})
		msgs = append(msgs, gemini.Message{Role: m.Role, Parts: parts})
	}
	resp, err := g.client.Generate(ctx, gemini.GenerateRequest{
		Model:           model,
		System:          in.System,
		Messages:        msgs,
		Temperature:     optFloat(cfg, "temperature"),
		MaxOutputTokens: cast.ToInt(cfg["max_tokens"]),
		JSON:            cast.ToBool(cfg["json"]),
	})
	if err != nil {
		return nil, classify(err, gemini.StatusCode(err))
	}
	return &ChatOutput{
		Text:  resp.Text,
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	}, nil
}

func (g *Gemini) Embeddings(ctx context.Context, model, text string, cfg map[string]any) ([]float32, error) {
	vec, err := g.client.Embed(ctx, model, text, cast.ToInt(cfg["dimensions"]))
	if err != nil {
		return nil, classify(err, gemini.StatusCode(err))
	}
	return vec, nil
}
