// Package provider resolves logical provider/model selections to concrete
// model backends and dispatches typed requests to them.
package provider

import (
	"context"
	"encoding/base64"
)

// Operation is the type of model call.
type Operation string

const (
	OpChat         Operation = "chat"
	OpChatJSON     Operation = "chat_with_complex_json"
	OpChatVision   Operation = "chat_with_image_vision"
	OpSpeechToText Operation = "speech_to_text"
	OpTextToImage  Operation = "text_to_image"
	OpTextToSpeech Operation = "text_to_speech"
	OpEmbeddings   Operation = "embeddings"
)

// Call returns the backend call type for an operation. The JSON and vision
// chat variants are served by the chat call.
func (o Operation) Call() Operation {
	switch o {
	case OpChatJSON, OpChatVision:
		return OpChat
	}
	return o
}

// Binary is a blob exchanged with a provider (image, audio, video).
type Binary struct {
	Data     []byte
	Mime     string
	Filename string
}

// Base64 returns the standard base64 encoding of the data.
func (b Binary) Base64() string {
	return base64.StdEncoding.EncodeToString(b.Data)
}

// DataURL returns the data as a data: URL.
func (b Binary) DataURL() string {
	return "data:" + b.Mime + ";base64," + b.Base64()
}

// ChatMessage is one message of a chat input. Images are attached inline.
type ChatMessage struct {
	Role   string
	Text   string
	Images []Binary
}

// ChatInput is the request for a chat call.
type ChatInput struct {
	System   string
	Messages []ChatMessage
}

// UserInput builds a single user message input.
func UserInput(prompt string, images ...Binary) ChatInput {
	return ChatInput{Messages: []ChatMessage{{Role: "user", Text: prompt, Images: images}}}
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ChatOutput is the normalized response of a chat call.
type ChatOutput struct {
	Text  string
	Model string
	Usage Usage
}

// ParamType is the declared type of a provider configuration parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
)

// Param declares one configuration parameter a backend accepts.
type Param struct {
	Type    ParamType
	Default any
}

// Backend is a model provider.
type Backend interface {
	ID() string
	// Configuration lists the parameters accepted for an operation/model.
	Configuration(op Operation, model string) map[string]Param
}

// Chatter serves chat calls.
type Chatter interface {
	Chat(ctx context.Context, model string, in ChatInput, cfg map[string]any) (*ChatOutput, error)
}

// Transcriber serves speech-to-text calls.
type Transcriber interface {
	SpeechToText(ctx context.Context, model string, audio Binary, cfg map[string]any) (string, error)
}

// ImageGenerator serves text-to-image calls.
type ImageGenerator interface {
	TextToImage(ctx context.Context, model, prompt string, cfg map[string]any) ([]Binary, error)
}

// SpeechGenerator serves text-to-speech calls.
type SpeechGenerator interface {
	TextToSpeech(ctx context.Context, model, text string, cfg map[string]any) ([]Binary, error)
}

// Embedder serves embedding calls.
type Embedder interface {
	Embeddings(ctx context.Context, model, text string, cfg map[string]any) ([]float32, error)
}

// Selection identifies what to call: the operation plus the provider and
// model as configured on a rule, either of which may be an alias.
type Selection struct {
	Operation Operation
	Provider  string
	Model     string
	// Config holds raw options, cast against the backend's declared
	// parameters before dispatch.
	Config map[string]any
}
