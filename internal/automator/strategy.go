package automator

import (
	"context"
	"errors"
	"strings"

	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/provider"
)

// JSONInstruction is appended to every prompt that expects a JSON answer.
const JSONInstruction = "\n\nDo not include any explanations, only provide a RFC8259 compliant JSON response following this format without deviation.\n"

// DefaultFormat is the answer shape requested from simple value strategies.
const DefaultFormat = `[{"value": "requested value"}]`

// Text field kinds most strategies accept as source.
var TextInputs = []string{"text_long", "text", "string", "string_long", "text_with_summary"}

// Strategy generates, verifies and stores values for one kind of target
// field.
type Strategy interface {
	ID() string
	Title() string
	// AllowedInputs lists the source field kinds the strategy can read.
	AllowedInputs() []string
	// RuleIsAllowed gates the strategy for a record and target field.
	RuleIsAllowed(rec *model.Record, field model.FieldDefinition) bool
	NeedsPrompt() bool
	AdvancedMode() bool
	PlaceholderText() string
	// TokenHelp describes the prompt tokens the strategy provides.
	TokenHelp() map[string]string
	// CheckIfEmpty returns the current value when it should count as
	// populated, or nothing when generation should run.
	CheckIfEmpty(current []model.Item, rule model.Rule) []model.Item
	Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error)
	Verify(ctx context.Context, rec *model.Record, value any, field model.FieldDefinition, rule model.Rule) bool
	Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error
}

// Models is the model invocation surface strategies use.
type Models interface {
	Chat(ctx context.Context, sel provider.Selection, in provider.ChatInput) (*provider.ChatOutput, error)
	SpeechToText(ctx context.Context, sel provider.Selection, audio provider.Binary) (string, error)
	TextToImage(ctx context.Context, sel provider.Selection, prompt string) ([]provider.Binary, error)
	TextToSpeech(ctx context.Context, sel provider.Selection, text string) ([]provider.Binary, error)
	Embeddings(ctx context.Context, sel provider.Selection, text string) ([]float32, error)
}

// ImageLoader loads the images referenced by an image field item.
type ImageLoader interface {
	LoadImage(ctx context.Context, item model.Item) (provider.Binary, error)
}

// Env carries the collaborators shared by every strategy.
type Env struct {
	Models   Models
	Renderer TokenRenderer
	Images   ImageLoader
}

// Base implements the defaults of Strategy. Concrete strategies embed it and
// override what they need; Generate is always their own.
type Base struct {
	Env
	id    string
	title string
}

// NewBase creates a Base.
func NewBase(env Env, id, title string) Base {
	return Base{Env: env, id: id, title: title}
}

func (b *Base) ID() string    { return b.id }
func (b *Base) Title() string { return b.title }

func (b *Base) AllowedInputs() []string { return TextInputs }

func (b *Base) RuleIsAllowed(*model.Record, model.FieldDefinition) bool { return true }

func (b *Base) NeedsPrompt() bool { return true }

func (b *Base) AdvancedMode() bool { return true }

func (b *Base) PlaceholderText() string { return "Enter a prompt here." }

func (b *Base) TokenHelp() map[string]string { return BaseTokenHelp }

func (b *Base) CheckIfEmpty(current []model.Item, _ model.Rule) []model.Item { return current }

func (b *Base) Verify(context.Context, *model.Record, any, model.FieldDefinition, model.Rule) bool {
	return true
}

// Store sets each value as the "value" property of one item. Map values
// are stored as the item itself.
func (b *Base) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		items = append(items, ToItem(v))
	}
	rec.Set(field.Name, items)
	return nil
}

// ToItem wraps a value into an attribute item.
func ToItem(v any) model.Item {
	switch m := v.(type) {
	case model.Item:
		return m
	case map[string]any:
		return model.Item(m)
	}
	return model.Item{"value": v}
}

// Selection builds the provider selection for a rule.
func Selection(rule model.Rule, op provider.Operation) provider.Selection {
	return provider.Selection{
		Operation: op,
		Provider:  rule.Provider,
		Model:     rule.Model,
		Config:    rule.ProviderConfig(),
	}
}

// ChatOperation picks the chat operation matching the rule's provider
// sentinel, so that default_json and default_vision resolve against their
// own defaults.
func ChatOperation(rule model.Rule) provider.Operation {
	switch rule.Provider {
	case provider.AliasDefaultJSON:
		return provider.OpChatJSON
	case provider.AliasDefaultVision:
		return provider.OpChatVision
	}
	return provider.OpChat
}

// WithFormat appends the JSON instruction and the answer shape to a prompt.
func WithFormat(prompt, format string) string {
	return prompt + JSONInstruction + format
}

// FieldImages loads the images of the rule's configured image field.
func (e Env) FieldImages(ctx context.Context, rec *model.Record, rule model.Rule) ([]provider.Binary, error) {
	name := rule.String(model.ConfigurationPrefix + "image_field")
	if name == "" || e.Images == nil {
		return nil, nil
	}
	var images []provider.Binary
	for _, item := range rec.Get(name) {
		img, err := e.Images.LoadImage(ctx, item)
		if err != nil {
			return nil, NewResponseError("could not load image from "+name, "", err)
		}
		images = append(images, img)
	}
	return images, nil
}

// RawChat sends one user prompt, with the rule's image field attached, and
// returns the answer text.
func (e Env) RawChat(ctx context.Context, rec *model.Record, rule model.Rule, prompt string, extra ...provider.Binary) (string, error) {
	images, err := e.FieldImages(ctx, rec, rule)
	if err != nil {
		return "", err
	}
	images = append(images, extra...)
	sel := Selection(rule, ChatOperation(rule))
	out, err := e.Models.Chat(ctx, sel, provider.UserInput(prompt, images...))
	if err != nil {
		return "", ProviderError(err)
	}
	return out.Text, nil
}

// ChatValues sends one prompt and decodes the answer into candidate values.
func (e Env) ChatValues(ctx context.Context, rec *model.Record, rule model.Rule, prompt string, extra ...provider.Binary) ([]any, error) {
	text, err := e.RawChat(ctx, rec, rule, prompt, extra...)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(text)
}

// GenerateValues runs the common generate loop: one chat per prompt, with
// the JSON format appended, merging all decoded values in order.
func GenerateValues(ctx context.Context, s Strategy, env Env, rec *model.Record, field model.FieldDefinition, rule model.Rule, format string) ([]any, error) {
	var total []any
	for _, prompt := range Prompts(s, rec, field, rule, env.Renderer) {
		values, err := env.ChatValues(ctx, rec, rule, WithFormat(prompt, format))
		if err != nil {
			return nil, err
		}
		total = append(total, values...)
	}
	return total, nil
}

// ProviderError maps provider configuration failures to RequestError and
// passes other errors through.
func ProviderError(err error) error {
	var ce *provider.ConfigError
	if errors.As(err, &ce) {
		return &RequestError{Msg: ce.Msg, Err: err}
	}
	return err
}

// Joiner unescapes the joiner option, allowing \n and \t.
func Joiner(rule model.Rule) string {
	j := rule.String("joiner")
	j = strings.ReplaceAll(j, `\n`, "\n")
	return strings.ReplaceAll(j, `\t`, "\t")
}

// TextFormat returns the text format to store formatted text with: the
// rule's format option, the field's first allowed format, or "plain_text".
func TextFormat(field model.FieldDefinition, rule model.Rule) string {
	if f := rule.String("text_format"); f != "" {
		return f
	}
	if formats := field.SettingStrings("allowed_formats"); len(formats) > 0 {
		return formats[0]
	}
	return "plain_text"
}
