package rules

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/provider"
)

// binaryRe matches data holding at least one non-printable byte.
var binaryRe = regexp.MustCompile(`[^\x20-\x7E\t\r\n]`)

// generated is a candidate produced by a generation model.
type generated struct {
	Filename string
	Data     []byte
	Prompt   string
}

func verifyGenerated(value any) (generated, bool) {
	g, ok := value.(generated)
	if !ok || g.Filename == "" || !binaryRe.Match(g.Data) {
		return generated{}, false
	}
	return g, true
}

// generateBinaries runs one generation call per prompt and wraps every
// returned binary as a candidate named filename.
func generateBinaries(ctx context.Context, s automator.Strategy, env automator.Env, rec *model.Record, field model.FieldDefinition, rule model.Rule, op provider.Operation, filename string) ([]any, error) {
	sel := automator.Selection(rule, op)
	var total []any
	for _, prompt := range automator.Prompts(s, rec, field, rule, env.Renderer) {
		var (
			bins []provider.Binary
			err  error
		)
		if op == provider.OpTextToSpeech {
			bins, err = env.Models.TextToSpeech(ctx, sel, prompt)
		} else {
			bins, err = env.Models.TextToImage(ctx, sel, prompt)
		}
		if err != nil {
			return nil, automator.ProviderError(err)
		}
		for _, b := range bins {
			total = append(total, generated{Filename: filename, Data: b.Data, Prompt: prompt})
		}
	}
	return total, nil
}

// mediaRule generates a binary and wraps it in a new media record.
type mediaRule struct {
	automator.Base
	files       FileStore
	media       MediaStore
	actor       string
	op          provider.Operation
	filename    string
	sourceField string
	// optionalType skips storing instead of failing when no media type is
	// configured.
	optionalType bool
}

func newMediaImage(d Deps) *mediaRule {
	return &mediaRule{
		Base:        automator.NewBase(d.Env, "llm_media_image_generation", "LLM: Media Image Generation"),
		files:       d.Files,
		media:       d.Media,
		actor:       d.Actor,
		op:          provider.OpTextToImage,
		filename:    "ai_generated.jpg",
		sourceField: "field_media_image",
	}
}

func newMediaAudio(d Deps) *mediaRule {
	return &mediaRule{
		Base:         automator.NewBase(d.Env, "llm_media_audio_generation", "LLM: Media Audio Generation"),
		files:        d.Files,
		media:        d.Media,
		actor:        d.Actor,
		op:           provider.OpTextToSpeech,
		filename:     "ai_generated.mp3",
		sourceField:  "field_media_audio_file",
		optionalType: true,
	}
}

func (s *mediaRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return generateBinaries(ctx, s, s.Env, rec, field, rule, s.op, s.filename)
}

func (s *mediaRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := verifyGenerated(value)
	return ok
}

func (s *mediaRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	bundle := rule.String("llm_media_type")
	if bundle == "" {
		if s.optionalType {
			zap.L().Warn("rules: no media type configured, nothing stored", zap.String("rule", rule.ID))
			return nil
		}
		return automator.NewRequestError("no media type configured for rule %s", rule.ID)
	}
	if err := requireDep(s.files != nil && s.media != nil, "file or media store"); err != nil {
		return err
	}
	sourceField := rule.StringOr("llm_media_source_field", s.sourceField)
	dir := rule.StringOr("llm_media_directory", "public://ai_generated")

	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		g, _ := verifyGenerated(v)
		file, err := s.files.SaveFile(ctx, dir, g.Filename, g.Data, s.actor)
		if err != nil {
			return err
		}
		m, err := s.media.CreateMedia(ctx, bundle, truncateRunes(g.Prompt, 250), sourceField, file, s.actor)
		if err != nil {
			return err
		}
		items = append(items, model.Item{"target_id": m.ID})
	}
	rec.Set(field.Name, items)
	return nil
}

// imageRule writes generated images straight into an image field.
type imageRule struct {
	automator.Base
	files FileStore
	actor string
}

func newImageGeneration(d Deps) *imageRule {
	return &imageRule{
		Base:  automator.NewBase(d.Env, "llm_image_generation", "LLM: Image Generation"),
		files: d.Files,
		actor: d.Actor,
	}
}

func (s *imageRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return generateBinaries(ctx, s, s.Env, rec, field, rule, provider.OpTextToImage, "ai_generated.jpg")
}

func (s *imageRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := verifyGenerated(value)
	return ok
}

func (s *imageRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	if err := requireDep(s.files != nil, "file store"); err != nil {
		return err
	}
	dir := fieldDirectory(s.Env, rec, field)
	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		g, _ := verifyGenerated(v)
		file, err := s.files.SaveFile(ctx, dir, g.Filename, g.Data, s.actor)
		if err != nil {
			return err
		}
		item := model.Item{"target_id": file.ID, "alt": truncateRunes(g.Prompt, 512)}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(g.Data)); err == nil {
			item["width"] = cfg.Width
			item["height"] = cfg.Height
		}
		items = append(items, item)
	}
	rec.Set(field.Name, items)
	return nil
}

// imageAltRule describes every image of the source field with a vision
// model and writes the alt texts onto the target items.
type imageAltRule struct {
	automator.Base
}

func newImageAlt(d Deps) *imageAltRule {
	return &imageAltRule{Base: automator.NewBase(d.Env, "llm_image_alt_text", "LLM: Image Alt Text")}
}

func (s *imageAltRule) AllowedInputs() []string { return []string{"image"} }

func (s *imageAltRule) PlaceholderText() string {
	return "Create an alt text for this image. Keep it short and describe what is visible."
}

func (s *imageAltRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	if err := requireDep(s.Images != nil, "image loader"); err != nil {
		return nil, err
	}
	sel := automator.Selection(rule, provider.OpChatVision)
	var total []any
	for i, item := range rec.Get(rule.BaseField) {
		img, err := s.Images.LoadImage(ctx, item)
		if err != nil {
			return nil, automator.NewResponseError("could not load image", "", err)
		}
		prompt := automator.Compile(rule.Prompt, automator.BuildTokens(rec, field, rule, i), i)
		if rule.TokenMode() && s.Renderer != nil {
			prompt = s.Renderer.Render(rule.Token, rec)
		}
		out, err := s.Models.Chat(ctx, sel, provider.UserInput(
			automator.WithFormat(prompt, `[{"value": {"alt": "The alt text"}}]`), img))
		if err != nil {
			return nil, automator.ProviderError(err)
		}
		values, err := automator.DecodeResponse(out.Text)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		alt := altText(values[0])
		total = append(total, map[string]any{"alt": alt, "delta": i})
	}
	return total, nil
}

func altText(v any) string {
	if m, ok := v.(map[string]any); ok {
		return strings.TrimSpace(cast.ToString(m["alt"]))
	}
	return strings.TrimSpace(cast.ToString(v))
}

func (s *imageAltRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	m, ok := value.(map[string]any)
	return ok && cast.ToString(m["alt"]) != ""
}

// Store sets the alt texts on copies of the target items; items without a
// verified alt text are kept unchanged.
func (s *imageAltRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	source := field.Name
	if len(rec.Get(source)) == 0 {
		source = rule.BaseField
	}
	current := rec.Get(source)
	items := make([]model.Item, len(current))
	for i, it := range current {
		items[i] = model.Item{}
		for k, v := range it {
			items[i][k] = v
		}
	}
	for _, v := range values {
		m, _ := v.(map[string]any)
		i := cast.ToInt(m["delta"])
		if i >= 0 && i < len(items) {
			items[i]["alt"] = cast.ToString(m["alt"])
		}
	}
	rec.Set(field.Name, items)
	return nil
}

// audioToStringRule transcribes the audio files of the source field.
type audioToStringRule struct {
	automator.Base
	files FileStore
}

func newAudioToString(d Deps) *audioToStringRule {
	return &audioToStringRule{
		Base:  automator.NewBase(d.Env, "llm_audio_to_string", "LLM: Audio To String"),
		files: d.Files,
	}
}

func (s *audioToStringRule) AllowedInputs() []string { return []string{"file"} }

func (s *audioToStringRule) NeedsPrompt() bool { return false }

func (s *audioToStringRule) AdvancedMode() bool { return false }

func (s *audioToStringRule) PlaceholderText() string { return "" }

func (s *audioToStringRule) Generate(ctx context.Context, rec *model.Record, _ model.FieldDefinition, rule model.Rule) ([]any, error) {
	if err := requireDep(s.files != nil, "file store"); err != nil {
		return nil, err
	}
	sel := automator.Selection(rule, provider.OpSpeechToText)
	var total []any
	for _, item := range rec.Get(rule.BaseField) {
		file, err := s.files.File(ctx, item.String("target_id"))
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(file.Mime, "audio/") {
			continue
		}
		data, err := s.files.LoadFile(ctx, file.URI)
		if err != nil {
			return nil, err
		}
		text, err := s.Models.SpeechToText(ctx, sel, provider.Binary{Data: data, Mime: file.Mime, Filename: file.Filename})
		if err != nil {
			return nil, automator.ProviderError(err)
		}
		total = append(total, strings.TrimSpace(text))
	}
	return total, nil
}

func (s *audioToStringRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	text, ok := value.(string)
	return ok && text != ""
}
