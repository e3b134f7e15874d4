package rules

import (
	"context"
	"fmt"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/provider"
	"github.com/markconroy/markie-sub000/internal/search"
)

// scriptedModels answers chat calls from a script, in order.
type scriptedModels struct {
	answers []string
	prompts []string
	sels    []provider.Selection
	images  [][]provider.Binary

	transcript string
	binaries   []provider.Binary
	genPrompts []string
}

func (m *scriptedModels) Chat(_ context.Context, sel provider.Selection, in provider.ChatInput) (*provider.ChatOutput, error) {
	i := len(m.prompts)
	m.prompts = append(m.prompts, in.Messages[0].Text)
	m.sels = append(m.sels, sel)
	m.images = append(m.images, in.Messages[0].Images)
	if i >= len(m.answers) {
		return nil, fmt.Errorf("unexpected chat call %d", i+1)
	}
	return &provider.ChatOutput{Text: m.answers[i]}, nil
}

func (m *scriptedModels) SpeechToText(_ context.Context, sel provider.Selection, _ provider.Binary) (string, error) {
	m.sels = append(m.sels, sel)
	return m.transcript, nil
}

func (m *scriptedModels) TextToImage(_ context.Context, _ provider.Selection, prompt string) ([]provider.Binary, error) {
	m.genPrompts = append(m.genPrompts, prompt)
	return m.binaries, nil
}

func (m *scriptedModels) TextToSpeech(_ context.Context, _ provider.Selection, text string) ([]provider.Binary, error) {
	m.genPrompts = append(m.genPrompts, text)
	return m.binaries, nil
}

func (m *scriptedModels) Embeddings(context.Context, provider.Selection, string) ([]float32, error) {
	return nil, fmt.Errorf("not scripted")
}

// memFiles keeps files in memory. Saved files get sequential ids.
type memFiles struct {
	files map[string]*model.File
	data  map[string][]byte
	saved []*model.File
}

func newMemFiles(files ...*model.File) *memFiles {
	m := &memFiles{files: map[string]*model.File{}, data: map[string][]byte{}}
	for _, f := range files {
		m.files[f.ID] = f
	}
	return m
}

func (m *memFiles) File(_ context.Context, id string) (*model.File, error) {
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s not found", id)
	}
	return f, nil
}

func (m *memFiles) LoadFile(_ context.Context, uri string) ([]byte, error) {
	return m.data[uri], nil
}

func (m *memFiles) SaveFile(_ context.Context, dir, filename string, data []byte, owner string) (*model.File, error) {
	f := &model.File{
		ID:       fmt.Sprintf("saved-%d", len(m.saved)+1),
		URI:      dir + "/" + filename,
		Filename: filename,
		Size:     int64(len(data)),
		Owner:    owner,
	}
	m.saved = append(m.saved, f)
	m.files[f.ID] = f
	m.data[f.URI] = data
	return f, nil
}

func (m *memFiles) LocalPath(uri string) (string, error) {
	return "/srv/files/" + path.Base(uri), nil
}

func (m *memFiles) URL(f *model.File) string {
	return "https://example.com/files/" + f.Filename
}

type recordingEntities struct {
	created []model.Entity
}

func (r *recordingEntities) CreateEntity(_ context.Context, e model.Entity) (*model.Entity, error) {
	e.ID = fmt.Sprintf("e%d", len(r.created)+1)
	r.created = append(r.created, e)
	return &e, nil
}

type recordingMedia struct {
	names   []string
	sources []string
	bundles []string
}

func (r *recordingMedia) CreateMedia(_ context.Context, bundle, name, sourceField string, file *model.File, owner string) (*model.Entity, error) {
	r.names = append(r.names, name)
	r.sources = append(r.sources, sourceField)
	r.bundles = append(r.bundles, bundle)
	return &model.Entity{ID: "m-" + file.ID, EntityType: "media", Bundle: bundle, Owner: owner}, nil
}

type stubSearcher struct {
	matches []search.Match
	got     search.Request
}

func (s *stubSearcher) Search(_ context.Context, req search.Request) []search.Match {
	s.got = req
	return s.matches
}

type stubViews struct {
	html    string
	view    string
	display string
	args    []string
	filters map[string]string
}

func (s *stubViews) Render(_ context.Context, view, display string, args []string, filters map[string]string) (string, error) {
	s.view, s.display, s.args, s.filters = view, display, args, filters
	return s.html, nil
}

func testDeps(models automator.Models) Deps {
	return Deps{
		Env:   automator.Env{Models: models, Renderer: automator.RecordTokenRenderer{Actor: "7"}},
		Actor: "7",
	}
}

// textRecord builds a record with one body value as the source.
func textRecord(body string, defs ...model.FieldDefinition) *model.Record {
	rec := model.NewRecord("node", "article")
	rec.ID = "42"
	rec.Set("body", []model.Item{{"value": body}})
	for _, d := range defs {
		rec.Define(d)
	}
	return rec
}

func textRule(id, field string, opts map[string]any) model.Rule {
	return model.Rule{
		ID:        field + "_rule",
		Type:      id,
		FieldName: field,
		BaseField: "body",
		Mode:      model.ModeBase,
		Prompt:    "Based on: {{ context }}",
		Provider:  "openai",
		Model:     "gpt-4o",
		Options:   opts,
	}
}

func TestRegister_AllStrategies(t *testing.T) {
	reg := automator.NewRegistry()
	Register(reg, testDeps(&scriptedModels{}))

	ids := reg.IDs()
	assert.Len(t, ids, 34)
	for _, id := range ids {
		s, ok := reg.New(id)
		require.True(t, ok, id)
		assert.Equal(t, id, s.ID())
		assert.NotEmpty(t, s.Title(), id)
	}

	a, _ := reg.New("llm_video_to_image")
	b, _ := reg.New("llm_video_to_image")
	assert.NotSame(t, a, b, "every run gets its own instance")
}

func TestString_JoinerAndTrim(t *testing.T) {
	models := &scriptedModels{answers: []string{"```json\n[{\"value\": \" one \"}, {\"value\": \"two\"}]\n```"}}
	s := newString(testDeps(models), "llm_string", "Text")
	field := model.FieldDefinition{Name: "summary", Type: "string", Cardinality: 1}
	rec := textRecord("<p>Hello</p>")
	rule := textRule("llm_string", "summary", map[string]any{"joiner": `\n`})

	values, err := s.Generate(context.Background(), rec, field, rule)
	require.NoError(t, err)
	assert.Equal(t, []any{" one ", "two"}, values)
	assert.Equal(t, "Based on: Hello"+automator.JSONInstruction+automator.DefaultFormat, models.prompts[0])

	require.NoError(t, s.Store(context.Background(), rec, values, field, rule))
	assert.Equal(t, []model.Item{{"value": "one\ntwo"}}, rec.Get("summary"))
}

func TestString_StoreTrimsEachPart(t *testing.T) {
	s := newString(testDeps(nil), "llm_string", "Text")
	field := model.FieldDefinition{Name: "tags", Type: "string"}
	rec := textRecord("x")

	joined := textRule("llm_string", "tags", map[string]any{"joiner": ", "})
	require.NoError(t, s.Store(context.Background(), rec, []any{" red\n", "\tgreen ", " blue"}, field, joined))
	assert.Equal(t, []model.Item{{"value": "red, green, blue"}}, rec.Get("tags"))

	plain := textRule("llm_string", "tags", nil)
	require.NoError(t, s.Store(context.Background(), rec, []any{" red ", "green "}, field, plain))
	assert.Equal(t, []model.Item{{"value": "red"}, {"value": "green"}}, rec.Get("tags"))
}

func TestString_Verify(t *testing.T) {
	s := newString(testDeps(nil), "llm_string", "Text")
	field := model.FieldDefinition{Settings: map[string]any{"max_length": 5}}
	ctx := context.Background()

	assert.True(t, s.Verify(ctx, nil, "short", field, model.Rule{}))
	assert.True(t, s.Verify(ctx, nil, float64(12), field, model.Rule{}))
	assert.False(t, s.Verify(ctx, nil, "too long", field, model.Rule{}))
	assert.False(t, s.Verify(ctx, nil, "  ", field, model.Rule{}))
	assert.False(t, s.Verify(ctx, nil, map[string]any{"a": 1}, field, model.Rule{}))
}

func TestFormatted_StoresFormat(t *testing.T) {
	s := newFormatted(testDeps(nil), "llm_text_long", "Long")
	field := model.FieldDefinition{Name: "body_summary", Settings: map[string]any{"allowed_formats": []any{"basic_html", "full_html"}}}
	rec := textRecord("x")

	require.NoError(t, s.Store(context.Background(), rec, []any{"<p>a</p>"}, field, model.Rule{}))
	assert.Equal(t, []model.Item{{"value": "<p>a</p>", "format": "basic_html"}}, rec.Get("body_summary"))
}

func TestEmailAndTelephone(t *testing.T) {
	ctx := context.Background()
	email := newEmail(testDeps(nil))
	assert.True(t, email.Verify(ctx, nil, "jane@example.com", model.FieldDefinition{}, model.Rule{}))
	assert.False(t, email.Verify(ctx, nil, "Jane <jane@example.com>", model.FieldDefinition{}, model.Rule{}))
	assert.False(t, email.Verify(ctx, nil, "not an email", model.FieldDefinition{}, model.Rule{}))

	phone := newTelephone(testDeps(nil))
	for _, ok := range []string{"+46701234567", "+(46) 701234567", "+1 5551234"} {
		assert.True(t, phone.Verify(ctx, nil, ok, model.FieldDefinition{}, model.Rule{}), ok)
	}
	for _, bad := range []string{"0701234567", "+46 70 123 45 67", "+1234 5551234", "+1 12345"} {
		assert.False(t, phone.Verify(ctx, nil, bad, model.FieldDefinition{}, model.Rule{}), bad)
	}
}
