// Package rules holds the field automation strategies and wires them into an
// automator.Registry.
package rules

import (
	"context"
	"path"
	"strings"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/media"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/search"
)

// TermStore reads and creates taxonomy terms.
type TermStore interface {
	FindTerms(ctx context.Context, vocabularies []string) ([]model.Term, error)
	CreateTerm(ctx context.Context, vocabulary, name, owner string) (*model.Term, error)
}

// FileStore persists binaries. SaveFile never overwrites: an existing name
// is saved as name_0.ext, name_1.ext and so on.
type FileStore interface {
	File(ctx context.Context, id string) (*model.File, error)
	LoadFile(ctx context.Context, uri string) ([]byte, error)
	SaveFile(ctx context.Context, dir, filename string, data []byte, owner string) (*model.File, error)
	// LocalPath maps a file URI to a path on disk.
	LocalPath(uri string) (string, error)
	// URL returns the public URL of a stored file.
	URL(f *model.File) string
}

// EntityStore creates referenced records.
type EntityStore interface {
	CreateEntity(ctx context.Context, e model.Entity) (*model.Entity, error)
}

// MediaStore creates media records wrapping a stored file.
type MediaStore interface {
	CreateMedia(ctx context.Context, bundle, name, sourceField string, file *model.File, owner string) (*model.Entity, error)
}

// ViewRenderer renders a view display to HTML.
type ViewRenderer interface {
	Render(ctx context.Context, view, display string, args []string, filters map[string]string) (string, error)
}

// Searcher runs vector retrievals. It never fails; problems yield no
// matches.
type Searcher interface {
	Search(ctx context.Context, req search.Request) []search.Match
}

// Deps carries the collaborators the strategies need. Nil collaborators
// disable the strategies depending on them at run time with a
// RequestError.
type Deps struct {
	Env      automator.Env
	Terms    TermStore
	Files    FileStore
	Entities EntityStore
	Media    MediaStore
	Views    ViewRenderer
	Search   Searcher
	FFmpeg   *media.FFmpeg
	// TempRoot is the parent of per-run media workspaces.
	TempRoot string
	// Actor owns every record the strategies create.
	Actor string
}

// Register adds every strategy to reg.
func Register(reg *automator.Registry, d Deps) {
	text := map[string]string{
		"llm_string":      "LLM: Text",
		"llm_string_long": "LLM: Text (plain, long)",
	}
	for id, title := range text {
		reg.Register(id, func() automator.Strategy { return newString(d, id, title) })
	}
	formatted := map[string]string{
		"llm_text":              "LLM: Text (formatted)",
		"llm_text_long":         "LLM: Text (formatted, long)",
		"llm_text_with_summary": "LLM: Text (formatted, long, with summary)",
	}
	for id, title := range formatted {
		reg.Register(id, func() automator.Strategy { return newFormatted(d, id, title) })
	}
	reg.Register("llm_boolean", func() automator.Strategy { return newBoolean(d) })
	reg.Register("llm_integer", func() automator.Strategy { return newNumeric(d, "llm_integer", "LLM: Number (integer)", numberInteger) })
	reg.Register("llm_decimal", func() automator.Strategy { return newNumeric(d, "llm_decimal", "LLM: Number (decimal)", numberDecimal) })
	reg.Register("llm_float", func() automator.Strategy { return newNumeric(d, "llm_float", "LLM: Number (float)", numberFloat) })
	reg.Register("llm_email", func() automator.Strategy { return newEmail(d) })
	reg.Register("llm_telephone", func() automator.Strategy { return newTelephone(d) })
	reg.Register("llm_link", func() automator.Strategy { return newLink(d) })
	reg.Register("llm_list_string", func() automator.Strategy { return newList(d, "llm_list_string", "LLM: List (text)", listString) })
	reg.Register("llm_list_integer", func() automator.Strategy { return newList(d, "llm_list_integer", "LLM: List (integer)", listInteger) })
	reg.Register("llm_list_float", func() automator.Strategy { return newList(d, "llm_list_float", "LLM: List (float)", listFloat) })
	reg.Register("llm_taxonomy", func() automator.Strategy { return newTaxonomy(d) })
	reg.Register("llm_address", func() automator.Strategy { return newAddress(d) })
	reg.Register("llm_entity_reference", func() automator.Strategy { return newEntityReference(d) })
	reg.Register("llm_image_alt_text", func() automator.Strategy { return newImageAlt(d) })
	reg.Register("llm_faq", func() automator.Strategy { return newFAQ(d) })
	reg.Register("llm_json_field", func() automator.Strategy { return newJSONField(d) })
	reg.Register("llm_metatag", func() automator.Strategy { return newMetatag(d) })
	reg.Register("llm_moderation_state", func() automator.Strategy { return newModeration(d) })
	reg.Register("llm_media_image_generation", func() automator.Strategy { return newMediaImage(d) })
	reg.Register("llm_media_audio_generation", func() automator.Strategy { return newMediaAudio(d) })
	reg.Register("llm_image_generation", func() automator.Strategy { return newImageGeneration(d) })
	reg.Register("llm_audio_to_string", func() automator.Strategy { return newAudioToString(d) })
	reg.Register("llm_video_to_text", func() automator.Strategy { return newVideoToText(d) })
	reg.Register("llm_video_to_image", func() automator.Strategy { return newVideoToImage(d) })
	reg.Register("llm_video_to_video", func() automator.Strategy { return newVideoToVideo(d) })
	reg.Register("llm_video_to_html", func() automator.Strategy { return newVideoToHTML(d) })
	reg.Register("search_to_reference", func() automator.Strategy { return newSearchToReference(d) })
	reg.Register("search_to_text", func() automator.Strategy { return newSearchToText(d) })
	reg.Register("views_to_text", func() automator.Strategy { return newViewsToText(d) })
}

// firstPrompt returns the first rendered prompt of a rule, falling back to
// the template compiled without a source value.
func firstPrompt(s automator.Strategy, env automator.Env, rec *model.Record, field model.FieldDefinition, rule model.Rule) string {
	if prompts := automator.Prompts(s, rec, field, rule, env.Renderer); len(prompts) > 0 {
		return prompts[0]
	}
	return automator.Compile(rule.Prompt, automator.BuildTokens(rec, field, rule, -1), 0)
}

// renderOption renders a token-bearing option against the record.
func renderOption(env automator.Env, rec *model.Record, rule model.Rule, key string) string {
	v := rule.String(key)
	if env.Renderer == nil {
		return v
	}
	return env.Renderer.Render(v, rec)
}

// fieldDirectory returns the storage directory for files of a file or image
// field, e.g. public://images/2024.
func fieldDirectory(env automator.Env, rec *model.Record, field model.FieldDefinition) string {
	scheme := field.SettingString("uri_scheme")
	if scheme == "" {
		scheme = "public"
	}
	dir := field.SettingString("file_directory")
	if env.Renderer != nil {
		dir = env.Renderer.Render(dir, rec)
	}
	return scheme + "://" + strings.Trim(dir, "/")
}

// cutName derives the name of a file produced from src: "_cut" is appended
// to the base name and, when ext is given, the extension replaced.
func cutName(src, ext string) string {
	base := path.Base(src)
	if i := strings.Index(base, "://"); i >= 0 {
		base = base[i+3:]
	}
	old := path.Ext(base)
	name := strings.TrimSuffix(base, old)
	if ext == "" {
		ext = old
	}
	return name + "_cut" + ext
}

// uriDir returns the directory part of a file URI.
func uriDir(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return path.Dir(uri)
	}
	d := path.Dir(rest)
	if d == "." {
		d = ""
	}
	return scheme + "://" + d
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func requireDep(ok bool, what string) error {
	if ok {
		return nil
	}
	return automator.NewRequestError("no %s is configured", what)
}
