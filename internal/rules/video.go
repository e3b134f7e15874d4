package rules

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/media"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/provider"
)

const (
	videoIntro = "The following images shows rasters of scenes from a video together with a timestamp when it happens in the video. The audio is transcribed below. Please follow the instructions below with the video as context, using images and transcripts"

	videoToTextIntro  = videoIntro + ".\n\n"
	videoToImageIntro = videoIntro + " and try to figure out what image or images the person wants to cut out. Give back multiple timestamps if multiple images are wanted.\n\n"
	videoToVideoIntro = videoIntro + " and try to figure out what sections the person wants to cut out. Unless the persons specifices that they want the video mixed together in one video, give back multiple timestamps if needed. If the don't want it mixed, give back multiple values with just one start time and end time.\n\n"

	videoToHTMLIntro = "The following images shows rasters of scenes from a video together with a timestamp when it happens in the video. The audio is transcribed below.\n" +
		"Please follow the instructions below with the video as context, using images and transcripts and generate a HTML section for ckeditor, but only from the body and forward, so no html, body or head is needed. Also don't use footer or header tags.\n" +
		"If some powerful quote can be extracted from transcript or visuals, put it in blockquote unless otherwise instructed.\n" +
		"Unless otherwise prompted in the instructions, choose some screenshots to incorporate into the video, add the src as timestamp, you may add width and heigh attributes if you want to inline the image, then you can also use the data attribute 'data-align' with either left or right." +
		"If you align, do this before the start of a new full part/section/paragraph. If you use width and height, link to the timestamp. You may also add a caption to it if you want, but it is not necessary, you the use the data attribute data-caption.\n" +
		"You may also crop/edit the image if only a specific part of it makes sense to show up in the image, for instance just getting the presentation when it a presentation an person on stage, you can use the data attribute data-crop for that and give back the x,y,height and width comma separated or leave it empty, when no cut is needed. Always make it the last attribute of the img tag.\n" +
		"Always end the image tag with a space and forward slash, even if it is a full tag, so it is self-closing.\n" +
		"So, add them in the following format '<img src=\"{{ timestamp in format h:i:s.ms }}\" alt=\"{{ some description based on the image }}\" data-crop=\"\" />', so an example for full width being '<img src=\"00:01:14.165\" alt=\"A blue bird\" data-crop=\"\" />' and aligned being '<a href=\"00:02:01.432\"><img src=\"00:02:01.432\" alt=\"People talking\" width=\"380\" data-align=\"left\" data-crop=\"\" /></a>'. " +
		"An example of a cropped image with a caption would be '<a href=\"00:02:01.432\"><img src=\"00:02:01.432\" alt=\"People talking\" data-caption=\"A few people talking to eachother.\"  data-crop=\"0,0,360,240\" /></a>'. " +
		"Do not link to any webpage, unless there is a written webpage in the visuals or they specifically talk about a full html page. If there is a link somewhere, try to incorporate the link in the outputted HTML, unless otherwise instructed.\n\n"

	timestampFormat = `[{"value": [{"timestamp": "The timestamp to take an image in format h:i:s.ms"}]]`
	sectionFormat   = `[{"value": [{"start_time": "The start time of the cut in format h:i:s.ms", "end_time": "The end time of the cut in format h:i:s.ms"}]]`
	htmlFormat      = `[{"value": "One full blob of the HTML"}]`
)

// videoPrompt frames instructions and a transcript for a vision model.
func videoPrompt(intro, instructions, transcript, format string) string {
	return intro +
		"Instructions:\n----------------------------\n" + instructions + "\n----------------------------\n\n" +
		"Transcription:\n----------------------------\n" + transcript + "\n----------------------------\n\n" +
		automator.JSONInstruction + format + "."
}

// videoRule carries what every video strategy shares: the ffmpeg runner
// and a workspace that lives as long as the strategy instance.
type videoRule struct {
	automator.Base
	files FileStore
	ff    *media.FFmpeg
	root  string
	actor string

	ws    *media.Workspace
	// clips holds the refined clip per source video index.
	clips map[int]string
}

func newVideoRule(d Deps, id, title string) videoRule {
	return videoRule{
		Base:  automator.NewBase(d.Env, id, title),
		files: d.Files,
		ff:    d.FFmpeg,
		root:  d.TempRoot,
		actor: d.Actor,
	}
}

func (v *videoRule) AllowedInputs() []string { return []string{"file"} }

func (v *videoRule) PlaceholderText() string { return "" }

// RuleIsAllowed requires an ffmpeg binary.
func (v *videoRule) RuleIsAllowed(*model.Record, model.FieldDefinition) bool {
	return v.ff != nil && v.ff.Available()
}

// Close removes the workspace.
func (v *videoRule) Close() error {
	if v.ws == nil {
		return nil
	}
	return v.ws.Close()
}

func (v *videoRule) workspace() (*media.Workspace, error) {
	if v.ws != nil {
		return v.ws, nil
	}
	ws, err := media.NewWorkspace(v.root)
	if err != nil {
		return nil, err
	}
	v.ws = ws
	return ws, nil
}

// videos returns the mp4 files of the base field with their local paths.
func (v *videoRule) videos(ctx context.Context, rec *model.Record, rule model.Rule) ([]*model.File, []string, error) {
	if err := requireDep(v.files != nil && v.ff != nil, "file store or ffmpeg"); err != nil {
		return nil, nil, err
	}
	var (
		files []*model.File
		paths []string
	)
	for _, item := range rec.Get(rule.BaseField) {
		id := item.String("target_id")
		if id == "" {
			continue
		}
		f, err := v.files.File(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if f.Mime != "video/mp4" {
			zap.L().Debug("rules: skipping non mp4 file", zap.String("file", f.Filename), zap.String("mime", f.Mime))
			continue
		}
		p, err := v.files.LocalPath(f.URI)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
		paths = append(paths, p)
	}
	return files, paths, nil
}

// prepare analyzes one video in the workspace.
func (v *videoRule) prepare(ctx context.Context, rule model.Rule, path string) (*media.Analyzer, error) {
	ws, err := v.workspace()
	if err != nil {
		return nil, err
	}
	a := media.NewAnalyzer(v.ff, ws, v.Models, provider.Selection{
		Provider: rule.String("ai_provider_audio"),
		Model:    rule.String("ai_model_audio"),
	})
	if err := a.Prepare(ctx, path); err != nil {
		return nil, automator.ProviderError(err)
	}
	return a, nil
}

// explain sends the prompt with the current rasters attached.
func (v *videoRule) explain(ctx context.Context, rule model.Rule, a *media.Analyzer, prompt string) ([]any, error) {
	out, err := v.Models.Chat(ctx, automator.Selection(rule, automator.ChatOperation(rule)), provider.UserInput(prompt, a.Rasters()...))
	if err != nil {
		return nil, automator.ProviderError(err)
	}
	return automator.DecodeResponse(out.Text)
}

// sources is videos for Store, where at least one video is required.
func (v *videoRule) sources(ctx context.Context, rec *model.Record, rule model.Rule) ([]*model.File, []string, error) {
	files, paths, err := v.videos(ctx, rec, rule)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, automator.NewRequestError("no video found in %s", rule.BaseField)
	}
	return files, paths, nil
}

// input returns the file to cut from for the delta-th video: its refined
// clip when there is one, otherwise the video itself.
func (v *videoRule) input(paths []string, delta int) string {
	if clip, ok := v.clips[delta]; ok {
		return clip
	}
	return paths[delta]
}

func (v *videoRule) keepClip(delta int, clip string) {
	if v.clips == nil {
		v.clips = make(map[int]string)
	}
	v.clips[delta] = clip
}

// tagSource marks every item of every value with the index of the video it
// was generated from.
func tagSource(values []any, delta int) []any {
	for _, v := range values {
		list, _ := v.([]any)
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				m["delta"] = delta
			}
		}
	}
	return values
}

// sourceIndex reads the video index of an item. Unknown indexes fall back
// to the first video.
func sourceIndex(m map[string]any, count int) int {
	d := cast.ToInt(m["delta"])
	if d < 0 || d >= count {
		return 0
	}
	return d
}

// saveOutput stores a produced file next to the source video.
func (v *videoRule) saveOutput(ctx context.Context, src *model.File, path, ext string) (*model.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "rules: read ffmpeg output")
	}
	return v.files.SaveFile(ctx, uriDir(src.URI), cutName(src.Filename, ext), data, v.actor)
}

type videoToTextRule struct {
	videoRule
}

func newVideoToText(d Deps) *videoToTextRule {
	return &videoToTextRule{videoRule: newVideoRule(d, "llm_video_to_text", "LLM: Video To Text")}
}

func (s *videoToTextRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	instructions := firstPrompt(s, s.Env, rec, field, rule)
	_, paths, err := s.videos(ctx, rec, rule)
	if err != nil {
		return nil, err
	}
	var total []any
	for _, p := range paths {
		a, err := s.prepare(ctx, rule, p)
		if err != nil {
			return nil, err
		}
		values, err := s.explain(ctx, rule, a, videoPrompt(videoToTextIntro, instructions, a.Transcript(), automator.DefaultFormat))
		if err != nil {
			return nil, err
		}
		total = append(total, values...)
	}
	return total, nil
}

func (s *videoToTextRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := value.(string)
	return ok
}

// videoToImageRule locates a moment in two passes: the whole video first,
// then a refined three second window around the first answer.
type videoToImageRule struct {
	videoRule
}

func newVideoToImage(d Deps) *videoToImageRule {
	return &videoToImageRule{videoRule: newVideoRule(d, "llm_video_to_image", "LLM: Video To Image")}
}

func (s *videoToImageRule) NeedsPrompt() bool { return false }

// firstTimestamp digs the timestamp out of [[{"timestamp": ...}]].
func firstTimestamp(values []any) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	list, ok := values[0].([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	m, ok := list[0].(map[string]any)
	if !ok {
		return "", false
	}
	ts := cast.ToString(m["timestamp"])
	return ts, ts != ""
}

func (s *videoToImageRule) Generate(ctx context.Context, rec *model.Record, _ model.FieldDefinition, rule model.Rule) ([]any, error) {
	instructions := renderOption(s.Env, rec, rule, "cutting_prompt")
	_, paths, err := s.videos(ctx, rec, rule)
	if err != nil {
		return nil, err
	}
	var total []any
	for delta, p := range paths {
		a, err := s.prepare(ctx, rule, p)
		if err != nil {
			return nil, err
		}
		prompt := videoPrompt(videoToImageIntro, instructions, a.Transcript(), timestampFormat)
		values, err := s.explain(ctx, rule, a, prompt)
		if err != nil {
			return nil, err
		}
		ts, ok := firstTimestamp(values)
		if !ok {
			return nil, automator.NewResponseError("Could not find any timestamp", fmt.Sprint(values), nil)
		}
		if err := a.Refine(ctx, ts); err != nil {
			return nil, err
		}
		values, err = s.explain(ctx, rule, a, prompt)
		if err != nil {
			return nil, err
		}
		s.keepClip(delta, a.Clip())
		total = append(total, tagSource(values, delta)...)
	}
	return total, nil
}

// Verify accepts a list of timestamp objects.
func (s *videoToImageRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok || cast.ToString(m["timestamp"]) == "" {
			return false
		}
	}
	return true
}

// Store grabs a still for every timestamp of a list and keeps the last one
// as the list's image. Stills come from the refined clip of the video the
// timestamp was found in.
func (s *videoToImageRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	files, paths, err := s.sources(ctx, rec, rule)
	if err != nil {
		return err
	}
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	items := make([]model.Item, 0, len(values))
	for i, v := range values {
		list, _ := v.([]any)
		last, delta := "", 0
		for j, item := range list {
			m, _ := item.(map[string]any)
			delta = sourceIndex(m, len(files))
			out := ws.Path(fmt.Sprintf("still-%d-%d.jpg", i, j))
			if err := s.ff.Still(ctx, s.input(paths, delta), cast.ToString(m["timestamp"]), out); err != nil {
				return err
			}
			last = out
		}
		if last == "" {
			continue
		}
		file, err := s.saveOutput(ctx, files[delta], last, ".jpg")
		if err != nil {
			return err
		}
		items = append(items, model.Item{"target_id": file.ID})
	}
	rec.Set(field.Name, items)
	return nil
}

// videoToVideoRule cuts sections out of a video. Several sections in one
// value are joined into a single video.
type videoToVideoRule struct {
	videoRule
}

func newVideoToVideo(d Deps) *videoToVideoRule {
	return &videoToVideoRule{videoRule: newVideoRule(d, "llm_video_to_video", "LLM: Video To Video")}
}

func (s *videoToVideoRule) NeedsPrompt() bool { return false }

func (s *videoToVideoRule) Generate(ctx context.Context, rec *model.Record, _ model.FieldDefinition, rule model.Rule) ([]any, error) {
	instructions := renderOption(s.Env, rec, rule, "cutting_prompt")
	_, paths, err := s.videos(ctx, rec, rule)
	if err != nil {
		return nil, err
	}
	var total []any
	for delta, p := range paths {
		a, err := s.prepare(ctx, rule, p)
		if err != nil {
			return nil, err
		}
		values, err := s.explain(ctx, rule, a, videoPrompt(videoToVideoIntro, instructions, a.Transcript(), sectionFormat))
		if err != nil {
			return nil, err
		}
		total = append(total, tagSource(values, delta)...)
	}
	return total, nil
}

func (s *videoToVideoRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok || cast.ToString(m["start_time"]) == "" || cast.ToString(m["end_time"]) == "" {
			return false
		}
	}
	return true
}

// Store cuts every section out of the video it was found in. The output is
// named after the first section's video.
func (s *videoToVideoRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	files, paths, err := s.sources(ctx, rec, rule)
	if err != nil {
		return err
	}
	ws, err := s.workspace()
	if err != nil {
		return err
	}

	items := make([]model.Item, 0, len(values))
	for i, v := range values {
		list, _ := v.([]any)
		parts := make([]string, 0, len(list))
		src := -1
		for j, item := range list {
			m, _ := item.(map[string]any)
			delta := sourceIndex(m, len(files))
			if src < 0 {
				src = delta
			}
			out := ws.Path(fmt.Sprintf("video-%d-%d.mp4", i, j))
			if err := s.ff.Cut(ctx, paths[delta], cast.ToString(m["start_time"]), cast.ToString(m["end_time"]), out); err != nil {
				return err
			}
			parts = append(parts, out)
		}
		if len(parts) == 0 {
			continue
		}
		end := parts[0]
		if len(parts) > 1 {
			end = ws.Path(fmt.Sprintf("video-%d.mp4", i))
			if err := s.ff.Concat(ctx, parts, ws.Path("list.txt"), end); err != nil {
				return err
			}
		}
		file, err := s.saveOutput(ctx, files[src], end, "")
		if err != nil {
			return err
		}
		items = append(items, model.Item{"target_id": file.ID})
	}
	rec.Set(field.Name, items)
	return nil
}

var (
	screenshotRe = regexp.MustCompile(`<img src="([^"]+)"([^>]*?)data-crop="([^"]*)" />`)
	cropAttrRe   = regexp.MustCompile(` ?data-crop="[^"]*"`)
)

// videoToHTMLRule writes an article about a video, with screenshots taken
// at the timestamps the model placed in img tags.
type videoToHTMLRule struct {
	videoRule
	// origin maps a generated article to the index of its video.
	origin map[string]int
}

func newVideoToHTML(d Deps) *videoToHTMLRule {
	return &videoToHTMLRule{videoRule: newVideoRule(d, "llm_video_to_html", "LLM: Video To HTML")}
}

func (s *videoToHTMLRule) NeedsPrompt() bool { return false }

func (s *videoToHTMLRule) Generate(ctx context.Context, rec *model.Record, _ model.FieldDefinition, rule model.Rule) ([]any, error) {
	instructions := renderOption(s.Env, rec, rule, "generating_prompt")
	_, paths, err := s.videos(ctx, rec, rule)
	if err != nil {
		return nil, err
	}
	s.origin = make(map[string]int)
	var total []any
	for delta, p := range paths {
		a, err := s.prepare(ctx, rule, p)
		if err != nil {
			return nil, err
		}
		values, err := s.explain(ctx, rule, a, videoPrompt(videoToHTMLIntro, instructions, a.Transcript(), htmlFormat))
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if html, ok := v.(string); ok {
				s.origin[html] = delta
			}
		}
		total = append(total, values...)
	}
	return total, nil
}

func (s *videoToHTMLRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := value.(string)
	return ok
}

func (s *videoToHTMLRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	files, paths, err := s.sources(ctx, rec, rule)
	if err != nil {
		return err
	}
	ws, err := s.workspace()
	if err != nil {
		return err
	}
	format := ""
	if formats := field.SettingStrings("allowed_formats"); len(formats) > 0 {
		format = formats[0]
	}

	items := make([]model.Item, 0, len(values))
	shot := 0
	for _, v := range values {
		html, _ := v.(string)
		delta := s.origin[html]
		if delta >= len(files) {
			delta = 0
		}
		src, path := files[delta], paths[delta]
		for _, m := range screenshotRe.FindAllStringSubmatch(html, -1) {
			ts, cropAttr := m[1], m[3]
			var crop []int
			if parts := strings.Split(cropAttr, ","); cropAttr != "" && len(parts) == 4 {
				raw := make([]float64, 4)
				for k, p := range parts {
					raw[k] = cast.ToFloat64(strings.TrimSpace(p))
				}
				if crop, err = s.ff.NormalizeCrop(ctx, path, raw); err != nil {
					return err
				}
			}
			shot++
			out := ws.Path(fmt.Sprintf("screenshot-%d.jpeg", shot))
			if err := s.ff.Screenshot(ctx, path, ts, crop, out); err != nil {
				return err
			}
			file, err := s.saveOutput(ctx, src, out, ".jpg")
			if err != nil {
				return err
			}
			html = strings.ReplaceAll(html, `"`+ts+`"`, `"`+s.files.URL(file)+`"`)
		}
		html = cropAttrRe.ReplaceAllString(html, "")
		items = append(items, model.Item{"value": html, "format": format})
	}
	rec.Set(field.Name, items)
	return nil
}
