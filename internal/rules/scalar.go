package rules

import (
	"context"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

type booleanRule struct {
	automator.Base
}

func newBoolean(d Deps) *booleanRule {
	return &booleanRule{Base: automator.NewBase(d.Env, "llm_boolean", "LLM: Boolean")}
}

func (s *booleanRule) TokenHelp() map[string]string {
	return mergeHelp(automator.BaseTokenHelp, map[string]string{
		"true":  "The label of the on value.",
		"false": "The label of the off value.",
	})
}

func (s *booleanRule) ExtraTokens(_ *model.Record, field model.FieldDefinition, _ model.Rule, _ int) automator.Tokens {
	on, off := field.SettingString("on_label"), field.SettingString("off_label")
	if on == "" {
		on = "On"
	}
	if off == "" {
		off = "Off"
	}
	return automator.Tokens{"true": on, "false": off}
}

func (s *booleanRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, `[{"value": "TRUE or FALSE"}]`)
}

func (s *booleanRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	_, ok := toBool(value)
	return ok
}

func (s *booleanRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	out := make([]any, 0, len(values))
	for _, v := range values {
		b, _ := toBool(v)
		out = append(out, b)
	}
	return s.Base.Store(ctx, rec, out, field, rule)
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch t {
		case "TRUE", "1":
			return true, true
		case "FALSE", "0":
			return false, true
		}
	case float64:
		switch t {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	case int:
		return toBool(float64(t))
	}
	return false, false
}

type numberKind int

const (
	numberInteger numberKind = iota
	numberDecimal
	numberFloat
)

type numericRule struct {
	automator.Base
	kind numberKind
}

func newNumeric(d Deps, id, title string, kind numberKind) *numericRule {
	return &numericRule{Base: automator.NewBase(d.Env, id, title), kind: kind}
}

func (s *numericRule) TokenHelp() map[string]string {
	return mergeHelp(automator.BaseTokenHelp, map[string]string{
		"min": "The minimum value allowed, if any.",
		"max": "The maximum value allowed, if any.",
	})
}

func (s *numericRule) ExtraTokens(_ *model.Record, field model.FieldDefinition, _ model.Rule, _ int) automator.Tokens {
	return automator.Tokens{
		"min": field.SettingString("min"),
		"max": field.SettingString("max"),
	}
}

func (s *numericRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, `[{"value": "requested number"}]`)
}

// Verify accepts numbers strictly between the configured min and max.
func (s *numericRule) Verify(_ context.Context, _ *model.Record, value any, field model.FieldDefinition, _ model.Rule) bool {
	n, ok := toNumber(value)
	if !ok {
		return false
	}
	if field.HasSetting("min") && n <= cast.ToFloat64(field.Setting("min")) {
		return false
	}
	if field.HasSetting("max") && n >= cast.ToFloat64(field.Setting("max")) {
		return false
	}
	return true
}

func (s *numericRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	out := make([]any, 0, len(values))
	for _, v := range values {
		n, ok := toNumber(v)
		if !ok {
			continue
		}
		switch s.kind {
		case numberInteger:
			out = append(out, int64(math.Round(n)))
		case numberDecimal:
			scale := 2
			if field.HasSetting("scale") {
				scale = field.SettingInt("scale")
			}
			p := math.Pow10(scale)
			out = append(out, math.Round(n*p)/p)
		default:
			out = append(out, n)
		}
	}
	return s.Base.Store(ctx, rec, out, field, rule)
}

// decimalPattern admits plain decimal notation only. NaN, Inf and hex
// floats are rejected.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

func toNumber(v any) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case int:
		n = float64(t)
	case string:
		t = strings.TrimSpace(t)
		if !decimalPattern.MatchString(t) {
			return 0, false
		}
		f, err := cast.ToFloat64E(t)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// Link text modes of a link field's "title" setting.
const (
	linkTitleDisabled = 0
	linkTitleOptional = 1
	linkTitleRequired = 2
)

type linkRule struct {
	automator.Base
}

func newLink(d Deps) *linkRule {
	return &linkRule{Base: automator.NewBase(d.Env, "llm_link", "LLM: Link")}
}

func (s *linkRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	format := `[{"value": {"uri": "https://example.com", "title": "The link text"}}]`
	if field.SettingInt("title") == linkTitleDisabled && field.HasSetting("title") {
		format = `[{"value": {"uri": "https://example.com"}}]`
	}
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, format)
}

func (s *linkRule) Verify(_ context.Context, _ *model.Record, value any, field model.FieldDefinition, _ model.Rule) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	u, err := url.ParseRequestURI(cast.ToString(m["uri"]))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if field.SettingInt("title") == linkTitleRequired && cast.ToString(m["title"]) == "" {
		return false
	}
	return true
}

func (s *linkRule) Store(_ context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	titled := !field.HasSetting("title") || field.SettingInt("title") != linkTitleDisabled
	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		m, _ := v.(map[string]any)
		title := ""
		if titled {
			title = cast.ToString(m["title"])
		}
		items = append(items, model.Item{"uri": cast.ToString(m["uri"]), "title": title})
	}
	rec.Set(field.Name, items)
	return nil
}

type listKind int

const (
	listString listKind = iota
	listInteger
	listFloat
)

// listRule picks values from the field's allowed values. The model may
// answer with either the key or the label.
type listRule struct {
	automator.Base
	kind listKind
}

func newList(d Deps, id, title string, kind listKind) *listRule {
	return &listRule{Base: automator.NewBase(d.Env, id, title), kind: kind}
}

func (s *listRule) TokenHelp() map[string]string {
	return mergeHelp(automator.BaseTokenHelp, map[string]string{
		"value_options_comma": "The allowed values, comma separated.",
		"value_options_nl":    "The allowed values, one per line.",
	})
}

func (s *listRule) ExtraTokens(_ *model.Record, field model.FieldDefinition, _ model.Rule, _ int) automator.Tokens {
	labels := make([]string, 0)
	for _, kv := range allowedValues(field) {
		labels = append(labels, kv[1])
	}
	return automator.Tokens{
		"value_options_comma": strings.Join(labels, ", "),
		"value_options_nl":    strings.Join(labels, "\n"),
	}
}

func (s *listRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	return automator.GenerateValues(ctx, s, s.Env, rec, field, rule, automator.DefaultFormat)
}

func (s *listRule) Verify(_ context.Context, _ *model.Record, value any, field model.FieldDefinition, _ model.Rule) bool {
	_, ok := s.lookup(value, field)
	return ok
}

func (s *listRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, rule model.Rule) error {
	out := make([]any, 0, len(values))
	for _, v := range values {
		key, _ := s.lookup(v, field)
		switch s.kind {
		case listInteger:
			out = append(out, cast.ToInt64(key))
		case listFloat:
			out = append(out, cast.ToFloat64(key))
		default:
			out = append(out, key)
		}
	}
	return s.Base.Store(ctx, rec, out, field, rule)
}

// lookup maps a candidate key or label to its key.
func (s *listRule) lookup(value any, field model.FieldDefinition) (string, bool) {
	text, ok := scalarText(value)
	if !ok {
		return "", false
	}
	for _, kv := range allowedValues(field) {
		if text == kv[0] || text == kv[1] {
			return kv[0], true
		}
	}
	return "", false
}

// allowedValues returns the field's allowed values as key/label pairs,
// ordered by key. A list of strings is its own keys.
func allowedValues(field model.FieldDefinition) [][2]string {
	raw := field.Setting("allowed_values")
	var out [][2]string
	if list, ok := raw.([]any); ok {
		for _, v := range list {
			if m, ok := v.(map[string]any); ok {
				out = append(out, [2]string{cast.ToString(m["value"]), cast.ToString(m["label"])})
				continue
			}
			s := cast.ToString(v)
			out = append(out, [2]string{s, s})
		}
		return out
	}
	m := cast.ToStringMapString(raw)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, [2]string{k, m[k]})
	}
	return out
}

func mergeHelp(base map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
