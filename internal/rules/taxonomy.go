package rules

import (
	"context"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

const similarTagsPrompt = "Based on the list of available categories and the list of new categories, could you see somewhere where a new category is not the exact same word, but is contextually similar enough to an old one. For instance \"AMG E55\" would connect to \"Mercedes AMG E55\".\n" +
	"If they are the same, you do not need to point them out. In those cases point it out. Only find one suggestion per new category. Be very careful and don't make to crude assumptions.\n\n" +
	"Do not include any explanations, only provide a RFC8259 compliant JSON response following this format without deviation.\n" +
	"[{\"available_category\": \"The available category\", \"new_category\": \"The new category\"}]\n\n"

// taxonomyRule tags a record with terms from the field's vocabularies,
// optionally creating missing ones.
type taxonomyRule struct {
	automator.Base
	terms TermStore
	actor string

	loaded []model.Term
}

func newTaxonomy(d Deps) *taxonomyRule {
	return &taxonomyRule{
		Base:  automator.NewBase(d.Env, "llm_taxonomy", "LLM: Taxonomy"),
		terms: d.Terms,
		actor: d.Actor,
	}
}

func (s *taxonomyRule) TokenHelp() map[string]string {
	return mergeHelp(automator.BaseTokenHelp, map[string]string{
		"value_options_comma":          "The existing terms, comma separated.",
		"value_options_nl":             "The existing terms, one per line.",
		"value_options_nl_description": "The existing terms with their descriptions, one per line.",
	})
}

func (s *taxonomyRule) ExtraTokens(*model.Record, model.FieldDefinition, model.Rule, int) automator.Tokens {
	names := make([]string, 0, len(s.loaded))
	described := make([]string, 0, len(s.loaded))
	for _, t := range s.loaded {
		names = append(names, t.Name)
		described = append(described, t.Name+" - "+t.Description)
	}
	return automator.Tokens{
		"value_options_comma":          strings.Join(names, ", "),
		"value_options_nl":             strings.Join(names, "\n"),
		"value_options_nl_description": strings.Join(described, "\n"),
	}
}

// targetBundles returns the vocabularies the field references.
func targetBundles(field model.FieldDefinition) []string {
	raw := field.SettingMap("handler_settings")["target_bundles"]
	if m, ok := raw.(map[string]any); ok {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	return cast.ToStringSlice(raw)
}

func (s *taxonomyRule) load(ctx context.Context, field model.FieldDefinition) ([]model.Term, error) {
	if s.loaded != nil {
		return s.loaded, nil
	}
	if err := requireDep(s.terms != nil, "term store"); err != nil {
		return nil, err
	}
	terms, err := s.terms.FindTerms(ctx, targetBundles(field))
	if err != nil {
		return nil, err
	}
	if terms == nil {
		terms = []model.Term{}
	}
	s.loaded = terms
	return terms, nil
}

func (s *taxonomyRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	terms, err := s.load(ctx, field)
	if err != nil {
		return nil, err
	}
	values, err := automator.GenerateValues(ctx, s, s.Env, rec, field, rule, automator.DefaultFormat)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if text, ok := v.(string); ok {
			values[i] = cleanUp(text, rule.String("clean_up"))
		}
	}
	if rule.Bool("search_similar_tags") && len(values) > 0 && len(terms) > 0 {
		values, err = s.similarTags(ctx, rec, rule, terms, values)
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// similarTags asks the model to map new values onto contextually similar
// existing terms, then removes duplicates.
func (s *taxonomyRule) similarTags(ctx context.Context, rec *model.Record, rule model.Rule, terms []model.Term, values []any) ([]any, error) {
	names := make([]string, 0, len(terms))
	for _, t := range terms {
		names = append(names, t.Name)
	}
	newValues := make([]string, 0, len(values))
	for _, v := range values {
		newValues = append(newValues, cast.ToString(v))
	}
	prompt := similarTagsPrompt +
		"List of available categories:\n" + strings.Join(names, "\n") + "\n\n" +
		"List of new categories:\n" + strings.Join(newValues, "\n") + "\n\n"

	text, err := s.RawChat(ctx, rec, rule, prompt)
	if err != nil {
		return nil, err
	}
	parsed, err := automator.ParseResponse(text)
	if err != nil {
		return nil, err
	}
	replace := map[string]string{}
	for _, pair := range parsed.Array() {
		from, to := pair.Get("new_category").String(), pair.Get("available_category").String()
		if from != "" && to != "" {
			replace[from] = to
		}
	}

	seen := map[string]bool{}
	out := make([]any, 0, len(values))
	for _, v := range values {
		name := cast.ToString(v)
		if to, ok := replace[name]; ok {
			name = to
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func cleanUp(s, mode string) string {
	switch mode {
	case "lowercase":
		return cases.Lower(language.Und).String(s)
	case "uppercase":
		return cases.Upper(language.Und).String(s)
	case "first_char":
		r := []rune(s)
		if len(r) == 0 {
			return s
		}
		return cases.Upper(language.Und).String(string(r[0])) + string(r[1:])
	}
	return s
}

func autoCreate(field model.FieldDefinition) bool {
	return cast.ToBool(field.SettingMap("handler_settings")["auto_create"])
}

func (s *taxonomyRule) Verify(ctx context.Context, _ *model.Record, value any, field model.FieldDefinition, _ model.Rule) bool {
	name, ok := value.(string)
	if !ok || name == "" {
		return false
	}
	if autoCreate(field) {
		return true
	}
	terms, err := s.load(ctx, field)
	if err != nil {
		return false
	}
	for _, t := range terms {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (s *taxonomyRule) Store(ctx context.Context, rec *model.Record, values []any, field model.FieldDefinition, _ model.Rule) error {
	terms, err := s.load(ctx, field)
	if err != nil {
		return err
	}
	ids := make(map[string]string, len(terms))
	for _, t := range terms {
		ids[t.Name] = t.ID
	}

	bundle := cast.ToString(field.SettingMap("handler_settings")["auto_create_bundle"])
	if bundle == "" {
		if bundles := targetBundles(field); len(bundles) > 0 {
			bundle = bundles[0]
		}
	}

	items := make([]model.Item, 0, len(values))
	for _, v := range values {
		name := cast.ToString(v)
		id, ok := ids[name]
		if !ok {
			if !autoCreate(field) {
				continue
			}
			term, err := s.terms.CreateTerm(ctx, bundle, name, s.actor)
			if err != nil {
				return err
			}
			id = term.ID
			ids[name] = id
		}
		items = append(items, model.Item{"target_id": id})
	}
	rec.Set(field.Name, items)
	return nil
}
