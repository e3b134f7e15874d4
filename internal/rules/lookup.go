package rules

import (
	"context"
	"net/url"
	"strings"

	"github.com/spf13/cast"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/markup"
	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/search"
)

// searchRule runs the rendered prompt as a vector query. Search failures
// never fail the rule; they yield no values.
type searchRule struct {
	automator.Base
	search    Searcher
	reference bool
}

func newSearchToReference(d Deps) *searchRule {
	return &searchRule{
		Base:      automator.NewBase(d.Env, "search_to_reference", "Search To Reference"),
		search:    d.Search,
		reference: true,
	}
}

func newSearchToText(d Deps) *searchRule {
	return &searchRule{
		Base:   automator.NewBase(d.Env, "search_to_text", "Search To Text"),
		search: d.Search,
	}
}

func (s *searchRule) PlaceholderText() string {
	return "Enter the text to search for, e.g. {{ context }}."
}

func (s *searchRule) request(rule model.Rule, text string) search.Request {
	minScore, _ := rule.Float("minimum_score")
	req := search.Request{
		Index:    rule.String("search_index"),
		Text:     text,
		Limit:    rule.IntOr("max_results", search.DefaultLimit),
		Offset:   rule.Int("offset"),
		MinScore: minScore,
		Distinct: s.reference,
	}
	if rule.HasOption("distinct") {
		req.Distinct = rule.Bool("distinct")
	}
	if !s.reference {
		req.OutputFields = []string{rule.StringOr("output_field", "text")}
	}
	return req
}

func (s *searchRule) Generate(ctx context.Context, rec *model.Record, field model.FieldDefinition, rule model.Rule) ([]any, error) {
	if err := requireDep(s.search != nil, "search retriever"); err != nil {
		return nil, err
	}
	prompts := automator.Prompts(s, rec, field, rule, s.Renderer)
	if len(prompts) == 0 {
		return nil, nil
	}
	outputField := rule.StringOr("output_field", "text")

	var values []any
	for _, m := range s.search.Search(ctx, s.request(rule, prompts[0])) {
		if s.reference {
			if id := m.TargetID(); id != "" {
				values = append(values, map[string]any{"target_id": id})
			}
			continue
		}
		if text := cast.ToString(m.Fields[outputField]); text != "" {
			values = append(values, text)
		}
	}
	return values, nil
}

func (s *searchRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	if s.reference {
		m, ok := value.(map[string]any)
		return ok && cast.ToString(m["target_id"]) != ""
	}
	text, ok := value.(string)
	return ok && text != ""
}

// viewsToTextRule renders a view display, needing no model at all.
type viewsToTextRule struct {
	automator.Base
	views ViewRenderer
}

func newViewsToText(d Deps) *viewsToTextRule {
	return &viewsToTextRule{
		Base:  automator.NewBase(d.Env, "views_to_text", "Views To Text"),
		views: d.Views,
	}
}

func (s *viewsToTextRule) NeedsPrompt() bool { return false }

func (s *viewsToTextRule) AdvancedMode() bool { return false }

func (s *viewsToTextRule) PlaceholderText() string { return "" }

func (s *viewsToTextRule) Generate(ctx context.Context, rec *model.Record, _ model.FieldDefinition, rule model.Rule) ([]any, error) {
	if err := requireDep(s.views != nil, "view renderer"); err != nil {
		return nil, err
	}
	view, display, ok := strings.Cut(rule.String("view"), "__")
	if !ok || view == "" || display == "" {
		return nil, automator.NewRequestError("view option must be <view>__<display>, got %q", rule.String("view"))
	}

	var args []string
	if a := renderOption(s.Env, rec, rule, "arguments"); a != "" {
		args = strings.Split(a, "/")
	}
	filters := map[string]string{}
	if f := renderOption(s.Env, rec, rule, "exposed_filters"); f != "" {
		q, err := url.ParseQuery(f)
		if err != nil {
			return nil, automator.NewRequestError("exposed filters %q: %v", f, err)
		}
		for k := range q {
			filters[k] = q.Get(k)
		}
	}

	out, err := s.views.Render(ctx, view, display, args, filters)
	if err != nil {
		return nil, err
	}
	if rule.Bool("html_to_markdown") {
		md, err := markup.ToMarkdown(out)
		if err != nil {
			return nil, automator.NewResponseError("could not convert view output to markdown", out, err)
		}
		out = md
	}
	return []any{strings.TrimSpace(out)}, nil
}

func (s *viewsToTextRule) Verify(_ context.Context, _ *model.Record, value any, _ model.FieldDefinition, _ model.Rule) bool {
	text, ok := value.(string)
	return ok && text != ""
}
