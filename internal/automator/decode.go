package automator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// CleanResponse strips markdown code fences and newlines from a model
// response and trims surrounding whitespace.
func CleanResponse(text string) string {
	s := strings.ReplaceAll(text, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

// ParseResponse cleans and parses a model response. Anything that is not a
// JSON array or object is a ResponseError carrying the raw text.
func ParseResponse(text string) (gjson.Result, error) {
	s := CleanResponse(text)
	if s == "" || !gjson.Valid(s) {
		return gjson.Result{}, NewResponseError("the response was not a valid JSON response", text, nil)
	}
	r := gjson.Parse(s)
	if !r.IsArray() && !r.IsObject() {
		return gjson.Result{}, NewResponseError("the response was not a JSON array or object", text, nil)
	}
	return r, nil
}

// DecodeResponse parses a model response and decodes it into candidate
// values.
func DecodeResponse(text string) ([]any, error) {
	r, err := ParseResponse(text)
	if err != nil {
		return nil, err
	}
	return DecodeValues(r), nil
}

// DecodeValues normalizes a parsed response into an ordered candidate list.
// Shapes are tried in order:
//
//  1. [{"value": a}, {"value": b}]  -> [a, b]
//  2. [{"other": a}, ...]           -> [a] (first element only)
//  3. [[a, b], [c]]                 -> [a, b, c]
//  4. {"value": a}                  -> [a]
//  5. anything else                 -> []
//
// Shape 2 reads the first key of the first element and returns immediately;
// later elements are never consulted.
func DecodeValues(r gjson.Result) []any {
	values := []any{}
	if r.IsArray() {
		items := r.Array()
		if len(items) == 0 {
			return values
		}
		first := items[0]
		if first.IsObject() && isSet(first.Get("value")) {
			for _, item := range items {
				if v := item.Get("value"); item.IsObject() && isSet(v) {
					values = append(values, v.Value())
				}
			}
			return values
		}
		if first.IsObject() {
			if v, ok := firstKey(first); ok && isSet(v) {
				values = append(values, v.Value())
			}
			return values
		}
		if first.IsArray() {
			for _, item := range items {
				if !item.IsArray() {
					continue
				}
				for _, v := range item.Array() {
					if isSet(v) {
						values = append(values, v.Value())
					}
				}
			}
		}
		return values
	}
	if r.IsObject() {
		if v := r.Get("value"); isSet(v) {
			values = append(values, v.Value())
		}
	}
	return values
}

// EncodeValues renders candidate values in the canonical
// [{"value": ...}] shape.
func EncodeValues(values []any) (string, error) {
	wrapped := make([]map[string]any, len(values))
	for i, v := range values {
		wrapped[i] = map[string]any{"value": v}
	}
	b, err := json.Marshal(wrapped)
	if err != nil {
		return "", eris.Wrap(err, "automator: encode values")
	}
	return string(b), nil
}

var jsonBlockRe = regexp.MustCompile(`(?s)[\[{].*[}\]]`)

// ParseLenient extracts JSON from free-form model output: the outermost
// bracketed block is tried first, then every line holding a JSON object is
// merged into one object. ok is false when nothing could be parsed.
func ParseLenient(text string) (gjson.Result, bool) {
	if block := jsonBlockRe.FindString(text); block != "" && gjson.Valid(block) {
		return gjson.Parse(block), true
	}
	merged := map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ","))
		if !gjson.Valid(line) {
			continue
		}
		r := gjson.Parse(line)
		if !r.IsObject() {
			continue
		}
		r.ForEach(func(k, v gjson.Result) bool {
			merged[k.String()] = v.Value()
			return true
		})
	}
	if len(merged) == 0 {
		return gjson.Result{}, false
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(b), true
}

func isSet(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

// firstKey returns the value of the first key of an object in document
// order.
func firstKey(obj gjson.Result) (gjson.Result, bool) {
	var out gjson.Result
	found := false
	obj.ForEach(func(_, v gjson.Result) bool {
		out, found = v, true
		return false
	})
	return out, found
}
