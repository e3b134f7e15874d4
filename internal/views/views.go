// Package views renders named view displays from html/template files.
package views

import (
	"bytes"
	"context"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Data is what a display template is executed with.
type Data struct {
	Args    []string
	Filters map[string]string
}

// Renderer loads <view>.<display>.html templates from a directory. Parsed
// templates are cached.
type Renderer struct {
	dir string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewRenderer creates a Renderer over dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir, cache: map[string]*template.Template{}}
}

// Render executes the display template of view.
func (r *Renderer) Render(ctx context.Context, view, display string, args []string, filters map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !nameRe.MatchString(view) || !nameRe.MatchString(display) {
		return "", eris.Errorf("views: invalid view %q display %q", view, display)
	}
	tmpl, err := r.template(view + "." + display + ".html")
	if err != nil {
		return "", err
	}
	if filters == nil {
		filters = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, Data{Args: args, Filters: filters}); err != nil {
		return "", eris.Wrapf(err, "views: render %s__%s", view, display)
	}
	zap.L().Debug("views: rendered",
		zap.String("view", view),
		zap.String("display", display),
		zap.Int("bytes", buf.Len()),
	)
	return buf.String(), nil
}

func (r *Renderer) template(name string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[name]; ok {
		return t, nil
	}
	path := filepath.Join(r.dir, name)
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "views: display template %s", name)
	}
	t, err := template.New(name).Option("missingkey=zero").ParseFiles(path)
	if err != nil {
		return nil, eris.Wrapf(err, "views: parse %s", name)
	}
	r.cache[name] = t
	return t, nil
}
