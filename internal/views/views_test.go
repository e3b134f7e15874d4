package views

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeView(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	writeView(t, dir, "content.block_1.html",
		`<h2>{{ index .Filters "type" }}</h2><ul>{{ range .Args }}<li>{{ . }}</li>{{ end }}</ul>`)

	r := NewRenderer(dir)
	out, err := r.Render(context.Background(), "content", "block_1", []string{"42", "<b>all</b>"}, map[string]string{"type": "article"})
	require.NoError(t, err)
	assert.Equal(t, "<h2>article</h2><ul><li>42</li><li>&lt;b&gt;all&lt;/b&gt;</li></ul>", out)

	out, err = r.Render(context.Background(), "content", "block_1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "<h2></h2><ul></ul>", out)
}

func TestRender_Errors(t *testing.T) {
	dir := t.TempDir()
	writeView(t, dir, "broken.page.html", `{{ .Missing.Field }`)
	r := NewRenderer(dir)

	_, err := r.Render(context.Background(), "missing", "page", nil, nil)
	assert.Error(t, err)

	_, err = r.Render(context.Background(), "../etc", "passwd", nil, nil)
	assert.Error(t, err)

	_, err = r.Render(context.Background(), "broken", "page", nil, nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Render(ctx, "missing", "page", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
