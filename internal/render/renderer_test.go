package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/livepreview"
)

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	dir := writeTemplates(t, map[string]string{
		"default.html":  `<h1>{{.Data.title}}</h1>{{template "footer.html" .}}`,
		"homepage.html": `<main data-ws="{{.Webspace}}" data-tg="{{.TargetGroup}}">{{markdown .Data.body}}</main>`,
		"footer.html":   `<footer>{{.Locale}}</footer>`,
		"debug.html":    `<pre>{{json .Data}}</pre>`,
	})
	r, err := NewRenderer(dir, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestNewRendererErrors(t *testing.T) {
	_, err := NewRenderer(filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewRenderer(t.TempDir(), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no *.html templates")

	dir := writeTemplates(t, map[string]string{"default.html": `{{.Data.title`})
	_, err = NewRenderer(dir, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse templates")
}

func TestRenderSelectsTemplateByFormType(t *testing.T) {
	r := newTestRenderer(t)

	html, err := r.Render(Context{Locale: "en", Data: livepreview.Document{"title": "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hello</h1><footer>en</footer>", html)

	html, err = r.Render(Context{Type: "unknown", Locale: "de", Data: livepreview.Document{"title": "Hallo"}})
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hallo</h1><footer>de</footer>", html)

	html, err = r.Render(Context{Type: "debug", Data: livepreview.Document{"n": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, `<pre>{&#34;n&#34;:1}</pre>`, html)
}

func TestRenderMarkdownIsSanitised(t *testing.T) {
	r := newTestRenderer(t)

	html, err := r.Render(Context{
		Type:        "homepage",
		Webspace:    "sulu_io",
		TargetGroup: 3,
		Data:        livepreview.Document{"body": "# Title\n\n*em*\n\n<script>alert(1)</script>"},
	})
	require.NoError(t, err)
	assert.Contains(t, html, `data-ws="sulu_io"`)
	assert.Contains(t, html, `data-tg="3"`)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, "<em>em</em>")
	assert.NotContains(t, html, "<script>")
}

func TestRenderTemplateError(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"default.html": `{{template "missing.html"}}`})
	r, err := NewRenderer(dir, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Render(Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render default.html")
}

func TestRenderWithoutDefault(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"article.html": `article`})
	r, err := NewRenderer(dir, zerolog.Nop())
	require.NoError(t, err)

	html, err := r.Render(Context{Type: "article"})
	require.NoError(t, err)
	assert.Equal(t, "article", html)

	_, err = r.Render(Context{Type: "page"})
	assert.Error(t, err)
}

func TestLocalSession(t *testing.T) {
	r := newTestRenderer(t)
	ref := livepreview.ResourceRef{ResourceKey: "pages", ID: "1", Locale: "en", Webspace: "sulu_io"}
	sess := r.NewSession(ref, "/preview/abc/render")
	ctx := context.Background()

	_, err := sess.Update(ctx, livepreview.Document{"title": "x"})
	assert.Error(t, err)
	assert.Empty(t, sess.RenderRoute())

	require.NoError(t, sess.Start(ctx))
	assert.NotEmpty(t, sess.Token())
	assert.Equal(t, "/preview/abc/render", sess.RenderRoute())

	html, err := sess.Update(ctx, livepreview.Document{"title": "First", "body": "**bold**"})
	require.NoError(t, err)
	assert.Equal(t, "<h1>First</h1><footer>en</footer>", html)

	sess.SetWebspace("example")
	sess.SetTargetGroup(9)
	html, err = sess.UpdateContext(ctx, "homepage")
	require.NoError(t, err)
	assert.Contains(t, html, `data-ws="example"`)
	assert.Contains(t, html, `data-tg="9"`)
	assert.Contains(t, html, "<strong>bold</strong>", "data survives a context change")

	current, err := sess.RenderCurrent()
	require.NoError(t, err)
	assert.Equal(t, html, current)

	require.NoError(t, sess.Stop(ctx))
	assert.Empty(t, sess.Token())
}

func TestWatchReparsesTemplates(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"default.html": `v1`})
	r, err := NewRenderer(dir, zerolog.Nop())
	require.NoError(t, err)

	reloaded := make(chan struct{}, 4)
	w, err := r.Watch(func() { reloaded <- struct{}{} }, true)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.html"), []byte(`v2`), 0644))
	// Non-template files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`x`), 0644))

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	html, err := r.Render(Context{})
	require.NoError(t, err)
	assert.Equal(t, "v2", strings.TrimSpace(html))
}
