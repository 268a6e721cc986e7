// Package render is the local preview backend: it renders form data with
// html/template files instead of asking a CMS.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/livetemplate/livepreview"
)

const templateExt = ".html"

// DefaultTemplate is used when no template matches the form type.
const DefaultTemplate = "default" + templateExt

// Context is what templates are executed with.
type Context struct {
	Resource    livepreview.ResourceRef
	Type        livepreview.FormType
	Webspace    string
	Locale      string
	TargetGroup int
	Data        livepreview.Document
}

// Renderer renders documents with the templates of one directory. Every
// *.html file is parsed into a single set, so templates can include each
// other; a form type "homepage" renders homepage.html.
type Renderer struct {
	dir    string
	log    zerolog.Logger
	md     goldmark.Markdown
	policy *bluemonday.Policy

	mu        sync.RWMutex
	templates *template.Template
}

// NewRenderer parses the templates in dir.
func NewRenderer(dir string, log zerolog.Logger) (*Renderer, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("templates directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates directory: %s is not a directory", dir)
	}

	r := &Renderer{
		dir:    dir,
		log:    log.With().Str("component", "render").Logger(),
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
	}
	if err := r.Parse(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the templates directory.
func (r *Renderer) Dir() string {
	return r.dir
}

// Parse (re)reads every template. On error the previous set stays in use.
func (r *Renderer) Parse() error {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*"+templateExt))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no *.html templates in %s", r.dir)
	}

	tmpl, err := template.New("").Funcs(r.funcs()).ParseFiles(matches...)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	r.mu.Lock()
	r.templates = tmpl
	r.mu.Unlock()

	r.log.Debug().Int("count", len(matches)).Msg("Templates parsed")
	return nil
}

func (r *Renderer) funcs() template.FuncMap {
	return template.FuncMap{
		"markdown": r.markdown,
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}
}

// markdown converts src to sanitised HTML.
func (r *Renderer) markdown(src any) (template.HTML, error) {
	var text string
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		text = v
	default:
		text = fmt.Sprint(v)
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return template.HTML(r.policy.SanitizeBytes(buf.Bytes())), nil
}

// Render executes the template for ctx.Type, falling back to DefaultTemplate.
func (r *Renderer) Render(ctx Context) (string, error) {
	r.mu.RLock()
	set := r.templates
	r.mu.RUnlock()

	name := string(ctx.Type) + templateExt
	tmpl := set.Lookup(name)
	if ctx.Type == "" || tmpl == nil {
		name = DefaultTemplate
		tmpl = set.Lookup(name)
	}
	if tmpl == nil {
		return "", fmt.Errorf("no template for form type %q and no %s", ctx.Type, DefaultTemplate)
	}

	if ctx.Data == nil {
		ctx.Data = livepreview.Document{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Watch re-parses templates whenever one changes and then calls onReload.
func (r *Renderer) Watch(onReload func(), debug bool) (*Watcher, error) {
	w, err := NewWatcher(r.dir, func(path string) error {
		if err := r.Parse(); err != nil {
			return err
		}
		r.log.Info().Str("file", path).Msg("Templates reloaded")
		onReload()
		return nil
	}, r.log, debug)
	if err != nil {
		return nil, err
	}
	w.Start()
	return w, nil
}
