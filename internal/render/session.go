package render

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/pipeline"
)

var (
	_ pipeline.Session = (*Session)(nil)
	_ pipeline.Seeder  = (*Session)(nil)
)

var errNotStarted = errors.New("local preview session not started")

// Session is a preview session rendered locally. It remembers the last data
// and form type so either can change on its own, like the CMS does.
type Session struct {
	renderer *Renderer
	ref      livepreview.ResourceRef
	route    string

	mu          sync.RWMutex
	token       string
	data        livepreview.Document
	formType    livepreview.FormType
	webspace    string
	targetGroup *int
}

// NewSession creates an unstarted session. route is the URL that serves
// RenderCurrent.
func (r *Renderer) NewSession(ref livepreview.ResourceRef, route string) *Session {
	return &Session{
		renderer: r,
		ref:      ref,
		route:    route,
		webspace: ref.Webspace,
	}
}

func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = uuid.NewString()
	return nil
}

func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

func (s *Session) Update(ctx context.Context, data livepreview.Document) (string, error) {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return "", errNotStarted
	}
	s.data = data.Clone()
	s.mu.Unlock()
	return s.RenderCurrent()
}

func (s *Session) UpdateContext(ctx context.Context, formType livepreview.FormType) (string, error) {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return "", errNotStarted
	}
	s.formType = formType
	s.mu.Unlock()
	return s.RenderCurrent()
}

// Seed sets the data and form type rendered before the first update.
func (s *Session) Seed(data livepreview.Document, formType livepreview.FormType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data.Clone()
	s.formType = formType
}

// RenderCurrent renders the last data with the current context.
func (s *Session) RenderCurrent() (string, error) {
	s.mu.RLock()
	ctx := Context{
		Resource:    s.ref,
		Type:        s.formType,
		Webspace:    s.webspace,
		Locale:      s.ref.Locale,
		TargetGroup: livepreview.NoTargetGroup,
		Data:        s.data.Clone(),
	}
	if s.targetGroup != nil {
		ctx.TargetGroup = *s.targetGroup
	}
	s.mu.RUnlock()

	return s.renderer.Render(ctx)
}

func (s *Session) SetWebspace(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webspace = key
}

func (s *Session) SetTargetGroup(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetGroup = &id
}

// Token returns the session token, empty before Start.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) RenderRoute() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return ""
	}
	return s.route
}
