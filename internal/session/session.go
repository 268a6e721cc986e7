package session

import (
	"context"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/pipeline"
)

var _ pipeline.Session = (*Session)(nil)

// Session is one CMS preview session, identified by its token once started.
// It is safe for concurrent use: the pipeline changes the webspace and target
// group while updates are in flight.
type Session struct {
	client *Client
	ref    livepreview.ResourceRef
	log    zerolog.Logger

	mu          sync.RWMutex
	token       string
	starting    bool
	stopped     bool
	webspace    string
	targetGroup *int
}

type startResponse struct {
	Token string `json:"token"`
}

type contentResponse struct {
	Content *string `json:"content"`
}

type updateRequest struct {
	Data livepreview.Document `json:"data"`
}

type contextRequest struct {
	Context struct {
		Template livepreview.FormType `json:"template"`
	} `json:"context"`
}

// Resource returns the resource the session renders.
func (s *Session) Resource() livepreview.ResourceRef {
	return s.ref
}

// Start creates the session in the CMS and stores its token. If Stop ran
// while the CMS was answering, the new session is stopped right away and
// ErrStopped is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.starting = true
	webspace := s.webspace
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	query := url.Values{
		"provider":    {s.ref.ResourceKey},
		"id":          {s.ref.ID},
		"locale":      {s.ref.Locale},
		"webspaceKey": {webspace},
	}
	var resp startResponse
	if err := s.client.Get(ctx, "start", s.client.endpoints.Start, query, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return &ValidationError{Operation: "start", Field: "token", Reason: "response has no token"}
	}

	s.mu.Lock()
	stopped := s.stopped
	if !stopped {
		s.token = resp.Token
	}
	s.mu.Unlock()

	if stopped {
		if err := s.client.StopToken(context.WithoutCancel(ctx), resp.Token); err != nil {
			s.log.Warn().Err(err).Msg("Failed to stop session started after stop")
		}
		return ErrStopped
	}

	s.log.Debug().Str("token", resp.Token).Msg("Preview session started")
	return nil
}

// Stop ends the session in the CMS. A Start still in flight stops the
// session it opens once the CMS answers. The session can't be started again.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	s.token = ""
	s.stopped = true
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := s.client.StopToken(ctx, token); err != nil {
		return err
	}
	s.log.Debug().Str("token", token).Msg("Preview session stopped")
	return nil
}

// Update renders data in the session's current context.
func (s *Session) Update(ctx context.Context, data livepreview.Document) (string, error) {
	query, err := s.contextQuery("update")
	if err != nil {
		return "", err
	}
	if data == nil {
		data = livepreview.Document{}
	}
	return s.render(ctx, "update", s.client.endpoints.Update, query, updateRequest{Data: data})
}

// UpdateContext switches the session to formType and renders it.
func (s *Session) UpdateContext(ctx context.Context, formType livepreview.FormType) (string, error) {
	query, err := s.contextQuery("update_context")
	if err != nil {
		return "", err
	}
	var body contextRequest
	body.Context.Template = formType
	return s.render(ctx, "update_context", s.client.endpoints.UpdateContext, query, body)
}

func (s *Session) render(ctx context.Context, op, path string, query url.Values, body any) (string, error) {
	var resp contentResponse
	if err := s.client.Post(ctx, op, path, query, body, &resp); err != nil {
		return "", err
	}
	if resp.Content == nil {
		return "", &ValidationError{Operation: op, Field: "content", Reason: "response has no content"}
	}
	return *resp.Content, nil
}

func (s *Session) contextQuery(op string) (url.Values, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return nil, &SessionError{Operation: op, Err: ErrNotStarted}
	}
	return url.Values{
		"token":         {s.token},
		"webspaceKey":   {s.webspace},
		"locale":        {s.ref.Locale},
		"targetGroupId": {livepreview.FormatTargetGroup(s.targetGroup)},
	}, nil
}

// SetWebspace changes the webspace used by later renders.
func (s *Session) SetWebspace(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webspace = key
}

// SetTargetGroup changes the target group used by later renders.
// livepreview.NoTargetGroup renders without audience targeting.
func (s *Session) SetTargetGroup(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetGroup = &id
}

// Webspace returns the current webspace.
func (s *Session) Webspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webspace
}

// TargetGroup returns the selected target group, or nil if none was chosen.
func (s *Session) TargetGroup() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.targetGroup == nil {
		return nil
	}
	id := *s.targetGroup
	return &id
}

// Starting reports whether Start is in progress.
func (s *Session) Starting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.starting
}

// Token returns the session token, empty before Start succeeded.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// RenderRoute returns the absolute URL rendering the session's current state,
// or "" before the session started.
func (s *Session) RenderRoute() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return ""
	}
	return s.client.URL(s.client.endpoints.Render, url.Values{
		"token":         {s.token},
		"webspaceKey":   {s.webspace},
		"locale":        {s.ref.Locale},
		"targetGroupId": {livepreview.FormatTargetGroup(s.targetGroup)},
	})
}
