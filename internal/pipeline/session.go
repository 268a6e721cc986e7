package pipeline

import (
	"context"

	"github.com/livetemplate/livepreview"
)

// Session is the backend-tracked preview context a pipeline renders through.
// Start, Update and UpdateContext may block on the network; the pipeline
// always calls them off its loop goroutine.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Update(ctx context.Context, data livepreview.Document) (string, error)
	UpdateContext(ctx context.Context, formType livepreview.FormType) (string, error)

	SetWebspace(key string)
	SetTargetGroup(id int)

	// RenderRoute is the URL that renders the current session state.
	RenderRoute() string
}

// Seeder is implemented by sessions that have no stored copy of the resource
// and render only what the form sends. Seed receives the form data and type
// as they stand when the pipeline becomes ready; it runs on the loop
// goroutine and must not block.
type Seeder interface {
	Seed(data livepreview.Document, formType livepreview.FormType)
}
