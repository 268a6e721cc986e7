package pipeline

import (
	"github.com/livetemplate/livepreview"
)

// EventType identifies what changed in a pipeline.
type EventType string

const (
	EventState   EventType = "state"
	EventDevice  EventType = "device"
	EventError   EventType = "error"
	EventWindow  EventType = "window"
	EventReload  EventType = "reload"
	EventPainted EventType = "painted"
)

// Event is emitted to Options.OnEvent from the pipeline's loop goroutine.
// Handlers must not block and must not call back into the pipeline
// synchronously.
type Event struct {
	Type    EventType
	State   State
	Device  livepreview.Device
	Err     error
	Window  bool   // EventWindow: whether a window is now open
	Reloads int    // EventReload: reload counter after the bump
	Surface string // EventPainted: which surface received the paint
}
