// Package pipeline keeps a rendered preview in sync with live form edits.
//
// A Pipeline waits until the form, the preview session, the embedded frame
// and (optionally) the target-group list are all ready. From then on every
// change of the form data is debounced into Session.Update, every change of
// the form type goes straight to Session.UpdateContext, and the returned HTML
// is painted into whichever render surface is active.
//
// All state is owned by a single loop goroutine. Public methods hand their
// work to the loop and wait for it; timer fires and session completions are
// posted to the loop as well, so surface handlers never run concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview"
)

// DefaultDebounceDelay is the trailing delay applied to data changes.
const DefaultDebounceDelay = 250 * time.Millisecond

// Readiness conditions.
const (
	CondForm         = "form"
	CondSession      = "session"
	CondSurface      = "surface"
	CondTargetGroups = "target_groups"
)

var (
	ErrStopped        = errors.New("pipeline stopped")
	ErrAlreadyStarted = errors.New("pipeline already started")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrNotReady       = errors.New("pipeline not ready")
)

// State is the lifecycle state of a pipeline.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStopped
)

var stateNames = [...]string{
	StateNotStarted: "not_started",
	StateStarting:   "starting",
	StateReady:      "ready",
	StateStopped:    "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", text)
}

// Options configures a Pipeline.
type Options struct {
	// DebounceDelay defaults to DefaultDebounceDelay when zero.
	DebounceDelay time.Duration

	// AudienceTargeting adds the target-group list to the readiness barrier.
	AudienceTargeting bool

	// Webspace is the webspace the session was created for.
	Webspace string

	Logger zerolog.Logger

	// OnEvent is called from the loop goroutine. It must not block and must
	// not call back into the pipeline synchronously.
	OnEvent func(Event)
}

// Status is a point-in-time view of a pipeline.
type Status struct {
	State        State              `json:"state"`
	Updating     bool               `json:"updating"`
	Device       livepreview.Device `json:"device"`
	Webspace     string             `json:"webspace"`
	TargetGroup  *int               `json:"targetGroup,omitempty"`
	Reloads      int                `json:"reloads"`
	FrameMounted bool               `json:"frameMounted"`
	WindowOpen   bool               `json:"windowOpen"`
	Pending      []string           `json:"pending,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
	HasContent   bool               `json:"hasContent"`
	RenderRoute  string             `json:"renderRoute,omitempty"`
}

// Pipeline coordinates one preview session with its form and surfaces.
type Pipeline struct {
	session Session
	opts    Options
	log     zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	calls    chan func()
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	// Owned by the loop goroutine.
	state       State
	startCalled bool
	startErr    error
	data        *Observable[livepreview.Document]
	formType    *Observable[livepreview.FormType]
	barrier     *Barrier
	debounce    *Debouncer[livepreview.Document]
	disposers   []Disposer
	surfaces    Surfaces
	freshFrame  bool
	device      livepreview.Device
	webspace    string
	targetGroup *int
	updating    int
	lastHTML    string
	hasContent  bool
	lastErr     error
}

// New creates a pipeline in StateNotStarted and starts its loop goroutine.
// Stop must be called to release it.
func New(session Session, opts Options) *Pipeline {
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = DefaultDebounceDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		session:  session,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "pipeline").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		calls:    make(chan func()),
		done:     make(chan struct{}),
		data:     NewObservable(livepreview.Document{}, livepreview.Document.Clone),
		formType: NewObservable[livepreview.FormType]("", nil),
		device:   livepreview.DeviceAuto,
		webspace: opts.Webspace,
	}

	conds := []string{CondForm, CondSession, CondSurface}
	if opts.AudienceTargeting {
		conds = append(conds, CondTargetGroups)
	}
	p.barrier = NewBarrier(p.handleReady, conds...)

	p.debounce = NewDebouncer(opts.DebounceDelay, func(doc livepreview.Document) {
		p.post(func() { p.dispatchUpdate(doc) })
	})

	go p.loop()
	return p
}

func (p *Pipeline) loop() {
	for {
		select {
		case fn := <-p.calls:
			fn()
		case <-p.done:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (p *Pipeline) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case p.calls <- func() { defer close(ran); fn() }:
	case <-p.done:
		return ErrStopped
	}
	<-ran
	return nil
}

// post hands fn to the loop without waiting for it to run. It is dropped once
// the pipeline has stopped.
func (p *Pipeline) post(fn func()) {
	select {
	case p.calls <- fn:
	case <-p.done:
	}
}

// Done is closed once the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Start creates the remote session. Readiness follows asynchronously once all
// conditions hold.
func (p *Pipeline) Start() error {
	var err error
	if e := p.do(func() { err = p.start() }); e != nil {
		return e
	}
	return err
}

func (p *Pipeline) start() error {
	switch p.state {
	case StateNotStarted:
	case StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}

	p.startCalled = true
	p.startErr = nil
	p.setState(StateStarting)

	go func() {
		err := p.session.Start(p.ctx)
		p.post(func() { p.handleStarted(err) })
	}()
	return nil
}

func (p *Pipeline) handleStarted(err error) {
	if p.state != StateStarting {
		return
	}
	if err != nil {
		p.log.Error().Err(err).Msg("Preview session failed to start")
		p.startErr = err
		p.setState(StateNotStarted)
		p.fail(err)
		return
	}

	p.log.Debug().Str("render_route", p.session.RenderRoute()).Msg("Preview session started")
	p.barrier.Set(CondSession, true)
}

// handleReady runs once, from inside Barrier.Set on the loop goroutine.
func (p *Pipeline) handleReady() {
	if seeder, ok := p.session.(Seeder); ok {
		seeder.Seed(p.data.Get(), p.formType.Get())
	}
	p.setState(StateReady)
	p.initializeReactions()
}

func (p *Pipeline) initializeReactions() {
	p.disposers = append(p.disposers,
		p.data.React(func(doc livepreview.Document) {
			p.debounce.Trigger(doc)
		}),
		p.formType.React(func(ft livepreview.FormType) {
			p.dispatchContext(ft)
		}),
	)
}

// Stop tears the pipeline down: observers are disposed, the pending update is
// cancelled and the session is stopped if it was started. In-flight responses
// are not awaited; they are discarded when they arrive. Stop is idempotent and
// safe in any state.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		var started bool
		_ = p.do(func() { started = p.teardown() })
		close(p.done)
		p.cancel()

		if started {
			if err := p.session.Stop(ctx); err != nil {
				p.log.Warn().Err(err).Msg("Failed to stop preview session")
				p.stopErr = err
			}
		}
	})
	return p.stopErr
}

func (p *Pipeline) teardown() bool {
	for _, dispose := range p.disposers {
		dispose()
	}
	p.disposers = nil
	p.debounce.Stop()
	p.barrier.Dispose()
	p.setState(StateStopped)
	return p.startCalled
}

// SetFormLoading reports whether the form is still loading.
func (p *Pipeline) SetFormLoading(loading bool) error {
	return p.do(func() { p.barrier.Set(CondForm, !loading) })
}

// SetTargetGroupsLoading reports whether the target-group list is still
// loading. Ignored unless audience targeting is enabled.
func (p *Pipeline) SetTargetGroupsLoading(loading bool) error {
	return p.do(func() { p.barrier.Set(CondTargetGroups, !loading) })
}

// SetData replaces the form data snapshot. Once ready, a change by value
// schedules a debounced update.
func (p *Pipeline) SetData(doc livepreview.Document) error {
	if doc == nil {
		doc = livepreview.Document{}
	}
	return p.do(func() { p.data.Set(doc) })
}

// SetFormType replaces the form type. Once ready, a change calls
// UpdateContext immediately.
func (p *Pipeline) SetFormType(ft livepreview.FormType) error {
	return p.do(func() { p.formType.Set(ft) })
}

// Data returns a snapshot of the current form data.
func (p *Pipeline) Data() livepreview.Document {
	return p.data.Get()
}

func (p *Pipeline) dispatchUpdate(doc livepreview.Document) {
	if p.state != StateReady {
		return
	}
	target := p.surfaces.Active()
	p.updating++

	go func() {
		html, err := p.session.Update(p.ctx, doc)
		p.post(func() { p.handleRendered("update", target, html, err) })
	}()
}

func (p *Pipeline) dispatchContext(ft livepreview.FormType) {
	if p.state != StateReady {
		return
	}
	target := p.surfaces.Active()
	p.updating++

	go func() {
		html, err := p.session.UpdateContext(p.ctx, ft)
		p.post(func() { p.handleRendered("update_context", target, html, err) })
	}()
}

func (p *Pipeline) handleRendered(op string, target *Surface, html string, err error) {
	p.updating--
	if p.state == StateStopped {
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Str("op", op).Msg("Preview render failed, keeping last content")
		p.fail(err)
		return
	}

	p.lastErr = nil
	p.lastHTML = html
	p.hasContent = true

	if p.paint(target, html) {
		return
	}
	if target != nil {
		p.log.Debug().Str("surface", target.String()).Msg("Surface went stale, painting active surface instead")
	}
	p.paint(p.surfaces.Active(), html)
}

// paint writes html into ref if it is still the active surface. It reports
// whether ref was current.
func (p *Pipeline) paint(ref *Surface, html string) bool {
	if !p.surfaces.IsCurrent(ref) {
		return false
	}
	if err := Paint(ref, html); err != nil {
		p.log.Warn().Err(err).Str("surface", ref.String()).Msg("Paint failed")
		return true
	}
	p.emit(Event{Type: EventPainted, Surface: ref.String()})
	return true
}

// replay paints the last rendered HTML into ref.
func (p *Pipeline) replay(ref *Surface) bool {
	if !p.hasContent {
		return false
	}
	return p.paint(ref, p.lastHTML)
}

// MountFrame registers the embedded frame's document. It reports whether the
// last rendered content was replayed into it; when it wasn't, the frame
// should load the session's render route itself.
func (p *Pipeline) MountFrame(doc Document) (*Surface, bool, error) {
	var (
		ref      *Surface
		replayed bool
	)
	err := p.do(func() {
		if p.state == StateStopped {
			return
		}
		ref = p.surfaces.MountFrame(doc)
		p.log.Debug().Str("surface", ref.String()).Msg("Frame mounted")
		if p.freshFrame {
			p.freshFrame = false
		} else {
			replayed = p.replay(ref)
		}
		p.barrier.Set(CondSurface, true)
	})
	if err == nil && ref == nil {
		err = ErrStopped
	}
	return ref, replayed, err
}

// UnmountFrame removes the frame if ref is still the mounted one.
func (p *Pipeline) UnmountFrame(ref *Surface) error {
	return p.do(func() {
		if p.surfaces.UnmountFrame(ref) {
			p.log.Debug().Str("surface", ref.String()).Msg("Frame unmounted")
			p.barrier.Set(CondSurface, false)
		}
	})
}

// OpenWindow registers a separate window. The frame is suspended until the
// window closes.
func (p *Pipeline) OpenWindow(doc Document) (*Surface, bool, error) {
	var (
		ref      *Surface
		replayed bool
	)
	err := p.do(func() {
		if p.state == StateStopped {
			return
		}
		ref = p.surfaces.OpenWindow(doc)
		p.log.Debug().Str("surface", ref.String()).Msg("Window opened")
		p.emit(Event{Type: EventWindow, Window: true})
		replayed = p.replay(ref)
	})
	if err == nil && ref == nil {
		err = ErrStopped
	}
	return ref, replayed, err
}

// CloseWindow is the window's unload signal. Control reverts to the frame,
// which receives the last rendered content.
func (p *Pipeline) CloseWindow(ref *Surface) error {
	return p.do(func() {
		if !p.surfaces.CloseWindow(ref) {
			return
		}
		p.log.Debug().Str("surface", ref.String()).Msg("Window closed")
		p.emit(Event{Type: EventWindow, Window: false})
		p.replay(p.surfaces.Active())
	})
}

// Reload bumps the reload counter and tears down the frame. Any reference to
// the old frame is stale from now on.
func (p *Pipeline) Reload() (int, error) {
	var n int
	err := p.do(func() {
		n = p.surfaces.Reload()
		p.freshFrame = true
		p.barrier.Set(CondSurface, false)
		p.emit(Event{Type: EventReload, Reloads: n})
	})
	return n, err
}

// SelectDevice changes the simulated device. It never reaches the session.
func (p *Pipeline) SelectDevice(d livepreview.Device) error {
	if !d.IsValid() {
		return ErrUnknownDevice
	}
	return p.do(func() {
		if p.device == d {
			return
		}
		p.device = d
		p.emit(Event{Type: EventDevice, Device: d})
	})
}

// SelectWebspace changes the session's webspace. It affects later renders
// only.
func (p *Pipeline) SelectWebspace(key string) error {
	return p.do(func() {
		p.webspace = key
		p.session.SetWebspace(key)
	})
}

// SelectTargetGroup changes the session's target group and, once ready,
// schedules one debounced update with the current data.
func (p *Pipeline) SelectTargetGroup(id int) error {
	return p.do(func() {
		p.targetGroup = &id
		p.session.SetTargetGroup(id)
		if p.state == StateReady {
			p.debounce.Trigger(p.data.Get())
		}
	})
}

// Retry recovers from a failed session operation: a failed start is
// restarted, otherwise the current data is rendered again right away.
func (p *Pipeline) Retry() error {
	var err error
	if e := p.do(func() {
		switch {
		case p.state == StateNotStarted && p.startErr != nil:
			err = p.start()
		case p.state == StateReady:
			p.debounce.Cancel()
			p.dispatchUpdate(p.data.Get())
		case p.state == StateStopped:
			err = ErrStopped
		default:
			err = ErrNotReady
		}
	}); e != nil {
		return e
	}
	return err
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	var s State
	if err := p.do(func() { s = p.state }); err != nil {
		return StateStopped
	}
	return s
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	var st Status
	if err := p.do(func() { st = p.status() }); err != nil {
		return Status{State: StateStopped}
	}
	return st
}

func (p *Pipeline) status() Status {
	st := Status{
		State:        p.state,
		Updating:     p.updating > 0,
		Device:       p.device,
		Webspace:     p.webspace,
		Reloads:      p.surfaces.Reloads(),
		FrameMounted: p.surfaces.FrameMounted(),
		WindowOpen:   p.surfaces.WindowOpen(),
		Pending:      p.barrier.Unmet(),
		HasContent:   p.hasContent,
	}
	if p.targetGroup != nil {
		id := *p.targetGroup
		st.TargetGroup = &id
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	if p.state == StateReady {
		st.RenderRoute = p.session.RenderRoute()
	}
	return st
}

func (p *Pipeline) fail(err error) {
	p.lastErr = err
	p.emit(Event{Type: EventError, Err: err})
}

func (p *Pipeline) setState(s State) {
	if p.state == s {
		return
	}
	p.log.Debug().Stringer("from", p.state).Stringer("to", s).Msg("State changed")
	p.state = s
	p.emit(Event{Type: EventState})
}

func (p *Pipeline) emit(ev Event) {
	if p.opts.OnEvent == nil {
		return
	}
	ev.State = p.state
	if ev.Device == "" {
		ev.Device = p.device
	}
	p.opts.OnEvent(ev)
}
