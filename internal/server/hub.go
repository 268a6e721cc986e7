package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/pipeline"
	"github.com/livetemplate/livepreview/internal/session"
	"github.com/livetemplate/livepreview/internal/store"
)

var errInstanceNotFound = errors.New("preview not found")

// Instance is one live preview: a pipeline, its session and the sockets
// attached to it.
type Instance struct {
	ID        string
	Ref       livepreview.ResourceRef
	CreatedAt time.Time

	pipeline *pipeline.Pipeline
	session  pipeline.Session
	log      zerolog.Logger

	mu       sync.Mutex
	editors  map[*wsClient]struct{}
	surfaces map[*wsClient]pipeline.SurfaceKind
	painted  bool

	persist     chan string
	persistDone chan struct{}
}

// Pipeline returns the instance's pipeline.
func (inst *Instance) Pipeline() *pipeline.Pipeline {
	return inst.pipeline
}

// Session returns the instance's preview session.
func (inst *Instance) Session() pipeline.Session {
	return inst.session
}

func (inst *Instance) addEditor(c *wsClient) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.editors[c] = struct{}{}
}

func (inst *Instance) removeEditor(c *wsClient) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	delete(inst.editors, c)
}

func (inst *Instance) addSurface(c *wsClient, kind pipeline.SurfaceKind) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.surfaces[c] = kind
}

func (inst *Instance) removeSurface(c *wsClient) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	delete(inst.surfaces, c)
}

func (inst *Instance) toEditors(msg Message) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for c := range inst.editors {
		_ = c.sendMessage(msg)
	}
}

// toSurfaces sends msg to surface sockets of kind, or to all of them when
// kind is empty.
func (inst *Instance) toSurfaces(kind pipeline.SurfaceKind, msg Message) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for c, k := range inst.surfaces {
		if kind == "" || k == kind {
			_ = c.sendMessage(msg)
		}
	}
}

func (inst *Instance) closeClients() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for c := range inst.editors {
		c.close()
	}
	for c := range inst.surfaces {
		c.close()
	}
}

// loadMessage points a surface at the render route, or returns false when
// the session has none yet.
func (inst *Instance) loadMessage() (Message, bool) {
	if inst.session.RenderRoute() == "" {
		return Message{}, false
	}
	return Message{Type: msgLoad, URL: renderPath(inst.ID)}, true
}

// handleEvent runs on the pipeline's loop goroutine, so it only queues.
func (inst *Instance) handleEvent(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventState:
		inst.toEditors(Message{Type: msgState, State: ev.State.String()})
		inst.queuePersist(ev.State.String())
		if ev.State == pipeline.StateReady {
			inst.mu.Lock()
			painted := inst.painted
			inst.mu.Unlock()
			if msg, ok := inst.loadMessage(); ok && !painted {
				inst.toSurfaces("", msg)
			}
		}
	case pipeline.EventDevice:
		msg := Message{Type: msgDevice, Device: string(ev.Device)}
		inst.toEditors(msg)
		inst.toSurfaces("", msg)
	case pipeline.EventError:
		inst.toEditors(Message{Type: msgError, Message: session.UserFriendlyMessage(ev.Err)})
	case pipeline.EventWindow:
		open := ev.Window
		inst.toEditors(Message{Type: msgWindow, Open: &open})
		if open {
			inst.toSurfaces(pipeline.SurfaceFrame, Message{Type: msgSuspend})
		} else {
			inst.toSurfaces(pipeline.SurfaceFrame, Message{Type: msgResume})
		}
	case pipeline.EventReload:
		inst.toSurfaces(pipeline.SurfaceFrame, Message{Type: msgReload, Reloads: ev.Reloads})
	case pipeline.EventPainted:
		inst.mu.Lock()
		inst.painted = true
		inst.mu.Unlock()
	}
}

func (inst *Instance) queuePersist(state string) {
	select {
	case inst.persist <- state:
	default:
		inst.log.Warn().Str("state", state).Msg("Persist queue full, dropping state")
	}
}

// Hub owns all live preview instances.
type Hub struct {
	cfg     *config.Config
	backend Backend
	store   *store.Store
	log     zerolog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewHub creates an empty hub. st may be nil.
func NewHub(cfg *config.Config, backend Backend, st *store.Store, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		backend:   backend,
		store:     st,
		log:       log.With().Str("component", "hub").Logger(),
		instances: make(map[string]*Instance),
	}
}

// Create builds a preview instance for ref. The pipeline is not started.
func (h *Hub) Create(ctx context.Context, ref livepreview.ResourceRef) (*Instance, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess := h.backend.NewSession(id, ref)
	inst := &Instance{
		ID:          id,
		Ref:         ref,
		CreatedAt:   time.Now(),
		session:     sess,
		log:         h.log.With().Str("preview_id", id).Str("resource", ref.String()).Logger(),
		editors:     make(map[*wsClient]struct{}),
		surfaces:    make(map[*wsClient]pipeline.SurfaceKind),
		persist:     make(chan string, 16),
		persistDone: make(chan struct{}),
	}

	if h.store != nil {
		err := h.store.Save(ctx, store.Instance{
			ID:          id,
			Resource:    ref,
			TargetGroup: livepreview.NoTargetGroup,
			State:       pipeline.StateNotStarted.String(),
		})
		if err != nil {
			return nil, err
		}
	}
	go h.persistLoop(inst)

	inst.pipeline = pipeline.New(sess, pipeline.Options{
		DebounceDelay:     h.cfg.Preview.GetDebounceDelay(),
		AudienceTargeting: h.cfg.Preview.AudienceTargeting,
		Webspace:          ref.Webspace,
		Logger:            inst.log,
		OnEvent:           inst.handleEvent,
	})

	h.mu.Lock()
	h.instances[id] = inst
	h.mu.Unlock()

	inst.log.Info().Msg("Preview created")
	return inst, nil
}

func (h *Hub) persistLoop(inst *Instance) {
	defer close(inst.persistDone)
	for state := range inst.persist {
		if h.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.store.UpdateState(ctx, inst.ID, state, sessionToken(inst.session)); err != nil {
			inst.log.Warn().Err(err).Msg("Failed to persist preview state")
		}
		cancel()
	}
}

// Get returns the instance with id.
func (h *Hub) Get(id string) (*Instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[id]
	if !ok {
		return nil, errInstanceNotFound
	}
	return inst, nil
}

// List returns all instances, oldest first.
func (h *Hub) List() []*Instance {
	h.mu.RLock()
	out := make([]*Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, inst)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live instances.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.instances)
}

// SetTargetGroup records a target-group selection in the registry.
func (h *Hub) SetTargetGroup(ctx context.Context, inst *Instance, id int) {
	if h.store == nil {
		return
	}
	if err := h.store.UpdateTargetGroup(ctx, inst.ID, id); err != nil {
		inst.log.Warn().Err(err).Msg("Failed to persist target group")
	}
}

// Stop tears down one instance and forgets it.
func (h *Hub) Stop(ctx context.Context, id string) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	delete(h.instances, id)
	h.mu.Unlock()
	if !ok {
		return errInstanceNotFound
	}
	return h.stopInstance(ctx, inst)
}

func (h *Hub) stopInstance(ctx context.Context, inst *Instance) error {
	err := inst.pipeline.Stop(ctx)
	close(inst.persist)
	<-inst.persistDone
	inst.closeClients()

	if h.store != nil {
		if derr := h.store.Delete(ctx, inst.ID); derr != nil {
			inst.log.Warn().Err(derr).Msg("Failed to delete preview from registry")
		}
	}
	inst.log.Info().Msg("Preview stopped")
	return err
}

// StopAll stops every instance, e.g. on shutdown.
func (h *Hub) StopAll(ctx context.Context) {
	h.mu.Lock()
	all := h.instances
	h.instances = make(map[string]*Instance)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range all {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			_ = h.stopInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

// RetryAll re-renders every ready preview, e.g. after templates changed.
func (h *Hub) RetryAll() {
	for _, inst := range h.List() {
		if err := inst.pipeline.Retry(); err != nil && !errors.Is(err, pipeline.ErrNotReady) {
			inst.log.Debug().Err(err).Msg("Retry skipped")
		}
	}
}
