package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/pipeline"
	"github.com/livetemplate/livepreview/internal/targeting"
)

// maxRequestBodySize limits the size of incoming request bodies (1MB)
const maxRequestBodySize = 1 << 20

// stopTimeout bounds how long a DELETE waits for the CMS to stop a session.
const stopTimeout = 10 * time.Second

// createRequest is the body of POST /api/previews.
type createRequest struct {
	ResourceKey string               `json:"resourceKey"`
	ID          string               `json:"id"`
	Locale      string               `json:"locale"`
	Webspace    string               `json:"webspace"`
	Type        livepreview.FormType `json:"type,omitempty"`
	Data        livepreview.Document `json:"data,omitempty"`
}

// createResponse describes a new preview and the options its toolbar offers.
type createResponse struct {
	ID           string                    `json:"id"`
	State        pipeline.State            `json:"state"`
	RenderRoute  string                    `json:"renderRoute"`
	Frame        string                    `json:"frame"`
	Window       string                    `json:"window"`
	Webspaces    []livepreview.Webspace    `json:"webspaces,omitempty"`
	Devices      []livepreview.Device      `json:"devices"`
	TargetGroups []livepreview.TargetGroup `json:"targetGroups,omitempty"`
}

// previewResponse is the status of one preview.
type previewResponse struct {
	ID        string                  `json:"id"`
	Resource  livepreview.ResourceRef `json:"resource"`
	CreatedAt time.Time               `json:"createdAt"`
	Status    pipeline.Status         `json:"status"`
}

func newPreviewResponse(inst *Instance) previewResponse {
	return previewResponse{
		ID:        inst.ID,
		Resource:  inst.Ref,
		CreatedAt: inst.CreatedAt,
		Status:    inst.pipeline.Status(),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ref := livepreview.ResourceRef{
		ResourceKey: req.ResourceKey,
		ID:          req.ID,
		Locale:      req.Locale,
		Webspace:    req.Webspace,
	}
	if ref.Webspace == "" {
		ref.Webspace = s.cfg.Preview.DefaultWebspace()
	}
	if !s.cfg.Preview.HasWebspace(ref.Webspace) {
		writeError(w, http.StatusBadRequest, "unknown webspace: "+ref.Webspace)
		return
	}

	inst, err := s.hub.Create(r.Context(), ref)
	if err != nil {
		var cfgErr *livepreview.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Message)
			return
		}
		s.log.Error().Err(err).Msg("Failed to create preview")
		writeError(w, http.StatusInternalServerError, "failed to create preview")
		return
	}
	p := inst.pipeline

	resp := createResponse{
		ID:      inst.ID,
		Frame:   "/preview/" + inst.ID,
		Window:  "/preview/" + inst.ID + "/window",
		Devices: s.cfg.Preview.GetDevices(),
	}
	if s.cfg.Preview.IsWebspaceChooserEnabled() {
		resp.Webspaces = s.cfg.Preview.Webspaces
	}

	if s.cfg.Preview.AudienceTargeting {
		resp.TargetGroups = s.loadTargetGroups(r.Context(), inst)
	}

	if req.Type != "" {
		_ = p.SetFormType(req.Type)
	}
	if req.Data != nil {
		_ = p.SetData(req.Data)
		_ = p.SetFormLoading(false)
	}

	if s.cfg.Preview.Mode == livepreview.ModeAuto {
		if err := p.Start(); err != nil {
			inst.log.Warn().Err(err).Msg("Failed to start preview")
		}
	}

	st := p.Status()
	resp.State = st.State
	resp.RenderRoute = renderPath(inst.ID)
	writeJSON(w, http.StatusCreated, resp)
}

// loadTargetGroups loads the target-group options and releases the
// pipeline's targeting condition. A failed load leaves the list empty.
func (s *Server) loadTargetGroups(ctx context.Context, inst *Instance) []livepreview.TargetGroup {
	p := inst.pipeline
	_ = p.SetTargetGroupsLoading(true)
	defer func() { _ = p.SetTargetGroupsLoading(false) }()

	if s.targetGroups == nil {
		return targeting.Options(nil)
	}
	groups, err := s.targetGroups.Load(ctx)
	if err != nil {
		inst.log.Warn().Err(err).Msg("Failed to load target groups")
		return targeting.Options(nil)
	}
	return targeting.Options(groups)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances := s.hub.List()
	out := make([]previewResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, newPreviewResponse(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newPreviewResponse(inst))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := inst.pipeline.Start(); err != nil {
		status := http.StatusConflict
		if errors.Is(err, pipeline.ErrStopped) {
			status = http.StatusGone
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, newPreviewResponse(inst))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookup(w, r)
	if !ok {
		return
	}
	n, err := inst.pipeline.Reload()
	if err != nil {
		writeError(w, http.StatusGone, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reloads": n})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := inst.pipeline.Retry(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, newPreviewResponse(inst))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()

	err := s.hub.Stop(ctx, r.PathValue("id"))
	if errors.Is(err, errInstanceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		// The preview is gone locally either way.
		s.log.Warn().Err(err).Str("preview_id", r.PathValue("id")).Msg("Session stop failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Instance, bool) {
	inst, err := s.hub.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return inst, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
