package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/pipeline"
)

// loadingData is the payload of the "loading" action. Omitted fields are left
// unchanged.
type loadingData struct {
	Form         *bool `json:"form,omitempty"`
	TargetGroups *bool `json:"targetGroups,omitempty"`
}

// serveEditor connects the form editor to a preview: it feeds form state into
// the pipeline and receives state, device, window and error notifications.
func (s *Server) serveEditor(w http.ResponseWriter, r *http.Request) {
	inst, err := s.hub.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		inst.log.Warn().Err(err).Msg("Failed to upgrade editor connection")
		return
	}

	log := inst.log.With().Str("socket", "editor").Str("remote", conn.RemoteAddr().String()).Logger()
	client := newWSClient(conn, log)
	inst.addEditor(client)
	defer inst.removeEditor(client)

	log.Debug().Msg("Editor connected")

	st := inst.pipeline.Status()
	_ = client.sendMessage(Message{Type: msgState, State: st.State.String(), Status: &st})
	_ = client.sendMessage(Message{Type: msgDevice, Device: string(st.Device)})
	open := st.WindowOpen
	_ = client.sendMessage(Message{Type: msgWindow, Open: &open})

	client.readLoop(func(env MessageEnvelope) {
		if err := s.handleEditorAction(r, inst, env); err != nil {
			log.Debug().Err(err).Str("action", env.Action).Msg("Editor action failed")
			_ = client.sendMessage(Message{Type: msgError, Message: editorErrorMessage(err)})
		}
	})

	log.Debug().Msg("Editor disconnected")
}

func (s *Server) handleEditorAction(r *http.Request, inst *Instance, env MessageEnvelope) error {
	p := inst.pipeline

	switch env.Action {
	case "start":
		return p.Start()

	case "loading":
		var data loadingData
		if err := decodeData(env.Data, &data); err != nil {
			return err
		}
		if data.Form != nil {
			if err := p.SetFormLoading(*data.Form); err != nil {
				return err
			}
		}
		if data.TargetGroups != nil {
			return p.SetTargetGroupsLoading(*data.TargetGroups)
		}
		return nil

	case "data":
		doc, err := livepreview.ParseDocument(env.Data)
		if err != nil {
			return fmt.Errorf("invalid data: %w", err)
		}
		return p.SetData(doc)

	case "type":
		var ft livepreview.FormType
		if err := decodeData(env.Data, &ft); err != nil {
			return err
		}
		return p.SetFormType(ft)

	case "device":
		var d livepreview.Device
		if err := decodeData(env.Data, &d); err != nil {
			return err
		}
		return p.SelectDevice(d)

	case "webspace":
		var key string
		if err := decodeData(env.Data, &key); err != nil {
			return err
		}
		if !s.cfg.Preview.IsWebspaceChooserEnabled() {
			return errWebspaceChooserDisabled
		}
		if !s.cfg.Preview.HasWebspace(key) {
			return fmt.Errorf("%w: %q", errUnknownWebspace, key)
		}
		return p.SelectWebspace(key)

	case "targetGroup":
		var id int
		if err := decodeData(env.Data, &id); err != nil {
			return err
		}
		if !s.cfg.Preview.AudienceTargeting {
			return errTargetingDisabled
		}
		if err := p.SelectTargetGroup(id); err != nil {
			return err
		}
		s.hub.SetTargetGroup(r.Context(), inst, id)
		return nil

	case "reload":
		_, err := p.Reload()
		return err

	case "retry":
		return p.Retry()

	default:
		return fmt.Errorf("%w: %q", errUnknownAction, env.Action)
	}
}

var (
	errUnknownAction           = errors.New("unknown action")
	errUnknownWebspace         = errors.New("unknown webspace")
	errWebspaceChooserDisabled = errors.New("webspace selection is disabled")
	errTargetingDisabled       = errors.New("audience targeting is disabled")
	errInvalidPayload          = errors.New("invalid payload")
)

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

// editorErrorMessage turns an action error into text for the editor.
func editorErrorMessage(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrStopped):
		return "The preview has been closed."
	case errors.Is(err, pipeline.ErrAlreadyStarted):
		return "The preview is already running."
	case errors.Is(err, pipeline.ErrNotReady):
		return "The preview is not ready yet."
	case errors.Is(err, pipeline.ErrUnknownDevice):
		return "Unknown device."
	default:
		return err.Error()
	}
}
