package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/livetemplate/livepreview/internal/pipeline"
)

var errDocumentNotOpen = errors.New("surface document not open")

// socketDocument is a surface document backed by a websocket. Writes are
// buffered and one paint message is sent on Close.
type socketDocument struct {
	client *wsClient
	buf    strings.Builder
	open   bool
}

func (d *socketDocument) Open() error {
	d.buf.Reset()
	d.open = true
	return nil
}

func (d *socketDocument) Write(html string) error {
	if !d.open {
		return errDocumentNotOpen
	}
	d.buf.WriteString(html)
	return nil
}

func (d *socketDocument) Close() error {
	if !d.open {
		return errDocumentNotOpen
	}
	d.open = false
	html := d.buf.String()
	d.buf.Reset()
	return d.client.sendMessage(Message{Type: msgPaint, HTML: html})
}

// serveSurface connects a render surface. A frame socket mounts the embedded
// frame; a window socket opens the separate window, and its disconnect is the
// window's unload signal.
func (s *Server) serveSurface(w http.ResponseWriter, r *http.Request) {
	inst, err := s.hub.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	kind := pipeline.SurfaceKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = pipeline.SurfaceFrame
	}
	if kind != pipeline.SurfaceFrame && kind != pipeline.SurfaceWindow {
		writeError(w, http.StatusBadRequest, "kind must be frame or window")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		inst.log.Warn().Err(err).Msg("Failed to upgrade surface connection")
		return
	}

	log := inst.log.With().Str("socket", string(kind)).Str("remote", conn.RemoteAddr().String()).Logger()
	client := newWSClient(conn, log)
	doc := &socketDocument{client: client}

	var (
		ref      *pipeline.Surface
		replayed bool
	)
	if kind == pipeline.SurfaceWindow {
		ref, replayed, err = inst.pipeline.OpenWindow(doc)
	} else {
		ref, replayed, err = inst.pipeline.MountFrame(doc)
	}
	if err != nil {
		_ = client.sendMessage(Message{Type: msgError, Message: editorErrorMessage(err)})
		client.close()
		return
	}
	log.Debug().Str("surface", ref.String()).Bool("replayed", replayed).Msg("Surface connected")

	inst.addSurface(client, kind)
	defer inst.removeSurface(client)

	st := inst.pipeline.Status()
	_ = client.sendMessage(Message{Type: msgDevice, Device: string(st.Device)})
	if kind == pipeline.SurfaceFrame && st.WindowOpen {
		_ = client.sendMessage(Message{Type: msgSuspend})
	}
	if !replayed && st.State == pipeline.StateReady {
		if msg, ok := inst.loadMessage(); ok {
			_ = client.sendMessage(msg)
		}
	}

	// Surfaces only listen; inbound messages are ignored.
	client.readLoop(func(MessageEnvelope) {})

	if kind == pipeline.SurfaceWindow {
		err = inst.pipeline.CloseWindow(ref)
	} else {
		err = inst.pipeline.UnmountFrame(ref)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Surface detach after stop")
	}
	log.Debug().Str("surface", ref.String()).Msg("Surface disconnected")
}
