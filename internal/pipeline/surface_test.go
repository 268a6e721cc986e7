package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurfacesActiveSelection(t *testing.T) {
	var s Surfaces
	assert.Nil(t, s.Active())

	frame := s.MountFrame(&recordingDocument{})
	assert.Equal(t, frame, s.Active())
	assert.True(t, s.FrameMounted())

	win := s.OpenWindow(&recordingDocument{})
	assert.Equal(t, win, s.Active())
	assert.True(t, s.WindowOpen())
	assert.False(t, s.IsCurrent(frame), "frame is suspended while the window is open")

	assert.False(t, s.CloseWindow(frame))
	assert.True(t, s.CloseWindow(win))
	assert.False(t, s.CloseWindow(win))
	assert.Equal(t, frame, s.Active())
}

func TestSurfacesReloadInvalidatesFrame(t *testing.T) {
	var s Surfaces
	old := s.MountFrame(&recordingDocument{})

	assert.Equal(t, 1, s.Reload())
	assert.False(t, s.IsCurrent(old))
	assert.False(t, s.UnmountFrame(old))

	fresh := s.MountFrame(&recordingDocument{})
	assert.Greater(t, fresh.generation, old.generation)
	assert.True(t, s.IsCurrent(fresh))
	assert.False(t, s.IsCurrent(old))
	assert.Equal(t, 1, s.Reloads())
}

func TestPaintReplacesDocument(t *testing.T) {
	var s Surfaces
	doc := &recordingDocument{}
	ref := s.MountFrame(doc)

	require.NoError(t, Paint(ref, "<h1>one</h1>"))
	require.NoError(t, Paint(ref, "<h1>two</h1>"))
	assert.Equal(t, []string{"open", "write", "close", "open", "write", "close"}, doc.ops)
	assert.Equal(t, []string{"<h1>one</h1>", "<h1>two</h1>"}, doc.paints())

	assert.NoError(t, Paint(nil, "<h1>nowhere</h1>"))
	assert.Equal(t, "<none>", (*Surface)(nil).String())
	assert.Equal(t, "frame#1", ref.String())
}

type failingDocument struct{ recordingDocument }

func (d *failingDocument) Write(string) error { return errors.New("socket closed") }

func TestPaintReportsWriteError(t *testing.T) {
	var s Surfaces
	ref := s.OpenWindow(&failingDocument{})
	err := Paint(ref, "<p/>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write window#1")
}
