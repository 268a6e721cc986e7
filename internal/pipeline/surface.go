package pipeline

import (
	"fmt"
)

// Document is the writable document of a render surface. A paint is always a
// full replacement: Open, one Write with the whole HTML, Close.
type Document interface {
	Open() error
	Write(html string) error
	Close() error
}

// SurfaceKind distinguishes the embedded frame from a separate window.
type SurfaceKind string

const (
	SurfaceFrame  SurfaceKind = "frame"
	SurfaceWindow SurfaceKind = "window"
)

// Surface is a reference to a mounted render surface. A reference becomes
// stale when the surface is unmounted, replaced, closed or reloaded; stale
// references are never painted.
type Surface struct {
	kind       SurfaceKind
	generation uint64
	doc        Document
}

// Kind returns whether this is the frame or the window.
func (s *Surface) Kind() SurfaceKind {
	return s.kind
}

func (s *Surface) String() string {
	if s == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d", s.kind, s.generation)
}

// Surfaces tracks the embedded frame and the optional separate window.
// Exactly one of them is active: the window while it is open, otherwise the
// frame. Surfaces is not safe for concurrent use; the pipeline loop owns it.
type Surfaces struct {
	frame   *Surface
	window  *Surface
	nextGen uint64
	reloads int
}

func (s *Surfaces) mount(kind SurfaceKind, doc Document) *Surface {
	s.nextGen++
	return &Surface{kind: kind, generation: s.nextGen, doc: doc}
}

// MountFrame registers doc as the embedded frame, replacing any previous one.
func (s *Surfaces) MountFrame(doc Document) *Surface {
	s.frame = s.mount(SurfaceFrame, doc)
	return s.frame
}

// UnmountFrame removes the frame if ref is still the mounted one.
func (s *Surfaces) UnmountFrame(ref *Surface) bool {
	if ref == nil || s.frame != ref {
		return false
	}
	s.frame = nil
	return true
}

// OpenWindow registers doc as the separate window. While a window is held the
// frame is suspended.
func (s *Surfaces) OpenWindow(doc Document) *Surface {
	s.window = s.mount(SurfaceWindow, doc)
	return s.window
}

// CloseWindow handles the window's unload signal. Control reverts to the frame.
func (s *Surfaces) CloseWindow(ref *Surface) bool {
	if ref == nil || s.window != ref {
		return false
	}
	s.window = nil
	return true
}

// Reload bumps the reload counter and tears down the frame. The frame has to
// be mounted again; the old reference stays stale forever.
func (s *Surfaces) Reload() int {
	s.reloads++
	s.frame = nil
	return s.reloads
}

// Reloads returns the reload counter.
func (s *Surfaces) Reloads() int {
	return s.reloads
}

// Active resolves the surface paints go to, or nil if none is mounted.
func (s *Surfaces) Active() *Surface {
	if s.window != nil {
		return s.window
	}
	return s.frame
}

// IsCurrent reports whether ref is the active surface.
func (s *Surfaces) IsCurrent(ref *Surface) bool {
	return ref != nil && ref == s.Active()
}

// FrameMounted reports whether an embedded frame is mounted.
func (s *Surfaces) FrameMounted() bool {
	return s.frame != nil
}

// WindowOpen reports whether a separate window is held, suspending the frame.
func (s *Surfaces) WindowOpen() bool {
	return s.window != nil
}

// Paint replaces the surface's document with html.
func Paint(ref *Surface, html string) error {
	if ref == nil || ref.doc == nil {
		return nil
	}
	if err := ref.doc.Open(); err != nil {
		return fmt.Errorf("open %s: %w", ref, err)
	}
	if err := ref.doc.Write(html); err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := ref.doc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", ref, err)
	}
	return nil
}
