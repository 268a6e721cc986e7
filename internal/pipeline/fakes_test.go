package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livetemplate/livepreview"
)

type fakeSession struct {
	mu          sync.Mutex
	startErr    error
	starts      int
	stops       int
	updates     []livepreview.Document
	updateTimes []time.Time
	contexts    []livepreview.FormType
	webspace    string
	targetGroup *int
	updateErr   error

	// gate, when set, holds Update until it is closed. Cancellation is
	// ignored so a response can arrive after Stop.
	gate chan struct{}
}

func (s *fakeSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *fakeSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSession) Update(ctx context.Context, data livepreview.Document) (string, error) {
	s.mu.Lock()
	s.updates = append(s.updates, data)
	s.updateTimes = append(s.updateTimes, time.Now())
	n := len(s.updates)
	gate := s.gate
	err := s.updateErr
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("<p>update %d: %v</p>", n, data["title"]), nil
}

func (s *fakeSession) UpdateContext(ctx context.Context, ft livepreview.FormType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, ft)
	return fmt.Sprintf("<p>context %s</p>", ft), nil
}

func (s *fakeSession) SetWebspace(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webspace = key
}

func (s *fakeSession) SetTargetGroup(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetGroup = &id
}

func (s *fakeSession) RenderRoute() string {
	return "/preview/render?token=fake"
}

func (s *fakeSession) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *fakeSession) setStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func (s *fakeSession) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeSession) lastUpdate() livepreview.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return nil
	}
	return s.updates[len(s.updates)-1]
}

func (s *fakeSession) contextCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// recordingDocument records every Open/Write/Close it receives.
type recordingDocument struct {
	mu     sync.Mutex
	ops    []string
	writes []string
}

func (d *recordingDocument) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "open")
	return nil
}

func (d *recordingDocument) Write(html string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "write")
	d.writes = append(d.writes, html)
	return nil
}

func (d *recordingDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "close")
	return nil
}

func (d *recordingDocument) paints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

func (d *recordingDocument) paintCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

// seedingSession is a fakeSession that records what it was seeded with.
type seedingSession struct {
	fakeSession
	seeds     []livepreview.Document
	seedTypes []livepreview.FormType
}

func (s *seedingSession) Seed(data livepreview.Document, ft livepreview.FormType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds = append(s.seeds, data)
	s.seedTypes = append(s.seedTypes, ft)
}
