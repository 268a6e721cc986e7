package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/config"
	"github.com/livetemplate/livepreview/internal/store"
)

const localConfig = `backend:
  kind: local
  templates_dir: templates
preview:
  webspaces:
    - key: sulu_io
      name: Sulu
store:
  driver: sqlite
  dsn: previews.db
logging:
  level: error
`

// setupLocalProject creates a project directory using the local backend.
func setupLocalProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "livepreview.yaml"), []byte(localConfig), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "default.html"), []byte(`<h1>{{.Data.title}}</h1>`), 0644))
	return dir
}

// setupSuluProject creates a project directory pointing at a fake CMS and
// returns the tokens the CMS was asked to stop.
func setupSuluProject(t *testing.T) (string, func() []string) {
	t.Helper()
	var (
		mu      sync.Mutex
		stopped []string
	)
	cms := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/admin/preview/stop" {
			mu.Lock()
			stopped = append(stopped, r.URL.Query().Get("token"))
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(cms.Close)

	dir := t.TempDir()
	cfg := `backend:
  kind: sulu
  base_url: ` + cms.URL + `
preview:
  webspaces:
    - key: sulu_io
      name: Sulu
store:
  driver: sqlite
  dsn: previews.db
logging:
  level: error
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "livepreview.yaml"), []byte(cfg), 0644))
	return dir, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), stopped...)
	}
}

func seedInstances(t *testing.T, dir string, instances ...store.Instance) {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(dir, "previews.db"))
	require.NoError(t, err)
	defer st.Close()
	for _, inst := range instances {
		require.NoError(t, st.Save(context.Background(), inst))
	}
}

func listInstances(t *testing.T, dir string) []store.Instance {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(dir, "previews.db"))
	require.NoError(t, err)
	defer st.Close()
	instances, err := st.List(context.Background())
	require.NoError(t, err)
	return instances
}

func instance(id, token string) store.Instance {
	return store.Instance{
		ID:          id,
		Resource:    livepreview.ResourceRef{ResourceKey: "pages", ID: "page-" + id, Locale: "en", Webspace: "sulu_io"},
		TargetGroup: livepreview.NoTargetGroup,
		Token:       token,
		State:       "ready",
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand("1.2.3")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "livepreview version 1.2.3\n", out)
}

func TestValidateLocalProject(t *testing.T) {
	dir := setupLocalProject(t)

	out, err := execute(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "livepreview.yaml")
	assert.Contains(t, out, "Templates parsed")
	assert.Contains(t, out, "Configuration is valid (1 webspace(s), backend local)")
}

func TestValidateErrors(t *testing.T) {
	t.Run("no webspaces", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "livepreview.yaml"), []byte("backend:\n  kind: local\n  templates_dir: .\n"), 0644))

		_, err := execute(t, "validate", dir)
		require.Error(t, err)
		var ce *livepreview.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "preview.webspaces", ce.Field)
		assert.Equal(t, filepath.Join(dir, "livepreview.yaml"), ce.File)
	})

	t.Run("broken template", func(t *testing.T) {
		dir := setupLocalProject(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "default.html"), []byte(`{{.Data.title`), 0644))

		_, err := execute(t, "validate", dir)
		assert.Error(t, err)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "directory not found")
	})

	t.Run("missing explicit config", func(t *testing.T) {
		_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config file not found")
	})
}

func TestLoadConfigResolvesSQLitePath(t *testing.T) {
	dir := setupLocalProject(t)

	cfg, used, err := loadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "livepreview.yaml"), used)
	assert.Equal(t, filepath.Join(dir, "previews.db"), cfg.Store.DSN)
	assert.Equal(t, filepath.Join(dir, "templates"), cfg.Backend.TemplatesDir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "livepreview.yaml"), []byte(strings.Replace(localConfig, "previews.db", ":memory:", 1)), 0644))
	cfg, _, err = loadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Store.DSN)
}

func TestSessionsList(t *testing.T) {
	dir, _ := setupSuluProject(t)
	seedInstances(t, dir, instance("a1", "tok-a"), instance("b2", ""))

	out, err := execute(t, "sessions", "list", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "pages/page-b2@en:sulu_io")

	out, err = execute(t, "sessions", "list", dir, "--format", "json")
	require.NoError(t, err)
	var decoded []store.Instance
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "tok-a", decoded[0].Token)

	_, err = execute(t, "sessions", "list", dir, "--format", "csv")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"pages/1/en", 40, "pages/1/en"},
		{"abcdefghij", 10, "abcdefghij"},
		{"abcdefghijk", 10, "abcdefg..."},
		{"seiten/über-uns/de", 10, "seiten/..."},
		{"ページ/会社概要/ja", 8, "ページ/会..."},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) returned invalid UTF-8", tt.in, tt.n)
			}
		})
	}
}

func TestSessionsListEmpty(t *testing.T) {
	dir, _ := setupSuluProject(t)

	out, err := execute(t, "sessions", "list", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No preview instances registered")
}

func TestSessionsPrune(t *testing.T) {
	dir, stopped := setupSuluProject(t)
	seedInstances(t, dir, instance("a1", "tok-a"), instance("b2", ""))

	out, err := execute(t, "sessions", "prune", dir, "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 instance(s)")
	assert.Len(t, listInstances(t, dir), 2)

	out, err = execute(t, "sessions", "prune", dir, "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 2 instance(s)")
	assert.Empty(t, listInstances(t, dir))
	assert.Equal(t, []string{"tok-a"}, stopped())
}

type fakeStopper struct {
	err    error
	tokens []string
}

func (f *fakeStopper) StopToken(_ context.Context, token string) error {
	f.tokens = append(f.tokens, token)
	return f.err
}

func TestPruneKeepsUnstoppableSessions(t *testing.T) {
	dir := t.TempDir()
	seedInstances(t, dir, instance("a1", "tok-a"), instance("b2", ""))

	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(dir, "previews.db"))
	require.NoError(t, err)
	defer st.Close()

	stale, err := st.ListStale(context.Background(), 0)
	require.NoError(t, err)
	stopper := &fakeStopper{err: errors.New("cms down")}
	pruned, err := pruneSessions(context.Background(), st, stale, stopper, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, []string{"tok-a"}, stopper.tokens)

	remaining, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "a1", remaining[0].ID)
}

// syncBuffer is a bytes.Buffer safe for the serve goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestServeStartsAndShutsDown also checks that startup stops only the
// sessions of this server, not fresh ones of another server on the registry.
func TestServeStartsAndShutsDown(t *testing.T) {
	dir := setupLocalProject(t)
	// Port 0 picks a free port.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "livepreview.yaml"), []byte(localConfig+"server:\n  host: 127.0.0.1\n  port: 0\n"), 0644))
	cfg, _, err := loadConfig(dir, "")
	require.NoError(t, err)
	mine := instance("mine", "")
	mine.Owner = cfg.Store.GetOwner(cfg.Server.Port)
	other := instance("other", "tok-other")
	other.Owner = "other-host:8080"
	seedInstances(t, dir, mine, other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, &out, dir, "", config.Overrides{})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Server running")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "Stopped 1 stale preview session(s)")
	assert.Contains(t, out.String(), "local templates")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
	remaining := listInstances(t, dir)
	require.Len(t, remaining, 1)
	assert.Equal(t, "other", remaining[0].ID)
}
