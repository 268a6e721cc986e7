package assets

import (
	"io/fs"
	"strings"
	"testing"
)

func TestGetShellHTML(t *testing.T) {
	data, err := GetShellHTML()
	if err != nil {
		t.Fatalf("GetShellHTML failed: %v", err)
	}
	for _, want := range []string{"{{.Socket}}", "lp-surface", "/assets/preview.js"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("shell.html missing %q", want)
		}
	}
}

func TestGetClientJS(t *testing.T) {
	data, err := GetClientJS()
	if err != nil {
		t.Fatalf("GetClientJS failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("GetClientJS returned empty data")
	}
	for _, msg := range []string{"paint", "load", "device", "suspend", "resume", "reload"} {
		if !strings.Contains(string(data), msg+":") {
			t.Errorf("preview.js does not handle %q messages", msg)
		}
	}
}

func TestGetClientCSS(t *testing.T) {
	data, err := GetClientCSS()
	if err != nil {
		t.Fatalf("GetClientCSS failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("GetClientCSS returned empty data")
	}
}

func TestClientFS(t *testing.T) {
	fsys := ClientFS()
	for _, name := range []string{"shell.html", "preview.js", "preview.css"} {
		if _, err := fs.Stat(fsys, name); err != nil {
			t.Errorf("ClientFS missing %s: %v", name, err)
		}
	}
}
