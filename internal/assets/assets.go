// Package assets embeds the preview shell page and its client script.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed client/*
var clientFS embed.FS

// ClientFS returns the embedded client files
func ClientFS() fs.FS {
	sub, err := fs.Sub(clientFS, "client")
	if err != nil {
		panic(err)
	}
	return sub
}

// GetShellHTML returns the surface shell page template.
func GetShellHTML() ([]byte, error) {
	return clientFS.ReadFile("client/shell.html")
}

// GetClientJS returns the surface client script.
func GetClientJS() ([]byte, error) {
	return clientFS.ReadFile("client/preview.js")
}

// GetClientCSS returns the shell stylesheet.
func GetClientCSS() ([]byte, error) {
	return clientFS.ReadFile("client/preview.css")
}
