package livepreview

import (
	"fmt"
	"strings"
)

// ConfigError reports a developer-authored misconfiguration. These are
// fatal: they surface at construction time and are never recovered.
type ConfigError struct {
	File    string // Config file path, if the error came from a file
	Field   string // Offending field (e.g. "preview.webspaces")
	Message string // Error message
	Hint    string // Helpful suggestion
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return e.Format()
}

// Format returns the error with its location and hint.
func (e *ConfigError) Format() string {
	var b strings.Builder

	if e.File != "" {
		b.WriteString(fmt.Sprintf("configuration error in %s: ", e.File))
	} else {
		b.WriteString("configuration error: ")
	}

	if e.Field != "" {
		b.WriteString(fmt.Sprintf("%s: ", e.Field))
	}
	b.WriteString(e.Message)

	if e.Hint != "" {
		b.WriteString(fmt.Sprintf(" (tip: %s)", e.Hint))
	}

	return b.String()
}

// NewConfigError creates a ConfigError for field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// WithHint adds a suggestion to the error.
func (e *ConfigError) WithHint(hint string) *ConfigError {
	e.Hint = hint
	return e
}

// WithFile records which file the error came from.
func (e *ConfigError) WithFile(file string) *ConfigError {
	e.File = file
	return e
}
