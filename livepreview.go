// Package livepreview provides the core types for keeping a rendered CMS
// preview in sync with live edits in a form editor.
//
// A preview instance is bound to one resource (resource key, id, locale and
// webspace). Form edits flow through a debounced pipeline into the CMS
// preview session, and the returned HTML is painted into a render surface:
// either an embedded frame or a separately opened window.
package livepreview

import (
	"fmt"
	"strconv"
)

// ResourceRef identifies the resource a preview session renders.
type ResourceRef struct {
	ResourceKey string `json:"resourceKey" yaml:"resource_key"` // e.g. "pages", "articles"
	ID          string `json:"id" yaml:"id"`
	Locale      string `json:"locale" yaml:"locale"`
	Webspace    string `json:"webspace" yaml:"webspace"`
}

// String returns a compact identifier, useful in logs.
func (r ResourceRef) String() string {
	return fmt.Sprintf("%s/%s@%s:%s", r.ResourceKey, r.ID, r.Locale, r.Webspace)
}

// Validate checks that the fields needed to start a session are present.
func (r ResourceRef) Validate() error {
	if r.ResourceKey == "" {
		return &ConfigError{Field: "resourceKey", Message: "resource key is required"}
	}
	if r.ID == "" {
		return &ConfigError{Field: "id", Message: "resource id is required"}
	}
	if r.Locale == "" {
		return &ConfigError{Field: "locale", Message: "locale is required"}
	}
	return nil
}

// FormType is the structural type of the edited form (the page template).
type FormType string

// Mode determines when a preview session is started.
type Mode string

const (
	// ModeAuto starts the session as soon as the preview instance is created.
	ModeAuto Mode = "auto"
	// ModeOnRequest waits for an explicit start from the editor.
	ModeOnRequest Mode = "on_request"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeAuto || m == ModeOnRequest
}

// Device is a display-only viewport simulation. It is never sent to the CMS.
type Device string

const (
	DeviceAuto       Device = "auto"
	DeviceDesktop    Device = "desktop"
	DeviceTablet     Device = "tablet"
	DeviceSmartphone Device = "smartphone"
)

// Devices lists the selectable device options in toolbar order.
var Devices = []Device{DeviceAuto, DeviceDesktop, DeviceTablet, DeviceSmartphone}

// IsValid reports whether d is one of the known devices.
func (d Device) IsValid() bool {
	for _, known := range Devices {
		if d == known {
			return true
		}
	}
	return false
}

// Webspace is a selectable webspace the current user is granted.
type Webspace struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}

// NoTargetGroup is the target group id meaning "render without audience targeting".
const NoTargetGroup = -1

// TargetGroup is an audience-targeting group a preview can be rendered for.
type TargetGroup struct {
	ID    int    `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// TargetGroupOptions prepends the "no target group" entry to groups.
func TargetGroupOptions(groups []TargetGroup) []TargetGroup {
	options := make([]TargetGroup, 0, len(groups)+1)
	options = append(options, TargetGroup{ID: NoTargetGroup, Title: "No target group"})
	return append(options, groups...)
}

// FormatTargetGroup renders a target group id for query strings.
func FormatTargetGroup(id *int) string {
	if id == nil {
		return strconv.Itoa(NoTargetGroup)
	}
	return strconv.Itoa(*id)
}
