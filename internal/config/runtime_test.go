package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverridesFromEnv(t *testing.T) {
	t.Setenv("LIVEPREVIEW_HOST", "0.0.0.0")
	t.Setenv("LIVEPREVIEW_PORT", "9090")
	t.Setenv("LIVEPREVIEW_BACKEND", "local")
	t.Setenv("LIVEPREVIEW_LOG_LEVEL", "debug")
	t.Setenv("LIVEPREVIEW_LOG_FORMAT", "json")

	o := OverridesFromEnv()
	assert.Equal(t, Overrides{
		Host:      "0.0.0.0",
		Port:      9090,
		Backend:   "local",
		LogLevel:  "debug",
		LogFormat: "json",
	}, o)
}

func TestOverridesMergeAndApply(t *testing.T) {
	watch := true
	flags := Overrides{Port: 7000, Watch: &watch}
	env := Overrides{Host: "example.local", Port: 9090, LogLevel: "warn"}

	merged := flags.Merge(env)
	assert.Equal(t, 7000, merged.Port, "flags win over env")
	assert.Equal(t, "example.local", merged.Host)

	cfg := DefaultConfig()
	merged.Apply(cfg)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "example.local", cfg.Server.Host)
	assert.True(t, cfg.Backend.Watch)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format, "unset override leaves file value")
}
