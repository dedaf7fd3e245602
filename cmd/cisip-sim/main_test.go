package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisip-protocol/cisip-go/internal/simulator"
)

func TestParseConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen = "0.0.0.0:4000"
model = "STR-FILE"
delay = "250ms"
advertise = true

[values]
"main.input" = "game"
`), 0o600))

	cfg, err := parseConfig([]string{"-config", path, "-model", "STR-FLAG", "-console=false"})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4000", cfg.Listen)
	assert.Equal(t, "STR-FLAG", cfg.Model)
	assert.Equal(t, 250*time.Millisecond, cfg.Delay)
	assert.True(t, cfg.Advertise)
	assert.False(t, cfg.Console)
	assert.Equal(t, map[string]string{"main.input": "game"}, cfg.Values)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:33336", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Console)
}

func TestConsoleCommands(t *testing.T) {
	var out bytes.Buffer
	c := &console{sim: simulator.New(simulator.Config{}), out: &out}

	assert.True(t, c.exec("set", []string{"main.input", "bd"}))
	v, _ := c.sim.Value("main.input")
	assert.Equal(t, "bd", v)

	assert.True(t, c.exec("fault", []string{"drop"}))
	assert.True(t, c.sim.Faults().DropResponses)
	assert.True(t, c.exec("fault", []string{"drop", "off"}))
	assert.False(t, c.sim.Faults().Any())

	out.Reset()
	assert.True(t, c.exec("get", []string{"main.input"}))
	assert.Equal(t, "main.input = bd\n", out.String())

	out.Reset()
	assert.True(t, c.exec("bogus", nil))
	assert.Contains(t, out.String(), "Unknown command")

	assert.False(t, c.exec("quit", nil))
}
