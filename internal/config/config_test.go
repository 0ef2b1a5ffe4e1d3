package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, "_start", cfg.Entry)
	assert.Equal(t, uint32(256), cfg.Wasm.MemoryPages)
	assert.Zero(t, cfg.Wasm.ExecutionTimeout)
	assert.Equal(t, []string{"heap_base_ptr", "__heap_base"}, cfg.Wasm.HeapBaseGlobals)
	assert.Equal(t, []string{"wasi_snapshot_preview1.fd_read", "wasi_unstable.fd_read"}, cfg.Wasm.StdinImports)
	assert.Equal(t, "auto", cfg.Input.Mode)
	assert.Empty(t, cfg.Path)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
verbose: true
wasm:
  memory_pages: 32
  execution_timeout: 2s
  stdin_imports: [fd_read]
input:
  mode: script
  script: answers.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, uint32(32), cfg.Wasm.MemoryPages)
	assert.Equal(t, 2*time.Second, cfg.Wasm.ExecutionTimeout)
	assert.Equal(t, []string{"fd_read"}, cfg.Wasm.StdinImports)
	assert.Equal(t, "script", cfg.Input.Mode)
	assert.Equal(t, "answers.yaml", cfg.Input.Script)
	assert.Equal(t, path, cfg.Path)

	rt := cfg.Runtime()
	assert.Equal(t, uint32(32), rt.MemoryPages)
	assert.Equal(t, 2*time.Second, rt.ExecutionTimeout)
	assert.True(t, rt.DebugEnabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WASM_LOADER_LOG_LEVEL", "warn")
	t.Setenv("WASM_LOADER_WASM_MEMORY_PAGES", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, uint32(8), cfg.Wasm.MemoryPages)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"Log level", "log_level: loud\n"},
		{"Memory pages", "wasm:\n  memory_pages: 0\n"},
		{"Input mode", "input:\n  mode: telepathy\n"},
		{"Entry", "entry: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "log_level: [unterminated\n"))
	assert.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, path, cfg.Path)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)

	cfg.Verbose = true
	cfg.Wasm.ExecutionTimeout = 1500 * time.Millisecond
	require.NoError(t, cfg.Save(""))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Verbose)
	assert.Equal(t, 1500*time.Millisecond, reloaded.Wasm.ExecutionTimeout)
	assert.Equal(t, cfg.Wasm.HeapBaseGlobals, reloaded.Wasm.HeapBaseGlobals)
}

func TestSaveWithoutPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.Save(""))
}
