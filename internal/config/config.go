package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/woxQAQ/wasm-loader/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. WASM_LOADER_WASM_MEMORY_PAGES.
const EnvPrefix = "WASM_LOADER"

var validate = validator.New()

type Config struct {
	LogLevel string      `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Verbose  bool        `mapstructure:"verbose"`
	Entry    string      `mapstructure:"entry" validate:"required"`
	Wasm     WasmConfig  `mapstructure:"wasm"`
	Input    InputConfig `mapstructure:"input"`

	// Path is the file the config was read from, if any.
	Path string `mapstructure:"-"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"min=1,max=65536"`
	// Compilation cache directory. Empty keeps the cache in memory.
	CacheDir string `mapstructure:"cache_dir"`
	// Bound on a single run. Zero disables it.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" validate:"min=0"`
	// Globals consulted, in order, for the heap base.
	HeapBaseGlobals []string `mapstructure:"heap_base_globals" validate:"dive,required"`
	// Imports that make a module read standard input ("module.name" or "name").
	StdinImports []string `mapstructure:"stdin_imports" validate:"dive,required"`
}

// InputConfig selects how the module's read requests are answered.
type InputConfig struct {
	Mode    string `mapstructure:"mode" validate:"oneof=auto readline line script"`
	Script  string `mapstructure:"script"`
	History string `mapstructure:"history"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("verbose", false)
	v.SetDefault("entry", "_start")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.execution_timeout", "0s")
	v.SetDefault("wasm.heap_base_globals", []string{"heap_base_ptr", "__heap_base"})
	v.SetDefault("wasm.stdin_imports", wasm.DefaultStdinImports)

	v.SetDefault("input.mode", "auto")
	v.SetDefault("input.script", "")
	v.SetDefault("input.history", "")
}

// Load reads the configuration. An empty configPath uses the defaults and
// environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Path = configPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configPath when it exists and falls back to defaults
// when it does not.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			cfg, err := Load("")
			if err != nil {
				return nil, err
			}
			cfg.Path = configPath
			return cfg, nil
		}
	}
	return Load(configPath)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Save writes the configuration to path, or to c.Path when path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.Path
	}
	if path == "" {
		return errors.New("no config path to save to")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.Set("log_level", c.LogLevel)
	v.Set("verbose", c.Verbose)
	v.Set("entry", c.Entry)
	v.Set("wasm.memory_pages", c.Wasm.MemoryPages)
	v.Set("wasm.cache_dir", c.Wasm.CacheDir)
	v.Set("wasm.execution_timeout", c.Wasm.ExecutionTimeout.String())
	v.Set("wasm.heap_base_globals", c.Wasm.HeapBaseGlobals)
	v.Set("wasm.stdin_imports", c.Wasm.StdinImports)
	v.Set("input.mode", c.Input.Mode)
	v.Set("input.script", c.Input.Script)
	v.Set("input.history", c.Input.History)

	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}

	c.Path = path
	return nil
}

// DefaultPath is the per-user config location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "wasm-loader", "config.yaml")
}

// Runtime converts the wasm section into a runtime configuration.
func (c *Config) Runtime() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:      c.Wasm.MemoryPages,
		DebugEnabled:     c.Verbose,
		CacheDir:         c.Wasm.CacheDir,
		ExecutionTimeout: c.Wasm.ExecutionTimeout,
	}
}
