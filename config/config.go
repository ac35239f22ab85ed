// Package config loads comfyjobs settings from defaults, a YAML file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/richinsley/comfyjobs/client"
	"github.com/richinsley/comfyjobs/coordinator"
	"github.com/richinsley/comfyjobs/logging"
	"github.com/richinsley/comfyjobs/preset"
	"github.com/richinsley/comfyjobs/retry"
)

type Config struct {
	Log     logging.Config  `koanf:"log"`
	Backend client.Config   `koanf:"backend"`
	Queue   QueueConfig     `koanf:"queue"`
	Tracker TrackerConfig   `koanf:"tracker"`
	History HistoryConfig   `koanf:"history"`
	Server  ServerConfig    `koanf:"server"`
	Presets []preset.Preset `koanf:"presets"`
}

type QueueConfig struct {
	// Capacity bounds queued plus active jobs per document; zero means unbounded.
	Capacity      int           `koanf:"capacity"`
	CancelTimeout time.Duration `koanf:"cancel_timeout"`
	DispatchRetry retry.Policy  `koanf:"dispatch_retry"`
	NotifyBuffer  int           `koanf:"notify_buffer"`
}

type TrackerConfig struct {
	Retry retry.Policy `koanf:"retry"`
}

type HistoryConfig struct {
	Capacity   int  `koanf:"capacity"`
	KeepFailed bool `koanf:"keep_failed"`
	// Path of the SQLite database; empty keeps history in memory only.
	Path string `koanf:"path"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	Token           string        `koanf:"token"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns the baseline configuration every other source overrides.
func DefaultConfig() Config {
	opts := coordinator.DefaultOptions()
	return Config{
		Log:     logging.DefaultConfig(),
		Backend: client.DefaultConfig(),
		Queue: QueueConfig{
			Capacity:      opts.QueueCapacity,
			CancelTimeout: opts.CancelTimeout,
			DispatchRetry: opts.DispatchRetry,
			NotifyBuffer:  opts.NotifyBuffer,
		},
		Tracker: TrackerConfig{Retry: opts.StreamRetry},
		History: HistoryConfig{Capacity: opts.HistoryCapacity},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8288",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// CoordinatorOptions maps the queue, tracker and history settings onto the
// options of a document coordinator. The persister is left to the caller.
func (c Config) CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		QueueCapacity:   c.Queue.Capacity,
		CancelTimeout:   c.Queue.CancelTimeout,
		DispatchRetry:   c.Queue.DispatchRetry,
		StreamRetry:     c.Tracker.Retry,
		NotifyBuffer:    c.Queue.NotifyBuffer,
		HistoryCapacity: c.History.Capacity,
		KeepFailed:      c.History.KeepFailed,
	}
}

// PresetRegistry returns the configured presets, or the built-in default.
func (c Config) PresetRegistry() *preset.Registry {
	return preset.NewRegistry(c.Presets...)
}

func (c Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must not be negative, got %d", c.Queue.Capacity))
	}
	if c.History.Capacity < 0 {
		errs = append(errs, fmt.Errorf("history.capacity must not be negative, got %d", c.History.Capacity))
	}
	if c.Queue.CancelTimeout <= 0 {
		errs = append(errs, errors.New("queue.cancel_timeout must be positive"))
	}
	for _, p := range []struct {
		key string
		p   retry.Policy
	}{
		{"backend.retry", c.Backend.Retry},
		{"queue.dispatch_retry", c.Queue.DispatchRetry},
		{"tracker.retry", c.Tracker.Retry},
	} {
		if p.p.MaxRetries < 0 || p.p.BaseDelay < 0 || p.p.MaxDelay < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", p.key))
		}
	}
	seen := make(map[string]bool)
	for i, p := range c.Presets {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("presets[%d] has no name", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("preset %q defined twice", p.Name))
		}
		seen[p.Name] = true
	}
	return errors.Join(errs...)
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		koanfInstance: koanf.New("."),
		currentConfig: DefaultConfig(),
	}
}

// Load loads configuration from the default sources.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--backend.url=http://gpu:8188)
//  2. Environment variables (COMFYJOBS_BACKEND_URL=http://gpu:8188), after .env files
//  3. Config file (YAML)
//  4. Default values
func (m *Manager) Load(flags *pflag.FlagSet, configFile string) error {
	return m.LoadWithSources(DefaultSources(configFile, flags))
}

// LoadWithSources loads the sources in priority order, lowest first, so
// later sources override earlier ones.
func (m *Manager) LoadWithSources(sources []ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	k := koanf.New(".")
	for _, src := range sources {
		if err := src.Load(k); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	var newCfg Config
	if err := k.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	m.koanfInstance = k
	m.currentConfig = newCfg
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentConfig
}

// GetValue retrieves a configuration value by key path, nil if unset.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// BindFlags defines the command-line flags that override configuration keys.
// Only flags the user set take effect.
func BindFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()
	flags.String("log.level", def.Log.Level, "Log level (trace, debug, info, warn, error)")
	flags.String("log.format", def.Log.Format, "Log format (text, json)")
	flags.String("backend.url", def.Backend.URL, "ComfyUI server URL")
	flags.String("backend.token", "", "Bearer token for the ComfyUI server")
	flags.Int("queue.capacity", def.Queue.Capacity, "Maximum queued and active jobs per document (0 = unbounded)")
	flags.Duration("queue.cancel_timeout", def.Queue.CancelTimeout, "Time to wait for the backend to confirm a cancellation")
	flags.Int("history.capacity", def.History.Capacity, "Number of finished jobs kept per document")
	flags.Bool("history.keep_failed", def.History.KeepFailed, "Keep failed jobs in the history")
	flags.String("history.path", def.History.Path, "SQLite database for persistent history")
	flags.String("server.addr", def.Server.Addr, "Control server listen address")
}
