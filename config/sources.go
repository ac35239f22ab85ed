package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "COMFYJOBS_"

// ConfigSource is one layer of configuration.
type ConfigSource interface {
	Name() string
	// Priority orders sources; higher priorities override lower ones.
	Priority() int
	Load(k *koanf.Koanf) error
}

// DefaultSources returns defaults, the YAML file (when given), .env files,
// the environment and the command-line flags, in that order.
func DefaultSources(configFile string, flags *pflag.FlagSet) []ConfigSource {
	sources := []ConfigSource{DefaultsSource{}}
	if configFile != "" {
		sources = append(sources, FileSource{Path: configFile})
	}
	sources = append(sources, DotEnvSource{Files: []string{".env"}}, EnvSource{Prefix: EnvPrefix})
	if flags != nil {
		sources = append(sources, FlagSource{Flags: flags})
	}
	return sources
}

type DefaultsSource struct{}

func (DefaultsSource) Name() string  { return "defaults" }
func (DefaultsSource) Priority() int { return 0 }
func (DefaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

type FileSource struct {
	Path string
}

func (s FileSource) Name() string  { return "file " + s.Path }
func (s FileSource) Priority() int { return 10 }
func (s FileSource) Load(k *koanf.Koanf) error {
	return k.Load(file.Provider(s.Path), yaml.Parser())
}

// DotEnvSource exports variables from .env files into the process
// environment. Missing files are skipped and variables already set win.
type DotEnvSource struct {
	Files []string
}

func (s DotEnvSource) Name() string  { return "dotenv" }
func (s DotEnvSource) Priority() int { return 15 }
func (s DotEnvSource) Load(*koanf.Koanf) error {
	for _, f := range s.Files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// EnvSource maps PREFIX_SECTION_KEY variables onto known keys, so
// COMFYJOBS_QUEUE_CANCEL_TIMEOUT sets queue.cancel_timeout. Unknown
// variables are ignored.
type EnvSource struct {
	Prefix string
}

func (s EnvSource) Name() string  { return "environment" }
func (s EnvSource) Priority() int { return 20 }
func (s EnvSource) Load(k *koanf.Koanf) error {
	known := make(map[string]string)
	for key := range DefaultConfigAsMap() {
		known[s.Prefix+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))] = key
	}
	return k.Load(env.Provider(s.Prefix, ".", func(name string) string {
		return known[name]
	}), nil)
}

type FlagSource struct {
	Flags *pflag.FlagSet
}

func (s FlagSource) Name() string  { return "flags" }
func (s FlagSource) Priority() int { return 30 }
func (s FlagSource) Load(k *koanf.Koanf) error {
	// flags the user did not set fall back to what is already loaded
	return k.Load(posflag.Provider(s.Flags, ".", k), nil)
}

// DefaultConfigAsMap flattens DefaultConfig for the confmap provider, which
// also tells the environment source which keys exist.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	m := map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
		"log.file":   def.Log.File,

		"backend.url":              def.Backend.URL,
		"backend.token":            def.Backend.Token,
		"backend.timeout":          def.Backend.Timeout,
		"backend.upload_subfolder": def.Backend.Subfolder,

		"queue.capacity":       def.Queue.Capacity,
		"queue.cancel_timeout": def.Queue.CancelTimeout,
		"queue.notify_buffer":  def.Queue.NotifyBuffer,

		"history.capacity":    def.History.Capacity,
		"history.keep_failed": def.History.KeepFailed,
		"history.path":        def.History.Path,

		"server.addr":             def.Server.Addr,
		"server.token":            def.Server.Token,
		"server.read_timeout":     def.Server.ReadTimeout,
		"server.write_timeout":    def.Server.WriteTimeout,
		"server.shutdown_timeout": def.Server.ShutdownTimeout,
	}
	for prefix, p := range map[string]struct {
		retries   int
		base, max any
	}{
		"backend.retry":        {def.Backend.Retry.MaxRetries, def.Backend.Retry.BaseDelay, def.Backend.Retry.MaxDelay},
		"queue.dispatch_retry": {def.Queue.DispatchRetry.MaxRetries, def.Queue.DispatchRetry.BaseDelay, def.Queue.DispatchRetry.MaxDelay},
		"tracker.retry":        {def.Tracker.Retry.MaxRetries, def.Tracker.Retry.BaseDelay, def.Tracker.Retry.MaxDelay},
	} {
		m[prefix+".max_retries"] = p.retries
		m[prefix+".base_delay"] = p.base
		m[prefix+".max_delay"] = p.max
	}
	return m
}
