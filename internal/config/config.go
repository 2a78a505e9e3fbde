// Package config provides configuration loading, validation, and hot-reload
// for bpfmand.
//
// Configuration file: /etc/bpfman/bpfman.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate bpfman.yaml.
//   - Apply the log level live; it is the only setting applied on reload.
//   - Every other change (manager queue depth, catalog path, bytecode cache
//     dir, rtdir, ...) requires a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - File paths must be absolute.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for bpfmand.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Manager configures the single-writer command-queue coordinator.
	Manager ManagerConfig `yaml:"manager"`

	// Database configures the embedded catalog store.
	Database DatabaseConfig `yaml:"database"`

	// Signing configures bytecode signature enforcement.
	Signing SigningConfig `yaml:"signing"`

	// Paths configures on-disk locations.
	Paths PathsConfig `yaml:"paths"`

	// Dispatcher configures the per-attach-point dispatcher engine.
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ManagerConfig holds single-writer coordinator parameters.
type ManagerConfig struct {
	// QueueDepth is the bounded command-queue capacity. Producers block
	// on send when full. Default: 32.
	QueueDepth int `yaml:"queue_depth"`

	// PullTimeout is validated (must be >= 1s) but is not passed to the
	// manager; PullBytecode and image-sourced Load fetches run with no
	// per-fetch deadline. Default: 2m.
	PullTimeout time.Duration `yaml:"pull_timeout"`
}

// DatabaseConfig holds catalog store parameters.
type DatabaseConfig struct {
	// MaxRetries is the number of times Open retries on a transient
	// lock-contention error before giving up. Default: 4.
	MaxRetries int `yaml:"max_retries"`

	// MillisecDelay is the delay between open retries. Default: 500ms.
	MillisecDelay int `yaml:"millisec_delay"`
}

// SigningConfig holds bytecode signature enforcement parameters.
type SigningConfig struct {
	// AllowUnsigned permits loading ELFs without a verified signature.
	// Default: true (signature verification is not implemented by the
	// core; this flag only gates a future extension point).
	AllowUnsigned bool `yaml:"allow_unsigned"`
}

// PathsConfig holds on-disk location parameters.
type PathsConfig struct {
	// CatalogDir is the directory holding the embedded catalog store files.
	// Default: /var/lib/bpfman/catalog.
	CatalogDir string `yaml:"catalog_dir"`

	// BytecodeCacheDir is the directory holding extracted OCI bytecode.
	// Default: /var/bpfman/bytecode.
	BytecodeCacheDir string `yaml:"bytecode_cache_dir"`

	// RuntimeDir is the root for program, link and map pins (under
	// <rtdir>/fs).
	// Default: /run/bpfman.
	RuntimeDir string `yaml:"runtime_dir"`

	// NsAttachHelper is the path to the bpfman-ns binary used to attach
	// uprobes inside a target mount namespace. Default: /usr/sbin/bpfman-ns.
	NsAttachHelper string `yaml:"ns_attach_helper"`
}

// DispatcherConfig holds dispatcher engine parameters.
type DispatcherConfig struct {
	// DispatcherImageDir holds the prebuilt per-capacity-class dispatcher
	// ELF objects (xdp_dispatcher_1.o .. xdp_dispatcher_16.o and their TC
	// counterparts). Default: /usr/lib/bpfman/dispatchers.
	DispatcherImageDir string `yaml:"dispatcher_image_dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Manager: ManagerConfig{
			QueueDepth:  32,
			PullTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxRetries:    4,
			MillisecDelay: 500,
		},
		Signing: SigningConfig{
			AllowUnsigned: true,
		},
		Paths: PathsConfig{
			CatalogDir:       "/var/lib/bpfman/catalog",
			BytecodeCacheDir: "/var/bpfman/bytecode",
			RuntimeDir:       "/run/bpfman",
			NsAttachHelper:   "/usr/sbin/bpfman-ns",
		},
		Dispatcher: DispatcherConfig{
			DispatcherImageDir: "/usr/lib/bpfman/dispatchers",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Manager.QueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("manager.queue_depth must be >= 1, got %d", cfg.Manager.QueueDepth))
	}
	if cfg.Manager.PullTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("manager.pull_timeout must be >= 1s, got %s", cfg.Manager.PullTimeout))
	}
	if cfg.Database.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("database.max_retries must be >= 0, got %d", cfg.Database.MaxRetries))
	}
	if cfg.Database.MillisecDelay < 0 {
		errs = append(errs, fmt.Sprintf("database.millisec_delay must be >= 0, got %d", cfg.Database.MillisecDelay))
	}
	for name, p := range map[string]string{
		"paths.catalog_dir":               cfg.Paths.CatalogDir,
		"paths.bytecode_cache_dir":        cfg.Paths.BytecodeCacheDir,
		"paths.runtime_dir":               cfg.Paths.RuntimeDir,
		"paths.ns_attach_helper":          cfg.Paths.NsAttachHelper,
		"dispatcher.dispatcher_image_dir": cfg.Dispatcher.DispatcherImageDir,
	} {
		if p == "" {
			errs = append(errs, fmt.Sprintf("%s must not be empty", name))
			continue
		}
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("%s must be an absolute path, got %q", name, p))
		}
	}
	if host, _, err := net.SplitHostPort(cfg.Observability.MetricsAddr); err != nil {
		errs = append(errs, fmt.Sprintf("observability.metrics_addr must be host:port, got %q", cfg.Observability.MetricsAddr))
	} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		errs = append(errs, fmt.Sprintf("observability.metrics_addr must be a loopback address, got %q", cfg.Observability.MetricsAddr))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
