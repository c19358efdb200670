package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"lsan_threads/internal/maps"
)

// Configuration system:
// - config.example.toml can be produced with -generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Thread registry configuration
	Registry RegistryConfig `toml:"registry"`

	// Current-thread binding configuration
	Binding BindingConfig `toml:"binding"`

	// Synthetic workload used by the diagnostic binary
	Workload WorkloadConfig `toml:"workload"`

	// Periodic scan configuration
	Scan ScanConfig `toml:"scan"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Thread snapshot endpoint path (default: "/debug/threads")
	SnapshotPath string `toml:"snapshot_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// RegistryConfig controls id allocation and recycling.
type RegistryConfig struct {
	// Maximum number of thread slots, 0 = unlimited (default: 0)
	MaxThreads uint32 `toml:"max_threads"`

	// Dead records kept before their id is recycled (default: 0)
	QuarantineSize int `toml:"quarantine_size"`

	// Retire a slot after this many recycles, 0 = unlimited (default: 0)
	MaxReuse uint32 `toml:"max_reuse"`
}

// BindingConfig selects how goroutines are mapped to their thread ids.
type BindingConfig struct {
	// Concurrent map implementation: "xsync", "sharded", "cornelk", "sync" (default: "xsync")
	MapImplementation string `toml:"map_implementation"`
}

// WorkloadConfig drives the synthetic thread churn of the diagnostic binary.
type WorkloadConfig struct {
	// Enable the synthetic workload (default: true)
	Enabled bool `toml:"enabled"`

	// Number of long-lived worker threads (default: 4)
	Workers int `toml:"workers"`

	// Short-lived threads spawned per churn tick (default: 8)
	ChurnPerTick int `toml:"churn_per_tick"`

	// Interval between churn ticks (default: "500ms")
	ChurnInterval Duration `toml:"churn_interval"`

	// Fraction of churn threads created detached, 0..1 (default: 0.5)
	DetachedRatio float64 `toml:"detached_ratio"`
}

// ScanConfig controls the periodic scanner bracket.
type ScanConfig struct {
	// Enable periodic scans (default: true)
	Enabled bool `toml:"enabled"`

	// Interval between scans (default: "5s")
	Interval Duration `toml:"interval"`

	// Compare registry entries with the OS thread list (default: true)
	VerifyOSThreads bool `toml:"verify_os_threads"`
}

// Duration is a time.Duration that decodes from a TOML string like "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "lsan_threads")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			SnapshotPath:  "/debug/threads",
			PprofEnabled:  false,
		},
		Registry: RegistryConfig{
			MaxThreads:     0, // Unlimited, like the default runtime registry
			QuarantineSize: 0,
			MaxReuse:       0,
		},
		Binding: BindingConfig{
			MapImplementation: maps.DefaultImplementation,
		},
		Workload: WorkloadConfig{
			Enabled:       true,
			Workers:       4,
			ChurnPerTick:  8,
			ChurnInterval: Duration{500 * time.Millisecond},
			DetachedRatio: 0.5,
		},
		Scan: ScanConfig{
			Enabled:         true,
			Interval:        Duration{5 * time.Second},
			VerifyOSThreads: true,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/lsan_threads.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "lsan_threads",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# lsan_threads Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors and reports all of them at once.
func (c *AppConfig) Validate() error {
	var errs error

	if c.Server.ListenAddress == "" {
		errs = multierr.Append(errs, errors.New("server.listen_address cannot be empty"))
	}
	if c.Server.MetricsPath == "" {
		errs = multierr.Append(errs, errors.New("server.metrics_path cannot be empty"))
	}
	if c.Server.SnapshotPath == "" {
		errs = multierr.Append(errs, errors.New("server.snapshot_path cannot be empty"))
	}
	if c.Server.SnapshotPath != "" && c.Server.SnapshotPath == c.Server.MetricsPath {
		errs = multierr.Append(errs, errors.New("server.snapshot_path must differ from server.metrics_path"))
	}

	if c.Registry.QuarantineSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("registry.quarantine_size must be >= 0, got %d", c.Registry.QuarantineSize))
	}
	if c.Registry.MaxThreads == 1 {
		errs = multierr.Append(errs, errors.New("registry.max_threads must leave room for the main thread and at least one other"))
	}

	if c.Binding.MapImplementation != "" && !slices.Contains(maps.Implementations(), c.Binding.MapImplementation) {
		errs = multierr.Append(errs, fmt.Errorf("binding.map_implementation %q is not one of %v",
			c.Binding.MapImplementation, maps.Implementations()))
	}

	if c.Workload.Enabled {
		if c.Workload.Workers < 0 || c.Workload.ChurnPerTick < 0 {
			errs = multierr.Append(errs, errors.New("workload.workers and workload.churn_per_tick must be >= 0"))
		}
		if c.Workload.ChurnInterval.Duration <= 0 {
			errs = multierr.Append(errs, errors.New("workload.churn_interval must be positive"))
		}
		if c.Workload.DetachedRatio < 0 || c.Workload.DetachedRatio > 1 {
			errs = multierr.Append(errs, fmt.Errorf("workload.detached_ratio must be within [0,1], got %v", c.Workload.DetachedRatio))
		}
	}

	if c.Scan.Enabled && c.Scan.Interval.Duration <= 0 {
		errs = multierr.Append(errs, errors.New("scan.interval must be positive"))
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		errs = multierr.Append(errs, errors.New("at least one logging output must be enabled"))
	}

	return errs
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
// A nil config with a nil error means the program should exit cleanly.
func NewConfig() (*AppConfig, error) {
	return newConfigFromArgs(flag.CommandLine, os.Args[1:])
}

func newConfigFromArgs(set *flag.FlagSet, args []string) (*AppConfig, error) {
	flags := &Flags{}

	set.StringVar(&flags.ListenAddress,
		"web.listen-address",
		"localhost:9190",
		"Address to listen on for web interface and telemetry.")
	set.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	set.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	set.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	if err := set.Parse(args); err != nil {
		return nil, err
	}

	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config := DefaultConfig()

	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Override config with command-line flags if they were set by the user
	if isFlagPassed(set, "web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed(set, "web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(set *flag.FlagSet, name string) bool {
	found := false
	set.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
