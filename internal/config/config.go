// Package config provides Viper-based configuration loading for the arena server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this server instance in logs.
	Name string `mapstructure:"name"`
}

// TCPConfig holds the framed TCP acceptor settings.
type TCPConfig struct {
	// Host is the bind address for the TCP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds the wait for the next inbound envelope; zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Codec is the wire codec: "json" or "binary".
	Codec string `mapstructure:"codec"`
	// MaxFrameSize bounds one encoded envelope in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// WebSocketConfig holds the HTTP listener serving WebSocket clients and metrics.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// Path is the WebSocket upgrade endpoint.
	Path string `mapstructure:"path"`
	// MetricsPath serves Prometheus metrics; empty disables it.
	MetricsPath string `mapstructure:"metrics_path"`
	// Codec is the per-message codec: "json" or "binary".
	Codec string `mapstructure:"codec"`
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// AdminConfig holds the administrative gRPC service settings.
type AdminConfig struct {
	// GRPCHost is the bind/connect address for the admin service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the admin service.
	GRPCPort int `mapstructure:"grpc_port"`
	// PassphraseHash is a bcrypt hash; empty leaves the service unauthenticated.
	PassphraseHash string `mapstructure:"passphrase_hash"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// GameConfig holds room and plugin settings.
type GameConfig struct {
	// TurnTimeout is the default time a seat has to act; zero disables supervision.
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
	// TimeoutGrace adds one soft warning before the forfeit when positive.
	TimeoutGrace time.Duration `mapstructure:"timeout_grace"`
	// OutboxSize bounds the envelopes queued per session.
	OutboxSize int `mapstructure:"outbox_size"`
	// ClosedRoomMemory is how many finished rooms are remembered.
	ClosedRoomMemory int `mapstructure:"closed_room_memory"`
	// PluginDir holds Lua rule plugin manifests; empty loads none.
	PluginDir string `mapstructure:"plugin_dir"`
	// InstructionLimit bounds Lua instructions per plugin call; zero is unlimited.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	TCP       TCPConfig       `mapstructure:"tcp"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Game      GameConfig      `mapstructure:"game"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []error{
		validateServer(c.Server),
		validateTCP(c.TCP),
		validateWebSocket(c.WebSocket),
		validateAdmin(c.Admin),
		validateLogging(c.Logging),
		validateGame(c.Game),
		validateTracing(c.Tracing),
	} {
		if check != nil {
			errs = append(errs, check.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

var validCodecs = map[string]bool{"json": true, "binary": true}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validateTCP(t TCPConfig) error {
	var errs []string
	if !validPort(t.Port) {
		errs = append(errs, fmt.Sprintf("tcp.port must be 1-65535, got %d", t.Port))
	}
	if t.ReadTimeout < 0 {
		errs = append(errs, "tcp.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "tcp.write_timeout must not be negative")
	}
	if !validCodecs[t.Codec] {
		errs = append(errs, fmt.Sprintf("tcp.codec must be one of [json, binary], got %q", t.Codec))
	}
	if t.MaxFrameSize < 0 {
		errs = append(errs, "tcp.max_frame_size must not be negative")
	}
	return joinErrs(errs)
}

func validateWebSocket(w WebSocketConfig) error {
	if !w.Enabled {
		return nil
	}
	var errs []string
	if !validPort(w.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.MetricsPath != "" && !strings.HasPrefix(w.MetricsPath, "/") {
		errs = append(errs, fmt.Sprintf("websocket.metrics_path must start with /, got %q", w.MetricsPath))
	}
	if w.MetricsPath != "" && w.MetricsPath == w.Path {
		errs = append(errs, "websocket.metrics_path must differ from websocket.path")
	}
	if !validCodecs[w.Codec] {
		errs = append(errs, fmt.Sprintf("websocket.codec must be one of [json, binary], got %q", w.Codec))
	}
	return joinErrs(errs)
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if !validPort(a.GRPCPort) {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if a.PassphraseHash != "" && !strings.HasPrefix(a.PassphraseHash, "$2") {
		errs = append(errs, "admin.passphrase_hash must be a bcrypt hash")
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.TurnTimeout < 0 {
		errs = append(errs, "game.turn_timeout must not be negative")
	}
	if g.TimeoutGrace < 0 {
		errs = append(errs, "game.timeout_grace must not be negative")
	}
	if g.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("game.outbox_size must be >= 1, got %d", g.OutboxSize))
	}
	if g.ClosedRoomMemory < 1 {
		errs = append(errs, fmt.Sprintf("game.closed_room_memory must be >= 1, got %d", g.ClosedRoomMemory))
	}
	if g.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("game.instruction_limit must be >= 0, got %d", g.InstructionLimit))
	}
	return joinErrs(errs)
}

func validateTracing(t TracingConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if t.Endpoint == "" {
		errs = append(errs, "tracing.endpoint must not be empty when tracing is enabled")
	}
	if t.ServiceName == "" {
		errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
	}
	return joinErrs(errs)
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with ARENA_ prefix
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "arena")

	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 7000)
	v.SetDefault("tcp.read_timeout", "0s")
	v.SetDefault("tcp.write_timeout", "10s")
	v.SetDefault("tcp.codec", "json")
	v.SetDefault("tcp.max_frame_size", 1<<20)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 7080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.metrics_path", "/metrics")
	v.SetDefault("websocket.codec", "json")

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 7051)
	v.SetDefault("admin.passphrase_hash", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("game.turn_timeout", "30s")
	v.SetDefault("game.timeout_grace", "0s")
	v.SetDefault("game.outbox_size", 64)
	v.SetDefault("game.closed_room_memory", 1024)
	v.SetDefault("game.plugin_dir", "")
	v.SetDefault("game.instruction_limit", 1000000)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "arena")
}
