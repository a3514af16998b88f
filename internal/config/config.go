package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	Username            string        `mapstructure:"username"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig   `mapstructure:"admin"`
	Mesh                MeshConfig    `mapstructure:"mesh"`
	LAN                 LANConfig     `mapstructure:"lan"`
	Call                CallConfig    `mapstructure:"call"`
	Store               StoreConfig   `mapstructure:"store"`
	Media               MediaConfig   `mapstructure:"media"`
}

// AdminConfig is the HTTP surface serving metrics, probes and the control API.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// MeshConfig tunes the flood engine.
type MeshConfig struct {
	TTL                  int           `mapstructure:"ttl"`
	ControlTTL           int           `mapstructure:"control_ttl"`
	SeenCapacity         int           `mapstructure:"seen_capacity"`
	ReassemblyTimeout    time.Duration `mapstructure:"reassembly_timeout"`
	PendingOpTTL         time.Duration `mapstructure:"pending_op_ttl"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	JitterMin            time.Duration `mapstructure:"jitter_min"`
	JitterMax            time.Duration `mapstructure:"jitter_max"`
	ChunkSize            int           `mapstructure:"chunk_size"`
	InlineImageLimit     int           `mapstructure:"inline_image_limit"`
	MaxImageSize         int           `mapstructure:"max_image_size"`
}

// LANConfig describes the gRPC mesh transport.
type LANConfig struct {
	Address          string        `mapstructure:"address"`
	Peers            []string      `mapstructure:"peers"`
	DiscoverInterval time.Duration `mapstructure:"discover_interval"`
	TLS              TLSConfig     `mapstructure:"tls"`
}

// TLSConfig enables mutual TLS between LAN peers.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertPath           string `mapstructure:"cert_path"`
	KeyPath            string `mapstructure:"key_path"`
	CAPath             string `mapstructure:"ca_path"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// CallConfig tunes the call orchestrator and its direct-link collaborators.
type CallConfig struct {
	InviteTimeout    time.Duration `mapstructure:"invite_timeout"`
	CandidateWait    time.Duration `mapstructure:"candidate_wait"`
	HandoffTimeout   time.Duration `mapstructure:"handoff_timeout"`
	SignalingTimeout time.Duration `mapstructure:"signaling_timeout"`
	JoinRetries      int           `mapstructure:"join_retries"`
	JoinBackoff      time.Duration `mapstructure:"join_backoff"`
	JoinTimeout      time.Duration `mapstructure:"join_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ResolveInterval  time.Duration `mapstructure:"resolve_interval"`
	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	SignalingPort    int           `mapstructure:"signaling_port"`
	RelayPort        int           `mapstructure:"relay_port"`
	EnginePort       int           `mapstructure:"engine_port"`
	InterfacePrefix  string        `mapstructure:"interface_prefix"`
	SubnetPrefix     string        `mapstructure:"subnet_prefix"`
	OwnerAddress     string        `mapstructure:"owner_address"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// MediaConfig tunes the media engine.
type MediaConfig struct {
	STUNDisabled bool     `mapstructure:"stun_disabled"`
	ICEServers   []string `mapstructure:"ice_servers"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

const (
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "127.0.0.1:8080"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultLANAddress          = "0.0.0.0:50051"
	defaultStorePath           = "data/offmesh.db"
)

var defaults = map[string]any{
	"log_level":                    defaultLogLevel,
	"shutdown_grace_period":        defaultShutdownGracePeriod.String(),
	"admin.address":                defaultAdminAddress,
	"admin.read_header_timeout":    defaultReadHeaderTimeout.String(),
	"mesh.ttl":                     3,
	"mesh.control_ttl":             0,
	"mesh.seen_capacity":           4096,
	"mesh.reassembly_timeout":      "30s",
	"mesh.pending_op_ttl":          "2m",
	"mesh.housekeeping_interval":   "5s",
	"mesh.jitter_min":              "500ms",
	"mesh.jitter_max":              "2s",
	"mesh.chunk_size":              16 * 1024,
	"mesh.inline_image_limit":      32 * 1024,
	"mesh.max_image_size":          8 << 20,
	"lan.address":                  defaultLANAddress,
	"lan.peers":                    []string{},
	"lan.discover_interval":        "3s",
	"lan.tls.enabled":              false,
	"lan.tls.cert_path":            "",
	"lan.tls.key_path":             "",
	"lan.tls.ca_path":              "",
	"lan.tls.insecure_skip_verify": false,
	"call.invite_timeout":          "30s",
	"call.candidate_wait":          "5s",
	"call.handoff_timeout":         "30s",
	"call.signaling_timeout":       "30s",
	"call.join_retries":            3,
	"call.join_backoff":            "1s",
	"call.join_timeout":            "30s",
	"call.poll_interval":           "1s",
	"call.resolve_interval":        "500ms",
	"call.resolve_timeout":         "10s",
	"call.cooldown":                "2s",
	"call.signaling_port":          8988,
	"call.relay_port":              5004,
	"call.engine_port":             0,
	"call.interface_prefix":        "p2p",
	"call.subnet_prefix":           "192.168.49.",
	"call.owner_address":           "192.168.49.1",
	"store.driver":                 DriverMemory,
	"store.path":                   defaultStorePath,
	"media.stun_disabled":          true,
	"media.ice_servers":            []string{},
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with OFFMESH_ and can override file values,
// e.g. OFFMESH_CALL_RELAY_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OFFMESH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("username", "")
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := map[string]*time.Duration{
		"shutdown_grace_period":      &cfg.ShutdownGracePeriod,
		"admin.read_header_timeout":  &cfg.Admin.ReadHeaderTimeout,
		"mesh.reassembly_timeout":    &cfg.Mesh.ReassemblyTimeout,
		"mesh.pending_op_ttl":        &cfg.Mesh.PendingOpTTL,
		"mesh.housekeeping_interval": &cfg.Mesh.HousekeepingInterval,
		"mesh.jitter_min":            &cfg.Mesh.JitterMin,
		"mesh.jitter_max":            &cfg.Mesh.JitterMax,
		"lan.discover_interval":      &cfg.LAN.DiscoverInterval,
		"call.invite_timeout":        &cfg.Call.InviteTimeout,
		"call.candidate_wait":        &cfg.Call.CandidateWait,
		"call.handoff_timeout":       &cfg.Call.HandoffTimeout,
		"call.signaling_timeout":     &cfg.Call.SignalingTimeout,
		"call.join_backoff":          &cfg.Call.JoinBackoff,
		"call.join_timeout":          &cfg.Call.JoinTimeout,
		"call.poll_interval":         &cfg.Call.PollInterval,
		"call.resolve_interval":      &cfg.Call.ResolveInterval,
		"call.resolve_timeout":       &cfg.Call.ResolveTimeout,
		"call.cooldown":              &cfg.Call.Cooldown,
	}
	for key, dst := range durations {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = defaultAdminAddress
	}
	if cfg.LAN.Address == "" {
		cfg.LAN.Address = defaultLANAddress
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Call.EnginePort == 0 {
		cfg.Call.EnginePort = cfg.Call.RelayPort
	}
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.LAN.Peers = splitList(cfg.LAN.Peers)
	cfg.Media.ICEServers = splitList(cfg.Media.ICEServers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Username == "broadcast" {
		return fmt.Errorf("username %q is reserved", c.Username)
	}
	if c.Mesh.TTL < 0 || c.Mesh.ControlTTL < 0 {
		return errors.New("mesh ttl values must be >= 0")
	}
	if c.Mesh.JitterMin > c.Mesh.JitterMax {
		return fmt.Errorf("mesh.jitter_min %s exceeds mesh.jitter_max %s", c.Mesh.JitterMin, c.Mesh.JitterMax)
	}
	if c.Mesh.MaxImageSize < 0 || c.Mesh.ChunkSize < 0 {
		return errors.New("mesh.max_image_size and mesh.chunk_size must be >= 0")
	}
	ports := []struct {
		key  string
		port int
	}{
		{"call.signaling_port", c.Call.SignalingPort},
		{"call.relay_port", c.Call.RelayPort},
		{"call.engine_port", c.Call.EnginePort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s %d out of range", p.key, p.port)
		}
	}
	if c.Call.JoinRetries < 1 {
		return fmt.Errorf("call.join_retries must be >= 1, got %d", c.Call.JoinRetries)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.LAN.TLS.Enabled && (c.LAN.TLS.CertPath == "" || c.LAN.TLS.KeyPath == "") {
		return errors.New("lan.tls requires cert_path and key_path")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
