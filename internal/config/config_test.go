package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OFFMESH_USERNAME", "alice")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Username != "alice" {
		t.Fatalf("expected username from env, got %q", cfg.Username)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.Admin.Address != defaultAdminAddress {
		t.Fatalf("expected default admin address %s, got %s", defaultAdminAddress, cfg.Admin.Address)
	}
	if cfg.Mesh.TTL != 3 || cfg.Mesh.ControlTTL != 0 {
		t.Fatalf("unexpected mesh ttls %d/%d", cfg.Mesh.TTL, cfg.Mesh.ControlTTL)
	}
	if cfg.Mesh.JitterMin != 500*time.Millisecond || cfg.Mesh.JitterMax != 2*time.Second {
		t.Fatalf("unexpected jitter window %s-%s", cfg.Mesh.JitterMin, cfg.Mesh.JitterMax)
	}
	if cfg.Mesh.MaxImageSize != 8<<20 {
		t.Fatalf("unexpected max image size %d", cfg.Mesh.MaxImageSize)
	}
	if cfg.Call.SignalingPort != 8988 || cfg.Call.RelayPort != 5004 {
		t.Fatalf("unexpected ports %d/%d", cfg.Call.SignalingPort, cfg.Call.RelayPort)
	}
	if cfg.Call.EnginePort != cfg.Call.RelayPort {
		t.Fatalf("expected engine port to default to relay port, got %d", cfg.Call.EnginePort)
	}
	if cfg.Call.InviteTimeout != 30*time.Second || cfg.Call.Cooldown != 2*time.Second {
		t.Fatalf("unexpected call timings %+v", cfg.Call)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("expected memory store, got %s", cfg.Store.Driver)
	}
	if len(cfg.LAN.Peers) != 0 {
		t.Fatalf("expected no static peers, got %v", cfg.LAN.Peers)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
username: "bob"
log_level: "debug"
shutdown_grace_period: "5s"
mesh:
  ttl: 5
  jitter_min: "100ms"
  jitter_max: "300ms"
lan:
  address: "127.0.0.1:7001"
  peers:
    - "alice=10.0.0.2:50051"
call:
  relay_port: 6004
  join_backoff: "250ms"
store:
  driver: "sqlite"
  path: "/tmp/offmesh.db"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OFFMESH_LAN_ADDRESS", ":6000")
	t.Setenv("OFFMESH_CALL_INVITE_TIMEOUT", "45s")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LAN.Address != ":6000" {
		t.Fatalf("expected env override for lan address, got %s", cfg.LAN.Address)
	}
	if cfg.Call.InviteTimeout != 45*time.Second {
		t.Fatalf("expected env override for invite timeout, got %s", cfg.Call.InviteTimeout)
	}
	if cfg.Username != "bob" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected identity %q/%q", cfg.Username, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Mesh.TTL != 5 || cfg.Mesh.JitterMax != 300*time.Millisecond {
		t.Fatalf("unexpected mesh config %+v", cfg.Mesh)
	}
	if len(cfg.LAN.Peers) != 1 || cfg.LAN.Peers[0] != "alice=10.0.0.2:50051" {
		t.Fatalf("unexpected peers %v", cfg.LAN.Peers)
	}
	if cfg.Call.RelayPort != 6004 || cfg.Call.EnginePort != 6004 {
		t.Fatalf("unexpected relay/engine ports %d/%d", cfg.Call.RelayPort, cfg.Call.EnginePort)
	}
	if cfg.Call.JoinBackoff != 250*time.Millisecond {
		t.Fatalf("expected join backoff 250ms, got %s", cfg.Call.JoinBackoff)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path != "/tmp/offmesh.db" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
}

func TestPeersFromCommaSeparatedEnv(t *testing.T) {
	t.Setenv("OFFMESH_USERNAME", "carol")
	t.Setenv("OFFMESH_LAN_PEERS", "alice=10.0.0.2:50051, bob=10.0.0.3:50051")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.LAN.Peers) != 2 || cfg.LAN.Peers[1] != "bob=10.0.0.3:50051" {
		t.Fatalf("unexpected peers %v", cfg.LAN.Peers)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing username", map[string]string{"OFFMESH_USERNAME": ""}, "username is required"},
		{"reserved username", map[string]string{"OFFMESH_USERNAME": "broadcast"}, "reserved"},
		{"jitter window", map[string]string{"OFFMESH_USERNAME": "alice", "OFFMESH_MESH_JITTER_MIN": "3s"}, "jitter_min"},
		{"relay port", map[string]string{"OFFMESH_USERNAME": "alice", "OFFMESH_CALL_RELAY_PORT": "70000"}, "call.relay_port"},
		{"store driver", map[string]string{"OFFMESH_USERNAME": "alice", "OFFMESH_STORE_DRIVER": "postgres"}, "store.driver"},
		{"bad duration", map[string]string{"OFFMESH_USERNAME": "alice", "OFFMESH_CALL_COOLDOWN": "soon"}, "invalid duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
