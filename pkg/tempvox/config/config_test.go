package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `guild_id: "123456789"
spawn_channel_ids: ["111", "222"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GuildID != "123456789" {
		t.Errorf("GuildID = %q", cfg.GuildID)
	}
	if cfg.MaxConcurrentRooms != 50 {
		t.Errorf("MaxConcurrentRooms = %d, want 50", cfg.MaxConcurrentRooms)
	}
	if cfg.ReconcilePeriodS != 120 {
		t.Errorf("ReconcilePeriodS = %d, want 120", cfg.ReconcilePeriodS)
	}
	if cfg.RoomNameTemplate != "{display_name}'s Channel" {
		t.Errorf("RoomNameTemplate = %q", cfg.RoomNameTemplate)
	}
	if !cfg.IsSpawnChannel("111") || cfg.IsSpawnChannel("333") {
		t.Error("IsSpawnChannel misclassified")
	}
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("Database.Backend = %q, want sqlite", cfg.Database.Backend)
	}
}

func TestLoadMissingGuild(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("spawn_channel_ids: []\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing guild_id")
	}
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("guild_id: \"1\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TEMPVOX_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestIsAFKChannel(t *testing.T) {
	cfg := Default()
	cfg.AFKChannelIDs = []string{"42"}

	cases := []struct {
		id, name string
		want     bool
	}{
		{"42", "General", true},
		{"7", "AFK Lounge", true},
		{"7", "away-room", true},
		{"7", "Idle Chatter", true},
		{"7", "General", false},
	}
	for _, tc := range cases {
		if got := cfg.IsAFKChannel(tc.id, tc.name); got != tc.want {
			t.Errorf("IsAFKChannel(%q, %q) = %v, want %v", tc.id, tc.name, got, tc.want)
		}
	}
}

func TestValidateBackend(t *testing.T) {
	cfg := Default()
	cfg.GuildID = "1"
	cfg.Database.Backend = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	cfg.Database.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
	cfg.Database.DSN = "postgres://localhost/tempvox"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}
