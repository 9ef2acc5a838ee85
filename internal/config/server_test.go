package config

import "testing"

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.MaxHistory != 50 {
		t.Fatalf("MaxHistory = %d, want 50", cfg.MaxHistory)
	}
	if cfg.ReconnectGraceSec != 30 {
		t.Fatalf("ReconnectGraceSec = %d, want 30", cfg.ReconnectGraceSec)
	}
}

func TestLoadServerRequiresRedisAddr(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	_, err := LoadServer()
	if err == nil {
		t.Fatal("LoadServer() expected error, got nil")
	}
}

func TestLoadRealtimeParseTypes(t *testing.T) {
	t.Setenv("SNAPSHOT_INTERVAL", "5")
	t.Setenv("MAX_SPEED", "750.5")

	cfg, err := LoadRealtime()
	if err != nil {
		t.Fatalf("LoadRealtime() error = %v", err)
	}
	if cfg.SnapshotInterval != 5 {
		t.Fatalf("SnapshotInterval = %d, want 5", cfg.SnapshotInterval)
	}
	if cfg.MaxSpeed != 750.5 {
		t.Fatalf("MaxSpeed = %v, want 750.5", cfg.MaxSpeed)
	}
	if cfg.CountdownSecs != 3 {
		t.Fatalf("CountdownSecs = %d, want 3", cfg.CountdownSecs)
	}
}
