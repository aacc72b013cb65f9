package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("station-7")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Station.ID != "station-7" {
		t.Errorf("station id = %q", cfg.Station.ID)
	}
	if cfg.Scanner.Backend != "subprocess" {
		t.Errorf("backend = %q", cfg.Scanner.Backend)
	}
	if cfg.Workers() != 2 {
		t.Errorf("workers = %d, want 2", cfg.Workers())
	}
	if cfg.SettleTimeout() != 5*time.Second {
		t.Errorf("settle timeout = %s", cfg.SettleTimeout())
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("station-7")))
	if err != nil {
		t.Fatalf("generated config rejected: %v", err)
	}
	if len(cfg.Scanner.Args) != 3 {
		t.Errorf("args = %v", cfg.Scanner.Args)
	}
}

func TestValidateBackendRules(t *testing.T) {
	base := func() *Config {
		cfg := Default("station-7")
		return cfg
	}

	cfg := base()
	cfg.Station.ID = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "station.id") {
		t.Errorf("missing station id: %v", err)
	}

	cfg = base()
	cfg.Scanner.Backend = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend accepted")
	}

	cfg = base()
	cfg.Scanner.Command = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "scanner.command") {
		t.Errorf("subprocess backend without command: %v", err)
	}

	cfg = base()
	cfg.Scanner.Backend = "sdk"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "scanner.addr") {
		t.Errorf("sdk backend without addr: %v", err)
	}
	cfg.Scanner.Addr = "127.0.0.1:9999"
	if err := cfg.Validate(); err != nil {
		t.Errorf("sdk backend with addr: %v", err)
	}

	cfg = base()
	cfg.Interpreter.Workers = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative worker count accepted")
	}
}

func TestWorkersOverride(t *testing.T) {
	cfg := Default("station-7")
	cfg.Interpreter.Workers = 8
	if cfg.Workers() != 8 {
		t.Errorf("workers = %d, want 8", cfg.Workers())
	}
}

func TestLoad(t *testing.T) {
	workspace := t.TempDir()
	if _, err := Load(workspace); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("missing config = %v, want pointer to config init", err)
	}

	yaml := `station:
  id: precinct-12-a
  precinct_id: precinct-12
scanner:
  backend: sdk
  addr: 127.0.0.1:7001
  page_size: legal
  settle_timeout: 2s
interpreter:
  workers: 4
server:
  addr: 127.0.0.1:8070
  jwt_secret: sekrit
`
	if err := os.WriteFile(filepath.Join(workspace, "station.yml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Station.PrecinctID != "precinct-12" || cfg.Scanner.PageSize != "legal" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.SettleTimeout() != 2*time.Second {
		t.Errorf("settle timeout = %s", cfg.SettleTimeout())
	}
	if cfg.Server.JWTSecret != "sekrit" {
		t.Errorf("jwt secret = %q", cfg.Server.JWTSecret)
	}
}

func TestLoadOptionalFallsBack(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Station.ID != "scan-station" {
		t.Errorf("fallback station id = %q", cfg.Station.ID)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("{not yaml")); err == nil {
		t.Error("malformed yaml accepted")
	}
}
