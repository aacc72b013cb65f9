package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models station.yml.
type Config struct {
	Station struct {
		ID         string `yaml:"id"`
		PrecinctID string `yaml:"precinct_id"`
	} `yaml:"station"`
	Scanner struct {
		// Backend selects the device driver: "subprocess" or "sdk".
		Backend string `yaml:"backend"`
		// Command and Args drive the subprocess backend.
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
		// Addr is the SDK client endpoint for the sdk backend.
		Addr string `yaml:"addr"`
		// PageSize is the expected paper size, e.g. "letter" or "legal".
		PageSize string `yaml:"page_size"`
		// SettleTimeout bounds waits for accept/reject/calibrate to land.
		SettleTimeout time.Duration `yaml:"settle_timeout"`
	} `yaml:"scanner"`
	Interpreter struct {
		Workers int `yaml:"workers"`
	} `yaml:"interpreter"`
	Server struct {
		Addr          string `yaml:"addr"`
		JWTSecret     string `yaml:"jwt_secret"`
		AllowInsecure bool   `yaml:"allow_insecure"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Station.ID == "" {
		return fmt.Errorf("config.station.id is required")
	}
	switch c.Scanner.Backend {
	case "subprocess":
		if c.Scanner.Command == "" {
			return fmt.Errorf("config.scanner.command is required for the subprocess backend")
		}
	case "sdk":
		if c.Scanner.Addr == "" {
			return fmt.Errorf("config.scanner.addr is required for the sdk backend")
		}
	default:
		return fmt.Errorf("config.scanner.backend must be 'subprocess' or 'sdk'")
	}
	if c.Interpreter.Workers < 0 {
		return fmt.Errorf("config.interpreter.workers must not be negative")
	}
	return nil
}

// Workers returns the configured pool size with the default applied.
func (c *Config) Workers() int {
	if c.Interpreter.Workers > 0 {
		return c.Interpreter.Workers
	}
	return 2
}

// SettleTimeout returns the disposition settle bound with the default applied.
func (c *Config) SettleTimeout() time.Duration {
	if c.Scanner.SettleTimeout > 0 {
		return c.Scanner.SettleTimeout
	}
	return 5 * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "station.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with scand config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("scan-station"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config for a station.
func Default(stationID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, stationID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(stationID string) string {
	return fmt.Sprintf(defaultTemplate, stationID)
}

const defaultTemplate = `station:
  id: %s
  precinct_id: ""

scanner:
  backend: subprocess
  command: scanimage-feeder
  args: ["--duplex", "--resolution", "300"]
  page_size: letter
  settle_timeout: 5s

interpreter:
  workers: 2

server:
  addr: 127.0.0.1:8070
  allow_insecure: true
`
