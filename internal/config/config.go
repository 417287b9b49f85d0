// Package config loads controller and helper configuration, layered
// exactly as the teacher's config package does: typed defaults, an
// optional JSON file overlay, then environment variable overrides. CLI
// flags (see cmd/controller, cmd/helper) take final precedence over all
// three.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"distbuildctl/internal/errors"
)

// WorkerAddress is one configured outbound worker endpoint.
type WorkerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ControllerConfig configures the controller binary.
type ControllerConfig struct {
	InitiatorPort         int             `json:"initiator_port"`
	HelperPort            int             `json:"helper_port"`
	DebugPort             int             `json:"debug_port"`
	Workers               []WorkerAddress `json:"workers"`
	CacheServer           string          `json:"cache_server"`
	WriteableCacheServer  string          `json:"writeable_cache_server"`
	ReconnectInterval     time.Duration   `json:"reconnect_interval"`
	AdminTokenSecret      string          `json:"admin_token_secret"`
}

// HelperConfig configures the helper binary.
type HelperConfig struct {
	ControllerHost string `json:"controller_host"`
	ControllerPort int    `json:"controller_port"`
}

// LoadControllerConfig loads the controller configuration with file and
// environment variable overrides, following the teacher's
// defaults-then-file-then-env layering.
func LoadControllerConfig(configPath string) (*ControllerConfig, error) {
	cfg := &ControllerConfig{
		InitiatorPort:        3433,
		HelperPort:           3434,
		DebugPort:            3435,
		CacheServer:          "http://localhost:3434",
		WriteableCacheServer: "http://localhost:3434",
		ReconnectInterval:    time.Second,
	}

	if configPath != "" {
		if err := loadConfigFromFile(configPath, cfg); err != nil {
			return nil, errors.ConfigError("config_file", fmt.Sprintf("failed to load config file: %v", err))
		}
	}

	if v := os.Getenv("CONTROLLER_INITIATOR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.InitiatorPort = p
		}
	}
	if v := os.Getenv("CONTROLLER_HELPER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HelperPort = p
		}
	}
	if v := os.Getenv("CONTROLLER_CACHE_SERVER"); v != "" {
		cfg.CacheServer = v
	}
	if v := os.Getenv("CONTROLLER_WRITEABLE_CACHE_SERVER"); v != "" {
		cfg.WriteableCacheServer = v
	}
	if v := os.Getenv("CONTROLLER_RECONNECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectInterval = d
		}
	}
	if v := os.Getenv("CONTROLLER_WORKERS"); v != "" {
		workers, err := parseWorkerList(v)
		if err != nil {
			return nil, errors.ConfigError("CONTROLLER_WORKERS", err.Error())
		}
		cfg.Workers = workers
	}

	return cfg, nil
}

// LoadHelperConfig loads the helper configuration with environment
// variable overrides.
func LoadHelperConfig(configPath string) (*HelperConfig, error) {
	cfg := &HelperConfig{
		ControllerHost: "localhost",
		ControllerPort: 3434,
	}

	if configPath != "" {
		if err := loadConfigFromFile(configPath, cfg); err != nil {
			return nil, errors.ConfigError("config_file", fmt.Sprintf("failed to load config file: %v", err))
		}
	}

	if v := os.Getenv("HELPER_CONTROLLER_HOST"); v != "" {
		cfg.ControllerHost = v
	}
	if v := os.Getenv("HELPER_CONTROLLER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.ControllerPort = p
		}
	}

	return cfg, nil
}

func loadConfigFromFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, target)
}

// ParseWorkerList parses a comma-separated host:port,host:port list, the
// format CONTROLLER_WORKERS and the --workers CLI flag both accept.
func ParseWorkerList(v string) ([]WorkerAddress, error) {
	return parseWorkerList(v)
}

func parseWorkerList(v string) ([]WorkerAddress, error) {
	var out []WorkerAddress
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				addr, err := parseHostPort(v[start:i])
				if err != nil {
					return nil, err
				}
				out = append(out, addr)
			}
			start = i + 1
		}
	}
	return out, nil
}

func parseHostPort(hostport string) (WorkerAddress, error) {
	host := hostport
	port := 3434
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			host = hostport[:i]
			p, err := strconv.Atoi(hostport[i+1:])
			if err != nil {
				return WorkerAddress{}, fmt.Errorf("invalid worker address %q: %w", hostport, err)
			}
			port = p
			break
		}
	}
	return WorkerAddress{Host: host, Port: port}, nil
}
