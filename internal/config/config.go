// Package config loads the gateway configuration file. Virtual hosts are
// written in the Envoy route v3 JSON shape and decoded through protojson;
// everything else decodes into plain structs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"github.com/goccy/go-yaml"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/edgekit/gateway/gateway"
	"github.com/edgekit/gateway/internal/extauthcfg"
)

// Config is the root of the gateway configuration file.
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	Clusters     map[string]string        `yaml:"clusters"`
	VirtualHosts []map[string]interface{} `yaml:"virtual_hosts"`
	Auth         AuthSection              `yaml:"auth"`
	Secrets      extauthcfg.StaticSecrets `yaml:"secrets"`
}

// ServerConfig is the serving-layer configuration.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	LogLevel        string        `yaml:"log_level"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthSection groups the authorization configuration.
type AuthSection struct {
	DefaultConfig string                                  `yaml:"default_config"`
	Settings      *extauthcfg.Settings                    `yaml:"settings"`
	Configs       []*extauthcfg.AuthConfig                `yaml:"configs"`
	Overrides     map[string]*extauthcfg.ExtAuthExtension `yaml:"overrides"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	return &cfg, nil
}

// Snapshot converts the parsed config into an engine snapshot. Virtual hosts
// take the YAML -> JSON -> protojson path so the file uses the proto field
// names verbatim.
func (c *Config) Snapshot() (*gateway.Snapshot, error) {
	vhosts := make([]*routev3.VirtualHost, 0, len(c.VirtualHosts))
	for i, raw := range c.VirtualHosts {
		jsonBytes, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("virtual host %d: %w", i, err)
		}
		vh := &routev3.VirtualHost{}
		if err := protojson.Unmarshal(jsonBytes, vh); err != nil {
			return nil, fmt.Errorf("virtual host %d: %w", i, err)
		}
		vhosts = append(vhosts, vh)
	}

	return &gateway.Snapshot{
		VirtualHosts:      vhosts,
		AuthConfigs:       c.Auth.Configs,
		Settings:          c.Auth.Settings,
		Secrets:           c.Secrets,
		DefaultAuthConfig: c.Auth.DefaultConfig,
		ExtAuth:           c.Auth.Overrides,
	}, nil
}
