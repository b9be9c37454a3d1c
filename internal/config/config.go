// Package config loads worker configuration from an optional YAML file
// layered under POLOS_* environment overrides, matching the corpus's
// convention of a declarative base config with env-driven overrides for
// deployment-specific secrets (API keys, URLs) that should never live in a
// checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the worker process's full ambient configuration.
type Config struct {
	DeploymentID  string `yaml:"deploymentId"`
	ProjectID     string `yaml:"projectId"`
	Port          int    `yaml:"port"`
	LocalMode     bool   `yaml:"localMode"`
	WorkspacesDir string `yaml:"workspacesDir"`

	MaxConcurrentWorkflows int `yaml:"maxConcurrentWorkflows"`
	AgentSafetyMaxSteps    int `yaml:"agentSafetyMaxSteps"`

	API struct {
		URL string `yaml:"url"`
		Key string `yaml:"key"`
	} `yaml:"api"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	OTel struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"serviceName"`
	} `yaml:"otel"`
}

// Default returns a Config populated with the spec's documented defaults
// (spec §4.6 maxConcurrentWorkflows=100, §4.4 safetyMaxSteps=20).
func Default() Config {
	var c Config
	c.Port = 8080
	c.MaxConcurrentWorkflows = 100
	c.AgentSafetyMaxSteps = 20
	c.Log.Level = "info"
	c.OTel.ServiceName = "polos-worker"
	return c
}

// Load reads path (if non-empty and present) as YAML over Default(), then
// applies POLOS_* environment overrides on top. A missing path is not an
// error: environment-only configuration is a supported deployment mode.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return c, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&c)
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("POLOS_API_URL"); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv("POLOS_API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("POLOS_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("POLOS_WORKSPACES_DIR"); v != "" {
		c.WorkspacesDir = v
	}
	if v := os.Getenv("POLOS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("POLOS_OTEL_SERVICE_NAME"); v != "" {
		c.OTel.ServiceName = v
	}
	if v := os.Getenv("POLOS_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.OTel.Enabled = b
		}
	}
	if v := os.Getenv("POLOS_AGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AgentSafetyMaxSteps = n
		}
	}
	if v := os.Getenv("POLOS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("POLOS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("POLOS_DEPLOYMENT_ID"); v != "" {
		c.DeploymentID = v
	}
	if v := os.Getenv("POLOS_LOCAL_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LocalMode = b
		}
	}
}
