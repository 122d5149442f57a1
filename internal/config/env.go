package config

import (
	"github.com/caarlos0/env/v11"
)

// EnvConfig holds process-level overrides read straight from the environment.
type EnvConfig struct {
	Debug      bool   `env:"WALKIE_DEBUG"`
	LogFile    string `env:"WALKIE_LOG_FILE"`
	Identity   string `env:"WALKIE_IDENTITY"`
	ConfigHome string `env:"WALKIE_CONFIG_HOME"`
	XDGConfig  string `env:"XDG_CONFIG_HOME"`
}

// ParseEnv reads EnvConfig from the environment.
func ParseEnv() (EnvConfig, error) {
	return env.ParseAs[EnvConfig]()
}

// Apply lets the environment win over file and flag values.
func (e EnvConfig) Apply(c *Config) {
	if e.Debug {
		c.Log.Level = "debug"
	}
	if e.LogFile != "" {
		c.Log.File = e.LogFile
	}
	if e.Identity != "" {
		c.Identity = e.Identity
	}
}
