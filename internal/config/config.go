// Package config loads the ambient, YAML-backed knobs that sit beside
// transproxify's CLI-sourced ProxySettings: admin API, audit, metrics,
// and logging. A missing config file is not an error here -- unlike the
// teacher's server, which always needs a DB connection string, the core
// bridge runs fine on defaults with no file at all.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"transproxify/internal/errs"
	"transproxify/internal/logx"
)

type AdminConfig struct {
	Listen   string `yaml:"listen"`
	Password string `yaml:"password"`
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`
}

type AuditConfig struct {
	DB string `yaml:"db"`
}

type InfluxConfig struct {
	BaseURL            string `yaml:"base_url"`
	Token              string `yaml:"token"`
	Org                string `yaml:"org"`
	Bucket             string `yaml:"bucket"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type MetricsConfig struct {
	Influx InfluxConfig `yaml:"influx"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Admin   AdminConfig   `yaml:"admin"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

var log = logx.New(logx.WithPrefix("config"))

const defaultPath = "/etc/transproxify/config.yaml"

// Load reads the YAML config at p, falling back to defaultPath, then to
// an all-defaults Config if neither is present. p == "" skips
// straight to defaultPath.
func Load(p string) (*Config, string, error) {
	if p == "" {
		p = defaultPath
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if p != defaultPath {
			b, err = os.ReadFile(defaultPath)
			p = defaultPath
		}
		if err != nil {
			log.Debugf("no config file at %s, using defaults", p)
			return &Config{Admin: AdminConfig{TokenTTLMinutes: 120}}, "", nil
		}
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, p, errs.NewConfigError("parse "+p, err)
	}
	if c.Admin.TokenTTLMinutes <= 0 {
		c.Admin.TokenTTLMinutes = 120
	}
	return &c, p, nil
}
