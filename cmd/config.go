// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cnshibo/robust-serial/pkg/robustserial"
)

// Settings holds defaults loadable from a YAML file. Command-line flags win
// over file values.
type Settings struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	URL  string `yaml:"url"`

	KeepaliveIntervalMS uint32 `yaml:"keepalive_interval_ms"`
	ConnectionTimeoutMS uint32 `yaml:"connection_timeout_ms"`
	MaxRetries          int    `yaml:"max_retries"`

	Broker string `yaml:"broker"`
}

// loadSettings reads the settings file. A missing default file is not an
// error; a missing explicit --config file is.
func loadSettings() (Settings, error) {
	var s Settings

	path := configPath
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return s, nil
		}
		path = filepath.Join(home, ".robust-serial.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit {
			return s, fmt.Errorf("failed to read settings file %s: %v", path, err)
		}
		return s, nil
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file %s: %v", path, err)
	}
	return s, nil
}

// applySettings folds file values into unset flags and returns the stack
// configuration.
func applySettings() (robustserial.Config, error) {
	s, err := loadSettings()
	if err != nil {
		return robustserial.Config{}, err
	}

	if portName == "" {
		portName = s.Port
	}
	if s.Baud != 0 && !rootCmd.PersistentFlags().Changed("baud") {
		baudRate = s.Baud
	}
	if wsURL == "" {
		wsURL = s.URL
	}
	if brokerURL == "" {
		brokerURL = s.Broker
	}

	cfg := robustserial.DefaultConfig()
	if keepaliveMS != 0 {
		cfg.KeepaliveInterval = time.Duration(keepaliveMS) * time.Millisecond
	} else if s.KeepaliveIntervalMS != 0 {
		cfg.KeepaliveInterval = time.Duration(s.KeepaliveIntervalMS) * time.Millisecond
	}
	if timeoutMS != 0 {
		cfg.ConnectionTimeout = time.Duration(timeoutMS) * time.Millisecond
	} else if s.ConnectionTimeoutMS != 0 {
		cfg.ConnectionTimeout = time.Duration(s.ConnectionTimeoutMS) * time.Millisecond
	}
	if maxRetries != 0 {
		cfg.MaxRetries = maxRetries
	} else if s.MaxRetries != 0 {
		cfg.MaxRetries = s.MaxRetries
	}

	return cfg, nil
}