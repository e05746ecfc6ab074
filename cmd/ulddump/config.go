// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// config holds ulddump's settings. A missing config file is not an
// error — every field has a usable default for poking at an object with
// no setup.
type config struct {
	AddressBase uint32 `mapstructure:"address_base"`
	LogLevel    string `mapstructure:"log_level"`
}

func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetDefault("address_base", uint32(0))
	v.SetDefault("log_level", "info")
	v.SetEnvPrefix("ULDDUMP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
