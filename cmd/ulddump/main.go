// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ulddump loads one or more ELF32 ARM relocatable objects into a
// fresh image and dumps the resulting symbol table, for inspecting what
// the loader would do with a given set of objects without embedding it
// in the target firmware.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	config     *config
	configPath string
	logger     *slog.Logger
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ulddump",
		Short: "Load ELF32 ARM objects into a simulated image and inspect the result",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			opts.config = cfg
			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.logLevel(),
			}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a ulddump config file (optional)")

	root.AddCommand(newLoadCommand(opts))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
