// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wickedsystems/uld/arch"
	"github.com/wickedsystems/uld/image"
	"github.com/wickedsystems/uld/loader"
	"github.com/wickedsystems/uld/osfs"
	"github.com/wickedsystems/uld/symtab"
)

func newLoadCommand(opts *rootOptions) *cobra.Command {
	var symsOnly bool

	cmd := &cobra.Command{
		Use:   "load <object.o>...",
		Short: "Load one or more objects into a fresh image and print its symbol table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			target := arch.ARMEL
			target.AddressBase = opts.config.AddressBase
			img := image.New(&target)
			fsys := &osfs.FS{Root: "."}

			for _, path := range args {
				opts.logger.Info("loading object", "path", path)
				if err := loader.Load(img, fsys, path, opts.logger); err != nil {
					return fmt.Errorf("loading %s: %w", path, err)
				}
			}

			tab := symtab.NewTable(img)
			if symsOnly {
				fmt.Print(tab.Dump())
				return nil
			}

			fmt.Println(img)
			fmt.Print(tab.Dump())
			return nil
		},
	}

	cmd.Flags().BoolVar(&symsOnly, "syms", false, "print only the symbol table")
	return cmd
}
