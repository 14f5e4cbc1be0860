// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelproxy/sentinelproxy/internal/config"
)

// exitCode mirrors the CLI's documented contract: 0 on a valid config,
// 1 on a config error, 2 on any other runtime fatal.
const (
	exitOK          = 0
	exitConfigError = 1
	exitRuntimeError = 2
)

func newTestCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Validate the configuration file without starting the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(flags)
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %v\n", err)
				os.Exit(exitConfigError)
				return nil
			}
			log := newLogger(flags)
			comp, err := build(cfg, log)
			if err != nil {
				fmt.Fprintf(os.Stderr, "build error: %v\n", err)
				os.Exit(exitRuntimeError)
				return nil
			}
			comp.stop()
			fmt.Printf("%s: ok (%d listeners, %d routes, %d filters)\n", path, len(cfg.Listeners), len(cfg.Routes), len(cfg.Filters.Specs))
			os.Exit(exitOK)
			return nil
		},
	}
}
