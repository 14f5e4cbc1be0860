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
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalFlags holds the flags every subcommand shares.
type globalFlags struct {
	configPath string
	verbose    bool
	daemon     bool
	upgrade    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "sentinelproxy",
		Short: "Security-first reverse proxy with external agent filtering",
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to the proxy's config file (defaults to $SENTINEL_CONFIG)")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug-level logging")
	root.PersistentFlags().BoolVar(&flags.daemon, "daemon", false, "detach logging from the controlling terminal's pretty writer")
	root.PersistentFlags().BoolVar(&flags.upgrade, "upgrade", false, "request a hot binary upgrade (the flag is parsed but has no effect)")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newTestCmd(flags))
	return root
}

// resolveConfigPath applies the spec's precedence: an explicit --config
// flag wins, otherwise SENTINEL_CONFIG, otherwise a conventional default.
func resolveConfigPath(flags *globalFlags) string {
	if flags.configPath != "" {
		return flags.configPath
	}
	if v := os.Getenv("SENTINEL_CONFIG"); v != "" {
		return v
	}
	return "/etc/sentinelproxy/config.yaml"
}

func newLogger(flags *globalFlags) zerolog.Logger {
	level := zerolog.InfoLevel
	if flags.verbose {
		level = zerolog.DebugLevel
	}
	var w zerolog.ConsoleWriter
	if flags.daemon {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	w = zerolog.NewConsoleWriter()
	w.Out = os.Stderr
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
