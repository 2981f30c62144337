// SPDX-FileCopyrightText: Copyright (C) 2024  The vailix Authors.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command vailixctl is an operator/demo CLI that wraps the sdk package's
// singleton engine with report, match, and status subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vailix-dev/vailix/config"
	vlog "github.com/vailix-dev/vailix/core/log"
	"github.com/vailix-dev/vailix/sdk"
)

var configFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand creates the root cobra command.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vailixctl",
		Short: "Operate a vailix client engine from the command line",
		Long: `vailixctl drives the vailix client engine's report and match
pipelines against a configured server pair, for operators and demos that
don't have a BLE transport to drive the engine.`,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "vailix-client.toml", "client configuration file")

	cmd.AddCommand(newReportCommand())
	cmd.AddCommand(newMatchCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func newReportCommand() *cobra.Command {
	var metadataFile string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Submit a positive report covering the configured history depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := createEngine()
			if err != nil {
				return err
			}
			defer sdk.Destroy()

			var metadata []byte
			if metadataFile != "" {
				metadata, err = os.ReadFile(metadataFile)
				if err != nil {
					return fmt.Errorf("reading metadata file: %w", err)
				}
			}

			ok, err := eng.Submit(context.Background(), metadata)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Printf("report submitted: %v\n", ok)
			return nil
		},
	}
	cmd.Flags().StringVar(&metadataFile, "metadata-file", "", "path to metadata bytes to seal and attach to every reported RPI")
	return cmd
}

func newMatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Run one fetch-and-match pass against the configured download endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := createEngine()
			if err != nil {
				return err
			}
			defer sdk.Destroy()

			matches, err := eng.FetchAndMatch(context.Background())
			if err != nil {
				return fmt.Errorf("fetch-and-match failed: %w", err)
			}

			fmt.Printf("%d match(es)\n", len(matches))
			for _, m := range matches {
				fmt.Printf("  rpi=%s localTs=%d reportedAt=%.0f metadataLen=%d\n",
					m.RPIHex, m.LocalTimestamp, m.ReportedAtMs, len(m.Metadata))
			}
			return nil
		},
	}
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the engine singleton is initialized",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("initialized: %v\n", sdk.IsInitialized())
			return nil
		},
	}
}

func createEngine() (*sdk.Engine, error) {
	cfg, err := config.LoadClientFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading client config %q: %w", configFile, err)
	}

	backend, err := vlog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	return sdk.Create(cfg, backend.GetLogger("vailixctl"))
}
