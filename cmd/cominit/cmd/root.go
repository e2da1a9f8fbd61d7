// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the cominit command-line entrypoint. It does
// nothing beyond flag parsing and wiring: every real decision is made
// inside internal/orchestrator.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
	"github.com/5H3LL3H5/cominit/internal/metadata"
	"github.com/5H3LL3H5/cominit/internal/orchestrator"
)

var cmdFlags struct {
	DevicePath     string
	KeyfilePath    string
	SealedBlobPath string
	PCRSelection   string
	KeyDescription string
}

var rootCmd = &cobra.Command{
	Use:          "cominit",
	Short:        "Authenticate and activate a signed rootfs partition",
	Long:         ``,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		orch := orchestrator.New(logger)

		devicePath, err := orch.Run(context.Background(), orchestrator.Config{
			DevicePath:     cmdFlags.DevicePath,
			KeyfilePath:    cmdFlags.KeyfilePath,
			SealedBlobPath: cmdFlags.SealedBlobPath,
			PCRSelection:   cmdFlags.PCRSelection,
			KeyDescription: cmdFlags.KeyDescription,
			MetaCodec:      metadata.DefaultConfig(),
		})
		if err != nil {
			os.Exit(cerrors.ExitCode(err))
		}

		fmt.Fprintln(os.Stdout, devicePath)

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It is called by main.main exactly once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cmdFlags.DevicePath, "device", "", "Backing block device holding the signed rootfs partition")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.KeyfilePath, "keyfile", "", "PEM-encoded public key used to verify the partition metadata")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.SealedBlobPath, "sealed-blob", "", "Path to the TPM-sealed symmetric key, when the mode requires one")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.PCRSelection, "pcr-selection", "sha256:7", "Comma-separated PCR indices the sealed key's policy is bound to")
	rootCmd.PersistentFlags().StringVar(&cmdFlags.KeyDescription, "key-description", "", "Kernel keyring description to resolve the crypt key from, when not using a sealed blob")

	_ = rootCmd.MarkPersistentFlagRequired("device")
	_ = rootCmd.MarkPersistentFlagRequired("keyfile")
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}
