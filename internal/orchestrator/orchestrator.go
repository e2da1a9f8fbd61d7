// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package orchestrator drives the single linear sequence that turns a
// signed partition trailer into a live, mountable rootfs device: load
// and verify metadata, resolve a symmetric key when one is needed,
// compose device-mapper tables, and activate the resulting stack.
package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
	"github.com/5H3LL3H5/cominit/internal/crypto"
	"github.com/5H3LL3H5/cominit/internal/dmcompose"
	"github.com/5H3LL3H5/cominit/internal/dmctl"
	"github.com/5H3LL3H5/cominit/internal/keyring"
	"github.com/5H3LL3H5/cominit/internal/metadata"
	"github.com/5H3LL3H5/cominit/internal/tpmseal"
)

// Config gathers the external-collaborator inputs the source treats as
// environment/CLI configuration: device path, keyfile path, sealed-blob
// path, and PCR selection string.
type Config struct {
	DevicePath     string
	KeyfilePath    string
	SealedBlobPath string
	PCRSelection   string
	// KeyDescription, when set, resolves the crypt-layer key from the
	// kernel keyring instead of a sealed TPM blob.
	KeyDescription string

	MetaCodec metadata.Config
}

// Orchestrator wires the collaborators together. Fields are exported so
// tests can substitute fakes for DmCtl, KeyringReader, and Sealer.
type Orchestrator struct {
	DmCtl         dmctl.DmCtl
	KeyringReader keyring.Reader
	Sealer        *tpmseal.Sealer
	Logger        *zap.Logger
}

// New constructs an Orchestrator with the dmsetup-backed DmCtl and the
// default TPM Sealer. KeyringReader is left nil: no keyring.Reader
// implementation exists in this repository, so callers that need
// keyring lookups set it themselves.
func New(logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		DmCtl:  &dmctl.DmsetupCtl{},
		Sealer: tpmseal.New(logger),
		Logger: logger,
	}
}

// Run executes the happy path and returns the top-level activated
// device path. Any failure aborts the chain and removes, in reverse
// order, every dm device this run created.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (string, error) {
	meta := &metadata.PartitionMetadata{DevicePath: cfg.DevicePath}

	if err := metadata.LoadAndVerify(meta, cfg.KeyfilePath, cfg.MetaCodec); err != nil {
		o.Logger.Error("metadata load/verify failed", zap.Error(err), zap.String("device", cfg.DevicePath))
		return "", err
	}
	o.Logger.Info("metadata verified", zap.String("fs_type", meta.FSType), zap.String("cryptmode", meta.Crypt.String()))

	flags := meta.Crypt.Flags()

	var cryptKey []byte
	if flags&metadata.FlagCrypt != 0 {
		key, err := o.resolveCryptKey(cfg)
		if err != nil {
			o.Logger.Error("crypt key resolution failed", zap.Error(err))
			return "", err
		}
		cryptKey = key
	}

	plan, err := dmcompose.Compose(meta, o.KeyringReader, cryptKey)
	if err != nil {
		o.Logger.Error("table composition failed", zap.Error(err))
		return "", err
	}

	if len(plan.Layers) == 0 {
		o.Logger.Info("plain rootfs, no dm device required", zap.String("device", meta.DevicePath))
		return meta.DevicePath, nil
	}

	var created []string
	topPath := meta.DevicePath

	for _, layer := range plan.Layers {
		path, err := o.DmCtl.Create(ctx, layer.Name, layer.Table, layer.ReadOnly)
		if err != nil {
			o.Logger.Error("dm device activation failed", zap.String("layer", layer.Name), zap.Error(err))
			o.teardown(ctx, created)
			return "", err
		}
		o.Logger.Info("dm device activated", zap.String("layer", layer.Name), zap.String("path", path))
		created = append(created, layer.Name)
		topPath = path
	}

	return topPath, nil
}

// resolveCryptKey obtains the crypt-layer symmetric key either from a
// sealed TPM blob or directly from the kernel keyring, depending on
// which of cfg.SealedBlobPath / cfg.KeyDescription is set. The metadata
// alone decides whether a key is required; this decides where it comes
// from.
func (o *Orchestrator) resolveCryptKey(cfg Config) ([]byte, error) {
	const op = "orchestrator.Orchestrator.resolveCryptKey"

	switch {
	case cfg.SealedBlobPath != "":
		digest, err := crypto.SHA256OfKeyfile(cfg.KeyfilePath)
		if err != nil {
			return nil, err
		}

		raw, err := os.ReadFile(cfg.SealedBlobPath)
		if err != nil {
			return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("read sealed blob: %w", err))
		}
		blob, err := tpmseal.Unmarshal(raw)
		if err != nil {
			return nil, err
		}

		pcrSel, err := tpmseal.ParsePCRSelection(cfg.PCRSelection)
		if err != nil {
			return nil, err
		}

		return o.Sealer.Unseal(digest, pcrSel, blob)

	case cfg.KeyDescription != "":
		return keyring.GetKey(o.KeyringReader, cfg.KeyDescription)

	default:
		return nil, cerrors.New(cerrors.Internal, op, fmt.Errorf("crypt mode requires either a sealed blob path or a keyring description"))
	}
}

// teardown removes dm devices named in created, in reverse order,
// aggregating any removal failures into a single warning log line
// rather than letting one failed removal mask the rest.
func (o *Orchestrator) teardown(ctx context.Context, created []string) {
	var result *multierror.Error

	for i := len(created) - 1; i >= 0; i-- {
		name := created[i]
		if err := o.DmCtl.Remove(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", name, err))
		}
	}

	if result != nil {
		o.Logger.Warn("dm device teardown reported errors", zap.Error(result.ErrorOrNil()))
	}
}
