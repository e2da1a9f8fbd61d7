// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dmctl is the boundary to the device-mapper ioctl transport,
// exposed through dmsetup rather than raw DM_* ioctls.
package dmctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/siderolabs/go-cmd/pkg/cmd"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
)

// DmCtl creates and destroys live device-mapper devices from a table.
// Create is atomic: either the device exists and is live on return, or
// the call failed and left no residue.
type DmCtl interface {
	Create(ctx context.Context, name, table string, readonly bool) (devicePath string, err error)
	Remove(ctx context.Context, name string) error
}

// DmsetupCtl backs DmCtl with the dmsetup binary, mirroring the way the
// block volume controllers shell out to external partition/volume
// tooling rather than issuing ioctls directly.
type DmsetupCtl struct {
	// Binary overrides the dmsetup path; empty means "/sbin/dmsetup".
	Binary string
}

var _ DmCtl = (*DmsetupCtl)(nil)

func (d *DmsetupCtl) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "/sbin/dmsetup"
}

// Create runs "dmsetup create <name> --uuid <uuid> [--readonly] --table
// <table>", then checks the device with "dmsetup info" and removes the
// mapping if that check fails, so no partial device survives.
func (d *DmsetupCtl) Create(ctx context.Context, name, table string, readonly bool) (string, error) {
	const op = "dmctl.DmsetupCtl.Create"

	id := uuid.New().String()
	args := []string{"create", name, "--uuid", id}
	if readonly {
		args = append(args, "--readonly")
	}
	args = append(args, "--table", table)

	if _, err := cmd.RunContext(ctx, d.binary(), args...); err != nil {
		return "", cerrors.New(cerrors.IO, op, fmt.Errorf("dmsetup create %s: %w", name, err))
	}

	devicePath := "/dev/mapper/" + name
	if _, err := cmd.RunContext(ctx, d.binary(), "info", name); err != nil {
		_, _ = cmd.RunContext(ctx, d.binary(), "remove", name)
		return "", cerrors.New(cerrors.IO, op, fmt.Errorf("dmsetup create %s: device did not become live: %w", name, err))
	}

	return devicePath, nil
}

// Remove runs "dmsetup remove <name>". Removing a device that does not
// exist is treated as success, so reverse-order teardown after a
// partial activation never fails on layers that were never created.
func (d *DmsetupCtl) Remove(ctx context.Context, name string) error {
	const op = "dmctl.DmsetupCtl.Remove"

	if _, err := cmd.RunContext(ctx, d.binary(), "remove", name); err != nil {
		if strings.Contains(err.Error(), "No such device") {
			return nil
		}
		return cerrors.New(cerrors.IO, op, fmt.Errorf("dmsetup remove %s: %w", name, err))
	}
	return nil
}
