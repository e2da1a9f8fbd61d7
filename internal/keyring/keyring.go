// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keyring wraps the kernel keyring lookup used to pull
// symmetric keys referenced from dm-integrity metadata options, and the
// hex codec used to embed those keys into device-mapper tables.
package keyring

import (
	"encoding/hex"
	"fmt"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
)

// PayloadMax bounds the size of a key payload returned by a lookup.
const PayloadMax = 32

// Reader is the opaque collaborator boundary for kernel keyring access.
// Get looks up description and returns its payload, at most PayloadMax
// bytes. This repository provides no implementation backed by the host
// keyring service; callers supply one, and tests use a fixed map.
type Reader interface {
	Get(description string) ([]byte, error)
}

// ErrNotFound is returned by implementations of Reader when description
// has no matching key.
var ErrNotFound = fmt.Errorf("key not found")

// GetKey looks description up through r and enforces PayloadMax.
func GetKey(r Reader, description string) ([]byte, error) {
	payload, err := r.Get(description)
	if err != nil {
		return nil, cerrors.New(cerrors.KeyringLookup, "keyring.GetKey", err)
	}
	if len(payload) > PayloadMax {
		return nil, cerrors.New(cerrors.KeyringLookup, "keyring.GetKey",
			fmt.Errorf("payload for %q is %d bytes, exceeds max %d", description, len(payload), PayloadMax))
	}
	return payload, nil
}

// BytesToHex renders src as lowercase hex, matching the byte-by-byte
// "%02x" encoding used when key options are spliced into dm-integrity
// tables.
func BytesToHex(src []byte) string {
	return hex.EncodeToString(src)
}

// HexToBytes is the inverse of BytesToHex.
func HexToBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, cerrors.New(cerrors.Internal, "keyring.HexToBytes", err)
	}
	return b, nil
}
