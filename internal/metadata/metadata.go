// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package metadata reads, authenticates, and tokenizes the signed
// partition metadata trailer appended to a rootfs partition.
package metadata

import "fmt"

// CryptMode is the tagged variant over the six literal CRYPT_MODE
// tokens the wire grammar allows. Using a tagged variant rather than a
// raw bitfield makes the verity/integrity mutual exclusion structurally
// unrepresentable.
type CryptMode int

const (
	CryptModePlain CryptMode = iota
	CryptModeVerity
	CryptModeIntegrity
	CryptModeCrypt
	CryptModeCryptIntegrity
	CryptModeCryptVerity
)

// CryptFlag mirrors the source's {NONE, VERITY, INTEGRITY, CRYPT}
// bitfield for call sites that want to test a single layer's presence
// without a switch over CryptMode.
type CryptFlag uint8

const (
	FlagNone      CryptFlag = 0
	FlagVerity    CryptFlag = 1 << 0
	FlagIntegrity CryptFlag = 1 << 1
	FlagCrypt     CryptFlag = 1 << 2
)

var cryptModeTokens = map[string]CryptMode{
	"plain":           CryptModePlain,
	"verity":          CryptModeVerity,
	"integrity":       CryptModeIntegrity,
	"crypt":           CryptModeCrypt,
	"crypt-integrity": CryptModeCryptIntegrity,
	"crypt-verity":    CryptModeCryptVerity,
}

// Flags returns the {VERITY, INTEGRITY, CRYPT} bitfield equivalent to m.
// Exactly one of Verity/Integrity may ever be set, enforced by the
// switch being exhaustive over the tagged variant rather than by a
// runtime check.
func (m CryptMode) Flags() CryptFlag {
	switch m {
	case CryptModePlain:
		return FlagNone
	case CryptModeVerity:
		return FlagVerity
	case CryptModeIntegrity:
		return FlagIntegrity
	case CryptModeCrypt:
		return FlagCrypt
	case CryptModeCryptIntegrity:
		return FlagIntegrity | FlagCrypt
	case CryptModeCryptVerity:
		return FlagVerity | FlagCrypt
	default:
		return FlagNone
	}
}

func (m CryptMode) String() string {
	for tok, v := range cryptModeTokens {
		if v == m {
			return tok
		}
	}
	return "unknown"
}

func parseCryptMode(tok string) (CryptMode, error) {
	m, ok := cryptModeTokens[tok]
	if !ok {
		return 0, fmt.Errorf("unrecognized cryptmode %q", tok)
	}
	return m, nil
}

// PartitionMetadata is the canonical in-memory record produced by
// loading and parsing a trailer. DevicePath is prefilled by the
// orchestrator before parsing and never mutated afterward. LoadAndVerify
// populates the header and section fields; dmcompose.Compose populates
// the DMTable* and DMVolumeDataBytes fields.
type PartitionMetadata struct {
	DevicePath string
	FSType     string
	ReadOnly   bool
	Crypt      CryptMode

	// VerintSection and CryptSection hold the raw space-separated
	// tokens of sections 2 and 3, not yet interpreted by DmComposer.
	VerintSection []string
	CryptSection  []string

	DMTableVerint     string
	DMTableCrypt      string
	DMVolumeDataBytes uint64
}
