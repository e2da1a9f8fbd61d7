// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dmcompose translates parsed partition metadata into the
// device-mapper table strings the kernel accepts on device creation,
// and derives the stacking order and volume geometry those tables
// imply.
package dmcompose

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
	"github.com/5H3LL3H5/cominit/internal/keyring"
	"github.com/5H3LL3H5/cominit/internal/metadata"
)

// DMTableMax is the fixed table-buffer policy limit carried over from
// the source's stack-allocated char[DM_TABLE_MAX]; growable Go strings
// still enforce it so the kernel's own ceiling is never the first thing
// to reject a table.
const DMTableMax = 1024

// keyOptionPrefixes lists the three dm-integrity option keys whose
// values may carry a "::<keydesc>" keyring reference.
var keyOptionPrefixes = []string{"internal_hash:", "journal_crypt:", "journal_mac:"}

// Layer identifies one device-mapper target in the activation stack.
type Layer struct {
	Name     string // deterministic dm device name, e.g. "rootfs-verint"
	Table    string
	ReadOnly bool
}

// Plan is the ordered device-mapper stack DmComposer derives from
// metadata, bottom to top. The last entry is the top device, whose path
// the orchestrator returns.
type Plan struct {
	Layers          []Layer
	VolumeDataBytes uint64
}

// Compose derives the activation plan for meta. keyReader resolves
// keyring-backed key options in dm-integrity tables; cryptKey supplies
// the symmetric key for the crypt layer when meta.Crypt has FlagCrypt
// set (nil is fine when it does not).
func Compose(meta *metadata.PartitionMetadata, keyReader keyring.Reader, cryptKey []byte) (*Plan, error) {
	flags := meta.Crypt.Flags()
	plan := &Plan{}

	var verintTable string
	var err error

	switch {
	case flags&metadata.FlagVerity != 0:
		verintTable, plan.VolumeDataBytes, err = composeVerity(meta.DevicePath, meta.VerintSection)
	case flags&metadata.FlagIntegrity != 0:
		verintTable, plan.VolumeDataBytes, err = composeIntegrity(meta.DevicePath, meta.VerintSection, keyReader)
	}
	if err != nil {
		return nil, err
	}

	backing := meta.DevicePath
	// crypt-integrity stacks dm-crypt over dm-integrity: the integrity
	// device is the backing device for the crypt layer, and mounts sit
	// on top of crypt.
	if verintTable != "" && flags&metadata.FlagIntegrity != 0 {
		if err := checkOverflow(verintTable); err != nil {
			return nil, err
		}
		plan.Layers = append(plan.Layers, Layer{Name: "rootfs-verint", Table: verintTable, ReadOnly: meta.ReadOnly})
		backing = dmDevicePath("rootfs-verint")
	}

	if flags&metadata.FlagCrypt != 0 {
		cryptTable, err := composeCrypt(backing, plan.VolumeDataBytes, meta.CryptSection, cryptKey)
		if err != nil {
			return nil, err
		}
		if err := checkOverflow(cryptTable); err != nil {
			return nil, err
		}
		plan.Layers = append(plan.Layers, Layer{Name: "rootfs-crypt", Table: cryptTable, ReadOnly: meta.ReadOnly})
		backing = dmDevicePath("rootfs-crypt")
	}

	// crypt-verity stacks dm-verity over dm-crypt: verity validates the
	// ciphertext, so its table must reference the crypt device, not the
	// raw partition, as both source and target device arguments.
	if verintTable != "" && flags&metadata.FlagVerity != 0 {
		if flags&metadata.FlagCrypt != 0 {
			verintTable, plan.VolumeDataBytes, err = composeVerity(backing, meta.VerintSection)
			if err != nil {
				return nil, err
			}
		}
		if err := checkOverflow(verintTable); err != nil {
			return nil, err
		}
		plan.Layers = append(plan.Layers, Layer{Name: "rootfs-verint", Table: verintTable, ReadOnly: meta.ReadOnly})
		backing = dmDevicePath("rootfs-verint")
	}

	meta.DMTableVerint = verintTable
	if len(plan.Layers) > 0 {
		meta.DMTableCrypt = ""
		for _, l := range plan.Layers {
			if l.Name == "rootfs-crypt" {
				meta.DMTableCrypt = l.Table
			}
		}
	}
	meta.DMVolumeDataBytes = plan.VolumeDataBytes

	return plan, nil
}

func dmDevicePath(name string) string {
	return "/dev/mapper/" + name
}

func checkOverflow(table string) error {
	if len(table)+1 > DMTableMax {
		return cerrors.New(cerrors.DMTableOverflow, "dmcompose.checkOverflow", fmt.Errorf("table of %d bytes exceeds DMTableMax %d", len(table), DMTableMax))
	}
	return nil
}

// composeVerity builds the dm-verity table per the documented grammar:
// VER DATA_BLKSIZE HASH_BLKSIZE NUM_DATA_BLKS HASH_START_BLK HASH_ALGO SALT ROOT_HASH [extras...]
func composeVerity(devicePath string, section []string) (string, uint64, error) {
	const op = "dmcompose.composeVerity"
	if len(section) < 8 {
		return "", 0, cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("verity section has %d tokens, need at least 8", len(section)))
	}

	ver := section[0]
	dataBlkSize, err := parseUint(op, section[1])
	if err != nil {
		return "", 0, err
	}
	numDataBlks, err := parseUint(op, section[3])
	if err != nil {
		return "", 0, err
	}

	rest := strings.Join(section[1:], " ")
	table := fmt.Sprintf("%s %s %s %s", ver, devicePath, devicePath, rest)

	return table, dataBlkSize * numDataBlks, nil
}

// composeIntegrity builds the dm-integrity table per the documented
// grammar: NUM_BLKS BLKSIZE NUM_OPTS OPT1 OPT2 ...
func composeIntegrity(devicePath string, section []string, keyReader keyring.Reader) (string, uint64, error) {
	const op = "dmcompose.composeIntegrity"
	if len(section) < 3 {
		return "", 0, cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("integrity section has %d tokens, need at least 3", len(section)))
	}

	numBlks, err := parseUint(op, section[0])
	if err != nil {
		return "", 0, err
	}
	blkSize, err := parseUint(op, section[1])
	if err != nil {
		return "", 0, err
	}
	numOpts, err := parseUint(op, section[2])
	if err != nil {
		return "", 0, err
	}

	opts := section[3:]
	if uint64(len(opts)) != numOpts {
		return "", 0, cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("NUM_OPTS declares %d options, found %d", numOpts, len(opts)))
	}

	// Each option, including the last, gets its own trailing space: the
	// source's snprintf("%s%s ", ...) does the same, and the table grammar
	// tolerates the resulting trailing space on the whole string.
	var processed strings.Builder
	for _, opt := range opts {
		resolved, err := resolveKeyOption(opt, keyReader)
		if err != nil {
			return "", 0, err
		}
		processed.WriteString(resolved)
		processed.WriteByte(' ')
	}

	table := fmt.Sprintf("%s 0 - J %d block_size:%d %s", devicePath, numOpts+1, blkSize, processed.String())

	return table, numBlks * blkSize, nil
}

// resolveKeyOption rewrites a dm-integrity option whose value ends with
// "::<keydesc>" into "<prefix>:<algo>:<hex>", looking the key up through
// keyReader. Options without a recognized prefix pass through unchanged.
//
// The source always slices past strlen("internal_hash:") regardless of
// which of the three prefixes actually matched; this slices past the
// matched prefix's own length instead.
func resolveKeyOption(opt string, keyReader keyring.Reader) (string, error) {
	const op = "dmcompose.resolveKeyOption"

	var matched string
	for _, prefix := range keyOptionPrefixes {
		if strings.HasPrefix(opt, prefix) {
			matched = prefix
			break
		}
	}
	if matched == "" {
		return opt, nil
	}

	value := opt[len(matched):]
	sep := strings.Index(value, "::")
	if sep < 0 {
		return opt, nil
	}
	algo := value[:sep]
	keyDesc := value[sep+2:]

	payload, err := keyring.GetKey(keyReader, keyDesc)
	if err != nil {
		return "", err
	}

	prefixName := strings.TrimSuffix(matched, ":")
	return fmt.Sprintf("%s:%s:%s", prefixName, algo, keyring.BytesToHex(payload)), nil
}

// composeCrypt builds the dm-crypt table of form
// "<cipher> <key_hex> 0 <backing_dev> 0". The table carries no sector
// count: a non-zero volumeDataBytes is only checked to be a multiple of
// the 512-byte sector, and no sector count is computed from it or
// emitted. Section carries at least the cipher spec as its first
// token; a missing key is an internal precondition failure since the
// orchestrator must resolve it before calling in.
func composeCrypt(backingDevice string, volumeDataBytes uint64, section []string, key []byte) (string, error) {
	const op = "dmcompose.composeCrypt"
	if len(section) < 1 {
		return "", cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("crypt section has no cipher token"))
	}
	if len(key) == 0 {
		return "", cerrors.New(cerrors.Internal, op, fmt.Errorf("composeCrypt called without a symmetric key"))
	}

	cipher := section[0]
	keyHex := keyring.BytesToHex(key)

	if volumeDataBytes > 0 && volumeDataBytes%512 != 0 {
		return "", cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("volume size %d is not a multiple of the 512-byte sector", volumeDataBytes))
	}

	return fmt.Sprintf("%s %s 0 %s 0", cipher, keyHex, backingDevice), nil
}

func parseUint(op, tok string) (uint64, error) {
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("expected numeric token, got %q: %w", tok, err))
	}
	return v, nil
}
