// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package metadata

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
	"github.com/5H3LL3H5/cominit/internal/crypto"
)

// sectionSeparator is the 0xFF byte dividing the three logical
// sub-sections of the trailer text. Only the first two occurrences are
// significant; a 0xFF inside section 3's payload is left untouched.
const sectionSeparator = 0xFF

// maxFSTypeLen bounds fs_type per the trailer's documented field width.
const maxFSTypeLen = 32

// Config holds the trailer layout constants a deployment is built
// against. The source treats these as compile-time constants; this
// repository keeps them configurable so tests can use small fixtures.
type Config struct {
	// MetaSize is the fixed size, in bytes, of the trailer occupying
	// the tail of the partition.
	MetaSize uint64
	// SigLen is the fixed length, in bytes, of the signature following
	// the NUL-terminated text.
	SigLen int
	// Version is the literal prefix every trailer's header must match.
	Version string
}

// DefaultConfig mirrors the source's single sector-multiple trailer
// size and an RSA-2048/PKCS#1v1.5 signature length.
func DefaultConfig() Config {
	return Config{MetaSize: 4096, SigLen: 256, Version: "v1"}
}

// LoadAndVerify opens meta.DevicePath, reads its trailer, authenticates
// it against keyfilePath, and populates the remaining fields of meta on
// success. It is the package's sole public operation.
func LoadAndVerify(meta *PartitionMetadata, keyfilePath string, cfg Config) error {
	const op = "metadata.LoadAndVerify"

	if meta.DevicePath == "" {
		return cerrors.New(cerrors.Internal, op, fmt.Errorf("DevicePath must be set before loading"))
	}

	f, err := os.Open(meta.DevicePath)
	if err != nil {
		return cerrors.New(cerrors.IO, op, err)
	}
	defer f.Close()

	size, err := partitionSize(f)
	if err != nil {
		return cerrors.New(cerrors.IO, op, err)
	}
	if size < cfg.MetaSize {
		return cerrors.New(cerrors.IO, op, fmt.Errorf("partition %s is %d bytes, smaller than trailer size %d", meta.DevicePath, size, cfg.MetaSize))
	}

	buf := make([]byte, cfg.MetaSize)
	if _, err := f.ReadAt(buf, int64(size-cfg.MetaSize)); err != nil {
		return cerrors.New(cerrors.IO, op, err)
	}

	textLen := bytes.IndexByte(buf, 0x00)
	if textLen < 0 {
		textLen = len(buf)
	}
	if textLen >= int(cfg.MetaSize)-cfg.SigLen-1 {
		return cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("metadata text length %d leaves no room for a %d-byte signature", textLen, cfg.SigLen))
	}

	sigStart := textLen + 1
	if sigStart+cfg.SigLen > len(buf) {
		return cerrors.New(cerrors.MetaFormat, op, fmt.Errorf("signature would overrun trailer buffer"))
	}
	msg := buf[:textLen+1]
	sig := buf[sigStart : sigStart+cfg.SigLen]

	if err := crypto.VerifySignature(msg, sig, keyfilePath); err != nil {
		return err
	}

	if err := parseText(meta, buf[:textLen], cfg); err != nil {
		return cerrors.New(cerrors.MetaFormat, op, err)
	}

	return nil
}

// parseText tokenizes the authenticated text portion of the trailer
// into meta's header, verint, and crypt fields.
func parseText(meta *PartitionMetadata, text []byte, cfg Config) error {
	idx1 := bytes.IndexByte(text, sectionSeparator)
	if idx1 < 0 {
		return fmt.Errorf("missing first section separator")
	}
	rest := text[idx1+1:]
	idx2rel := bytes.IndexByte(rest, sectionSeparator)
	if idx2rel < 0 {
		return fmt.Errorf("missing second section separator")
	}

	header := string(text[:idx1])
	verint := string(rest[:idx2rel])
	cryptSection := string(rest[idx2rel+1:])

	fields := strings.Fields(header)
	if len(fields) != 4 {
		return fmt.Errorf("header has %d tokens, want 4", len(fields))
	}
	version, fsType, roRw, cryptModeTok := fields[0], fields[1], fields[2], fields[3]

	if version != cfg.Version {
		return fmt.Errorf("version %q does not match expected %q", version, cfg.Version)
	}

	if len(fsType) > maxFSTypeLen {
		return fmt.Errorf("fs_type %q is %d bytes, exceeds max %d", fsType, len(fsType), maxFSTypeLen)
	}

	var readOnly bool
	switch roRw {
	case "ro":
		readOnly = true
	case "rw":
		readOnly = false
	default:
		return fmt.Errorf("mode %q is neither ro nor rw", roRw)
	}

	cryptMode, err := parseCryptMode(cryptModeTok)
	if err != nil {
		return err
	}

	meta.FSType = fsType
	meta.ReadOnly = readOnly
	meta.Crypt = cryptMode
	meta.VerintSection = strings.Fields(verint)
	meta.CryptSection = strings.Fields(cryptSection)

	return nil
}

// partitionSize reports the size in bytes of the device backing f. It
// prefers the BLKGETSIZE64 ioctl for real block devices and falls back
// to a regular stat for plain files, which lets tests exercise this
// path against fixture files without a real block device.
func partitionSize(f *os.File) (uint64, error) {
	var devsize uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&devsize)))
	if errno == 0 {
		return devsize, nil
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}
