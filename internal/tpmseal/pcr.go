// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tpmseal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
)

// maxPCR is the highest PCR index a TPM 2.0 platform is guaranteed to
// expose (PCRs 0-23).
const maxPCR = 23

// FailurePCR is the designated "boot-failed" register extended on an
// unseal denial, binding the outcome into subsequent boot policies.
// PCR 23 is the last of the general-purpose registers conventionally
// left for callers to define their own semantics.
const FailurePCR = 23

// FailureExtendDigest is the fixed, constant SHA-256 digest extended
// into FailurePCR on unseal denial: a recognizable sentinel, not a
// security-critical value.
var FailureExtendDigest = [32]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// PCRSelection is a parsed, deduplicated set of PCR indices on a single
// bank. The source defaults the bank to SHA-256; this repository only
// ever selects that bank, matching every TPM usage observed in the
// corpus.
type PCRSelection struct {
	Indices []int
}

// ParsePCRSelection accepts a comma-separated list of indices, each with
// an optional "sha256:" bank prefix (the only bank this repository
// recognizes). Duplicate indices collapse to one; out-of-range indices
// fail with cerrors.TPMState.
func ParsePCRSelection(spec string) (PCRSelection, error) {
	const op = "tpmseal.ParsePCRSelection"

	seen := map[int]struct{}{}
	var indices []int

	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if idx := strings.Index(tok, ":"); idx >= 0 {
			bank := tok[:idx]
			if !strings.EqualFold(bank, "sha256") {
				return PCRSelection{}, cerrors.New(cerrors.Internal, op, fmt.Errorf("unsupported PCR bank %q", bank))
			}
			tok = tok[idx+1:]
		}

		n, err := strconv.Atoi(tok)
		if err != nil {
			return PCRSelection{}, cerrors.New(cerrors.Internal, op, fmt.Errorf("invalid PCR index %q: %w", tok, err))
		}
		if n < 0 || n > maxPCR {
			return PCRSelection{}, cerrors.New(cerrors.TPMState, op, fmt.Errorf("PCR index %d out of range [0,%d]", n, maxPCR))
		}

		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		indices = append(indices, n)
	}

	sort.Ints(indices)
	return PCRSelection{Indices: indices}, nil
}

// Selector renders sel as the 3-byte PCR selection bitmask the TPM2B
// select structure expects: mask[n>>3] |= 1 << (n & 0x7) for each
// selected index.
func (sel PCRSelection) Selector() []byte {
	mask := make([]byte, 3)
	for _, n := range sel.Indices {
		mask[n>>3] |= 1 << (n & 0x7)
	}
	return mask
}
