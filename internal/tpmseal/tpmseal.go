// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tpmseal drives the TPM 2.0 enhanced-system-API conversation
// that seals a symmetric key under a PCR policy at provisioning time and
// unseals it at boot. Every transient handle acquired along the way is
// flushed on every exit path, including error paths; this discipline is
// the package's whole reason to exist.
package tpmseal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
)

// SealedBlob is the TPM-produced ciphertext for a symmetric key: an
// opaque byte sequence with a TPM-defined public/private split, meant to
// be persisted to a file path as-is.
type SealedBlob struct {
	Private      []byte
	Public       []byte
	Name         []byte
	PolicyDigest []byte
}

// Marshal renders b as a single length-prefixed byte sequence suitable
// for an atomic tmpfile-then-rename write to the sealed-blob path.
func (b SealedBlob) Marshal() []byte {
	var buf bytes.Buffer
	for _, field := range [][]byte{b.Private, b.Public, b.Name, b.PolicyDigest} {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
		buf.Write(lenBuf[:])
		buf.Write(field)
	}
	return buf.Bytes()
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(raw []byte) (SealedBlob, error) {
	const op = "tpmseal.Unmarshal"
	if len(raw) == 0 {
		return SealedBlob{}, cerrors.New(cerrors.TPMState, op, fmt.Errorf("sealed blob is empty"))
	}

	var fields [4][]byte
	for i := range fields {
		if len(raw) < 4 {
			return SealedBlob{}, cerrors.New(cerrors.TPMState, op, fmt.Errorf("sealed blob truncated"))
		}
		n := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < n {
			return SealedBlob{}, cerrors.New(cerrors.TPMState, op, fmt.Errorf("sealed blob truncated"))
		}
		fields[i] = raw[:n]
		raw = raw[n:]
	}

	return SealedBlob{Private: fields[0], Public: fields[1], Name: fields[2], PolicyDigest: fields[3]}, nil
}

// TransportOpener opens the TCTI connection to the TPM. Production code
// opens /dev/tpmrm0 through the TPM transport; a simulator transport can
// be substituted.
type TransportOpener func() (transport.TPMCloser, error)

// Sealer holds the collaborators every operation needs: how to reach the
// TPM, and where to log the handle lifecycle.
type Sealer struct {
	Open   TransportOpener
	Logger *zap.Logger
}

// DefaultOpener opens the kernel's resource-managed TPM device node.
func DefaultOpener() (transport.TPMCloser, error) {
	return transport.OpenTPM("/dev/tpmrm0")
}

// New constructs a Sealer with the default /dev/tpmrm0 transport and a
// no-op logger when logger is nil.
func New(logger *zap.Logger) *Sealer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{Open: DefaultOpener, Logger: logger}
}

func (s *Sealer) open() (transport.TPMCloser, error) {
	const op = "tpmseal.Sealer.open"
	t, err := s.Open()
	if err != nil {
		return nil, cerrors.New(cerrors.TPMTransport, op, err)
	}
	return t, nil
}

// Seal implements tpm_seal: creates a primary under the endorsement
// hierarchy bound to pubKeyDigest as its authValue, computes a trial
// policy digest over pcrSel, and seals plaintext under
// userWithAuth=false/adminWithPolicy=true with that digest as the
// object's auth policy.
func (s *Sealer) Seal(pubKeyDigest [32]byte, pcrSel PCRSelection, plaintext []byte) (*SealedBlob, error) {
	const op = "tpmseal.Sealer.Seal"

	t, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			s.Logger.Warn("tpm transport close failed", zap.Error(cerr))
		}
	}()

	primary := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: pubKeyDigest[:]},
			},
		},
		InPublic: tpm2.New2B(tpm2.ECCSRKTemplate),
	}

	primaryResp, err := primary.Execute(t)
	if err != nil {
		return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("create primary: %w", err))
	}
	defer flush(t, s.Logger, primaryResp.ObjectHandle, "primary")

	policySess, policyClose, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 20, tpm2.Trial())
	if err != nil {
		return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("start trial policy session: %w", err))
	}
	defer func() {
		if cerr := policyClose(); cerr != nil {
			s.Logger.Warn("trial policy session close failed", zap.Error(cerr))
		}
	}()

	policyDigest, err := tpm2.PolicyPCRDigest(t, policySess.Handle(), tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{{Hash: tpm2.TPMAlgSHA256, PCRSelect: pcrSel.Selector()}},
	})
	if err != nil {
		return nil, cerrors.New(cerrors.TPMPolicy, op, fmt.Errorf("policy pcr digest: %w", err))
	}

	create := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: primaryResp.ObjectHandle,
			Name:   primaryResp.Name,
			Auth:   tpm2.PasswordAuth(pubKeyDigest[:]),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPM2BSensitiveData(plaintext),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:        true,
				FixedParent:     true,
				AdminWithPolicy: true,
			},
			AuthPolicy: *policyDigest,
		}),
	}

	createResp, err := create.Execute(t)
	if err != nil {
		return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("create sealed object: %w", err))
	}

	return &SealedBlob{
		Private:      tpm2.Marshal(createResp.OutPrivate),
		Public:       tpm2.Marshal(createResp.OutPublic),
		Name:         tpm2.Marshal(primaryResp.Name),
		PolicyDigest: policyDigest.Buffer,
	}, nil
}

// Unseal implements tpm_unseal: reconstructs the primary, loads the
// sealed object, runs a real policy session over pcrSel, and unseals.
// On any failure after the primary is loaded, FailurePCR is extended
// with FailureExtendDigest before the original error is returned; the
// extension is best-effort and never masks that original error.
func (s *Sealer) Unseal(pubKeyDigest [32]byte, pcrSel PCRSelection, blob SealedBlob) ([]byte, error) {
	const op = "tpmseal.Sealer.Unseal"

	var teardown *multierror.Error

	t, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("close transport: %w", cerr))
		}
		if teardown != nil {
			s.Logger.Warn("tpm handle teardown reported errors", zap.Error(teardown.ErrorOrNil()))
		}
	}()

	tpmPub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](blob.Public)
	if err != nil {
		return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("unmarshal public: %w", err))
	}
	tpmPriv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](blob.Private)
	if err != nil {
		return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("unmarshal private: %w", err))
	}

	primary := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: pubKeyDigest[:]},
			},
		},
		InPublic: tpm2.New2B(tpm2.ECCSRKTemplate),
	}

	primaryResp, err := primary.Execute(t)
	if err != nil {
		return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("create primary: %w", err))
	}
	defer func() {
		if ferr := flushErr(t, primaryResp.ObjectHandle); ferr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("flush primary: %w", ferr))
		}
	}()

	load := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: primaryResp.ObjectHandle,
			Name:   primaryResp.Name,
			Auth:   tpm2.PasswordAuth(pubKeyDigest[:]),
		},
		InPrivate: *tpmPriv,
		InPublic:  *tpmPub,
	}

	loadResp, err := load.Execute(t)
	if err != nil {
		return s.extendAndReturn(t, cerrors.New(cerrors.TPMState, op, fmt.Errorf("load sealed object: %w", err)))
	}
	defer func() {
		if ferr := flushErr(t, loadResp.ObjectHandle); ferr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("flush sealed object: %w", ferr))
		}
	}()

	policySess, policyClose, err := tpm2.PolicySession(t, tpm2.TPMAlgSHA256, 20)
	if err != nil {
		return s.extendAndReturn(t, cerrors.New(cerrors.TPMState, op, fmt.Errorf("start policy session: %w", err)))
	}
	defer func() {
		if cerr := policyClose(); cerr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("close policy session: %w", cerr))
		}
	}()

	policyDigest, err := tpm2.PolicyPCRDigest(t, policySess.Handle(), tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{{Hash: tpm2.TPMAlgSHA256, PCRSelect: pcrSel.Selector()}},
	})
	if err != nil {
		return s.extendAndReturn(t, cerrors.New(cerrors.TPMState, op, fmt.Errorf("policy pcr digest: %w", err)))
	}

	if !bytes.Equal(policyDigest.Buffer, blob.PolicyDigest) {
		return s.extendAndReturn(t, cerrors.New(cerrors.TPMPolicy, op, fmt.Errorf("live pcr state does not satisfy sealing policy")))
	}

	unseal := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadResp.ObjectHandle,
			Name:   loadResp.Name,
			Auth:   policySess,
		},
	}

	unsealResp, err := unseal.Execute(t)
	if err != nil {
		return s.extendAndReturn(t, cerrors.New(cerrors.TPMPolicy, op, fmt.Errorf("unseal: %w", err)))
	}

	return unsealResp.OutData.Buffer, nil
}

// GetRandom implements tpm_get_random, used when provisioning mints a
// fresh key to seal.
func (s *Sealer) GetRandom(n int) ([]byte, error) {
	const op = "tpmseal.Sealer.GetRandom"

	t, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			s.Logger.Warn("tpm transport close failed", zap.Error(cerr))
		}
	}()

	var out []byte
	for len(out) < n {
		want := n - len(out)
		if want > 32 {
			want = 32
		}
		resp, err := (&tpm2.GetRandom{BytesRequested: uint16(want)}).Execute(t)
		if err != nil {
			return nil, cerrors.New(cerrors.TPMState, op, fmt.Errorf("get random: %w", err))
		}
		out = append(out, resp.RandomBytes.Buffer...)
	}

	return out[:n], nil
}

// extendAndReturn performs the best-effort PCR extend on an unseal
// failure path and always returns the original error, per the
// "best-effort, never masks" rule.
func (s *Sealer) extendAndReturn(t transport.TPM, cause error) ([]byte, error) {
	extend := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{Handle: tpm2.TPMHandle(FailurePCR)},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{{
				HashAlg: tpm2.TPMAlgSHA256,
				Digest:  FailureExtendDigest[:],
			}},
		},
	}
	if _, extErr := extend.Execute(t); extErr != nil {
		s.Logger.Warn("pcr extend on unseal failure also failed", zap.Error(extErr), zap.Int("pcr", FailurePCR))
	}

	return nil, cause
}

func flush(t transport.TPM, logger *zap.Logger, handle tpm2.TPMHandle, label string) {
	if err := flushErr(t, handle); err != nil {
		logger.Warn("failed to flush tpm handle", zap.String("handle", label), zap.Error(err))
	}
}

func flushErr(t transport.TPM, handle tpm2.TPMHandle) error {
	f := tpm2.FlushContext{FlushHandle: handle}
	_, err := f.Execute(t)
	return err
}
