// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crypto authenticates partition metadata against a PEM public
// key and derives the SHA-256 digest used to bind sealed TPM material
// to the key that signed it.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/5H3LL3H5/cominit/internal/cerrors"
)

// VerifySignature checks sig against msg using the public key stored at
// keyfilePath. The key's concrete type (RSA or ECDSA) selects the
// verification algorithm; both are evaluated over a SHA-256 digest of
// msg, matching the signer on the provisioning side.
func VerifySignature(msg, sig []byte, keyfilePath string) error {
	pub, err := loadPublicKey(keyfilePath)
	if err != nil {
		return cerrors.New(cerrors.CryptoKey, "crypto.VerifySignature", err)
	}

	digest := sha256.Sum256(msg)

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return cerrors.New(cerrors.MetaSig, "crypto.VerifySignature", err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return cerrors.New(cerrors.MetaSig, "crypto.VerifySignature", fmt.Errorf("ecdsa signature mismatch"))
		}
	default:
		return cerrors.New(cerrors.CryptoKey, "crypto.VerifySignature", fmt.Errorf("unsupported public key type %T", pub))
	}

	return nil
}

// SHA256OfKeyfile returns the canonical SHA-256 digest of the PEM file
// at path, used as the TPM primary-object authValue so sealed material
// is bound to the signer that produced it.
func SHA256OfKeyfile(path string) ([32]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, cerrors.New(cerrors.CryptoKey, "crypto.SHA256OfKeyfile", err)
	}
	return sha256.Sum256(raw), nil
}

func loadPublicKey(path string) (any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyfile: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in keyfile")
	}

	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return pub, nil
	}
}
