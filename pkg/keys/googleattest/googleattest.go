/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package googleattest verifies Android key-attestation certificate chains.
// The attested key's certificate carries a KeyDescription extension whose
// attestationChallenge must match the challenge the server handed out, and
// the chain must terminate at one of the configured Google root keys.
package googleattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

// KeyDescriptionOID identifies the Android key attestation extension.
var KeyDescriptionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17} //nolint:gochecknoglobals

var (
	// ErrUntrustedRoot is returned when the chain does not terminate at a
	// configured root key.
	ErrUntrustedRoot = errors.New("attestation chain does not terminate at a trusted root")
	// ErrChallengeMismatch is returned when the attested challenge differs
	// from the expected one.
	ErrChallengeMismatch = errors.New("attestation challenge mismatch")
)

// Config holds the trusted Google attestation root public keys, as
// distributed by Google for hardware attestation verification.
type Config struct {
	RootPublicKeys []*ecdsa.PublicKey
}

// Verify validates a leaf-first attestation certificate chain and returns
// the attested public key. The challenge must match the attestationChallenge
// in the leaf certificate's KeyDescription extension.
func Verify(chain [][]byte, challenge []byte, cfg Config) (*ecdsa.PublicKey, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", keys.ErrAttestationFailed)
	}

	certs := make([]*x509.Certificate, len(chain))

	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parse certificate %d: %s", keys.ErrAttestationFailed, i, err)
		}

		certs[i] = cert
	}

	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return nil, fmt.Errorf("%w: certificate %d not signed by its parent: %s",
				keys.ErrAttestationFailed, i, err)
		}
	}

	if err := checkRoot(certs[len(certs)-1], cfg.RootPublicKeys); err != nil {
		return nil, err
	}

	attested, err := verifyLeaf(certs[0], challenge)
	if err != nil {
		return nil, err
	}

	return attested, nil
}

func checkRoot(root *x509.Certificate, trusted []*ecdsa.PublicKey) error {
	rootKey, ok := root.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: root key is %T, not ECDSA", ErrUntrustedRoot, root.PublicKey)
	}

	for _, key := range trusted {
		if key.Equal(rootKey) {
			return nil
		}
	}

	return ErrUntrustedRoot
}

func verifyLeaf(leaf *x509.Certificate, challenge []byte) (*ecdsa.PublicKey, error) {
	attested, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: attested key is %T, not ECDSA", keys.ErrAttestationFailed, leaf.PublicKey)
	}

	var extension []byte

	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(KeyDescriptionOID) {
			extension = ext.Value
		}
	}

	if extension == nil {
		return nil, fmt.Errorf("%w: leaf certificate has no KeyDescription extension", keys.ErrAttestationFailed)
	}

	attestedChallenge, err := parseAttestationChallenge(extension)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", keys.ErrAttestationFailed, err)
	}

	if !bytes.Equal(attestedChallenge, challenge) {
		return nil, ErrChallengeMismatch
	}

	return attested, nil
}

// parseAttestationChallenge extracts the attestationChallenge field from a
// KeyDescription sequence:
//
//	KeyDescription ::= SEQUENCE {
//	    attestationVersion        INTEGER,
//	    attestationSecurityLevel  ENUMERATED,
//	    keymasterVersion          INTEGER,
//	    keymasterSecurityLevel    ENUMERATED,
//	    attestationChallenge      OCTET STRING,
//	    ... }
func parseAttestationChallenge(extension []byte) ([]byte, error) {
	input := cryptobyte.String(extension)

	var keyDescription cryptobyte.String

	if !input.ReadASN1(&keyDescription, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("KeyDescription is not a sequence")
	}

	var (
		version   int
		level     int
		challenge cryptobyte.String
	)

	if !keyDescription.ReadASN1Integer(&version) ||
		!keyDescription.ReadASN1Enum(&level) ||
		!keyDescription.ReadASN1Integer(&version) ||
		!keyDescription.ReadASN1Enum(&level) ||
		!keyDescription.ReadASN1(&challenge, cryptobyte_asn1.OCTET_STRING) {
		return nil, errors.New("malformed KeyDescription")
	}

	return []byte(challenge), nil
}
