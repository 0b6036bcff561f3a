/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package appleattest verifies Apple key and app attestations. An
// attestation object proves that a key was created inside the Secure
// Enclave of a genuine device running the expected app; subsequent
// assertions prove possession of that key and carry a monotonically
// increasing counter that guards against key extraction.
package appleattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

// AttestationFormat is the format identifier inside an App Attest object.
const AttestationFormat = "apple-appattest"

// NonceExtensionOID identifies the leaf-certificate extension carrying the
// attestation nonce.
var NonceExtensionOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2} //nolint:gochecknoglobals

var (
	// ErrNonceMismatch is returned when the attestation nonce does not bind
	// the expected challenge.
	ErrNonceMismatch = errors.New("attestation nonce mismatch")
	// ErrCounterNotIncreased is returned when an assertion carries a counter
	// at or below the previously seen value.
	ErrCounterNotIncreased = errors.New("assertion counter did not increase")
	// ErrAppIdentifierMismatch is returned when the authenticator data was
	// produced for a different app.
	ErrAppIdentifierMismatch = errors.New("app identifier mismatch")
)

const (
	rpIDHashLength     = 32
	counterOffset      = rpIDHashLength + 1 // flags byte sits in between
	minAuthDataLength  = counterOffset + 4
	verificationFailed = "apple attestation: %w"
)

// Config holds the trusted Apple attestation roots and the identifier of
// the wallet app, formed as "<team id>.<bundle id>".
type Config struct {
	Roots         []*x509.Certificate
	AppIdentifier string
}

// AttestationObject is the CBOR structure produced by DCAppAttestService.
type AttestationObject struct {
	Format    string       `cbor:"fmt"`
	Statement AttStatement `cbor:"attStmt"`
	AuthData  []byte       `cbor:"authData"`
}

// AttStatement carries the attestation certificate chain and receipt.
type AttStatement struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

// Assertion is the CBOR structure produced for signed assertions.
type Assertion struct {
	Signature         []byte `cbor:"signature"`
	AuthenticatorData []byte `cbor:"authenticatorData"`
}

// NonceExtension is the ASN.1 payload of the nonce certificate extension.
type NonceExtension struct {
	Nonce []byte `asn1:"tag:1,explicit"`
}

// VerifyAttestation validates an attestation object against the expected
// challenge and returns the attested public key together with the initial
// assertion counter.
func VerifyAttestation(object, challenge []byte, cfg Config) (*ecdsa.PublicKey, uint32, error) {
	var attestation AttestationObject

	if err := cbor.Unmarshal(object, &attestation); err != nil {
		return nil, 0, fmt.Errorf("%w: decode attestation object: %s", keys.ErrAttestationFailed, err)
	}

	if attestation.Format != AttestationFormat {
		return nil, 0, fmt.Errorf("%w: unexpected attestation format %q", keys.ErrAttestationFailed, attestation.Format)
	}

	leaf, err := verifyCertChain(attestation.Statement.X5C, cfg.Roots)
	if err != nil {
		return nil, 0, err
	}

	attested, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, 0, fmt.Errorf("%w: attested key is %T, not ECDSA", keys.ErrAttestationFailed, leaf.PublicKey)
	}

	counter, err := verifyAuthData(attestation.AuthData, cfg.AppIdentifier)
	if err != nil {
		return nil, 0, err
	}

	if err := verifyNonce(leaf, attestation.AuthData, challenge); err != nil {
		return nil, 0, err
	}

	return attested, counter, nil
}

// VerifyAssertion validates an assertion over the given payload and returns
// the new counter value, which the caller must persist.
func VerifyAssertion(assertion, payload []byte, attested *ecdsa.PublicKey,
	previousCounter uint32, cfg Config) (uint32, error) {
	var parsed Assertion

	if err := cbor.Unmarshal(assertion, &parsed); err != nil {
		return 0, fmt.Errorf(verificationFailed, fmt.Errorf("decode assertion: %w", err))
	}

	counter, err := verifyAuthData(parsed.AuthenticatorData, cfg.AppIdentifier)
	if err != nil {
		return 0, err
	}

	if counter <= previousCounter {
		return 0, fmt.Errorf("%w: %d <= %d", ErrCounterNotIncreased, counter, previousCounter)
	}

	nonce := assertionNonce(parsed.AuthenticatorData, payload)

	if !ecdsa.VerifyASN1(attested, nonce, parsed.Signature) {
		return 0, fmt.Errorf(verificationFailed, errors.New("assertion signature invalid"))
	}

	return counter, nil
}

// SignatureNonce computes the digest an assertion signature covers, so the
// signing side (the mock attested key in tests) can produce valid
// assertions.
func SignatureNonce(authData, payload []byte) []byte {
	return assertionNonce(authData, payload)
}

func assertionNonce(authData, payload []byte) []byte {
	clientDataHash := sha256.Sum256(payload)
	nonce := sha256.Sum256(append(authData[:len(authData):len(authData)], clientDataHash[:]...))

	return nonce[:]
}

func verifyCertChain(x5c [][]byte, roots []*x509.Certificate) (*x509.Certificate, error) {
	if len(x5c) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", keys.ErrAttestationFailed)
	}

	certs := make([]*x509.Certificate, len(x5c))

	for i, der := range x5c {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parse certificate %d: %s", keys.ErrAttestationFailed, i, err)
		}

		certs[i] = cert
	}

	pool := x509.NewCertPool()

	for _, root := range roots {
		pool.AddCert(root)
	}

	intermediates := x509.NewCertPool()

	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %s", keys.ErrAttestationFailed, err)
	}

	return certs[0], nil
}

func verifyAuthData(authData []byte, appIdentifier string) (uint32, error) {
	if len(authData) < minAuthDataLength {
		return 0, fmt.Errorf("%w: authenticator data too short", keys.ErrAttestationFailed)
	}

	appIDHash := sha256.Sum256([]byte(appIdentifier))

	if !bytes.Equal(authData[:rpIDHashLength], appIDHash[:]) {
		return 0, ErrAppIdentifierMismatch
	}

	return binary.BigEndian.Uint32(authData[counterOffset : counterOffset+4]), nil
}

func verifyNonce(leaf *x509.Certificate, authData, challenge []byte) error {
	var extension []byte

	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(NonceExtensionOID) {
			extension = ext.Value
		}
	}

	if extension == nil {
		return fmt.Errorf("%w: leaf certificate has no nonce extension", keys.ErrAttestationFailed)
	}

	var parsed NonceExtension

	if _, err := asn1.Unmarshal(extension, &parsed); err != nil {
		return fmt.Errorf("%w: parse nonce extension: %s", keys.ErrAttestationFailed, err)
	}

	clientDataHash := sha256.Sum256(challenge)
	expected := sha256.Sum256(append(authData[:len(authData):len(authData)], clientDataHash[:]...))

	if !bytes.Equal(parsed.Nonce, expected[:]) {
		return ErrNonceMismatch
	}

	return nil
}
