/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package keys defines the capability interface over hardware-backed
// asymmetric keys. Callers refer to keys by an opaque identifier and never
// see raw private key material; the backing store may be the Android
// keystore, the iOS Secure Enclave, the wallet provider's HSM or an
// in-memory software fallback for testing.
package keys

import (
	"context"
	"crypto"
	"errors"
)

// AttestationFormat discriminates the evidence shape produced by Attest.
type AttestationFormat string

const (
	// FormatGoogle is an Android key-attestation certificate chain.
	FormatGoogle AttestationFormat = "google"
	// FormatApple is an Apple key plus app attestation object.
	FormatApple AttestationFormat = "apple"
	// FormatSoftware is the software fallback, only acceptable in tests.
	FormatSoftware AttestationFormat = "software"
)

var (
	// ErrKeyNotFound is returned when an operation references an absent key id.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyAlreadyExists is returned when generating or attesting a key id twice.
	ErrKeyAlreadyExists = errors.New("key already exists")
	// ErrAttestationFailed is returned when the hardware refuses to attest,
	// e.g. because no secure element is present.
	ErrAttestationFailed = errors.New("attestation failed")
)

// AttestationStatement is the hardware-signed proof that a key lives in
// secure hardware, bound to the caller-provided challenge.
type AttestationStatement struct {
	Format AttestationFormat
	// CertChain is the attestation certificate chain in DER, leaf first,
	// rooted at a vendor CA.
	CertChain [][]byte
	// Evidence carries format-specific raw evidence: the Apple attestation
	// object, or the challenge echoed back for the other formats.
	Evidence []byte
}

// Manager manages attested keys. Implementations must serialize signing per
// key id, since the underlying hardware treats each key as a single-owner
// resource, and must make Delete idempotent.
type Manager interface {
	// Generate creates a new key under the given id.
	Generate(id string) error

	// Attest creates a key under the given id and produces an attestation
	// statement binding the challenge. Hardware attestation can take
	// seconds, hence the context.
	Attest(ctx context.Context, id string, challenge []byte) (*AttestationStatement, error)

	// Sign signs the payload with the key's private key.
	Sign(ctx context.Context, id string, payload []byte) ([]byte, error)

	// PublicKey returns the key's public half.
	PublicKey(id string) (crypto.PublicKey, error)

	// Delete removes the key. Deleting an absent key succeeds.
	Delete(id string) error
}
