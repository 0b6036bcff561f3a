/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mdoc implements the ISO 18013-5 mobile document credential format:
// namespaced issuer-signed attributes whose digests are pinned in a mobile
// security object (MSO), signed by the issuer as a COSE_Sign1 with its
// certificate chain attached. Selective disclosure works by handing over
// only a subset of the issuer-signed items; the MSO lets the verifier check
// the digests of exactly the disclosed items.
package mdoc

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// DocType identifies a document type, e.g. "org.iso.18013.5.1.mDL".
type DocType string

// NameSpace groups attributes within a document.
type NameSpace string

// MSOVersion is the mobile security object version this package produces.
const MSOVersion = "1.0"

// DigestAlgorithmSHA256 is the only digest algorithm this package supports.
const DigestAlgorithmSHA256 = "SHA-256"

var (
	// ErrUntrustedIssuer is returned when the issuer certificate chain does
	// not terminate at a configured trust anchor.
	ErrUntrustedIssuer = errors.New("mdoc issuer is not trusted")
	// ErrExpiredCredential is returned when the validity window does not
	// contain the verification time.
	ErrExpiredCredential = errors.New("mdoc is not valid at this time")
	// ErrDigestMismatch is returned when a disclosed item does not match its
	// digest in the mobile security object.
	ErrDigestMismatch = errors.New("mdoc item digest mismatch")
	// ErrDeviceKeyMismatch is returned when a device signature does not
	// verify against the key bound in the mobile security object.
	ErrDeviceKeyMismatch = errors.New("device signature does not match bound key")
)

// IssuerSignedItem is one salted attribute. Items travel as raw CBOR so the
// digest can be recomputed over the exact issued bytes.
type IssuerSignedItem struct {
	DigestID          uint64      `cbor:"digestID"`
	Random            []byte      `cbor:"random"`
	ElementIdentifier string      `cbor:"elementIdentifier"`
	ElementValue      interface{} `cbor:"elementValue"`
}

// IssuerSigned is the issuer-signed half of an mdoc: the disclosed items per
// namespace plus the issuer's COSE_Sign1 over the mobile security object.
type IssuerSigned struct {
	NameSpaces map[NameSpace][]cbor.RawMessage `cbor:"nameSpaces"`
	IssuerAuth cose.UntaggedSign1Message       `cbor:"issuerAuth"`
}

// ValidityInfo is the credential's validity window.
type ValidityInfo struct {
	Signed     time.Time `cbor:"signed"`
	ValidFrom  time.Time `cbor:"validFrom"`
	ValidUntil time.Time `cbor:"validUntil"`
}

// Contains reports whether the window contains the given time.
func (v *ValidityInfo) Contains(now time.Time) bool {
	return !now.Before(v.ValidFrom) && !now.After(v.ValidUntil)
}

// DeviceKeyInfo binds the credential to a device key. The key is stored as
// DER SubjectPublicKeyInfo.
type DeviceKeyInfo struct {
	DeviceKey []byte `cbor:"deviceKey"`
}

// MobileSecurityObject pins the digests of all issued items and carries the
// device key binding.
type MobileSecurityObject struct {
	Version         string                        `cbor:"version"`
	DigestAlgorithm string                        `cbor:"digestAlgorithm"`
	ValueDigests    map[NameSpace]map[uint64][]byte `cbor:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo                 `cbor:"deviceKeyInfo"`
	DocType         DocType                       `cbor:"docType"`
	ValidityInfo    ValidityInfo                  `cbor:"validityInfo"`
}

// DeviceKey parses the bound device public key.
func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(m.DeviceKeyInfo.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}

	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("device key is %T, not ECDSA", pub)
	}

	return ecKey, nil
}

// decodeItem parses a raw issuer-signed item.
func decodeItem(raw cbor.RawMessage) (*IssuerSignedItem, error) {
	var item IssuerSignedItem

	if err := cbor.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode issuer signed item: %w", err)
	}

	return &item, nil
}

func itemDigest(raw cbor.RawMessage) []byte {
	digest := sha256.Sum256(raw)

	return digest[:]
}

// Marshal serializes the issuer-signed structure for storage or transport.
func (is *IssuerSigned) Marshal() ([]byte, error) {
	return cbor.Marshal(is)
}

// Unmarshal parses an issuer-signed structure.
func Unmarshal(data []byte) (*IssuerSigned, error) {
	var is IssuerSigned

	if err := cbor.Unmarshal(data, &is); err != nil {
		return nil, fmt.Errorf("decode issuer signed: %w", err)
	}

	return &is, nil
}
