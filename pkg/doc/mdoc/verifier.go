/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mdoc

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// Verify checks the issuer signature, trust chain, validity window and the
// digests of every disclosed item, and returns the verified mobile security
// object. It is called both on received credentials at issuance time and on
// stored credentials before they contribute to a disclosure.
func (is *IssuerSigned) Verify(anchors []*x509.Certificate, now time.Time) (*MobileSecurityObject, error) {
	leaf, err := is.verifyChain(anchors)
	if err != nil {
		return nil, err
	}

	issuerKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: issuer key is %T, not ECDSA", ErrUntrustedIssuer, leaf.PublicKey)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("create issuer verifier: %w", err)
	}

	message := cose.Sign1Message(is.IssuerAuth)

	if err := message.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: issuer signature: %s", ErrUntrustedIssuer, err)
	}

	var mso MobileSecurityObject

	if err := cbor.Unmarshal(message.Payload, &mso); err != nil {
		return nil, fmt.Errorf("decode mobile security object: %w", err)
	}

	if mso.DigestAlgorithm != DigestAlgorithmSHA256 {
		return nil, fmt.Errorf("unsupported digest algorithm %q", mso.DigestAlgorithm)
	}

	if !mso.ValidityInfo.Contains(now) {
		return nil, fmt.Errorf("%w: valid %s to %s", ErrExpiredCredential,
			mso.ValidityInfo.ValidFrom, mso.ValidityInfo.ValidUntil)
	}

	if err := is.verifyDigests(&mso); err != nil {
		return nil, err
	}

	return &mso, nil
}

// verifyDigests recomputes the digest of each disclosed item and compares it
// against the MSO. This is the tamper evidence: a modified attribute value
// cannot match the digest the issuer signed.
func (is *IssuerSigned) verifyDigests(mso *MobileSecurityObject) error {
	for nameSpace, items := range is.NameSpaces {
		digests := mso.ValueDigests[nameSpace]

		for _, raw := range items {
			item, err := decodeItem(raw)
			if err != nil {
				return err
			}

			expected, ok := digests[item.DigestID]
			if !ok {
				return fmt.Errorf("%w: %s/%s has no digest in the security object",
					ErrDigestMismatch, nameSpace, item.ElementIdentifier)
			}

			if !hashEqual(expected, itemDigest(raw)) {
				return fmt.Errorf("%w: %s/%s", ErrDigestMismatch, nameSpace, item.ElementIdentifier)
			}
		}
	}

	return nil
}

func (is *IssuerSigned) verifyChain(anchors []*x509.Certificate) (*x509.Certificate, error) {
	chain, err := is.certificateChain()
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()

	for _, anchor := range anchors {
		roots.AddCert(anchor)
	}

	intermediates := x509.NewCertPool()

	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, err)
	}

	return chain[0], nil
}

// certificateChain extracts the issuer chain from the x5chain header.
func (is *IssuerSigned) certificateChain() ([]*x509.Certificate, error) {
	value, ok := is.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		value = is.IssuerAuth.Headers.Protected[cose.HeaderLabelX5Chain]
	}

	if value == nil {
		return nil, fmt.Errorf("%w: issuer auth has no x5chain header", ErrUntrustedIssuer)
	}

	var ders [][]byte

	switch chain := value.(type) {
	case []byte:
		ders = [][]byte{chain}
	case [][]byte:
		ders = chain
	case []interface{}:
		for _, entry := range chain {
			der, ok := entry.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: x5chain entry is %T, not bytes", ErrUntrustedIssuer, entry)
			}

			ders = append(ders, der)
		}
	default:
		return nil, fmt.Errorf("%w: x5chain header is %T", ErrUntrustedIssuer, value)
	}

	if len(ders) == 0 {
		return nil, fmt.Errorf("%w: x5chain header is empty", ErrUntrustedIssuer)
	}

	certs := make([]*x509.Certificate, len(ders))

	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parse issuer certificate %d: %s", ErrUntrustedIssuer, i, err)
		}

		certs[i] = cert
	}

	return certs, nil
}

// SessionTranscript builds the byte string a device signature covers for a
// disclosure: the document type, the verifier identity and the session
// nonce, CBOR-encoded as a fixed array.
func SessionTranscript(docType DocType, verifier string, nonce []byte) ([]byte, error) {
	transcript, err := cbor.Marshal([]interface{}{string(docType), verifier, nonce})
	if err != nil {
		return nil, fmt.Errorf("encode session transcript: %w", err)
	}

	return transcript, nil
}

// VerifyDeviceSignature checks a device signature over the transcript
// against the device key bound in the mobile security object, proving the
// presenter possesses the key the credential was issued to.
func VerifyDeviceSignature(mso *MobileSecurityObject, transcript, signature []byte) error {
	deviceKey, err := mso.DeviceKey()
	if err != nil {
		return err
	}

	digest := sha256.Sum256(transcript)

	if !ecdsa.VerifyASN1(deviceKey, digest[:], signature) {
		return ErrDeviceKeyMismatch
	}

	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	var diff byte

	for i := range a {
		diff |= a[i] ^ b[i]
	}

	return diff == 0
}
