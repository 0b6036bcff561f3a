/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

const randomSize = 16

// UnsignedDocument is the issuer-side input to signing: the attributes to
// certify, the validity window and the device key the credential is bound
// to.
type UnsignedDocument struct {
	DocType    DocType
	Attributes map[NameSpace]map[string]interface{}
	ValidFrom  time.Time
	ValidUntil time.Time
	// DeviceKey is the holder's device public key, DER SubjectPublicKeyInfo.
	DeviceKey []byte
}

// Signer issues mdocs: it salts and digests the attributes, builds the
// mobile security object and signs it with the issuer key, attaching the
// issuer certificate chain.
type Signer struct {
	key   *ecdsa.PrivateKey
	chain [][]byte // DER, leaf first
}

// NewSigner creates an mdoc signer from the issuer key and its certificate
// chain in DER form, leaf first.
func NewSigner(key *ecdsa.PrivateKey, chain [][]byte) *Signer {
	return &Signer{key: key, chain: chain}
}

// Sign produces the issuer-signed credential for the document.
func (s *Signer) Sign(doc *UnsignedDocument) (*IssuerSigned, error) {
	nameSpaces := make(map[NameSpace][]cbor.RawMessage, len(doc.Attributes))
	valueDigests := make(map[NameSpace]map[uint64][]byte, len(doc.Attributes))

	var digestID uint64

	for nameSpace, attributes := range doc.Attributes {
		digests := make(map[uint64][]byte, len(attributes))

		for identifier, value := range attributes {
			random := make([]byte, randomSize)

			if _, err := rand.Read(random); err != nil {
				return nil, fmt.Errorf("generate item salt: %w", err)
			}

			raw, err := cbor.Marshal(&IssuerSignedItem{
				DigestID:          digestID,
				Random:            random,
				ElementIdentifier: identifier,
				ElementValue:      value,
			})
			if err != nil {
				return nil, fmt.Errorf("encode item %s/%s: %w", nameSpace, identifier, err)
			}

			nameSpaces[nameSpace] = append(nameSpaces[nameSpace], raw)
			digests[digestID] = itemDigest(raw)
			digestID++
		}

		valueDigests[nameSpace] = digests
	}

	mso := &MobileSecurityObject{
		Version:         MSOVersion,
		DigestAlgorithm: DigestAlgorithmSHA256,
		ValueDigests:    valueDigests,
		DeviceKeyInfo:   DeviceKeyInfo{DeviceKey: doc.DeviceKey},
		DocType:         doc.DocType,
		ValidityInfo: ValidityInfo{
			Signed:     time.Now().UTC(),
			ValidFrom:  doc.ValidFrom,
			ValidUntil: doc.ValidUntil,
		},
	}

	payload, err := cbor.Marshal(mso)
	if err != nil {
		return nil, fmt.Errorf("encode mobile security object: %w", err)
	}

	issuerAuth, err := s.signMSO(payload)
	if err != nil {
		return nil, err
	}

	return &IssuerSigned{NameSpaces: nameSpaces, IssuerAuth: *issuerAuth}, nil
}

func (s *Signer) signMSO(payload []byte) (*cose.UntaggedSign1Message, error) {
	signer, err := cose.NewSigner(cose.AlgorithmES256, s.key)
	if err != nil {
		return nil, fmt.Errorf("create issuer signer: %w", err)
	}

	chain := make([]interface{}, len(s.chain))

	for i, der := range s.chain {
		chain[i] = der
	}

	message := cose.NewSign1Message()
	message.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	message.Headers.Unprotected[cose.HeaderLabelX5Chain] = chain
	message.Payload = payload

	if err := message.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("sign mobile security object: %w", err)
	}

	untagged := cose.UntaggedSign1Message(*message)

	return &untagged, nil
}

// SelfSignedIssuer generates an issuer key with a self-signed certificate,
// for tests and development issuers. The certificate doubles as the trust
// anchor.
func SelfSignedIssuer(commonName string) (*Signer, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	return NewSigner(key, [][]byte{der}), cert, nil
}
