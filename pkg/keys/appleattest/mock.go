/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package appleattest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MockCA is a self-signed stand-in for the Apple App Attest root, used to
// produce verifiable attestation objects in tests.
type MockCA struct {
	Cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewMockCA creates a mock attestation CA.
func NewMockCA() (*MockCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Mock Apple App Attest CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &MockCA{Cert: cert, key: key}, nil
}

// MockKey imitates a Secure Enclave key with App Attest support.
type MockKey struct {
	SigningKey    *ecdsa.PrivateKey
	AppIdentifier string
	counter       uint32
}

// NewMockKey creates a mock attested key and the attestation object binding
// the given challenge, signed by the mock CA.
func NewMockKey(ca *MockCA, appIdentifier string, challenge []byte) (*MockKey, []byte, error) {
	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	key := &MockKey{SigningKey: signingKey, AppIdentifier: appIdentifier}

	authData := key.authData(0)

	clientDataHash := sha256.Sum256(challenge)
	nonce := sha256.Sum256(append(authData[:len(authData):len(authData)], clientDataHash[:]...))

	extension, err := asn1.Marshal(NonceExtension{Nonce: nonce[:]})
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         pkix.Name{CommonName: "Mock attested key"},
		NotBefore:       time.Now().Add(-time.Minute),
		NotAfter:        time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{{Id: NonceExtensionOID, Value: extension}},
	}

	leaf, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, signingKey.Public(), ca.key)
	if err != nil {
		return nil, nil, err
	}

	object, err := cbor.Marshal(AttestationObject{
		Format:    AttestationFormat,
		Statement: AttStatement{X5C: [][]byte{leaf}},
		AuthData:  authData,
	})
	if err != nil {
		return nil, nil, err
	}

	return key, object, nil
}

// SignAssertion produces an assertion over the payload, incrementing the
// key's counter the way the Secure Enclave does.
func (k *MockKey) SignAssertion(payload []byte) ([]byte, error) {
	k.counter++

	authData := k.authData(k.counter)
	nonce := SignatureNonce(authData, payload)

	signature, err := ecdsa.SignASN1(rand.Reader, k.SigningKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	return cbor.Marshal(Assertion{Signature: signature, AuthenticatorData: authData})
}

func (k *MockKey) authData(counter uint32) []byte {
	appIDHash := sha256.Sum256([]byte(k.AppIdentifier))

	authData := make([]byte, minAuthDataLength)
	copy(authData, appIDHash[:])
	binary.BigEndian.PutUint32(authData[counterOffset:], counter)

	return authData
}
