/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package googleattest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

type keyDescription struct {
	AttestationVersion       int
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
}

type testChain struct {
	chain    [][]byte
	attested *ecdsa.PublicKey
	rootKey  *ecdsa.PublicKey
}

func newTestChain(t *testing.T, challenge []byte) *testChain {
	t.Helper()

	rootKey := newKey(t)
	intermediateKey := newKey(t)
	leafKey := newKey(t)

	rootTemplate := certTemplate(t, "attestation root", true)
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	require.NoError(t, err)

	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	intermediateTemplate := certTemplate(t, "attestation intermediate", true)
	intermediateDER, err := x509.CreateCertificate(
		rand.Reader, intermediateTemplate, rootCert, intermediateKey.Public(), rootKey)
	require.NoError(t, err)

	intermediateCert, err := x509.ParseCertificate(intermediateDER)
	require.NoError(t, err)

	description, err := asn1.Marshal(keyDescription{
		AttestationVersion:       4,
		AttestationSecurityLevel: 1, // TrustedEnvironment
		KeymasterVersion:         4,
		KeymasterSecurityLevel:   1,
		AttestationChallenge:     challenge,
	})
	require.NoError(t, err)

	leafTemplate := certTemplate(t, "attested key", false)
	leafTemplate.ExtraExtensions = []pkix.Extension{{Id: KeyDescriptionOID, Value: description}}

	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, intermediateCert, leafKey.Public(), intermediateKey)
	require.NoError(t, err)

	return &testChain{
		chain:    [][]byte{leafDER, intermediateDER, rootDER},
		attested: leafKey.Public().(*ecdsa.PublicKey),
		rootKey:  rootKey.Public().(*ecdsa.PublicKey),
	}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return key
}

func certTemplate(t *testing.T, cn string, isCA bool) *x509.Certificate {
	t.Helper()

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
}

func TestVerify(t *testing.T) {
	challenge := []byte("server challenge")
	tc := newTestChain(t, challenge)

	attested, err := Verify(tc.chain, challenge, Config{RootPublicKeys: []*ecdsa.PublicKey{tc.rootKey}})
	require.NoError(t, err)
	require.True(t, tc.attested.Equal(attested))
}

func TestVerifyChallengeMismatch(t *testing.T) {
	tc := newTestChain(t, []byte("server challenge"))

	_, err := Verify(tc.chain, []byte("other challenge"), Config{RootPublicKeys: []*ecdsa.PublicKey{tc.rootKey}})
	require.ErrorIs(t, err, ErrChallengeMismatch)
}

func TestVerifyUntrustedRoot(t *testing.T) {
	challenge := []byte("server challenge")
	tc := newTestChain(t, challenge)
	other := newKey(t)

	_, err := Verify(tc.chain, challenge, Config{RootPublicKeys: []*ecdsa.PublicKey{other.Public().(*ecdsa.PublicKey)}})
	require.ErrorIs(t, err, ErrUntrustedRoot)
}

func TestVerifyBrokenChain(t *testing.T) {
	challenge := []byte("server challenge")
	first := newTestChain(t, challenge)
	second := newTestChain(t, challenge)

	// Leaf from one chain under the other chain's intermediate.
	mixed := [][]byte{first.chain[0], second.chain[1], second.chain[2]}

	_, err := Verify(mixed, challenge, Config{RootPublicKeys: []*ecdsa.PublicKey{second.rootKey}})
	require.ErrorIs(t, err, keys.ErrAttestationFailed)
}

func TestVerifyEmptyChain(t *testing.T) {
	_, err := Verify(nil, []byte("challenge"), Config{})
	require.ErrorIs(t, err, keys.ErrAttestationFailed)
}

func TestVerifyMissingExtension(t *testing.T) {
	challenge := []byte("server challenge")

	rootKey := newKey(t)
	rootTemplate := certTemplate(t, "attestation root", true)
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	require.NoError(t, err)

	_, err = Verify([][]byte{rootDER}, challenge,
		Config{RootPublicKeys: []*ecdsa.PublicKey{rootKey.Public().(*ecdsa.PublicKey)}})
	require.ErrorIs(t, err, keys.ErrAttestationFailed)
	require.ErrorContains(t, err, "KeyDescription")
}
