/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package appleattest

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IAmCoder/nl-wallet/pkg/keys"
)

const testAppIdentifier = "1234567890.com.example.wallet"

func setup(t *testing.T, challenge []byte) (*MockKey, []byte, Config) {
	t.Helper()

	ca, err := NewMockCA()
	require.NoError(t, err)

	key, object, err := NewMockKey(ca, testAppIdentifier, challenge)
	require.NoError(t, err)

	return key, object, Config{Roots: []*x509.Certificate{ca.Cert}, AppIdentifier: testAppIdentifier}
}

func TestVerifyAttestation(t *testing.T) {
	challenge := []byte("registration challenge")
	key, object, cfg := setup(t, challenge)

	attested, counter, err := VerifyAttestation(object, challenge, cfg)
	require.NoError(t, err)
	require.Zero(t, counter)
	require.True(t, key.SigningKey.PublicKey.Equal(attested))
}

func TestVerifyAttestationNonceMismatch(t *testing.T) {
	_, object, cfg := setup(t, []byte("registration challenge"))

	_, _, err := VerifyAttestation(object, []byte("another challenge"), cfg)
	require.ErrorIs(t, err, ErrNonceMismatch)
}

func TestVerifyAttestationUntrustedCA(t *testing.T) {
	challenge := []byte("registration challenge")
	_, object, cfg := setup(t, challenge)

	otherCA, err := NewMockCA()
	require.NoError(t, err)

	cfg.Roots = []*x509.Certificate{otherCA.Cert}

	_, _, err = VerifyAttestation(object, challenge, cfg)
	require.ErrorIs(t, err, keys.ErrAttestationFailed)
}

func TestVerifyAttestationWrongApp(t *testing.T) {
	challenge := []byte("registration challenge")
	_, object, cfg := setup(t, challenge)

	cfg.AppIdentifier = "1234567890.com.example.other"

	_, _, err := VerifyAttestation(object, challenge, cfg)
	require.ErrorIs(t, err, ErrAppIdentifierMismatch)
}

func TestVerifyAssertion(t *testing.T) {
	challenge := []byte("registration challenge")
	key, object, cfg := setup(t, challenge)

	attested, counter, err := VerifyAttestation(object, challenge, cfg)
	require.NoError(t, err)

	payload := []byte("signed instruction payload")

	assertion, err := key.SignAssertion(payload)
	require.NoError(t, err)

	counter, err = VerifyAssertion(assertion, payload, attested, counter, cfg)
	require.NoError(t, err)
	require.Equal(t, uint32(1), counter)

	// Replaying the same assertion fails the counter check.
	_, err = VerifyAssertion(assertion, payload, attested, counter, cfg)
	require.ErrorIs(t, err, ErrCounterNotIncreased)
}

func TestVerifyAssertionWrongPayload(t *testing.T) {
	challenge := []byte("registration challenge")
	key, object, cfg := setup(t, challenge)

	attested, counter, err := VerifyAttestation(object, challenge, cfg)
	require.NoError(t, err)

	assertion, err := key.SignAssertion([]byte("payload A"))
	require.NoError(t, err)

	_, err = VerifyAssertion(assertion, []byte("payload B"), attested, counter, cfg)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrCounterNotIncreased)
}
