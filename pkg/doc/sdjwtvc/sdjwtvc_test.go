/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sdjwtvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testVCT = "com.example.identity"

func testClaims() map[string]interface{} {
	return map[string]interface{}{
		"given_name":  "Willeke",
		"family_name": "De Bruijn",
		"birth_date":  "1997-05-10",
	}
}

func newTestIssuer(t *testing.T, commonName string) (*Issuer, *x509.Certificate) {
	t.Helper()

	issuer, anchor, err := SelfSignedIssuer(commonName)
	require.NoError(t, err)

	return issuer, anchor
}

func issueTestCredential(t *testing.T) (*Credential, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	issuer, anchor := newTestIssuer(t, "Test Issuer")

	holderKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serialized, err := issuer.Issue(&UnsignedCredential{
		Issuer:     "https://issuer.example.com",
		VCT:        testVCT,
		Claims:     testClaims(),
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: time.Now().Add(24 * time.Hour),
		HolderKey:  &holderKey.PublicKey,
	})
	require.NoError(t, err)

	credential, err := Parse(serialized)
	require.NoError(t, err)

	return credential, anchor, holderKey
}

func TestIssueAndVerifyCredential(t *testing.T) {
	credential, anchor, _ := issueTestCredential(t)

	verified, err := VerifyCredential(credential.Serialize(), []*x509.Certificate{anchor}, time.Now())
	require.NoError(t, err)
	require.Equal(t, "https://issuer.example.com", verified.Issuer)
	require.Equal(t, testVCT, verified.VCT)
	require.Equal(t, "Willeke", verified.Claims["given_name"])
	require.Len(t, verified.Claims, 3)
	require.NotNil(t, verified.HolderKey)
}

func TestVerifyCredentialUntrustedIssuer(t *testing.T) {
	credential, _, _ := issueTestCredential(t)

	_, otherAnchor := newTestIssuer(t, "Other Issuer")

	_, err := VerifyCredential(credential.Serialize(), []*x509.Certificate{otherAnchor}, time.Now())
	require.ErrorIs(t, err, ErrUntrustedIssuer)
}

func TestVerifyCredentialExpired(t *testing.T) {
	credential, anchor, _ := issueTestCredential(t)

	_, err := VerifyCredential(credential.Serialize(), []*x509.Certificate{anchor}, time.Now().Add(48*time.Hour))
	require.ErrorIs(t, err, ErrExpiredCredential)
}

func TestPresentSubset(t *testing.T) {
	credential, anchor, holderKey := issueTestCredential(t)

	binding := &KeyBindingInput{Nonce: "nonce-1234", Audience: "https://verifier.example.com"}

	presentation, err := credential.Present([]string{"given_name"}, binding, &ECDSASigner{Key: holderKey})
	require.NoError(t, err)

	verified, err := VerifyPresentation(presentation, []*x509.Certificate{anchor}, binding, time.Now())
	require.NoError(t, err)
	require.Len(t, verified.Claims, 1)
	require.Equal(t, "Willeke", verified.Claims["given_name"])
}

func TestPresentMissingClaim(t *testing.T) {
	credential, _, holderKey := issueTestCredential(t)

	binding := &KeyBindingInput{Nonce: "n", Audience: "a"}

	_, err := credential.Present([]string{"given_name", "nationality", "age_over_18"}, binding,
		&ECDSASigner{Key: holderKey})

	var missingErr *MissingClaimsError

	require.ErrorAs(t, err, &missingErr)
	require.Equal(t, []string{"age_over_18", "nationality"}, missingErr.Missing)
}

func TestVerifyPresentationWrongNonce(t *testing.T) {
	credential, anchor, holderKey := issueTestCredential(t)

	presentation, err := credential.Present([]string{"given_name"},
		&KeyBindingInput{Nonce: "nonce-1234", Audience: "aud"}, &ECDSASigner{Key: holderKey})
	require.NoError(t, err)

	_, err = VerifyPresentation(presentation, []*x509.Certificate{anchor},
		&KeyBindingInput{Nonce: "other-nonce", Audience: "aud"}, time.Now())
	require.ErrorIs(t, err, ErrInvalidKeyBinding)
}

func TestVerifyPresentationWrongHolderKey(t *testing.T) {
	credential, anchor, _ := issueTestCredential(t)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	binding := &KeyBindingInput{Nonce: "nonce-1234", Audience: "aud"}

	presentation, err := credential.Present([]string{"given_name"}, binding, &ECDSASigner{Key: otherKey})
	require.NoError(t, err)

	_, err = VerifyPresentation(presentation, []*x509.Certificate{anchor}, binding, time.Now())
	require.ErrorIs(t, err, ErrInvalidKeyBinding)
}

func TestVerifyPresentationMissingKeyBinding(t *testing.T) {
	credential, anchor, _ := issueTestCredential(t)

	// the issuance form has no key binding segment
	_, err := VerifyPresentation(credential.Serialize()+CombinedFormatSeparator,
		[]*x509.Certificate{anchor}, &KeyBindingInput{Nonce: "n", Audience: "a"}, time.Now())
	require.ErrorIs(t, err, ErrInvalidKeyBinding)
}

func TestVerifyRejectsForeignDisclosure(t *testing.T) {
	credential, anchor, holderKey := issueTestCredential(t)

	binding := &KeyBindingInput{Nonce: "nonce-1234", Audience: "aud"}

	presentation, err := credential.Present([]string{"given_name"}, binding, &ECDSASigner{Key: holderKey})
	require.NoError(t, err)

	// splice in a disclosure the issuer never signed
	forged, err := createDisclosure("given_name", "Someone Else")
	require.NoError(t, err)

	cf := ParseCombinedFormatForPresentation(presentation)
	cf.Disclosures = []string{forged}

	_, err = VerifyPresentation(cf.Serialize(), []*x509.Certificate{anchor}, binding, time.Now())
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestCombinedFormatRoundTrip(t *testing.T) {
	cf := &CombinedFormatForPresentation{
		SDJWT:       "a.b.c",
		Disclosures: []string{"d1", "d2"},
		KeyBinding:  "k.b.jwt",
	}

	parsed := ParseCombinedFormatForPresentation(cf.Serialize())
	require.Equal(t, cf, parsed)

	issuance := &CombinedFormatForIssuance{SDJWT: "a.b.c", Disclosures: []string{"d1"}}
	require.Equal(t, issuance, ParseCombinedFormatForIssuance(issuance.Serialize()))
}

func TestSignatureDERToJOSE(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("payload"))

	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	raw, err := SignatureDERToJOSE(der)
	require.NoError(t, err)
	require.Len(t, raw, 64)

	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])
	require.True(t, ecdsa.Verify(&key.PublicKey, digest[:], r, s))

	_, err = SignatureDERToJOSE([]byte("not a signature"))
	require.Error(t, err)
}
