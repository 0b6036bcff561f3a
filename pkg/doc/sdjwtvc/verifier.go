/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sdjwtvc

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// VerifiedCredential is the outcome of successful verification: the issuer
// identity, the credential type, the disclosed claims and the bound holder
// key.
type VerifiedCredential struct {
	Issuer     string
	VCT        string
	Claims     map[string]interface{}
	HolderKey  *ecdsa.PublicKey
	ValidFrom  time.Time
	ValidUntil time.Time
}

type sdPayload struct {
	Issuer    string `json:"iss"`
	VCT       string `json:"vct"`
	NotBefore int64  `json:"nbf"`
	Expiry    int64  `json:"exp"`
	CNF       struct {
		JWK json.RawMessage `json:"jwk"`
	} `json:"cnf"`
	SD    []string `json:"_sd"`
	SDAlg string   `json:"_sd_alg"`
}

type keyBindingPayload struct {
	IssuedAt int64  `json:"iat"`
	Audience string `json:"aud"`
	Nonce    string `json:"nonce"`
	SDHash   string `json:"sd_hash"`
}

// VerifyCredential verifies the combined format for issuance: the issuer
// chain against the trust anchors, the signature, the validity window and
// the digest of every disclosure. The wallet runs this on each credential
// it receives before storing it.
func VerifyCredential(serialized string, anchors []*x509.Certificate, now time.Time) (*VerifiedCredential, error) {
	cf := ParseCombinedFormatForIssuance(serialized)

	return verifySDJWT(cf.SDJWT, cf.Disclosures, anchors, now)
}

// VerifyPresentation verifies the combined format for presentation: the
// issuer JWT as in VerifyCredential, plus the key binding JWT against the
// holder key the issuer bound, the expected nonce and audience, and the
// presentation hash.
func VerifyPresentation(serialized string, anchors []*x509.Certificate,
	binding *KeyBindingInput, now time.Time) (*VerifiedCredential, error) {
	cf := ParseCombinedFormatForPresentation(serialized)

	verified, err := verifySDJWT(cf.SDJWT, cf.Disclosures, anchors, now)
	if err != nil {
		return nil, err
	}

	if cf.KeyBinding == "" {
		return nil, fmt.Errorf("%w: key binding JWT is missing", ErrInvalidKeyBinding)
	}

	if err := verifyKeyBinding(cf, verified.HolderKey, binding); err != nil {
		return nil, err
	}

	return verified, nil
}

func verifySDJWT(sdJWT string, disclosures []string,
	anchors []*x509.Certificate, now time.Time) (*VerifiedCredential, error) {
	jws, err := jose.ParseSigned(sdJWT)
	if err != nil {
		return nil, fmt.Errorf("parse sd-jwt: %w", err)
	}

	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("sd-jwt must have exactly one signature, got %d", len(jws.Signatures))
	}

	roots := x509.NewCertPool()

	for _, anchor := range anchors {
		roots.AddCert(anchor)
	}

	chains, err := jws.Signatures[0].Header.Certificates(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, err)
	}

	issuerKey, ok := chains[0][0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: issuer key is %T, not ECDSA", ErrUntrustedIssuer, chains[0][0].PublicKey)
	}

	payloadBytes, err := jws.Verify(issuerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %s", ErrUntrustedIssuer, err)
	}

	var payload sdPayload

	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("decode sd-jwt payload: %w", err)
	}

	if payload.SDAlg != sdAlgSHA256 {
		return nil, fmt.Errorf("unsupported %s %q", SDAlgorithmKey, payload.SDAlg)
	}

	if now.Unix() < payload.NotBefore || now.Unix() > payload.Expiry {
		return nil, fmt.Errorf("%w: valid %d to %d", ErrExpiredCredential, payload.NotBefore, payload.Expiry)
	}

	claims, err := resolveDisclosures(disclosures, payload.SD)
	if err != nil {
		return nil, err
	}

	holderKey, err := parseHolderKey(payload.CNF.JWK)
	if err != nil {
		return nil, err
	}

	return &VerifiedCredential{
		Issuer:     payload.Issuer,
		VCT:        payload.VCT,
		Claims:     claims,
		HolderKey:  holderKey,
		ValidFrom:  time.Unix(payload.NotBefore, 0),
		ValidUntil: time.Unix(payload.Expiry, 0),
	}, nil
}

// resolveDisclosures checks each disclosure digest against the signed _sd
// array and returns the revealed claims.
func resolveDisclosures(disclosures, digests []string) (map[string]interface{}, error) {
	known := make(map[string]struct{}, len(digests))
	for _, digest := range digests {
		known[digest] = struct{}{}
	}

	decoded, err := GetDisclosureClaims(disclosures)
	if err != nil {
		return nil, err
	}

	claims := make(map[string]interface{}, len(decoded))

	for _, claim := range decoded {
		if _, ok := known[DisclosureDigest(claim.Disclosure)]; !ok {
			return nil, fmt.Errorf("%w: claim %q", ErrDigestMismatch, claim.Name)
		}

		claims[claim.Name] = claim.Value
	}

	return claims, nil
}

func parseHolderKey(raw json.RawMessage) (*ecdsa.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("sd-jwt has no cnf holder key")
	}

	var jwk jose.JSONWebKey

	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("parse cnf holder key: %w", err)
	}

	key, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cnf holder key is %T, not ECDSA", jwk.Key)
	}

	return key, nil
}

func verifyKeyBinding(cf *CombinedFormatForPresentation, holderKey *ecdsa.PublicKey, expected *KeyBindingInput) error {
	jws, err := jose.ParseSigned(cf.KeyBinding)
	if err != nil {
		return fmt.Errorf("%w: parse: %s", ErrInvalidKeyBinding, err)
	}

	if len(jws.Signatures) != 1 {
		return fmt.Errorf("%w: must have exactly one signature", ErrInvalidKeyBinding)
	}

	if typ, _ := jws.Signatures[0].Header.ExtraHeaders[jose.HeaderType].(string); typ != TypeKeyBinding {
		return fmt.Errorf("%w: typ %q, want %q", ErrInvalidKeyBinding, typ, TypeKeyBinding)
	}

	payloadBytes, err := jws.Verify(holderKey)
	if err != nil {
		return fmt.Errorf("%w: signature: %s", ErrInvalidKeyBinding, err)
	}

	var payload keyBindingPayload

	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %s", ErrInvalidKeyBinding, err)
	}

	if payload.Nonce != expected.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrInvalidKeyBinding)
	}

	if payload.Audience != expected.Audience {
		return fmt.Errorf("%w: audience %q, want %q", ErrInvalidKeyBinding, payload.Audience, expected.Audience)
	}

	expectedHash := presentationHash(cf.SDJWT, cf.Disclosures)

	if subtle.ConstantTimeCompare([]byte(payload.SDHash), []byte(expectedHash)) != 1 {
		return fmt.Errorf("%w: sd_hash does not cover this presentation", ErrInvalidKeyBinding)
	}

	return nil
}
