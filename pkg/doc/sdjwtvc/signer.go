/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sdjwtvc

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// Signer produces a JOSE signature over the JWS signing input. The data is
// the raw signing input, not a digest; the signature uses the raw JOSE
// encoding for the algorithm (r||s for ES256). Implementations may hold the
// key locally or delegate signing to a remote party.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Algorithm() string
}

// ECDSASigner signs with a local P-256 key.
type ECDSASigner struct {
	Key *ecdsa.PrivateKey
}

// Sign signs the SHA-256 digest of data and returns the r||s encoding.
func (s *ECDSASigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)

	der, err := ecdsa.SignASN1(rand.Reader, s.Key, digest[:])
	if err != nil {
		return nil, err
	}

	return SignatureDERToJOSE(der)
}

// Algorithm returns the JOSE algorithm name.
func (s *ECDSASigner) Algorithm() string {
	return "ES256"
}

const es256ComponentSize = 32

// SignatureDERToJOSE converts an ASN.1 DER ECDSA signature to the fixed
// width r||s encoding JOSE requires. Remote signing services commonly
// return DER.
func SignatureDERToJOSE(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}

	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("parse DER signature: %w", err)
	}

	out := make([]byte, 2*es256ComponentSize)
	sig.R.FillBytes(out[:es256ComponentSize])
	sig.S.FillBytes(out[es256ComponentSize:])

	return out, nil
}

// signJWT builds a compact JWS over the claims with the given typ header
// and optional x5c chain (DER, leaf first).
func signJWT(signer Signer, typ string, chain [][]byte, claims interface{}) (string, error) {
	header := map[string]interface{}{
		"alg": signer.Algorithm(),
		"typ": typ,
	}

	if len(chain) > 0 {
		x5c := make([]string, len(chain))
		for i, der := range chain {
			x5c[i] = base64.StdEncoding.EncodeToString(der)
		}

		header["x5c"] = x5c
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal JWS header: %w", err)
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal JWS payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(payloadJSON)

	signature, err := signer.Sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("sign JWS: %w", err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
