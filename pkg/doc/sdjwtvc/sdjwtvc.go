/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sdjwtvc implements the SD-JWT verifiable credential format: a
// signed JWT whose selectively disclosable claims are replaced by salted
// digests, accompanied by the disclosures that reveal them. A presentation
// carries a chosen subset of disclosures plus a key binding JWT signed with
// the holder's device key.
package sdjwtvc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// CombinedFormatSeparator separates the issuer JWT, the disclosures and
	// the key binding JWT in the serialized forms.
	CombinedFormatSeparator = "~"

	// TypeSDJWT is the typ header of the issuer-signed JWT.
	TypeSDJWT = "vc+sd-jwt"
	// TypeKeyBinding is the typ header of the key binding JWT.
	TypeKeyBinding = "kb+jwt"

	// SDKey holds the disclosure digests in the issuer JWT payload.
	SDKey = "_sd"
	// SDAlgorithmKey names the disclosure hash algorithm.
	SDAlgorithmKey = "_sd_alg"
	// SDHashKey holds the presentation hash inside the key binding JWT.
	SDHashKey = "sd_hash"
	// VCTKey names the credential type claim.
	VCTKey = "vct"

	sdAlgSHA256 = "sha-256"

	disclosureParts = 3
	saltIndex       = 0
	nameIndex       = 1
	valueIndex      = 2
)

var (
	// ErrUntrustedIssuer is returned when the issuer certificate chain does
	// not terminate at a configured trust anchor.
	ErrUntrustedIssuer = errors.New("sd-jwt issuer is not trusted")
	// ErrExpiredCredential is returned when the credential is outside its
	// validity window.
	ErrExpiredCredential = errors.New("sd-jwt is not valid at this time")
	// ErrInvalidKeyBinding is returned when the key binding JWT is absent,
	// malformed or fails verification against the bound holder key.
	ErrInvalidKeyBinding = errors.New("invalid key binding")
	// ErrDigestMismatch is returned when a disclosure does not match any
	// digest in the issuer-signed payload.
	ErrDigestMismatch = errors.New("disclosure digest not found in sd-jwt")
)

// DisclosureClaim is a decoded disclosure.
type DisclosureClaim struct {
	Disclosure string
	Salt       string
	Name       string
	Value      interface{}
}

// CombinedFormatForIssuance holds the issuer JWT and all disclosures, as
// handed to the holder at issuance.
type CombinedFormatForIssuance struct {
	SDJWT       string
	Disclosures []string
}

// Serialize assembles the issuance form: jwt~disclosure~...~disclosure.
func (cf *CombinedFormatForIssuance) Serialize() string {
	out := cf.SDJWT
	for _, disclosure := range cf.Disclosures {
		out += CombinedFormatSeparator + disclosure
	}

	return out
}

// ParseCombinedFormatForIssuance splits the issuance form into parts.
func ParseCombinedFormatForIssuance(serialized string) *CombinedFormatForIssuance {
	parts := strings.Split(serialized, CombinedFormatSeparator)

	var disclosures []string
	if len(parts) > 1 {
		disclosures = parts[1:]
	}

	return &CombinedFormatForIssuance{SDJWT: parts[0], Disclosures: disclosures}
}

// CombinedFormatForPresentation holds the issuer JWT, the disclosed subset
// and the key binding JWT, as handed to a verifier.
type CombinedFormatForPresentation struct {
	SDJWT       string
	Disclosures []string
	KeyBinding  string
}

// Serialize assembles the presentation form:
// jwt~disclosure~...~disclosure~kbjwt.
func (cf *CombinedFormatForPresentation) Serialize() string {
	out := cf.SDJWT
	for _, disclosure := range cf.Disclosures {
		out += CombinedFormatSeparator + disclosure
	}

	return out + CombinedFormatSeparator + cf.KeyBinding
}

// ParseCombinedFormatForPresentation splits the presentation form into
// parts. The segment after the final separator is the key binding JWT.
func ParseCombinedFormatForPresentation(serialized string) *CombinedFormatForPresentation {
	parts := strings.Split(serialized, CombinedFormatSeparator)

	var disclosures []string
	if len(parts) > 2 {
		disclosures = parts[1 : len(parts)-1]
	}

	var keyBinding string
	if len(parts) > 1 {
		keyBinding = parts[len(parts)-1]
	}

	return &CombinedFormatForPresentation{SDJWT: parts[0], Disclosures: disclosures, KeyBinding: keyBinding}
}

// GetDisclosureClaims decodes disclosures into named claims.
func GetDisclosureClaims(disclosures []string) ([]*DisclosureClaim, error) {
	claims := make([]*DisclosureClaim, 0, len(disclosures))

	for _, disclosure := range disclosures {
		claim, err := getDisclosureClaim(disclosure)
		if err != nil {
			return nil, err
		}

		claims = append(claims, claim)
	}

	return claims, nil
}

func getDisclosureClaim(disclosure string) (*DisclosureClaim, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(disclosure)
	if err != nil {
		return nil, fmt.Errorf("decode disclosure: %w", err)
	}

	var arr []interface{}

	if err := json.Unmarshal(decoded, &arr); err != nil {
		return nil, fmt.Errorf("unmarshal disclosure array: %w", err)
	}

	if len(arr) != disclosureParts {
		return nil, fmt.Errorf("disclosure array size[%d] must be %d", len(arr), disclosureParts)
	}

	salt, ok := arr[saltIndex].(string)
	if !ok {
		return nil, fmt.Errorf("disclosure salt type[%T] must be string", arr[saltIndex])
	}

	name, ok := arr[nameIndex].(string)
	if !ok {
		return nil, fmt.Errorf("disclosure name type[%T] must be string", arr[nameIndex])
	}

	return &DisclosureClaim{Disclosure: disclosure, Salt: salt, Name: name, Value: arr[valueIndex]}, nil
}

// DisclosureDigest computes the base64url SHA-256 digest of a disclosure,
// the value the issuer places in the _sd array.
func DisclosureDigest(disclosure string) string {
	digest := sha256.Sum256([]byte(disclosure))

	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// presentationHash computes the sd_hash value of a key binding JWT: the
// digest of the issuer JWT and the disclosed subset, including the trailing
// separator.
func presentationHash(sdJWT string, disclosures []string) string {
	prefix := sdJWT + CombinedFormatSeparator
	for _, disclosure := range disclosures {
		prefix += disclosure + CombinedFormatSeparator
	}

	digest := sha256.Sum256([]byte(prefix))

	return base64.RawURLEncoding.EncodeToString(digest[:])
}
