/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sdjwtvc

import (
	"fmt"
	"sort"
	"time"
)

// MissingClaimsError lists requested claims the credential cannot disclose.
type MissingClaimsError struct {
	Missing []string
}

func (e *MissingClaimsError) Error() string {
	return fmt.Sprintf("credential is missing requested claims: %v", e.Missing)
}

// Credential is a held SD-JWT credential: the issuer JWT plus every
// disclosure received at issuance.
type Credential struct {
	sdJWT       string
	disclosures []string
	claims      map[string]*DisclosureClaim
}

// Parse parses the combined format for issuance into a held credential.
// Parsing does not verify the issuer signature; use Verify on receipt.
func Parse(serialized string) (*Credential, error) {
	cf := ParseCombinedFormatForIssuance(serialized)

	decoded, err := GetDisclosureClaims(cf.Disclosures)
	if err != nil {
		return nil, err
	}

	claims := make(map[string]*DisclosureClaim, len(decoded))
	for _, claim := range decoded {
		claims[claim.Name] = claim
	}

	return &Credential{sdJWT: cf.SDJWT, disclosures: cf.Disclosures, claims: claims}, nil
}

// Serialize returns the combined format for issuance.
func (c *Credential) Serialize() string {
	cf := CombinedFormatForIssuance{SDJWT: c.sdJWT, Disclosures: c.disclosures}

	return cf.Serialize()
}

// Claims returns the disclosable claims by name.
func (c *Credential) Claims() map[string]interface{} {
	out := make(map[string]interface{}, len(c.claims))
	for name, claim := range c.claims {
		out[name] = claim.Value
	}

	return out
}

// Holds reports whether the credential can disclose the named claim.
func (c *Credential) Holds(name string) bool {
	_, ok := c.claims[name]

	return ok
}

// KeyBindingInput carries the verifier-provided values a key binding JWT
// must commit to.
type KeyBindingInput struct {
	Nonce    string
	Audience string
}

// Present builds the combined format for presentation disclosing exactly
// the requested claims, with a key binding JWT signed by the holder's
// device key. Requesting a claim the credential does not hold fails with
// MissingClaimsError.
func (c *Credential) Present(requested []string, binding *KeyBindingInput, deviceSigner Signer) (string, error) {
	var missing []string

	disclosed := make([]string, 0, len(requested))

	for _, name := range requested {
		claim, ok := c.claims[name]
		if !ok {
			missing = append(missing, name)

			continue
		}

		disclosed = append(disclosed, claim.Disclosure)
	}

	if len(missing) > 0 {
		sort.Strings(missing)

		return "", &MissingClaimsError{Missing: missing}
	}

	keyBinding, err := signJWT(deviceSigner, TypeKeyBinding, nil, map[string]interface{}{
		"iat":     time.Now().Unix(),
		"aud":     binding.Audience,
		"nonce":   binding.Nonce,
		SDHashKey: presentationHash(c.sdJWT, disclosed),
	})
	if err != nil {
		return "", fmt.Errorf("sign key binding: %w", err)
	}

	cf := CombinedFormatForPresentation{SDJWT: c.sdJWT, Disclosures: disclosed, KeyBinding: keyBinding}

	return cf.Serialize(), nil
}
