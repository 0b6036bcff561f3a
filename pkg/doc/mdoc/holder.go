/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mdoc

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// MissingAttributesError lists requested attributes the credential cannot
// provide, as "namespace/identifier" pairs.
type MissingAttributesError struct {
	Missing []string
}

func (e *MissingAttributesError) Error() string {
	return fmt.Sprintf("credential is missing requested attributes: %v", e.Missing)
}

// Disclose builds a derived IssuerSigned containing exactly the requested
// items and nothing else. The issuer auth travels unchanged; the verifier
// checks the disclosed subset against the digests it pins. Requesting an
// attribute the credential does not hold fails with MissingAttributesError.
func (is *IssuerSigned) Disclose(requested map[NameSpace][]string) (*IssuerSigned, error) {
	disclosed := make(map[NameSpace][]cbor.RawMessage, len(requested))

	var missing []string

	for nameSpace, identifiers := range requested {
		byIdentifier := map[string]cbor.RawMessage{}

		for _, raw := range is.NameSpaces[nameSpace] {
			item, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}

			byIdentifier[item.ElementIdentifier] = raw
		}

		for _, identifier := range identifiers {
			raw, ok := byIdentifier[identifier]
			if !ok {
				missing = append(missing, string(nameSpace)+"/"+identifier)

				continue
			}

			disclosed[nameSpace] = append(disclosed[nameSpace], raw)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)

		return nil, &MissingAttributesError{Missing: missing}
	}

	return &IssuerSigned{NameSpaces: disclosed, IssuerAuth: is.IssuerAuth}, nil
}

// Attributes decodes the currently held items into plain values, keyed by
// namespace and element identifier.
func (is *IssuerSigned) Attributes() (map[NameSpace]map[string]interface{}, error) {
	out := make(map[NameSpace]map[string]interface{}, len(is.NameSpaces))

	for nameSpace, items := range is.NameSpaces {
		values := make(map[string]interface{}, len(items))

		for _, raw := range items {
			item, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}

			values[item.ElementIdentifier] = item.ElementValue
		}

		out[nameSpace] = values
	}

	return out, nil
}

// Holds reports whether the credential contains the given attribute.
func (is *IssuerSigned) Holds(nameSpace NameSpace, identifier string) bool {
	for _, raw := range is.NameSpaces[nameSpace] {
		item, err := decodeItem(raw)
		if err != nil {
			continue
		}

		if item.ElementIdentifier == identifier {
			return true
		}
	}

	return false
}
