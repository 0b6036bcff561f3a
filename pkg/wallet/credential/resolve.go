/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"fmt"
	"sort"
	"time"
)

// AttributeRequest names one attribute a verifier asks for. NameSpace is
// empty for SD-JWT claims.
type AttributeRequest struct {
	DocType   string `json:"doc_type"`
	NameSpace string `json:"name_space,omitempty"`
	Name      string `json:"name"`
}

func (r AttributeRequest) String() string {
	if r.NameSpace == "" {
		return r.DocType + "/" + r.Name
	}

	return r.DocType + "/" + r.NameSpace + "/" + r.Name
}

// DisclosureRequest is what a verifier asks the wallet to disclose.
type DisclosureRequest struct {
	// Verifier identifies the relying party, shown to the user and bound
	// into the device signature.
	Verifier string `json:"verifier"`
	// Nonce is the verifier's session nonce.
	Nonce []byte `json:"nonce"`
	// Attributes is the full list of requested attributes across documents.
	Attributes []AttributeRequest `json:"attributes"`
}

// DisclosureCard pairs a credential with the subset of requested attributes
// it will disclose. The user consents to cards, not raw credentials.
type DisclosureCard struct {
	Credential *Credential
	// Attributes maps namespace to the attribute names to disclose.
	Attributes map[string][]string
}

// MissingAttributesError lists requested attributes no stored credential
// can supply.
type MissingAttributesError struct {
	Missing []string
}

func (e *MissingAttributesError) Error() string {
	return fmt.Sprintf("no stored credential can disclose: %v", e.Missing)
}

// Resolve matches a disclosure request against the stored credentials and
// returns the cards that together cover every requested attribute, using as
// few credentials as possible and disclosing nothing beyond the request.
// Only credentials whose validity window contains now are considered; an
// expired credential counts as missing, not as a candidate.
// If any attribute cannot be satisfied the whole request fails with
// MissingAttributesError; partial answers are never produced.
func Resolve(credentials []*Credential, request *DisclosureRequest, now time.Time) ([]*DisclosureCard, error) {
	byDocType := make(map[string][]AttributeRequest)

	for _, attr := range request.Attributes {
		byDocType[attr.DocType] = append(byDocType[attr.DocType], attr)
	}

	docTypes := make([]string, 0, len(byDocType))
	for docType := range byDocType {
		docTypes = append(docTypes, docType)
	}

	sort.Strings(docTypes)

	var (
		cards   []*DisclosureCard
		missing []string
	)

	for _, docType := range docTypes {
		docCards, docMissing := resolveDocType(credentials, docType, byDocType[docType], now)
		cards = append(cards, docCards...)
		missing = append(missing, docMissing...)
	}

	if len(missing) > 0 {
		sort.Strings(missing)

		return nil, &MissingAttributesError{Missing: missing}
	}

	return cards, nil
}

// resolveDocType covers one document type's requested attributes with a
// greedy minimal set of its credentials.
func resolveDocType(credentials []*Credential, docType string, requested []AttributeRequest,
	now time.Time) ([]*DisclosureCard, []string) {
	remaining := make(map[AttributeRequest]struct{}, len(requested))
	for _, attr := range requested {
		remaining[attr] = struct{}{}
	}

	var cards []*DisclosureCard

	for len(remaining) > 0 {
		best, covered := bestCandidate(credentials, docType, remaining, now)
		if best == nil {
			break
		}

		card := &DisclosureCard{Credential: best, Attributes: map[string][]string{}}

		for _, attr := range covered {
			card.Attributes[attr.NameSpace] = append(card.Attributes[attr.NameSpace], attr.Name)
			delete(remaining, attr)
		}

		for nameSpace := range card.Attributes {
			sort.Strings(card.Attributes[nameSpace])
		}

		cards = append(cards, card)
	}

	var missing []string

	for attr := range remaining {
		missing = append(missing, attr.String())
	}

	return cards, missing
}

// bestCandidate returns the valid credential of the doc type covering the
// most remaining attributes, and which ones it covers. Ties break on
// credential id so resolution is deterministic.
func bestCandidate(credentials []*Credential, docType string,
	remaining map[AttributeRequest]struct{}, now time.Time) (*Credential, []AttributeRequest) {
	var (
		best        *Credential
		bestCovered []AttributeRequest
	)

	for _, candidate := range credentials {
		if candidate.DocType != docType || !candidate.ValidAt(now) {
			continue
		}

		var covered []AttributeRequest

		for attr := range remaining {
			if candidate.holds(attr.NameSpace, attr.Name) {
				covered = append(covered, attr)
			}
		}

		if len(covered) == 0 {
			continue
		}

		if best == nil || len(covered) > len(bestCovered) ||
			(len(covered) == len(bestCovered) && candidate.ID < best.ID) {
			best = candidate
			bestCovered = covered
		}
	}

	sort.Slice(bestCovered, func(i, j int) bool {
		return bestCovered[i].String() < bestCovered[j].String()
	})

	return best, bestCovered
}
