/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// StoreName is the underlying storage store name.
const StoreName = "wallet_credential"

const credentialTag = "credential"

var logger = log.New("wallet/credential")

// Store persists credentials.
type Store struct {
	store storage.Store
}

// NewStore opens the credential store on the given provider.
func NewStore(provider storage.Provider) (*Store, error) {
	store, err := provider.OpenStore(StoreName)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	return &Store{store: store}, nil
}

// Save stores the credential under its id.
func (s *Store) Save(credential *Credential) error {
	data, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	if err := s.store.Put(credential.ID, data, storage.Tag{Name: credentialTag}); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	logger.Debugf("stored %s credential %s for doc type %s", credential.Format, credential.ID, credential.DocType)

	return nil
}

// Get loads a credential by id.
func (s *Store) Get(id string) (*Credential, error) {
	data, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, fmt.Errorf("load credential: %w", err)
	}

	var credential Credential

	if err := json.Unmarshal(data, &credential); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}

	return &credential, nil
}

// List returns all stored credentials.
func (s *Store) List() ([]*Credential, error) {
	records, err := s.store.Query(credentialTag)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}

	defer storage.Close(records, logger)

	var credentials []*Credential

	more, err := records.Next()
	if err != nil {
		return nil, fmt.Errorf("get next credential: %w", err)
	}

	for more {
		value, err := records.Value()
		if err != nil {
			return nil, fmt.Errorf("get credential value: %w", err)
		}

		var credential Credential

		if err := json.Unmarshal(value, &credential); err != nil {
			return nil, fmt.Errorf("unmarshal credential: %w", err)
		}

		credentials = append(credentials, &credential)

		more, err = records.Next()
		if err != nil {
			return nil, fmt.Errorf("get next credential: %w", err)
		}
	}

	return credentials, nil
}

// Delete removes a credential. Deleting an unknown id is not an error.
func (s *Store) Delete(id string) error {
	if err := s.store.Delete(id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	return nil
}
