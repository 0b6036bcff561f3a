/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package disclosure runs the wallet's disclosure sessions: a verifier's
// request is resolved against the stored credentials, the user consents to
// the proposed cards, confirms with the PIN, and only then are
// presentations built and signed. Nothing leaves the wallet before the
// final step.
package disclosure

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/IAmCoder/nl-wallet/pkg/wallet/credential"
	"github.com/IAmCoder/nl-wallet/pkg/wallet/event"
)

var logger = log.New("wallet/disclosure")

// State is a disclosure session state. Success, Declined, Cancelled and
// Error are terminal.
type State string

const (
	StateRequestReceived State = "request_received"
	StateAwaitingConsent State = "awaiting_consent"
	StateAwaitingPin     State = "awaiting_pin"
	StateSubmitting      State = "submitting"
	StateSuccess         State = "success"
	StateDeclined        State = "declined"
	StateCancelled       State = "cancelled"
	StateError           State = "error"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateDeclined, StateCancelled, StateError:
		return true
	default:
		return false
	}
}

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("disclosure session not found")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the session's current state, e.g. submitting without consent.
	ErrInvalidTransition = errors.New("invalid disclosure session transition")
)

// StatusUpdate is published on every session state change.
type StatusUpdate struct {
	SessionID string
	State     State
	// Missing is set when the session failed because attributes were
	// unavailable.
	Missing []string
}

// Session tracks one disclosure interaction with a verifier.
type Session struct {
	mu sync.Mutex

	id        string
	state     State
	request   *credential.DisclosureRequest
	cards     []*credential.DisclosureCard
	err       error
	createdAt time.Time
	// shared flips once any presentation bytes have been produced for the
	// verifier; a cancellation after this point cannot undo the disclosure.
	shared bool
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Cards returns the proposed disclosure cards for user consent.
func (s *Session) Cards() []*credential.DisclosureCard {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cards
}

// Err returns the error that moved the session to StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

const sessionCacheSize = 1024

// Config wires a Manager.
type Config struct {
	// Store holds the wallet's credentials.
	Store *credential.Store
	// Anchors are the issuer trust anchors every credential is re-verified
	// against right before it is disclosed.
	Anchors []*x509.Certificate
	// SessionTTL bounds how long a session may stay open. Defaults to 5
	// minutes.
	SessionTTL time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the active disclosure sessions.
type Manager struct {
	cfg      Config
	sessions gcache.Cache
	events   *event.Hub[StatusUpdate]
	audit    *auditLog
}

// NewManager creates a disclosure session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("disclosure manager needs a credential store")
	}

	if len(cfg.Anchors) == 0 {
		return nil, errors.New("disclosure manager needs issuer trust anchors")
	}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 5 * time.Minute
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{
		cfg:      cfg,
		sessions: gcache.New(sessionCacheSize).LRU().Build(),
		events:   event.NewHub[StatusUpdate](),
		audit:    newAuditLog(cfg.Clock),
	}, nil
}

// Events exposes session status updates for the UI.
func (m *Manager) Events() *event.Hub[StatusUpdate] {
	return m.events
}

// Audit returns the recorded audit entries, newest last.
func (m *Manager) Audit() []AuditEntry {
	return m.audit.entries()
}

// Start opens a session for a verifier's request and resolves it against
// the stored credentials. On success the session awaits user consent; if
// any requested attribute is unavailable the session terminates
// immediately and the MissingAttributesError is returned alongside it, so
// the UI can tell the user exactly what was missing. No attribute data has
// left the wallet either way.
func (m *Manager) Start(request *credential.DisclosureRequest) (*Session, error) {
	session := &Session{
		id:        uuid.NewString(),
		state:     StateRequestReceived,
		request:   request,
		createdAt: m.cfg.Clock(),
	}

	if err := m.sessions.SetWithExpire(session.id, session, m.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("register disclosure session: %w", err)
	}

	m.publish(session, nil)

	credentials, err := m.cfg.Store.List()
	if err != nil {
		m.fail(session, err)

		return session, err
	}

	cards, err := credential.Resolve(credentials, request, m.cfg.Clock())
	if err != nil {
		m.fail(session, err)
		m.audit.record(session, "disclosure refused: missing attributes", nil)

		return session, err
	}

	session.mu.Lock()
	session.cards = cards
	session.state = StateAwaitingConsent
	session.mu.Unlock()

	m.publish(session, nil)

	logger.Debugf("disclosure session %s awaits consent for %d cards from %s",
		session.id, len(cards), request.Verifier)

	return session, nil
}

// Get looks up an active session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	value, err := m.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	return value.(*Session), nil
}

// Approve records user consent, moving the session to PIN confirmation.
func (m *Manager) Approve(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	if err := session.transition(StateAwaitingConsent, StateAwaitingPin); err != nil {
		return err
	}

	m.publish(session, nil)

	return nil
}

// Decline ends the session without disclosing anything.
func (m *Manager) Decline(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()

	if session.state != StateAwaitingConsent && session.state != StateAwaitingPin {
		state := session.state
		session.mu.Unlock()

		return fmt.Errorf("%w: cannot decline in state %s", ErrInvalidTransition, state)
	}

	session.state = StateDeclined
	session.mu.Unlock()

	m.publish(session, nil)
	m.audit.record(session, "disclosure declined by user", nil)

	return nil
}

// Submit builds and signs the presentations after PIN confirmation. The
// signer carries the PIN-confirmed signing capability; passing it is what
// proves the PIN step happened.
func (m *Manager) Submit(ctx context.Context, sessionID string, signer credential.KeySigner) ([]*credential.Presentation, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if err := session.transition(StateAwaitingPin, StateSubmitting); err != nil {
		return nil, err
	}

	m.publish(session, nil)

	presentations := make([]*credential.Presentation, 0, len(session.cards))

	// Resolution may be long past by now; each credential is verified again
	// against the trust anchors before anything is signed or handed over.
	now := m.cfg.Clock()

	for _, card := range session.cards {
		if err := card.Credential.Verify(m.cfg.Anchors, now); err != nil {
			m.fail(session, err)

			return nil, err
		}

		presentation, err := credential.BuildPresentation(ctx, card, session.request, signer)
		if err != nil {
			m.fail(session, err)

			return nil, err
		}

		presentations = append(presentations, presentation)
	}

	session.mu.Lock()
	session.shared = true
	session.state = StateSuccess
	session.mu.Unlock()

	m.publish(session, nil)
	m.audit.record(session, "attributes disclosed", disclosedAttributes(session.cards))

	logger.Infof("disclosure session %s completed for %s", session.id, session.request.Verifier)

	return presentations, nil
}

// Cancel aborts the session from any non-terminal state. The audit entry
// records whether attribute data had already been handed over, since a
// cancellation after submission cannot recall it.
func (m *Manager) Cancel(sessionID string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()

	if session.state.Terminal() {
		state := session.state
		session.mu.Unlock()

		return fmt.Errorf("%w: cannot cancel in state %s", ErrInvalidTransition, state)
	}

	shared := session.shared
	session.state = StateCancelled
	session.mu.Unlock()

	m.publish(session, nil)

	if shared {
		m.audit.record(session, "disclosure cancelled after attributes were shared",
			disclosedAttributes(session.cards))
	} else {
		m.audit.record(session, "disclosure cancelled before any attributes were shared", nil)
	}

	return nil
}

func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return fmt.Errorf("%w: %s requires state %s, session is %s", ErrInvalidTransition, to, from, s.state)
	}

	s.state = to

	return nil
}

func (m *Manager) fail(session *Session, err error) {
	session.mu.Lock()
	session.state = StateError
	session.err = err
	session.mu.Unlock()

	update := StatusUpdate{SessionID: session.id, State: StateError}

	var missing *credential.MissingAttributesError
	if errors.As(err, &missing) {
		update.Missing = missing.Missing
	}

	m.events.Publish(update)
}

func (m *Manager) publish(session *Session, missing []string) {
	m.events.Publish(StatusUpdate{SessionID: session.ID(), State: session.State(), Missing: missing})
}

func disclosedAttributes(cards []*credential.DisclosureCard) []string {
	var out []string

	for _, card := range cards {
		for nameSpace, names := range card.Attributes {
			for _, name := range names {
				if nameSpace == "" {
					out = append(out, card.Credential.DocType+"/"+name)
				} else {
					out = append(out, card.Credential.DocType+"/"+nameSpace+"/"+name)
				}
			}
		}
	}

	return out
}
