/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package disclosure

import (
	"sync"
	"time"
)

// AuditEntry records one disclosure-related event for the user's activity
// overview.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId"`
	Verifier  string    `json:"verifier"`
	Event     string    `json:"event"`
	// Attributes lists what was disclosed, when anything was.
	Attributes []string `json:"attributes,omitempty"`
}

type auditLog struct {
	mu    sync.Mutex
	clock func() time.Time
	log   []AuditEntry
}

func newAuditLog(clock func() time.Time) *auditLog {
	return &auditLog{clock: clock}
}

func (a *auditLog) record(session *Session, event string, attributes []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log = append(a.log, AuditEntry{
		Time:       a.clock(),
		SessionID:  session.ID(),
		Verifier:   session.request.Verifier,
		Event:      event,
		Attributes: attributes,
	})
}

func (a *auditLog) entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AuditEntry, len(a.log))
	copy(out, a.log)

	return out
}
