/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package pinpolicy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "no rounds", policy: Policy{Rounds: 0, AttemptsPerRound: 4}},
		{name: "no attempts", policy: Policy{Rounds: 4, AttemptsPerRound: 0, Timeouts: make([]time.Duration, 3)}},
		{name: "timeout count mismatch", policy: Policy{Rounds: 4, AttemptsPerRound: 4, Timeouts: make([]time.Duration, 1)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.policy.Validate())
		})
	}
}

func TestRecordFailureEscalation(t *testing.T) {
	policy := Policy{Rounds: 2, AttemptsPerRound: 2, Timeouts: []time.Duration{time.Minute}}
	now := time.Now()

	var s State

	// Failure 1: one attempt left in round 0, no timeout.
	s, feedback := policy.RecordFailure(s, now)
	require.Equal(t, 1, feedback.AttemptsLeftInRound)
	require.False(t, feedback.IsFinalRound)
	require.NoError(t, policy.CheckAllowed(s, now))

	// Failure 2 exhausts round 0: timeout starts, round 1 is the final round.
	s, feedback = policy.RecordFailure(s, now)
	require.True(t, feedback.IsFinalRound)
	require.Equal(t, now.Add(time.Minute), s.BlockedUntil)
	require.False(t, s.Blocked)

	var timeoutErr *TimeoutError

	err := policy.CheckAllowed(s, now.Add(30*time.Second))
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 30*time.Second, timeoutErr.RetryAfter)

	// Timeout elapsed: attempts allowed again.
	require.NoError(t, policy.CheckAllowed(s, now.Add(2*time.Minute)))

	// Failures 3 and 4 exhaust the final round: permanent block, no timeout.
	s, _ = policy.RecordFailure(s, now)
	s, feedback = policy.RecordFailure(s, now)
	require.True(t, feedback.IsFinalRound)
	require.True(t, s.Blocked)

	// The block holds even after the previous timeout window has long passed.
	require.ErrorIs(t, policy.CheckAllowed(s, now.Add(24*time.Hour)), ErrBlocked)
}

func TestBlockedIsTerminal(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()

	var s State

	for i := 0; i < policy.Rounds*policy.AttemptsPerRound; i++ {
		s, _ = policy.RecordFailure(s, now)
	}

	require.True(t, s.Blocked)

	// Neither further failures nor a success reopen the account.
	s, _ = policy.RecordFailure(s, now)
	require.True(t, s.Blocked)

	s = policy.RecordSuccess(s)
	require.True(t, s.Blocked)
	require.ErrorIs(t, policy.CheckAllowed(s, now), ErrBlocked)
}

func TestRecordSuccessResets(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()

	var s State

	for i := 0; i < policy.AttemptsPerRound+1; i++ {
		s, _ = policy.RecordFailure(s, now)
	}

	require.Equal(t, 1, s.Round)
	require.Equal(t, 1, s.AttemptsInRound)

	s = policy.RecordSuccess(s)
	require.Equal(t, State{}, s)
	require.NoError(t, policy.CheckAllowed(s, now))
}

func TestTimeoutsEscalate(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()

	var s State

	var seen []time.Duration

	for round := 0; round < policy.Rounds-1; round++ {
		for i := 0; i < policy.AttemptsPerRound; i++ {
			s, _ = policy.RecordFailure(s, now)
		}

		seen = append(seen, s.BlockedUntil.Sub(now))
	}

	require.Equal(t, policy.Timeouts, seen)
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := error(&TimeoutError{RetryAfter: time.Minute})
	require.Contains(t, err.Error(), "1m0s")
	require.False(t, errors.Is(err, ErrBlocked))
}
