/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case value, ok := <-ch:
		require.True(t, ok)

		return value
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")

		return ""
	}
}

func TestSubscribeReceivesPublished(t *testing.T) {
	hub := NewHub[string]()

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish("first")
	require.Equal(t, "first", receive(t, ch))

	hub.Publish("second")
	require.Equal(t, "second", receive(t, ch))
}

func TestLateSubscriberGetsLatest(t *testing.T) {
	hub := NewHub[string]()

	hub.Publish("first")
	hub.Publish("second")

	ch, cancel := hub.Subscribe()
	defer cancel()

	require.Equal(t, "second", receive(t, ch))

	latest, ok := hub.Latest()
	require.True(t, ok)
	require.Equal(t, "second", latest)
}

func TestSubscribeBeforeAnyPublish(t *testing.T) {
	hub := NewHub[string]()

	ch, cancel := hub.Subscribe()
	defer cancel()

	select {
	case <-ch:
		t.Fatal("unexpected event")
	default:
	}

	_, ok := hub.Latest()
	require.False(t, ok)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	hub := NewHub[int]()

	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})

	go func() {
		// more than the subscriber buffer
		for i := 0; i < 10*subscriberBuffer; i++ {
			hub.Publish(i)
		}

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub[string]()

	ch, cancel := hub.Subscribe()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	// cancelling twice is harmless
	cancel()

	// publishing after cancel reaches remaining subscribers only
	other, otherCancel := hub.Subscribe()
	defer otherCancel()

	hub.Publish("value")
	require.Equal(t, "value", receive(t, other))
}

func TestClose(t *testing.T) {
	hub := NewHub[string]()

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Close()

	_, ok := <-ch
	require.False(t, ok)

	// publish after close is a no-op
	hub.Publish("ignored")

	late, lateCancel := hub.Subscribe()
	defer lateCancel()

	_, ok = <-late
	require.False(t, ok)
}
