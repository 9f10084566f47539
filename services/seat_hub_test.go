package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapFor(tableID string) func() (*SeatSnapshot, error) {
	return func() (*SeatSnapshot, error) {
		return &SeatSnapshot{TableID: tableID, Status: "open"}, nil
	}
}

func TestHubDeliversInMutationOrder(t *testing.T) {
	hub := NewSeatHub()

	updates, cancel := hub.Subscribe("t1")
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Mutate("t1", snapFor("t1")))
	}

	for want := int64(1); want <= 5; want++ {
		snap := <-updates
		assert.Equal(t, want, snap.Version)
	}
}

func TestHubLateSubscriberGetsSnapshotFirst(t *testing.T) {
	hub := NewSeatHub()

	require.NoError(t, hub.Mutate("t1", snapFor("t1")))
	require.NoError(t, hub.Mutate("t1", snapFor("t1")))

	updates, cancel := hub.Subscribe("t1")
	defer cancel()

	snap := <-updates
	assert.Equal(t, int64(2), snap.Version, "late subscriber starts from the current full snapshot")

	require.NoError(t, hub.Mutate("t1", snapFor("t1")))
	next := <-updates
	assert.Equal(t, int64(3), next.Version)
}

func TestHubCancelReleasesRegistration(t *testing.T) {
	hub := NewSeatHub()

	_, cancel := hub.Subscribe("t1")
	assert.Equal(t, 1, hub.SubscriberCount("t1"))

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, hub.SubscriberCount("t1"))

	// Publishing to a table with no subscribers is fine.
	require.NoError(t, hub.Mutate("t1", snapFor("t1")))
}

func TestHubSlowConsumerDropped(t *testing.T) {
	hub := NewSeatHub()

	updates, cancel := hub.Subscribe("t1")
	defer cancel()

	// Overflow the buffer without draining; the subscriber gets dropped
	// instead of blocking the writer.
	for i := 0; i < subscriberBuffer+2; i++ {
		require.NoError(t, hub.Mutate("t1", snapFor("t1")))
	}
	assert.Equal(t, 0, hub.SubscriberCount("t1"))

	// The channel was closed after delivering what fit.
	delivered := 0
	for range updates {
		delivered++
	}
	assert.Equal(t, subscriberBuffer, delivered)
}

func TestHubMutateErrorPublishesNothing(t *testing.T) {
	hub := NewSeatHub()

	updates, cancel := hub.Subscribe("t1")
	defer cancel()

	err := hub.Mutate("t1", func() (*SeatSnapshot, error) { return nil, ErrSeatTaken })
	assert.ErrorIs(t, err, ErrSeatTaken)

	select {
	case <-updates:
		t.Fatal("failed mutation must not publish")
	default:
	}
}

func TestHubDropRetiresStaleHub(t *testing.T) {
	hub := NewSeatHub()

	// Resolve the registry entry, then drop the table before anything
	// registers on it — the window an unluckily scheduled subscriber hits.
	stale := hub.table("t1")
	hub.Drop("t1")

	stale.mu.Lock()
	retired := stale.dropped
	stale.mu.Unlock()
	assert.True(t, retired, "late lockers must retry instead of registering on the orphan")

	// A subscriber arriving after the drop lands on the live hub and sees
	// every subsequent publish.
	updates, cancel := hub.Subscribe("t1")
	defer cancel()
	assert.Equal(t, 1, hub.SubscriberCount("t1"))

	require.NoError(t, hub.Mutate("t1", snapFor("t1")))
	snap := <-updates
	assert.Equal(t, int64(1), snap.Version)
}

func TestHubDropKeepsTableWithReaders(t *testing.T) {
	hub := NewSeatHub()

	updates, cancel := hub.Subscribe("t1")
	defer cancel()

	hub.Drop("t1")
	assert.Equal(t, 1, hub.SubscriberCount("t1"))

	require.NoError(t, hub.Mutate("t1", snapFor("t1")))
	snap := <-updates
	assert.Equal(t, int64(1), snap.Version)
}

func TestHubTablesAreIndependent(t *testing.T) {
	hub := NewSeatHub()

	u1, c1 := hub.Subscribe("t1")
	defer c1()
	u2, c2 := hub.Subscribe("t2")
	defer c2()

	require.NoError(t, hub.Mutate("t1", snapFor("t1")))

	snap := <-u1
	assert.Equal(t, "t1", snap.TableID)
	select {
	case <-u2:
		t.Fatal("t2 subscriber must not see t1 traffic")
	default:
	}
}
