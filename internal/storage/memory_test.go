package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLazyEviction(t *testing.T) {
	clock := newTestClock()
	s := NewMemoryStore(testIdle, WithClock(clock.Now))
	l := testLease(t, "aa:bb:cc:dd:ee:01", "10.0.0.1")
	require.NoError(t, s.Put(l))

	clock.Advance(testIdle + time.Second)
	assert.Equal(t, 1, s.Len(), "eviction should wait for an access or a sweep")

	got, err := s.Get(l.HardwareAddr)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreNoIdleWindow(t *testing.T) {
	clock := newTestClock()
	s := NewMemoryStore(0, WithClock(clock.Now))
	l := testLease(t, "aa:bb:cc:dd:ee:01", "10.0.0.1")
	require.NoError(t, s.Put(l))

	clock.Advance(1000 * time.Hour)
	got, _ := s.Get(l.HardwareAddr)
	assert.NotNil(t, got)
}

func TestMemoryStoreSweepAcrossShards(t *testing.T) {
	clock := newTestClock()
	s := NewMemoryStore(testIdle, WithClock(clock.Now))
	for i := 0; i < 200; i++ {
		mac := fmt.Sprintf("02:00:00:00:%02x:%02x", i/256, i%256)
		require.NoError(t, s.Put(testLease(t, mac, "10.0.0.1")))
	}
	assert.Equal(t, 200, s.Len())

	clock.Advance(testIdle + time.Second)
	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 200, n)
	assert.Equal(t, 0, s.Len())
}

func TestStartCleanup(t *testing.T) {
	clock := newTestClock()
	s := NewMemoryStore(testIdle, WithClock(clock.Now))
	require.NoError(t, s.Put(testLease(t, "aa:bb:cc:dd:ee:01", "10.0.0.1")))
	clock.Advance(testIdle + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartCleanup(ctx, s, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}
