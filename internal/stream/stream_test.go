package stream

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"metaprofile.org/internal/registry"
)

func TestRegistryEventsReachSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	reg := registry.NewInMemory(registry.WithObserver(s))
	owner := common.HexToAddress("0x00000000000000000000000000000000000000b7")
	id, err := reg.Mint(context.Background(), owner, true)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, registry.EventMint, ev.Kind)
		require.Equal(t, id, ev.TokenID)
		require.Equal(t, uint64(1), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)

	for i := 0; i < 100; i++ {
		s.Publish(registry.Event{Seq: uint64(i + 1), Kind: registry.EventBurn})
	}
	require.Len(t, ch, 16)
	require.Equal(t, uint64(84), s.Dropped())

	cancel()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeFiltersKinds(t *testing.T) {
	s := New(WithBuffer(4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leases := s.Subscribe(ctx, registry.EventLease, registry.EventSublease)
	all := s.Subscribe(ctx)

	s.Publish(registry.Event{Seq: 1, Kind: registry.EventMint})
	s.Publish(registry.Event{Seq: 2, Kind: registry.EventLease})
	s.Publish(registry.Event{Seq: 3, Kind: registry.EventBurn})

	require.Len(t, all, 3)
	require.Len(t, leases, 1)
	ev := <-leases
	require.Equal(t, uint64(2), ev.Seq)
	require.Zero(t, s.Dropped())
}
