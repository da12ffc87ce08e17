package memnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evgraph/internal/event"
	"github.com/roach88/evgraph/internal/syncer"
	"github.com/roach88/evgraph/internal/wire"
)

func TestHub_SendAndReceive(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	hub.Connect("a", "b")

	assert.Equal(t, []syncer.PeerID{"b"}, a.Peers())
	assert.Equal(t, []syncer.PeerID{"a"}, b.Peers())

	id := event.Genesis(1).ID()
	require.NoError(t, a.SendTo(context.Background(), "b", wire.EventRequest{ID: id}))

	got := <-b.Inbox("a")
	assert.Equal(t, wire.EventRequest{ID: id}, got)
}

func TestHub_DisconnectFailsSends(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	hub.Join("b")

	err := a.SendTo(context.Background(), "b", wire.TipRequest{})
	assert.ErrorIs(t, err, ErrNotConnected)

	hub.Connect("a", "b")
	hub.Disconnect("a", "b")
	assert.Empty(t, a.Peers())
	err = a.SendTo(context.Background(), "b", wire.TipRequest{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEndpoint_FilterDrops(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	hub.Connect("a", "b")

	a.SetFilter(func(_ syncer.PeerID, msg wire.Message) bool {
		return msg.Kind() != wire.KindTipRequest
	})
	require.NoError(t, a.Broadcast(context.Background(), wire.TipRequest{}))
	require.NoError(t, a.Broadcast(context.Background(), wire.TipReply{}))

	got := <-b.Inbox("a")
	assert.Equal(t, wire.KindTipReply, got.Kind())
	assert.Empty(t, b.Inbox("a"))
}

func TestHub_Pending(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	hub.Connect("a", "b")
	assert.Zero(t, hub.Pending())

	ctx := context.Background()
	require.NoError(t, a.SendTo(ctx, "b", wire.TipRequest{}))
	require.NoError(t, b.SendTo(ctx, "a", wire.TipRequest{}))
	assert.Equal(t, 2, hub.Pending())

	<-b.Inbox("a")
	assert.Equal(t, 1, hub.Pending())
}
