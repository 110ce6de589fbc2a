package groups

import (
	"context"
	"testing"

	"github.com/meow-io/go-groupsync/ids"
	"github.com/stretchr/testify/require"
)

func TestRejectedMarksFollowMembership(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := h.ownGroup(t, alice, bob)

	first, second := []byte("message-1"), []byte("message-2")
	require.Nil(h.m.RecordOutgoingMessage(gi, first, true))
	require.Nil(h.m.RecordOutgoingMessage(gi, second, false))
	require.Nil(h.m.MarkRejected(first, bob))
	require.Nil(h.m.MarkRejected(second, alice))
	require.Nil(h.m.MarkRejected(second, bob))

	msg, err := h.m.Message(first)
	require.Nil(err)
	require.True(msg.SendFailed)
	require.Equal([]ids.Identity{bob}, msg.RejectedBy)

	_, err = h.m.LeaveDB(gi, bob, h.clock.Now())
	require.Nil(err)

	msg, err = h.m.Message(first)
	require.Nil(err)
	require.Empty(msg.RejectedBy)
	require.False(msg.SendFailed)

	// never sent successfully, the flag stays
	msg, err = h.m.Message(second)
	require.Nil(err)
	require.Equal([]ids.Identity{alice}, msg.RejectedBy)
	require.True(msg.SendFailed)

	_, _, err = h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me, carol}, h.clock.Now())
	require.Nil(err)
	rejectedBy, err := h.m.RejectedBy(second)
	require.Nil(err)
	require.Empty(rejectedBy)
}

func TestRejectedMarksClearedOnLeave(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := h.remoteGroup(t, alice)

	id := []byte("message-1")
	require.Nil(h.m.RecordOutgoingMessage(gi, id, true))
	require.Nil(h.m.MarkRejected(id, alice))

	require.Nil(h.m.Leave(context.Background(), gi, nil, h.clock.Now()))
	msg, err := h.m.Message(id)
	require.Nil(err)
	require.Empty(msg.RejectedBy)
	require.False(msg.SendFailed)
}

func TestRejectedMarksClearedOnForcedLeave(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := h.remoteGroup(t, alice, bob)

	sent, unsent := []byte("message-1"), []byte("message-2")
	require.Nil(h.m.RecordOutgoingMessage(gi, sent, true))
	require.Nil(h.m.RecordOutgoingMessage(gi, unsent, false))
	require.Nil(h.m.MarkRejected(sent, alice))
	require.Nil(h.m.MarkRejected(unsent, bob))

	now := h.clock.Now()
	g, err := h.m.CreateOrUpdateDB(context.Background(), gi, []ids.Identity{alice, bob}, &now, SourceRemote)
	require.Nil(err)
	require.True(g.DidForcedLeave())

	msg, err := h.m.Message(sent)
	require.Nil(err)
	require.Empty(msg.RejectedBy)
	require.False(msg.SendFailed)

	msg, err = h.m.Message(unsent)
	require.Nil(err)
	require.Empty(msg.RejectedBy)
	require.True(msg.SendFailed)
}

func TestMarkRejectedUnknownMessage(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	require.ErrorIs(h.m.MarkRejected([]byte("missing"), alice), errMessageNotFound)
	require.ErrorIs(h.m.RecordOutgoingMessage(ids.NewGroupIdentity(me), []byte("x"), true), ErrGroupConversationNotFound)
}
