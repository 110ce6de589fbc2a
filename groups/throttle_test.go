package groups

import (
	"context"
	"testing"
	"time"

	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/taskqueue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSendSyncRequestThrottle(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := ids.NewGroupIdentity(creator)

	require.Nil(h.m.SendSyncRequest(ctx, gi, false))
	require.Nil(h.m.SendSyncRequest(ctx, gi, false))
	tasks := h.pending(t)
	require.Len(tasks, 1)
	require.Equal(taskqueue.TypeGroupSyncRequest, tasks[0].Type)
	require.Equal([]ids.Identity{creator}, tasks[0].To)
	require.Equal(gi, tasks[0].Group)
	require.Equal(float64(1), testutil.ToFloat64(h.metrics.SyncRequestsThrottled))

	require.Nil(h.m.SendSyncRequest(ctx, gi, true))
	require.Len(h.pending(t), 2)

	h.clock.Advance(h.m.syncRequestInterval() + time.Millisecond)
	require.Nil(h.m.SendSyncRequest(ctx, gi, false))
	require.Len(h.pending(t), 3)
	require.Equal(float64(3), testutil.ToFloat64(h.metrics.SyncRequestsSent))
}

func TestSendSyncRequestUnknownCreator(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := ids.NewGroupIdentity(unknown)

	require.ErrorIs(h.m.SendSyncRequest(ctx, gi, false), ErrCreatorNotFound)
	// the record was written before resolving
	require.Nil(h.m.SendSyncRequest(ctx, gi, false))
	require.Empty(h.pending(t))
}

func TestReconciliationSuppressesSyncRequest(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := h.remoteGroup(t, alice)

	g, err := h.m.Group(gi)
	require.Nil(err)
	require.True(g.DidSyncRequest())
	require.Nil(h.m.SendSyncRequest(context.Background(), gi, false))
	require.Empty(h.pending(t))
}

func TestPurgeSyncRequests(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	require.Nil(h.m.SendSyncRequest(ctx, ids.NewGroupIdentity(creator), false))
	require.Nil(h.m.SendSyncRequest(ctx, ids.NewGroupIdentity(creator), false))

	n, err := h.m.PurgeSyncRequests()
	require.Nil(err)
	require.Equal(int64(0), n)

	h.clock.Advance(h.m.syncRequestInterval() + time.Millisecond)
	n, err = h.m.PurgeSyncRequests()
	require.Nil(err)
	require.Equal(int64(2), n)

	gi := ids.NewGroupIdentity(creator)
	require.Nil(h.m.SendSyncRequest(ctx, gi, false))
	require.Nil(h.m.DeleteAllSyncRequestRecords())
	require.Nil(h.m.SendSyncRequest(ctx, gi, false))
	require.Len(h.pending(t), 4)
}

func TestSendSyncRequestOwnGroup(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	require.Nil(h.m.SendSyncRequest(context.Background(), ids.NewGroupIdentity(me), false))
	require.Empty(h.pending(t))
}
