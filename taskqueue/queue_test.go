package taskqueue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/internal/test"
	"github.com/meow-io/go-groupsync/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type recordingSender struct {
	lock      sync.Mutex
	delivered []*Task
	failures  int
	done      chan *Task
}

func newRecordingSender(failures int) *recordingSender {
	return &recordingSender{failures: failures, done: make(chan *Task, 100)}
}

func (rs *recordingSender) send(ctx context.Context, t *Task) error {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if rs.failures > 0 {
		rs.failures--
		return errors.New("transport unavailable")
	}
	rs.delivered = append(rs.delivered, t)
	rs.done <- t
	return nil
}

func newTestQueue(s Sender) (*Queue, *metrics.Metrics) {
	c := config.NewConfig(config.WithoutLogFile(), config.WithDeliveryRetryMs(10))
	d := test.NewTestDatabase(c)
	m := metrics.New(nil)
	q, err := NewQueue(c, d, clock.NewSystemClock(), m, s)
	if err != nil {
		panic(err)
	}
	return q, m
}

func TestEnqueueAndPending(t *testing.T) {
	require := require.New(t)
	q, m := newTestQueue(nil)
	gi := ids.NewGroupIdentity("CREATOR1")
	name := "friends"

	require.Nil(q.Enqueue(&Task{
		Type:    TypeGroupCreate,
		Group:   gi,
		To:      []ids.Identity{"AAAAAAAA", "BBBBBBBB"},
		Members: []ids.Identity{"AAAAAAAA", "BBBBBBBB"},
		Removed: []ids.Identity{"CCCCCCCC"},
	}))
	require.Nil(q.Enqueue(&Task{Type: TypeGroupRename, Group: gi, To: []ids.Identity{"AAAAAAAA"}, Name: &name}))

	pending, err := q.Pending()
	require.Nil(err)
	require.Len(pending, 2)
	require.Equal(TypeGroupCreate, pending[0].Type)
	require.Equal(gi, pending[0].Group)
	require.Equal([]ids.Identity{"AAAAAAAA", "BBBBBBBB"}, pending[0].Members)
	require.Equal([]ids.Identity{"CCCCCCCC"}, pending[0].Removed)
	require.Equal(TypeGroupRename, pending[1].Type)
	require.Equal("friends", *pending[1].Name)
	require.Empty(pending[1].Members)
	require.Less(pending[0].Seq, pending[1].Seq)
	require.NotEqual(pending[0].ID, pending[1].ID)

	require.Eventually(func() bool {
		return testutil.ToFloat64(m.TasksEnqueued.WithLabelValues(string(TypeGroupCreate))) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueTxRollsBack(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(nil)
	gi := ids.NewGroupIdentity("CREATOR1")
	boom := errors.New("boom")

	err := q.db.Run("enqueue then fail", func() error {
		if err := q.EnqueueTx(&Task{Type: TypeGroupLeave, Group: gi, From: "AAAAAAAA"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(err, boom)

	pending, err := q.Pending()
	require.Nil(err)
	require.Empty(pending)
}

func TestDeliveryInOrderWithRetry(t *testing.T) {
	require := require.New(t)
	rs := newRecordingSender(2)
	q, m := newTestQueue(rs.send)
	gi := ids.NewGroupIdentity("CREATOR1")

	for _, tt := range []Type{TypeGroupCreate, TypeGroupRename, TypeGroupDeletePhoto} {
		require.Nil(q.Enqueue(&Task{Type: tt, Group: gi, To: []ids.Identity{"AAAAAAAA"}}))
	}
	require.Nil(q.Start())
	defer func() {
		require.Nil(q.Shutdown())
	}()

	for _, tt := range []Type{TypeGroupCreate, TypeGroupRename, TypeGroupDeletePhoto} {
		select {
		case d := <-rs.done:
			require.Equal(tt, d.Type)
		case <-time.After(5 * time.Second):
			require.FailNow("timed out waiting for delivery")
		}
	}

	require.Eventually(func() bool {
		pending, err := q.Pending()
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(float64(2), testutil.ToFloat64(m.TaskDeliveryFailures.WithLabelValues(string(TypeGroupCreate))))

	n, err := q.PurgeDelivered(time.Now().Add(time.Hour))
	require.Nil(err)
	require.Equal(int64(3), n)
}

func TestStartWithoutSender(t *testing.T) {
	require := require.New(t)
	q, _ := newTestQueue(nil)
	require.NotNil(q.Start())
	require.Nil(q.Shutdown())
}
