// Package taskqueue is the durable, ordered outbound queue for group protocol messages.
// A task is recorded before Enqueue returns; delivery happens later, in order and at least once.
package taskqueue

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/metrics"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type Type string

const (
	TypeGroupCreate      Type = "group-create"
	TypeGroupRename      Type = "group-rename"
	TypeGroupSetPhoto    Type = "set-profile-picture"
	TypeGroupDeletePhoto Type = "delete-profile-picture"
	TypeGroupLeave       Type = "group-leave"
	TypeGroupDissolve    Type = "group-dissolve"
	TypeGroupSyncRequest Type = "request-sync"
)

// Task describes one outbound protocol message. Removed identities receive a group-create with an empty member list.
type Task struct {
	ID       string
	Seq      uint64
	Type     Type
	Group    ids.GroupIdentity
	From     ids.Identity
	To       []ids.Identity
	Members  []ids.Identity
	Removed  []ids.Identity
	Hidden   []ids.Identity
	Name     *string
	BlobID   []byte
	BlobKey  []byte
	Size     uint32
	State    int
	Attempts int
	CtimeMs  uint64
}

// Sender hands a task to the transport. An error leaves the task at the head of the queue.
type Sender func(ctx context.Context, t *Task) error

type boolChannel chan bool

type Queue struct {
	config     *config.Config
	db         *database
	log        *zap.SugaredLogger
	clock      clock.Clock
	metrics    *metrics.Metrics
	sender     Sender
	pending    boolChannel
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
	entropy    *ulid.MonotonicEntropy
	entropyMu  sync.Mutex
}

func NewQueue(c *config.Config, d *db.Database, cl clock.Clock, m *metrics.Metrics, s Sender) (*Queue, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: error making queue %w", err)
	}
	return &Queue{
		config:  c,
		db:      database,
		log:     c.Logger("taskqueue"),
		clock:   cl,
		metrics: m,
		sender:  s,
		pending: make(boolChannel, 1),
		entropy: ulid.Monotonic(crypto_rand.Reader, 0),
	}, nil
}

// Enqueue durably records t in its own transaction. It must not be called while holding the database lock.
func (q *Queue) Enqueue(t *Task) error {
	return q.db.Run(fmt.Sprintf("enqueue %s for %s", t.Type, t.Group), func() error {
		return q.EnqueueTx(t)
	})
}

// EnqueueTx records t inside the caller's open transaction, so it commits or rolls back with it.
func (q *Queue) EnqueueTx(t *Task) error {
	id, err := q.newID()
	if err != nil {
		return err
	}
	t.ID = id
	t.State = StateUndelivered
	t.Attempts = 0
	t.CtimeMs = q.clock.CurrentTimeMs()
	seq, err := q.db.insertTask(&task{
		ID:      t.ID,
		Type:    string(t.Type),
		GroupID: t.Group.ID[:],
		Creator: string(t.Group.Creator),
		From:    string(t.From),
		Name:    t.Name,
		BlobID:  t.BlobID,
		BlobKey: t.BlobKey,
		Size:    t.Size,
		State:   t.State,
		CtimeMs: t.CtimeMs,
	})
	if err != nil {
		return err
	}
	t.Seq = seq
	for role, identities := range map[int][]ids.Identity{roleTo: t.To, roleMember: t.Members, roleRemoved: t.Removed, roleHidden: t.Hidden} {
		if err := q.db.insertTaskIdentities(seq, role, toStrings(identities)); err != nil {
			return err
		}
	}
	taskType := t.Type
	q.db.AfterCommit(func() {
		if q.metrics != nil {
			q.metrics.TasksEnqueued.WithLabelValues(string(taskType)).Inc()
		}
		q.pump()
	})
	return nil
}

// Pending lists undelivered tasks in enqueue order.
func (q *Queue) Pending() ([]*Task, error) {
	var tasks []*Task
	if err := q.db.RunReadOnly("listing pending tasks", func() error {
		rows, err := q.db.undeliveredTasks()
		if err != nil {
			return err
		}
		tasks = make([]*Task, 0, len(rows))
		for _, r := range rows {
			t, err := q.load(r)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return tasks, nil
}

// PurgeDelivered drops delivered tasks created before the cutoff.
func (q *Queue) PurgeDelivered(before time.Time) (int64, error) {
	var n int64
	if err := q.db.Run("purging delivered tasks", func() error {
		var err error
		n, err = q.db.deleteDeliveredBefore(clock.ToMs(before))
		return err
	}); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queue) Start() error {
	if q.sender == nil {
		return fmt.Errorf("taskqueue: no sender configured")
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	q.cancelFunc = cancelFunc
	q.startDelivery(ctx)
	q.pump()
	return nil
}

func (q *Queue) Shutdown() error {
	if q.cancelFunc != nil {
		q.cancelFunc()
		q.finished.Wait()
		q.cancelFunc = nil
	}
	return nil
}

func (q *Queue) pump() {
	select {
	case q.pending <- true:
	default:
	}
}

func (q *Queue) startDelivery(ctx context.Context) {
	q.finished.Add(1)
	go func() {
		defer q.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.pending:
				for {
					delivered, err := q.deliverHead(ctx)
					if err != nil {
						q.log.Warnf("delivery failed, retrying in %dms: %v", q.config.DeliveryRetryMs, err)
						select {
						case <-ctx.Done():
							return
						case <-time.After(time.Duration(q.config.DeliveryRetryMs) * time.Millisecond):
						}
						continue
					}
					if !delivered {
						break
					}
				}
			}
		}
	}()
}

// deliverHead sends the oldest undelivered task. It returns false once the queue is drained.
func (q *Queue) deliverHead(ctx context.Context) (bool, error) {
	var head *Task
	if err := q.db.RunReadOnly("loading head task", func() error {
		r, err := q.db.headTaskOrNil()
		if err != nil || r == nil {
			return err
		}
		head, err = q.load(r)
		return err
	}); err != nil {
		return false, err
	}
	if head == nil {
		return false, nil
	}

	sendErr := q.sender(ctx, head)
	if err := q.db.Run(fmt.Sprintf("recording delivery of %s", head.ID), func() error {
		if sendErr != nil {
			return q.db.incrementAttempts(head.Seq)
		}
		return q.db.markDelivered(head.Seq)
	}); err != nil {
		return false, err
	}
	if sendErr != nil {
		if q.metrics != nil {
			q.metrics.TaskDeliveryFailures.WithLabelValues(string(head.Type)).Inc()
		}
		return false, fmt.Errorf("taskqueue: error sending %s %s: %w", head.Type, head.ID, sendErr)
	}
	if q.metrics != nil {
		q.metrics.TasksDelivered.WithLabelValues(string(head.Type)).Inc()
	}
	q.log.Debugf("delivered %s %s for %s", head.Type, head.ID, head.Group)
	return true, nil
}

func (q *Queue) load(r *task) (*Task, error) {
	groupID, err := ids.GroupIDFromBytes(r.GroupID)
	if err != nil {
		return nil, err
	}
	t := &Task{
		ID:       r.ID,
		Seq:      r.Seq,
		Type:     Type(r.Type),
		Group:    ids.GroupIdentity{ID: groupID, Creator: ids.Identity(r.Creator)},
		From:     ids.Identity(r.From),
		To:       []ids.Identity{},
		Members:  []ids.Identity{},
		Removed:  []ids.Identity{},
		Hidden:   []ids.Identity{},
		Name:     r.Name,
		BlobID:   r.BlobID,
		BlobKey:  r.BlobKey,
		Size:     r.Size,
		State:    r.State,
		Attempts: r.Attempts,
		CtimeMs:  r.CtimeMs,
	}
	identities, err := q.db.taskIdentities(r.Seq)
	if err != nil {
		return nil, err
	}
	for _, ti := range identities {
		switch ti.Role {
		case roleTo:
			t.To = append(t.To, ids.Identity(ti.Identity))
		case roleMember:
			t.Members = append(t.Members, ids.Identity(ti.Identity))
		case roleRemoved:
			t.Removed = append(t.Removed, ids.Identity(ti.Identity))
		case roleHidden:
			t.Hidden = append(t.Hidden, ids.Identity(ti.Identity))
		}
	}
	return t, nil
}

func (q *Queue) newID() (string, error) {
	q.entropyMu.Lock()
	defer q.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(q.clock.Now()), q.entropy)
	if err != nil {
		return "", fmt.Errorf("taskqueue: error making task id: %w", err)
	}
	return id.String(), nil
}

func toStrings(identities []ids.Identity) []string {
	out := make([]string, len(identities))
	for i, id := range identities {
		out[i] = string(id)
	}
	return out
}
