package groups

import (
	"context"
	"fmt"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/contacts"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/taskqueue"
)

// SendSyncRequest asks the creator of gi to resend the group state. At most one request is sent per
// sync request interval unless force is set.
func (m *Manager) SendSyncRequest(ctx context.Context, gi ids.GroupIdentity, force bool) error {
	if gi.Creator == m.me {
		m.log.Debugf("not requesting sync of own group %s", gi)
		return nil
	}

	throttled := false
	if err := m.db.Run(fmt.Sprintf("record sync request %s", gi), func() error {
		now := m.clock.Now()
		since := clock.ToMs(now.Add(-m.syncRequestInterval()))
		r, err := m.db.syncRequestSinceOrNil(gi.ID[:], string(gi.Creator), since)
		if err != nil {
			return err
		}
		if r != nil && !force {
			throttled = true
			return nil
		}
		// written before the creator is resolved so a concurrent trigger sees it
		return m.db.upsertSyncRequest(&syncRequest{GroupID: gi.ID[:], Creator: string(gi.Creator), RequestedAtMs: clock.ToMs(now)})
	}); err != nil {
		return err
	}
	if throttled {
		m.log.Debugf("sync request for %s throttled", gi)
		if m.metrics != nil {
			m.metrics.SyncRequestsThrottled.Inc()
		}
		return nil
	}

	r := m.contacts.Resolve(ctx, string(gi.Creator))
	if r.Outcome != contacts.Found {
		m.log.Warnf("cannot request sync of %s, creator is %s", gi, r.Outcome)
		return ErrCreatorNotFound
	}
	if err := m.queue.Enqueue(&taskqueue.Task{
		Type:  taskqueue.TypeGroupSyncRequest,
		Group: gi,
		From:  m.me,
		To:    []ids.Identity{gi.Creator},
	}); err != nil {
		return err
	}
	m.log.Infof("requested sync of %s", gi)
	if m.metrics != nil {
		m.metrics.SyncRequestsSent.Inc()
	}
	return nil
}

func (m *Manager) recordSyncRequest(gi ids.GroupIdentity) error {
	return m.db.Run(fmt.Sprintf("record pseudo sync request %s", gi), func() error {
		return m.db.upsertSyncRequest(&syncRequest{GroupID: gi.ID[:], Creator: string(gi.Creator), RequestedAtMs: m.clock.CurrentTimeMs()})
	})
}

// PurgeSyncRequests removes records older than the sync request interval and returns how many were dropped.
func (m *Manager) PurgeSyncRequests() (int64, error) {
	var n int64
	if err := m.db.Run("purge sync requests", func() error {
		var err error
		n, err = m.db.deleteSyncRequestsBefore(clock.ToMs(m.clock.Now().Add(-m.syncRequestInterval())))
		return err
	}); err != nil {
		return 0, err
	}
	if n != 0 {
		m.log.Debugf("purged %d sync requests", n)
	}
	return n, nil
}

func (m *Manager) DeleteAllSyncRequestRecords() error {
	return m.db.Run("delete all sync requests", func() error {
		return m.db.deleteAllSyncRequests()
	})
}
