package groups

import (
	"context"
	"fmt"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/taskqueue"
	"go.uber.org/multierr"
)

// Sync resends the state of an own group. Current members get the group-create, rename and photo
// messages in that order, former members get a group-create without members. A nil to syncs all
// active members.
func (m *Manager) Sync(ctx context.Context, gi ids.GroupIdentity, to []ids.Identity, withoutCreate bool) error {
	var g *Group
	if err := m.db.RunReadOnly(fmt.Sprintf("load %s for sync", gi), func() error {
		var err error
		g, err = m.loadGroup(gi)
		return err
	}); err != nil {
		return err
	}
	if !g.IsOwnGroup() {
		return ErrNotCreator
	}

	if to == nil {
		return m.syncMembers(ctx, g, g.ActiveMembers(), withoutCreate)
	}
	all := newIdentitySet(g.AllMemberIdentities()...)
	var active, removed []ids.Identity
	for _, i := range to {
		switch {
		case i == m.me:
		case all.has(i):
			active = append(active, i)
		default:
			removed = append(removed, i)
		}
	}
	return multierr.Append(
		m.syncMembers(ctx, g, active, withoutCreate),
		m.syncRemoved(g, removed),
	)
}

func (m *Manager) syncMembers(ctx context.Context, g *Group, to []ids.Identity, withoutCreate bool) error {
	if len(to) == 0 {
		return nil
	}
	if err := m.db.Run(fmt.Sprintf("sync %s", g.Identity), func() error {
		return m.enqueueState(g, to, withoutCreate)
	}); err != nil {
		return err
	}
	if g.Photo == nil {
		return nil
	}
	return m.sendPhoto(ctx, g, to)
}

// enqueueState records the group-create and rename messages, and the photo deletion when there is
// no photo, inside the current transaction.
func (m *Manager) enqueueState(g *Group, to []ids.Identity, withoutCreate bool) error {
	if !withoutCreate {
		if err := m.queue.EnqueueTx(&taskqueue.Task{
			Type:    taskqueue.TypeGroupCreate,
			Group:   g.Identity,
			From:    m.me,
			To:      to,
			Members: g.MemberIdentities(),
		}); err != nil {
			return err
		}
	}
	if err := m.queue.EnqueueTx(&taskqueue.Task{
		Type:  taskqueue.TypeGroupRename,
		Group: g.Identity,
		From:  m.me,
		To:    to,
		Name:  g.Name,
	}); err != nil {
		return err
	}
	if g.Photo != nil {
		return nil
	}
	return m.queue.EnqueueTx(&taskqueue.Task{
		Type:  taskqueue.TypeGroupDeletePhoto,
		Group: g.Identity,
		From:  m.me,
		To:    to,
	})
}

func (m *Manager) syncRemoved(g *Group, removed []ids.Identity) error {
	if len(removed) == 0 {
		return nil
	}
	return m.queue.Enqueue(&taskqueue.Task{
		Type:    taskqueue.TypeGroupCreate,
		Group:   g.Identity,
		From:    m.me,
		To:      []ids.Identity{},
		Members: g.MemberIdentities(),
		Removed: removed,
	})
}

// PeriodicSyncIfNeeded resyncs an own group with all active members once per periodic sync interval
// and reports whether it did. The photo is sent in the background; if that fails the group is due again.
func (m *Manager) PeriodicSyncIfNeeded(ctx context.Context, gi ids.GroupIdentity) (bool, error) {
	var g *Group
	if err := m.db.Run(fmt.Sprintf("periodic sync %s", gi), func() error {
		loaded, err := m.loadGroup(gi)
		if err != nil {
			return err
		}
		if !loaded.IsOwnGroup() {
			return nil
		}
		now := m.clock.Now()
		if loaded.LastPeriodicSync != nil && now.Sub(*loaded.LastPeriodicSync) < m.periodicSyncInterval() {
			return nil
		}
		if to := loaded.ActiveMembers(); len(to) != 0 {
			if err := m.enqueueState(loaded, to, false); err != nil {
				return err
			}
		}
		nowMs := clock.ToMs(now)
		if err := m.db.setLastPeriodicSync(gi.ID[:], string(gi.Creator), &nowMs); err != nil {
			return err
		}
		g = loaded
		return nil
	}); err != nil {
		return false, err
	}
	if g == nil {
		return false, nil
	}
	m.log.Infof("periodic sync of %s", gi)
	if m.metrics != nil {
		m.metrics.PeriodicSyncs.Inc()
	}

	to := g.ActiveMembers()
	if g.Photo == nil || len(to) == 0 {
		return true, nil
	}
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		if err := m.sendPhoto(m.ctx, g, to); err != nil {
			m.log.Errorf("periodic photo sync of %s failed: %v", gi, err)
			m.rollbackPeriodicSync(gi)
		}
	}()
	return true, nil
}

func (m *Manager) rollbackPeriodicSync(gi ids.GroupIdentity) {
	if err := m.db.Run(fmt.Sprintf("rollback periodic sync %s", gi), func() error {
		return m.db.setLastPeriodicSync(gi.ID[:], string(gi.Creator), nil)
	}); err != nil {
		m.log.Errorf("error rolling back periodic sync of %s: %v", gi, err)
		return
	}
	if m.metrics != nil {
		m.metrics.PeriodicSyncRollbacks.Inc()
	}
}
