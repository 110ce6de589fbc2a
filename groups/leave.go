package groups

import (
	"context"
	"fmt"
	"time"

	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/taskqueue"
	"golang.org/x/exp/slices"
)

// Leave tells the other members that the local user left gi, then leaves locally. The leave message is
// sent even when the group is unknown or already left. Creators dissolve instead, for them this is a no-op.
// A nil toMembers addresses the current members.
func (m *Manager) Leave(ctx context.Context, gi ids.GroupIdentity, toMembers []ids.Identity, date time.Time) error {
	if gi.Creator == m.me {
		m.log.Warnf("creator cannot leave %s, dissolve it instead", gi)
		return nil
	}

	var g *Group
	if err := m.db.RunReadOnly(fmt.Sprintf("load %s for leave", gi), func() error {
		var err error
		g, err = m.loadGroupOrNil(gi)
		return err
	}); err != nil {
		return err
	}

	to := toMembers
	var hidden []ids.Identity
	if g != nil {
		if to == nil {
			to = g.ActiveMembers()
		}
		for _, mem := range g.Members {
			if mem.Hidden {
				hidden = append(hidden, mem.Identity)
			}
		}
	}
	if len(to) == 0 {
		to = []ids.Identity{m.me}
	}
	if err := m.queue.Enqueue(&taskqueue.Task{
		Type:   taskqueue.TypeGroupLeave,
		Group:  gi,
		From:   m.me,
		To:     to,
		Hidden: hidden,
	}); err != nil {
		return err
	}

	if g == nil || g.DidLeave() || g.DidForcedLeave() {
		return nil
	}
	_, err := m.LeaveDB(gi, m.me, date)
	return err
}

// LeaveDB removes member from the persisted membership of gi. The local user leaving moves the group to
// the left state.
func (m *Manager) LeaveDB(gi ids.GroupIdentity, member ids.Identity, date time.Time) (*Group, error) {
	var g *Group
	if err := m.db.Run(fmt.Sprintf("%s leaves %s", member, gi), func() error {
		before, err := m.loadGroup(gi)
		if err != nil {
			return err
		}
		g = before

		switch {
		case slices.Contains(before.MemberIdentities(), member):
			if err := m.db.deleteMember(gi.ID[:], string(gi.Creator), string(member)); err != nil {
				return err
			}
			if err := m.postSystemMessage(gi, SystemMessageMemberLeft, strPtr(string(member)), date); err != nil {
				return err
			}
			if g, err = m.loadGroup(gi); err != nil {
				return err
			}
			if before.IsSelfCreator() && g.IsNoteGroup() {
				if err := m.postSystemMessage(gi, SystemMessageStartNoteGroup, nil, date); err != nil {
					return err
				}
			} else if member == gi.Creator && !before.IsNoteGroup() {
				if err := m.postSystemMessage(gi, SystemMessageCreatorLeft, nil, date); err != nil {
					return err
				}
			}
		case member == m.me && !before.DidLeave():
			entity, err := m.db.groupEntityOrNil(gi.ID[:], string(gi.Creator))
			if err != nil {
				return err
			}
			entity.State = int(StateLeft)
			if err := m.db.upsertGroupEntity(entity); err != nil {
				return err
			}
			conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
			if err != nil {
				return err
			}
			if conv.MyIdentity != string(m.me) {
				conv.MyIdentity = string(m.me)
				if err := m.db.updateConversation(conv); err != nil {
					return err
				}
			}
			if err := m.postSystemMessage(gi, SystemMessageSelfLeft, nil, date); err != nil {
				return err
			}
			if g, err = m.loadGroup(gi); err != nil {
				return err
			}
			m.log.Infof("left %s", gi)
		default:
			m.log.Debugf("%s is not a member of %s", member, gi)
		}

		if err := m.refreshRejectedMessages(g); err != nil {
			return err
		}
		m.publishUpdate(g)
		return nil
	}); err != nil {
		return nil, err
	}
	return g, nil
}

// Dissolve removes every member (or only to) from an own group and leaves it. When the conversation is
// gone but the group was left before, only the identities in to are told they were removed.
func (m *Manager) Dissolve(ctx context.Context, gi ids.GroupIdentity, to []ids.Identity) error {
	if gi.Creator != m.me {
		return ErrNotCreator
	}

	var g *Group
	var entity *groupEntity
	if err := m.db.RunReadOnly(fmt.Sprintf("load %s for dissolve", gi), func() error {
		var err error
		if g, err = m.loadGroupOrNil(gi); err != nil {
			return err
		}
		entity, err = m.db.groupEntityOrNil(gi.ID[:], string(gi.Creator))
		return err
	}); err != nil {
		return err
	}

	if g == nil {
		if entity == nil {
			return ErrGroupNotFound
		}
		if State(entity.State) != StateLeft {
			return ErrGroupConversationNotFound
		}
		if to == nil {
			return ErrMembersMissing
		}
		removed := make([]ids.Identity, 0, len(to))
		for _, i := range to {
			if i != m.me {
				removed = append(removed, i)
			}
		}
		return m.queue.Enqueue(&taskqueue.Task{
			Type:    taskqueue.TypeGroupCreate,
			Group:   gi,
			From:    m.me,
			To:      []ids.Identity{},
			Members: []ids.Identity{},
			Removed: removed,
		})
	}

	recipients := to
	if recipients == nil {
		recipients = g.ActiveMembers()
	}
	if len(recipients) != 0 {
		if err := m.queue.Enqueue(&taskqueue.Task{
			Type:  taskqueue.TypeGroupDissolve,
			Group: gi,
			From:  m.me,
			To:    recipients,
		}); err != nil {
			return err
		}
	}
	if g.State != StateActive {
		return nil
	}
	_, err := m.LeaveDB(gi, m.me, m.clock.Now())
	return err
}
