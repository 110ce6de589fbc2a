package groups

import (
	"fmt"

	"github.com/meow-io/go-groupsync/ids"
)

// Message is an outgoing group message as far as redelivery bookkeeping is concerned.
type Message struct {
	ID         []byte
	Group      ids.GroupIdentity
	Sent       bool
	SendFailed bool
	RejectedBy []ids.Identity
}

// RecordOutgoingMessage registers a message sent to gi, or updates its sent flag.
func (m *Manager) RecordOutgoingMessage(gi ids.GroupIdentity, id []byte, sent bool) error {
	return m.db.Run(fmt.Sprintf("record message %x", id), func() error {
		conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		if conv == nil {
			return ErrGroupConversationNotFound
		}
		existing, err := m.db.messageOrNil(id)
		if err != nil {
			return err
		}
		msg := &message{ID: id, GroupID: gi.ID[:], Creator: string(gi.Creator), Sent: sent, CtimeMs: m.clock.CurrentTimeMs()}
		if existing != nil {
			msg.SendFailed = existing.SendFailed
		}
		return m.db.insertMessage(msg)
	})
}

// MarkRejected records that identity rejected the message and asked for it to be sent again.
func (m *Manager) MarkRejected(id []byte, identity ids.Identity) error {
	return m.db.Run(fmt.Sprintf("mark %x rejected", id), func() error {
		msg, err := m.db.messageOrNil(id)
		if err != nil {
			return err
		}
		if msg == nil {
			return errMessageNotFound
		}
		if err := m.db.insertRejection(id, string(identity)); err != nil {
			return err
		}
		return m.db.setSendFailed(id, true)
	})
}

func (m *Manager) RejectedBy(id []byte) ([]ids.Identity, error) {
	msg, err := m.Message(id)
	if err != nil {
		return nil, err
	}
	return msg.RejectedBy, nil
}

func (m *Manager) Message(id []byte) (*Message, error) {
	var out *Message
	if err := m.db.RunReadOnly(fmt.Sprintf("get message %x", id), func() error {
		msg, err := m.db.messageOrNil(id)
		if err != nil {
			return err
		}
		if msg == nil {
			return errMessageNotFound
		}
		gi, err := groupIdentity(msg.GroupID, msg.Creator)
		if err != nil {
			return err
		}
		rejections, err := m.db.rejections(id)
		if err != nil {
			return err
		}
		out = &Message{ID: msg.ID, Group: gi, Sent: msg.Sent, SendFailed: msg.SendFailed}
		for _, r := range rejections {
			out.RejectedBy = append(out.RejectedBy, ids.Identity(r))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// refreshRejectedMessages drops marks that reference identities outside the group. Leaving the group
// releases every mark. It runs inside the caller's transaction.
func (m *Manager) refreshRejectedMessages(g *Group) error {
	messages, err := m.db.rejectedMessages(g.Identity.ID[:], string(g.Identity.Creator))
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	members := newIdentitySet(g.AllMemberIdentities()...)
	for _, msg := range messages {
		if g.State != StateActive {
			if err := m.db.deleteRejections(msg.ID); err != nil {
				return err
			}
			if msg.Sent {
				if err := m.db.setSendFailed(msg.ID, false); err != nil {
					return err
				}
			}
			continue
		}
		rejections, err := m.db.rejections(msg.ID)
		if err != nil {
			return err
		}
		remaining := len(rejections)
		for _, r := range rejections {
			if members.has(ids.Identity(r)) {
				continue
			}
			if err := m.db.deleteRejection(msg.ID, r); err != nil {
				return err
			}
			remaining--
		}
		if remaining == 0 && msg.Sent {
			if err := m.db.setSendFailed(msg.ID, false); err != nil {
				return err
			}
		}
	}
	m.log.Debugf("refreshed %d rejected messages of %s", len(messages), g.Identity)
	return nil
}
