// Package groups owns the lifecycle of groups: membership reconciliation, attribute changes, leave and dissolve,
// the creator driven sync protocol with its throttles, and the bookkeeping for rejected messages.
package groups

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/contacts"
	"github.com/meow-io/go-groupsync/events"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/metrics"
	"github.com/meow-io/go-groupsync/photo"
	"github.com/meow-io/go-groupsync/taskqueue"
	"go.uber.org/zap"
)

// Source names who triggered a reconciliation.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
	SourceSync
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceSync:
		return "sync"
	default:
		return "unknown"
	}
}

type Queue interface {
	Enqueue(t *taskqueue.Task) error
	EnqueueTx(t *taskqueue.Task) error
}

type Uploader interface {
	Upload(ctx context.Context, image []byte, noteGroup bool) (*photo.Upload, error)
}

type Manager struct {
	config     *config.Config
	db         *database
	log        *zap.SugaredLogger
	me         ids.Identity
	contacts   *contacts.Manager
	queue      Queue
	uploader   Uploader
	clock      clock.Clock
	metrics    *metrics.Metrics
	bus        *events.Bus
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, d *db.Database, me ids.Identity, cm *contacts.Manager, q Queue, u Uploader, cl clock.Clock, m *metrics.Metrics, bus *events.Bus) (*Manager, error) {
	if !me.Valid() {
		return nil, fmt.Errorf("groups: invalid identity %q", me)
	}
	database, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("groups: error making manager %w", err)
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Manager{
		config:     c,
		db:         database,
		log:        c.Logger("groups"),
		me:         me,
		contacts:   cm,
		queue:      q,
		uploader:   u,
		clock:      cl,
		metrics:    m,
		bus:        bus,
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}, nil
}

func (m *Manager) Me() ids.Identity {
	return m.me
}

// Start drops expired sync request records.
func (m *Manager) Start() error {
	_, err := m.PurgeSyncRequests()
	return err
}

// Shutdown cancels detached photo work and waits for it to finish.
func (m *Manager) Shutdown() error {
	m.cancelFunc()
	m.finished.Wait()
	return nil
}

// Group returns the group or ErrGroupNotFound.
func (m *Manager) Group(gi ids.GroupIdentity) (*Group, error) {
	var g *Group
	if err := m.db.RunReadOnly(fmt.Sprintf("get group %s", gi), func() error {
		var err error
		g, err = m.loadGroupOrNil(gi)
		return err
	}); err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

func (m *Manager) ActiveGroups() ([]*Group, error) {
	var groups []*Group
	if err := m.db.RunReadOnly("get active groups", func() error {
		entities, err := m.db.activeGroupEntities()
		if err != nil {
			return err
		}
		groups = make([]*Group, 0, len(entities))
		for _, e := range entities {
			gi, err := groupIdentity(e.GroupID, e.Creator)
			if err != nil {
				return err
			}
			g, err := m.loadGroupOrNil(gi)
			if err != nil {
				return err
			}
			if g != nil {
				groups = append(groups, g)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return groups, nil
}

func (m *Manager) SystemMessages(gi ids.GroupIdentity) ([]*SystemMessage, error) {
	var out []*SystemMessage
	if err := m.db.RunReadOnly(fmt.Sprintf("get system messages %s", gi), func() error {
		messages, err := m.db.systemMessages(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		out = make([]*SystemMessage, len(messages))
		for i, sm := range messages {
			out[i] = &SystemMessage{
				ID:    sm.ID,
				Group: gi,
				Type:  SystemMessageType(sm.Type),
				Arg:   sm.Arg,
				Date:  clock.FromMs(sm.DateMs),
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// MembersForClone returns all members except the local user, making hidden members visible contacts.
func (m *Manager) MembersForClone(gi ids.GroupIdentity) ([]ids.Identity, error) {
	var identities []ids.Identity
	if err := m.db.Run(fmt.Sprintf("members for clone %s", gi), func() error {
		conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		if conv == nil {
			return ErrGroupConversationNotFound
		}
		members, err := m.db.members(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		for _, mem := range members {
			if ids.Identity(mem.Identity) == m.me {
				continue
			}
			if mem.Hidden.Valid && mem.Hidden.Bool {
				if err := m.contacts.Store().SetHidden(mem.Identity, false); err != nil {
					return err
				}
			}
			identities = append(identities, ids.Identity(mem.Identity))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return identities, nil
}

// DeleteConversation removes the conversation with its members and messages. The group entity is kept.
func (m *Manager) DeleteConversation(gi ids.GroupIdentity) error {
	return m.db.Run(fmt.Sprintf("delete conversation %s", gi), func() error {
		return m.db.deleteConversation(gi.ID[:], string(gi.Creator))
	})
}

func groupIdentity(groupID []byte, creator string) (ids.GroupIdentity, error) {
	id, err := ids.GroupIDFromBytes(groupID)
	if err != nil {
		return ids.GroupIdentity{}, err
	}
	return ids.GroupIdentity{ID: id, Creator: ids.Identity(creator)}, nil
}

// loadGroupOrNil builds a snapshot inside the current transaction. A group needs both its entity and its conversation.
func (m *Manager) loadGroupOrNil(gi ids.GroupIdentity) (*Group, error) {
	entity, err := m.db.groupEntityOrNil(gi.ID[:], string(gi.Creator))
	if err != nil || entity == nil {
		return nil, err
	}
	conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
	if err != nil || conv == nil {
		return nil, err
	}
	members, err := m.db.members(gi.ID[:], string(gi.Creator))
	if err != nil {
		return nil, err
	}
	since := m.clock.Now().Add(-m.syncRequestInterval())
	lastRequest, err := m.db.syncRequestSinceOrNil(gi.ID[:], string(gi.Creator), clock.ToMs(since))
	if err != nil {
		return nil, err
	}

	g := &Group{
		Identity:       gi,
		State:          State(entity.State),
		Members:        make([]*Member, 0, len(members)),
		MyIdentity:     ids.Identity(conv.MyIdentity),
		Name:           conv.Name,
		Photo:          conv.Image,
		Category:       conv.Category,
		Visibility:     conv.Visibility,
		me:             m.me,
		creatorContact: conv.Contact != nil,
	}
	for _, mem := range members {
		g.Members = append(g.Members, &Member{
			Identity: ids.Identity(mem.Identity),
			Hidden:   mem.Hidden.Valid && mem.Hidden.Bool,
			Invalid:  mem.State.Valid && mem.State.Int64 == contacts.StateInvalid,
		})
	}
	if conv.ImageSetAtMs != nil {
		t := clock.FromMs(*conv.ImageSetAtMs)
		g.PhotoSetAt = &t
	}
	if entity.LastPeriodicSyncMs != nil {
		t := clock.FromMs(*entity.LastPeriodicSyncMs)
		g.LastPeriodicSync = &t
	}
	if lastRequest != nil {
		t := clock.FromMs(lastRequest.RequestedAtMs)
		g.LastSyncRequest = &t
	}
	return g, nil
}

// loadGroup distinguishes a missing conversation from a missing group.
func (m *Manager) loadGroup(gi ids.GroupIdentity) (*Group, error) {
	g, err := m.loadGroupOrNil(gi)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return g, nil
	}
	entity, err := m.db.groupEntityOrNil(gi.ID[:], string(gi.Creator))
	if err != nil {
		return nil, err
	}
	if entity != nil {
		return nil, ErrGroupConversationNotFound
	}
	return nil, ErrGroupNotFound
}

func (m *Manager) postSystemMessage(gi ids.GroupIdentity, t SystemMessageType, arg *string, date time.Time) error {
	if err := m.db.insertSystemMessage(&systemMessage{
		GroupID: gi.ID[:],
		Creator: string(gi.Creator),
		Type:    int(t),
		Arg:     arg,
		DateMs:  clock.ToMs(date),
	}); err != nil {
		return err
	}
	m.log.Debugf("posted %s in %s", t, gi)
	if m.bus != nil {
		m.db.AfterCommit(func() {
			m.bus.Publish(&SystemMessagePosted{Identity: gi, Type: t, Arg: arg})
		})
	}
	return nil
}

func (m *Manager) publishUpdate(g *Group) {
	if m.bus == nil || g == nil {
		return
	}
	update := &GroupUpdate{Identity: g.Identity, State: g.State, MemberCount: g.NumberOfMembers()}
	m.db.AfterCommit(func() {
		m.bus.Publish(update)
	})
}

func (m *Manager) syncRequestInterval() time.Duration {
	return time.Duration(m.config.SyncRequestIntervalMs) * time.Millisecond
}

func (m *Manager) periodicSyncInterval() time.Duration {
	return time.Duration(m.config.PeriodicSyncIntervalMs) * time.Millisecond
}

func strPtr(s string) *string {
	return &s
}
