package groups

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/contacts"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/taskqueue"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

type identitySet map[ids.Identity]struct{}

func newIdentitySet(identities ...ids.Identity) identitySet {
	s := make(identitySet, len(identities))
	for _, i := range identities {
		s[i] = struct{}{}
	}
	return s
}

func (s identitySet) has(i ids.Identity) bool {
	_, ok := s[i]
	return ok
}

func (s identitySet) sorted() []ids.Identity {
	out := maps.Keys(s)
	slices.Sort(out)
	return out
}

// membershipDelta is what a reconciliation changed, computed inside its transaction.
type membershipDelta struct {
	existed   bool
	wasActive bool
	added     []ids.Identity
	removed   []ids.Identity
}

func (d *membershipDelta) unchanged() bool {
	return d.existed && d.wasActive && len(d.added) == 0 && len(d.removed) == 0
}

// CreateOrUpdate reconciles a group created by the local user and broadcasts the membership to its members.
// newMembers is nil when the group is new or nobody was added.
func (m *Manager) CreateOrUpdate(ctx context.Context, gi ids.GroupIdentity, members []ids.Identity, date time.Time) (*Group, []ids.Identity, error) {
	if gi.Creator != m.me {
		return nil, nil, ErrNotCreator
	}
	g, delta, err := m.createOrUpdateDB(ctx, gi, members, &date, SourceLocal, true)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		return nil, nil, ErrGroupNotFound
	}
	if !delta.existed {
		return g, nil, nil
	}
	return g, delta.added, nil
}

// CreateOrUpdateDB makes the persisted membership of gi match members. A nil date posts no membership
// system messages. The returned group is nil when the local user is not a member and the group is unknown.
func (m *Manager) CreateOrUpdateDB(ctx context.Context, gi ids.GroupIdentity, members []ids.Identity, date *time.Time, source Source) (*Group, error) {
	g, _, err := m.createOrUpdateDB(ctx, gi, members, date, source, false)
	return g, err
}

// createOrUpdateDB reconciles gi. With broadcast set the group-create is enqueued in the reconciling
// transaction, so overlapping calls each announce the delta they actually applied.
func (m *Manager) createOrUpdateDB(ctx context.Context, gi ids.GroupIdentity, members []ids.Identity, date *time.Time, source Source, broadcast bool) (*Group, *membershipDelta, error) {
	if m.metrics != nil {
		m.metrics.Reconciliations.WithLabelValues(source.String()).Inc()
	}
	if gi.Creator != m.me {
		if err := m.checkCreator(ctx, gi, members); err != nil {
			return nil, nil, err
		}
	}

	allMembers := newIdentitySet(members...)
	allMembers[gi.Creator] = struct{}{}

	if !allMembers.has(m.me) {
		g, err := m.markForcedLeft(gi, date)
		return g, &membershipDelta{}, err
	}

	var toResolve []ids.Identity
	if err := m.db.RunReadOnly(fmt.Sprintf("find unknown members of %s", gi), func() error {
		for _, i := range allMembers.sorted() {
			if i == m.me {
				continue
			}
			exists, err := m.contacts.Store().Exists(string(i))
			if err != nil {
				return err
			}
			if !exists {
				toResolve = append(toResolve, i)
			}
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}

	resolutions, err := m.resolveMembers(ctx, toResolve)
	if err != nil {
		return nil, nil, err
	}

	var g *Group
	var delta *membershipDelta
	if err := m.db.Run(fmt.Sprintf("reconcile %s", gi), func() error {
		var err error
		if g, delta, err = m.reconcile(gi, allMembers, resolutions, date, source); err != nil {
			return err
		}
		if !broadcast {
			return nil
		}
		return m.enqueueMembership(g, delta)
	}); err != nil {
		return nil, nil, err
	}
	return g, delta, nil
}

// enqueueMembership records the group-create for an applied delta inside the current transaction.
func (m *Manager) enqueueMembership(g *Group, delta *membershipDelta) error {
	if delta.unchanged() {
		m.log.Debugf("membership of %s unchanged, not sending group-create", g.Identity)
		return nil
	}
	to := g.ActiveMembers()
	if len(to) == 0 && len(delta.removed) == 0 {
		return nil
	}
	return m.queue.EnqueueTx(&taskqueue.Task{
		Type:    taskqueue.TypeGroupCreate,
		Group:   g.Identity,
		From:    m.me,
		To:      to,
		Members: g.MemberIdentities(),
		Removed: delta.removed,
	})
}

// checkCreator refuses groups of blocked creators and makes sure the creator is a known contact.
func (m *Manager) checkCreator(ctx context.Context, gi ids.GroupIdentity, members []ids.Identity) error {
	var blocked, known, exists bool
	if err := m.db.RunReadOnly(fmt.Sprintf("check creator of %s", gi), func() error {
		var err error
		if blocked, err = m.contacts.Store().IsBlocked(string(gi.Creator)); err != nil {
			return err
		}
		if known, err = m.contacts.Store().Exists(string(gi.Creator)); err != nil {
			return err
		}
		g, err := m.loadGroupOrNil(gi)
		exists = g != nil
		return err
	}); err != nil {
		return err
	}

	if blocked && !exists {
		if slices.Contains(members, m.me) {
			to := newIdentitySet(members...)
			to[gi.Creator] = struct{}{}
			delete(to, m.me)
			if err := m.Leave(ctx, gi, to.sorted(), m.clock.Now()); err != nil {
				m.log.Warnf("error sending leave to blocked group %s: %v", gi, err)
			}
		}
		m.log.Warnf("group %s not created, creator is blocked", gi)
		return &CreatorBlockedError{Group: gi}
	}
	// messages arriving before the group-create is processed must not trigger a request-sync
	if err := m.recordSyncRequest(gi); err != nil {
		return err
	}
	if known {
		return nil
	}
	r := m.contacts.Resolve(ctx, string(gi.Creator))
	if r.Outcome != contacts.Found {
		m.log.Warnf("creator of %s could not be resolved: %s", gi, r.Outcome)
		return ErrContactForCreatorMissing
	}
	return nil
}

// resolveMembers looks up every identity concurrently and returns once all lookups have finished.
func (m *Manager) resolveMembers(ctx context.Context, identities []ids.Identity) (map[ids.Identity]*contacts.Resolution, error) {
	results := make(map[ids.Identity]*contacts.Resolution, len(identities))
	if len(identities) == 0 {
		return results, nil
	}
	var lock sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.config.ResolveConcurrency)
	for _, identity := range identities {
		identity := identity
		eg.Go(func() error {
			r := m.contacts.Resolve(egCtx, string(identity))
			lock.Lock()
			defer lock.Unlock()
			results[identity] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("groups: resolving members: %w", err)
	}
	return results, nil
}

func (m *Manager) reconcile(gi ids.GroupIdentity, allMembers identitySet, resolutions map[ids.Identity]*contacts.Resolution, date *time.Time, source Source) (*Group, *membershipDelta, error) {
	now := m.clock.Now()
	groupID, creator := gi.ID[:], string(gi.Creator)

	conv, err := m.db.conversationOrNil(groupID, creator)
	if err != nil {
		return nil, nil, err
	}
	convExisted := conv != nil
	if conv == nil {
		conv = &conversation{
			GroupID:    groupID,
			Creator:    creator,
			MyIdentity: string(m.me),
			CtimeMs:    clock.ToMs(now),
		}
		if gi.Creator != m.me {
			conv.Contact = strPtr(creator)
		}
		if err := m.db.insertConversation(conv); err != nil {
			return nil, nil, err
		}
	}

	entity, err := m.db.groupEntityOrNil(groupID, creator)
	if err != nil {
		return nil, nil, err
	}
	delta := &membershipDelta{
		existed:   convExisted && entity != nil,
		wasActive: entity != nil && entity.State == int(StateActive),
	}
	isNew := false
	if entity == nil {
		entity = &groupEntity{GroupID: groupID, Creator: creator, State: int(StateActive)}
		isNew = true
	}
	nowMs := clock.ToMs(now)
	entity.LastPeriodicSyncMs = &nowMs

	if entity.State != int(StateActive) {
		entity.State = int(StateActive)
		if date != nil {
			if err := m.postSystemMessage(gi, SystemMessageSelfAdded, nil, *date); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := m.db.upsertGroupEntity(entity); err != nil {
		return nil, nil, err
	}

	if conv.MyIdentity != string(m.me) {
		conv.MyIdentity = string(m.me)
		if err := m.db.updateConversation(conv); err != nil {
			return nil, nil, err
		}
	}

	currentIdentities, err := m.db.memberIdentities(groupID, creator)
	if err != nil {
		return nil, nil, err
	}
	current := newIdentitySet()
	for _, i := range currentIdentities {
		current[ids.Identity(i)] = struct{}{}
	}

	remaining := len(current)
	for _, i := range current.sorted() {
		if allMembers.has(i) {
			continue
		}
		remaining--
		delta.removed = append(delta.removed, i)
		if err := m.db.deleteMember(groupID, creator, string(i)); err != nil {
			return nil, nil, err
		}
		if date != nil {
			if err := m.postSystemMessage(gi, SystemMessageMemberForcedLeave, strPtr(string(i)), *date); err != nil {
				return nil, nil, err
			}
		}
		if source != SourceSync {
			if err := m.deleteHiddenContact(i); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, i := range allMembers.sorted() {
		if current.has(i) || i == m.me {
			continue
		}
		exists, err := m.contacts.Store().Exists(string(i))
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			if r, ok := resolutions[i]; ok && r.Skippable() {
				m.log.Debugf("skipping %s in %s: %s", i, gi, r.Outcome)
				continue
			}
			return nil, nil, fmt.Errorf("%w: %s", ErrContactForMemberMissing, i)
		}
		if err := m.db.insertMember(groupID, creator, string(i)); err != nil {
			return nil, nil, err
		}
		remaining++
		delta.added = append(delta.added, i)
		if date != nil {
			if err := m.postSystemMessage(gi, SystemMessageMemberAdded, strPtr(string(i)), *date); err != nil {
				return nil, nil, err
			}
		}
	}

	if gi.Creator == m.me {
		wasNote, isNote := !isNew && len(current) == 0, remaining == 0
		if isNote && !wasNote {
			if err := m.postSystemMessage(gi, SystemMessageStartNoteGroup, nil, now); err != nil {
				return nil, nil, err
			}
		} else if wasNote && !isNote {
			if err := m.postSystemMessage(gi, SystemMessageEndNoteGroup, nil, now); err != nil {
				return nil, nil, err
			}
		}
	}

	g, err := m.loadGroupOrNil(gi)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		return nil, nil, ErrGroupNotFound
	}
	if err := m.refreshRejectedMessages(g); err != nil {
		return nil, nil, err
	}
	m.publishUpdate(g)
	return g, delta, nil
}

// markForcedLeft records that the local user was removed from a group created by somebody else.
func (m *Manager) markForcedLeft(gi ids.GroupIdentity, date *time.Time) (*Group, error) {
	var g *Group
	if err := m.db.Run(fmt.Sprintf("forced leave %s", gi), func() error {
		entity, err := m.db.groupEntityOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		if entity == nil {
			m.log.Warnf("group entity for %s not found", gi)
			return nil
		}
		changed := false
		if entity.State != int(StateForcedLeft) {
			entity.State = int(StateForcedLeft)
			changed = true
			if err := m.db.upsertGroupEntity(entity); err != nil {
				return err
			}
		}
		conv, err := m.db.conversationOrNil(gi.ID[:], string(gi.Creator))
		if err != nil {
			return err
		}
		if conv == nil {
			m.log.Warnf("conversation for %s not found", gi)
			return nil
		}
		if changed && date != nil {
			if err := m.postSystemMessage(gi, SystemMessageSelfRemoved, nil, *date); err != nil {
				return err
			}
		}
		if g, err = m.loadGroupOrNil(gi); err != nil || g == nil {
			return err
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

// deleteHiddenContact drops a hidden acquaintance once it no longer shares any group with the local user.
func (m *Manager) deleteHiddenContact(identity ids.Identity) error {
	count, err := m.db.countMemberships(string(identity))
	if err != nil {
		return err
	}
	if count != 0 {
		return nil
	}
	deleted, err := m.contacts.Store().DeleteHidden(string(identity))
	if err != nil {
		return err
	}
	if deleted {
		m.log.Debugf("deleted hidden contact %s", identity)
	}
	return nil
}
