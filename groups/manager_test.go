package groups

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-groupsync/blob"
	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/contacts"
	"github.com/meow-io/go-groupsync/events"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/internal/test"
	"github.com/meow-io/go-groupsync/metrics"
	"github.com/meow-io/go-groupsync/photo"
	"github.com/meow-io/go-groupsync/taskqueue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	me      = ids.Identity("MEMEMEME")
	alice   = ids.Identity("AAAAAAAA")
	bob     = ids.Identity("BBBBBBBB")
	carol   = ids.Identity("CCCCCCCC")
	dave    = ids.Identity("DDDDDDDD")
	creator = ids.Identity("CREATOR1")
	revoked = ids.Identity("RRRRRRRR")
	unknown = ids.Identity("ZZZZZZZZ")
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testDirectory struct {
	lock    sync.Mutex
	entries map[string]*contacts.DirectoryEntry
	failing error
	gates   map[string]*lookupGate
}

type lookupGate struct {
	entered chan struct{}
	release chan struct{}
}

func (d *testDirectory) Lookup(ctx context.Context, identity string) (*contacts.DirectoryEntry, error) {
	d.lock.Lock()
	gate := d.gates[identity]
	delete(d.gates, identity)
	d.lock.Unlock()
	if gate != nil {
		close(gate.entered)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.failing != nil {
		return nil, d.failing
	}
	if e, ok := d.entries[identity]; ok {
		return e, nil
	}
	return nil, contacts.ErrNotFound
}

// hold makes the next lookup of identity wait until release is closed. entered is closed once it waits.
func (d *testDirectory) hold(identity ids.Identity) (entered <-chan struct{}, release chan<- struct{}) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.gates == nil {
		d.gates = make(map[string]*lookupGate)
	}
	gate := &lookupGate{entered: make(chan struct{}), release: make(chan struct{})}
	d.gates[string(identity)] = gate
	return gate.entered, gate.release
}

func (d *testDirectory) failWith(err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failing = err
}

type harness struct {
	m        *Manager
	contacts *contacts.Manager
	queue    *taskqueue.Queue
	store    *blob.MemoryStore
	uploader *photo.Uploader
	clock    *clock.Manual
	metrics  *metrics.Metrics
	bus      *events.Bus
	dir      *testDirectory
}

func newHarness(opts ...config.Option) *harness {
	opts = append([]config.Option{config.WithoutLogFile()}, opts...)
	c := config.NewConfig(opts...)
	d := test.NewTestDatabase(c)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	met := metrics.New(nil)
	dir := &testDirectory{entries: map[string]*contacts.DirectoryEntry{}}
	for _, i := range []ids.Identity{alice, bob, carol, dave, creator} {
		dir.entries[string(i)] = &contacts.DirectoryEntry{Identity: string(i), PublicKey: []byte(i)}
	}
	dir.entries[string(revoked)] = &contacts.DirectoryEntry{Identity: string(revoked), Revoked: true}

	cm, err := contacts.NewManager(c, d, dir, cl, met)
	if err != nil {
		panic(err)
	}
	q, err := taskqueue.NewQueue(c, d, cl, met, nil)
	if err != nil {
		panic(err)
	}
	store := blob.NewMemoryStore()
	u := photo.NewUploader(c, store)
	bus := events.NewBus(c)
	m, err := NewManager(c, d, me, cm, q, u, cl, met, bus)
	if err != nil {
		panic(err)
	}
	if err := m.Start(); err != nil {
		panic(err)
	}
	return &harness{m: m, contacts: cm, queue: q, store: store, uploader: u, clock: cl, metrics: met, bus: bus, dir: dir}
}

func (h *harness) pending(t *testing.T) []*taskqueue.Task {
	tasks, err := h.queue.Pending()
	require.Nil(t, err)
	return tasks
}

func (h *harness) systemMessageTypes(t *testing.T, gi ids.GroupIdentity) []SystemMessageType {
	messages, err := h.m.SystemMessages(gi)
	require.Nil(t, err)
	types := make([]SystemMessageType, len(messages))
	for i, sm := range messages {
		types[i] = sm.Type
	}
	return types
}

// ownGroup creates a group of the local user with the given members.
func (h *harness) ownGroup(t *testing.T, members ...ids.Identity) ids.GroupIdentity {
	gi := ids.NewGroupIdentity(me)
	_, _, err := h.m.CreateOrUpdate(context.Background(), gi, append([]ids.Identity{me}, members...), h.clock.Now())
	require.Nil(t, err)
	return gi
}

// remoteGroup reconciles a group created by creator that includes the local user.
func (h *harness) remoteGroup(t *testing.T, members ...ids.Identity) ids.GroupIdentity {
	gi := ids.NewGroupIdentity(creator)
	now := h.clock.Now()
	_, err := h.m.CreateOrUpdateDB(context.Background(), gi, append([]ids.Identity{me}, members...), &now, SourceRemote)
	require.Nil(t, err)
	return gi
}

func testImage(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestCreateOrUpdateReplacesMembers(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := ids.NewGroupIdentity(me)

	g, newMembers, err := h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me, alice, bob}, h.clock.Now())
	require.Nil(err)
	require.Nil(newMembers)
	require.Equal([]ids.Identity{alice, bob}, g.MemberIdentities())
	require.True(g.IsOwnGroup())
	require.Equal(3, g.NumberOfMembers())

	tasks := h.pending(t)
	require.Len(tasks, 1)
	require.Equal(taskqueue.TypeGroupCreate, tasks[0].Type)
	require.Equal([]ids.Identity{alice, bob}, tasks[0].To)
	require.Equal([]ids.Identity{alice, bob}, tasks[0].Members)
	require.Empty(tasks[0].Removed)

	g, newMembers, err = h.m.CreateOrUpdate(ctx, gi, []ids.Identity{alice, carol}, h.clock.Now())
	require.Nil(err)
	require.Equal([]ids.Identity{carol}, newMembers)
	require.Equal([]ids.Identity{alice, carol}, g.MemberIdentities())

	require.Equal([]SystemMessageType{
		SystemMessageMemberAdded,
		SystemMessageMemberAdded,
		SystemMessageMemberForcedLeave,
		SystemMessageMemberAdded,
	}, h.systemMessageTypes(t, gi))
	messages, err := h.m.SystemMessages(gi)
	require.Nil(err)
	require.Equal(string(bob), *messages[2].Arg)
	require.Equal(string(carol), *messages[3].Arg)

	tasks = h.pending(t)
	require.Len(tasks, 2)
	require.Equal(taskqueue.TypeGroupCreate, tasks[1].Type)
	require.Equal([]ids.Identity{alice, carol}, tasks[1].Members)
	require.Equal([]ids.Identity{bob}, tasks[1].Removed)
	require.Equal([]ids.Identity{alice, carol}, tasks[1].To)

	// bob was only known through this group
	c, err := h.contacts.Contact(string(bob))
	require.Nil(err)
	require.Nil(c)
	require.Equal(float64(2), testutil.ToFloat64(h.metrics.Reconciliations.WithLabelValues("local")))
}

func TestCreateOrUpdateIsIdempotent(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := h.ownGroup(t, alice, bob)

	messages := h.systemMessageTypes(t, gi)
	tasks := h.pending(t)

	_, newMembers, err := h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me, alice, bob}, h.clock.Now())
	require.Nil(err)
	require.Nil(newMembers)
	require.Equal(messages, h.systemMessageTypes(t, gi))
	require.Len(h.pending(t), len(tasks))
}

func TestCreateOrUpdateOverlappingCalls(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := h.ownGroup(t, alice, bob)

	entered, release := h.dir.hold(dave)
	done := make(chan error, 1)
	go func() {
		_, _, err := h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me, alice, dave}, h.clock.Now())
		done <- err
	}()
	<-entered

	// commits while the first call is still resolving dave
	_, _, err := h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me, alice, carol}, h.clock.Now())
	require.Nil(err)
	close(release)
	require.Nil(<-done)

	g, err := h.m.Group(gi)
	require.Nil(err)
	require.Equal([]ids.Identity{alice, dave}, g.MemberIdentities())

	var creates []*taskqueue.Task
	for _, task := range h.pending(t) {
		if task.Type == taskqueue.TypeGroupCreate {
			creates = append(creates, task)
		}
	}
	require.Len(creates, 3)
	require.Equal([]ids.Identity{bob}, creates[1].Removed)
	require.Equal([]ids.Identity{alice, carol}, creates[1].Members)
	require.Equal([]ids.Identity{carol}, creates[2].Removed)
	require.Equal([]ids.Identity{alice, dave}, creates[2].Members)

	told := map[ids.Identity]bool{}
	for _, task := range creates {
		for _, i := range task.Removed {
			told[i] = true
		}
	}
	require.True(told[bob])
	require.True(told[carol])
}

func TestCreateOrUpdateRequiresCreator(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	_, _, err := h.m.CreateOrUpdate(context.Background(), ids.NewGroupIdentity(creator), []ids.Identity{me}, h.clock.Now())
	require.ErrorIs(err, ErrNotCreator)
}

func TestCreateOrUpdateSkipsUnreachableMembers(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	require.Nil(h.contacts.Block(string(dave)))
	gi := ids.NewGroupIdentity(me)

	g, _, err := h.m.CreateOrUpdate(context.Background(), gi, []ids.Identity{me, alice, revoked, unknown, dave}, h.clock.Now())
	require.Nil(err)
	require.Equal([]ids.Identity{alice}, g.MemberIdentities())
}

func TestCreateOrUpdateFailsOnLookupError(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	h.dir.failWith(errors.New("directory down"))
	gi := ids.NewGroupIdentity(me)

	_, _, err := h.m.CreateOrUpdate(context.Background(), gi, []ids.Identity{me, alice}, h.clock.Now())
	require.ErrorIs(err, ErrContactForMemberMissing)

	// nothing was committed
	_, err = h.m.Group(gi)
	require.ErrorIs(err, ErrGroupNotFound)
	require.Empty(h.pending(t))
}

func TestNoteGroupTransitions(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := ids.NewGroupIdentity(me)

	g, _, err := h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me}, h.clock.Now())
	require.Nil(err)
	require.True(g.IsNoteGroup())
	require.Empty(h.pending(t))

	g, newMembers, err := h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me, alice}, h.clock.Now())
	require.Nil(err)
	require.False(g.IsNoteGroup())
	require.Equal([]ids.Identity{alice}, newMembers)

	_, _, err = h.m.CreateOrUpdate(ctx, gi, []ids.Identity{me}, h.clock.Now())
	require.Nil(err)

	require.Equal([]SystemMessageType{
		SystemMessageStartNoteGroup,
		SystemMessageMemberAdded,
		SystemMessageEndNoteGroup,
		SystemMessageMemberForcedLeave,
		SystemMessageStartNoteGroup,
	}, h.systemMessageTypes(t, gi))
}

func TestRemoteGroupForcedLeave(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := h.remoteGroup(t, alice)

	g, err := h.m.Group(gi)
	require.Nil(err)
	require.False(g.IsSelfCreator())
	require.True(g.CanLeave())
	require.Equal([]ids.Identity{alice, creator}, g.MemberIdentities())
	require.Equal([]ids.Identity{alice, creator, me}, g.AllMemberIdentities())
	require.Empty(h.pending(t))

	now := h.clock.Now()
	g, err = h.m.CreateOrUpdateDB(ctx, gi, []ids.Identity{alice}, &now, SourceRemote)
	require.Nil(err)
	require.True(g.DidForcedLeave())
	require.False(g.IsSelfMember())

	_, err = h.m.CreateOrUpdateDB(ctx, gi, []ids.Identity{alice}, &now, SourceRemote)
	require.Nil(err)

	removed := 0
	for _, typ := range h.systemMessageTypes(t, gi) {
		if typ == SystemMessageSelfRemoved {
			removed++
		}
	}
	require.Equal(1, removed)

	// re-added by the creator
	g, err = h.m.CreateOrUpdateDB(ctx, gi, []ids.Identity{me, alice}, &now, SourceRemote)
	require.Nil(err)
	require.Equal(StateActive, g.State)
	types := h.systemMessageTypes(t, gi)
	require.Equal(SystemMessageSelfAdded, types[len(types)-1])
}

func TestForcedLeaveOfUnknownGroup(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	now := h.clock.Now()
	g, err := h.m.CreateOrUpdateDB(context.Background(), ids.NewGroupIdentity(creator), []ids.Identity{alice}, &now, SourceRemote)
	require.Nil(err)
	require.Nil(g)
}

func TestSyncKeepsHiddenContactsOfRemovedMembers(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	ctx := context.Background()
	gi := h.remoteGroup(t, alice, bob)

	now := h.clock.Now()
	_, err := h.m.CreateOrUpdateDB(ctx, gi, []ids.Identity{me, alice}, &now, SourceSync)
	require.Nil(err)
	c, err := h.contacts.Contact(string(bob))
	require.Nil(err)
	require.NotNil(c)
	require.True(c.Hidden)

	_, err = h.m.CreateOrUpdateDB(ctx, gi, []ids.Identity{me}, &now, SourceRemote)
	require.Nil(err)
	c, err = h.contacts.Contact(string(alice))
	require.Nil(err)
	require.Nil(c)
}

func TestCreatorBlocked(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	require.Nil(h.contacts.Block(string(creator)))
	gi := ids.NewGroupIdentity(creator)

	now := h.clock.Now()
	_, err := h.m.CreateOrUpdateDB(context.Background(), gi, []ids.Identity{me, alice}, &now, SourceRemote)
	require.ErrorIs(err, ErrCreatorIsBlocked)
	var blocked *CreatorBlockedError
	require.True(errors.As(err, &blocked))
	require.Equal(gi, blocked.Group)

	tasks := h.pending(t)
	require.Len(tasks, 1)
	require.Equal(taskqueue.TypeGroupLeave, tasks[0].Type)
	require.Equal([]ids.Identity{alice, creator}, tasks[0].To)

	_, err = h.m.Group(gi)
	require.ErrorIs(err, ErrGroupNotFound)

	// a refused group leaves no throttle record behind
	require.Nil(h.m.db.RunReadOnly("check sync request", func() error {
		r, err := h.m.db.syncRequestSinceOrNil(gi.ID[:], string(gi.Creator), 0)
		require.Nil(err)
		require.Nil(r)
		return nil
	}))
}

func TestCreatorMissing(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := ids.NewGroupIdentity(unknown)
	now := h.clock.Now()
	_, err := h.m.CreateOrUpdateDB(context.Background(), gi, []ids.Identity{me}, &now, SourceRemote)
	require.ErrorIs(err, ErrContactForCreatorMissing)
}

func TestRevokedMembersAreNotActive(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := h.ownGroup(t, alice, bob)
	require.Nil(h.contacts.Revoke(string(bob)))

	g, err := h.m.Group(gi)
	require.Nil(err)
	require.Equal([]ids.Identity{alice}, g.ActiveMembers())
	require.Equal([]ids.Identity{alice, bob}, g.MemberIdentities())
}

func TestGroupEvents(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := ids.NewGroupIdentity(me)
	ch, cancel := h.bus.Subscribe(gi.Key())
	defer cancel()

	_, _, err := h.m.CreateOrUpdate(context.Background(), gi, []ids.Identity{me, alice}, h.clock.Now())
	require.Nil(err)

	var update *GroupUpdate
	require.Eventually(func() bool {
		select {
		case e := <-ch:
			if u, ok := e.(*GroupUpdate); ok {
				update = u
				return true
			}
		default:
		}
		return false
	}, time.Second, time.Millisecond)
	require.Equal(gi, update.Identity)
	require.Equal(2, update.MemberCount)
}

func TestMembersForClone(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	gi := h.remoteGroup(t, alice)

	members, err := h.m.MembersForClone(gi)
	require.Nil(err)
	require.Equal([]ids.Identity{alice, creator}, members)
	c, err := h.contacts.Contact(string(alice))
	require.Nil(err)
	require.False(c.Hidden)
}

func TestActiveGroups(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	own := h.ownGroup(t, alice)
	remote := h.remoteGroup(t, bob)
	require.Nil(h.m.Leave(context.Background(), remote, nil, h.clock.Now()))

	groups, err := h.m.ActiveGroups()
	require.Nil(err)
	require.Len(groups, 1)
	require.Equal(own, groups[0].Identity)
}
