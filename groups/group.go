package groups

import (
	"time"

	"github.com/meow-io/go-groupsync/ids"
	"golang.org/x/exp/slices"
)

type State int

const (
	StateActive State = iota
	StateLeft
	StateForcedLeft
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	case StateForcedLeft:
		return "forced-left"
	default:
		return "unknown"
	}
}

type Member struct {
	Identity ids.Identity
	Hidden   bool
	Invalid  bool
}

// Group is a snapshot of a group aggregate. Members never contains the local identity.
type Group struct {
	Identity         ids.GroupIdentity
	State            State
	Members          []*Member
	MyIdentity       ids.Identity
	Name             *string
	Photo            []byte
	PhotoSetAt       *time.Time
	LastSyncRequest  *time.Time
	LastPeriodicSync *time.Time
	Category         int
	Visibility       int

	me             ids.Identity
	creatorContact bool
}

func (g *Group) IsSelfCreator() bool {
	return g.MyIdentity == g.me && !g.creatorContact
}

// IsOwnGroup is true for an active group created by the local user.
func (g *Group) IsOwnGroup() bool {
	return g.IsSelfCreator() && g.State == StateActive
}

func (g *Group) IsSelfMember() bool {
	return g.IsOwnGroup() || (g.MyIdentity == g.me && g.State == StateActive)
}

func (g *Group) CanLeave() bool {
	return g.IsSelfMember() && !g.IsOwnGroup()
}

func (g *Group) CanDissolve() bool {
	return g.IsOwnGroup()
}

func (g *Group) DidLeave() bool {
	return g.State == StateLeft
}

func (g *Group) DidForcedLeave() bool {
	return g.State == StateForcedLeft
}

func (g *Group) DidCreatorLeave() bool {
	return !g.IsMember(g.Identity.Creator)
}

func (g *Group) DidSyncRequest() bool {
	return g.LastSyncRequest != nil
}

func (g *Group) IsMember(identity ids.Identity) bool {
	return slices.Contains(g.AllMemberIdentities(), identity)
}

// IsNoteGroup is true when the local user is the only member.
func (g *Group) IsNoteGroup() bool {
	return len(g.AllMemberIdentities()) == 1 && g.IsSelfMember()
}

// AllMemberIdentities includes the local user while the group is active.
func (g *Group) AllMemberIdentities() []ids.Identity {
	identities := make([]ids.Identity, 0, len(g.Members)+1)
	for _, m := range g.Members {
		identities = append(identities, m.Identity)
	}
	if g.State == StateActive && !slices.Contains(identities, g.me) {
		identities = append(identities, g.me)
	}
	slices.Sort(identities)
	return identities
}

// ActiveMembers are the recipients of group messages: members whose contact is not invalid.
func (g *Group) ActiveMembers() []ids.Identity {
	identities := make([]ids.Identity, 0, len(g.Members))
	for _, m := range g.Members {
		if !m.Invalid {
			identities = append(identities, m.Identity)
		}
	}
	return identities
}

func (g *Group) MemberIdentities() []ids.Identity {
	identities := make([]ids.Identity, 0, len(g.Members))
	for _, m := range g.Members {
		identities = append(identities, m.Identity)
	}
	return identities
}

// NumberOfMembers counts the local user while the group is active.
func (g *Group) NumberOfMembers() int {
	n := len(g.Members)
	if g.State == StateActive {
		n++
	}
	return n
}
