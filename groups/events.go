package groups

import (
	"time"

	"github.com/meow-io/go-groupsync/ids"
)

type SystemMessageType int

const (
	SystemMessageSelfAdded SystemMessageType = iota + 1
	SystemMessageSelfRemoved
	SystemMessageSelfLeft
	SystemMessageMemberAdded
	SystemMessageMemberForcedLeave
	SystemMessageMemberLeft
	SystemMessageCreatorLeft
	SystemMessageStartNoteGroup
	SystemMessageEndNoteGroup
	SystemMessageRenamed
	SystemMessagePhotoChanged
)

func (t SystemMessageType) String() string {
	switch t {
	case SystemMessageSelfAdded:
		return "self-added"
	case SystemMessageSelfRemoved:
		return "self-removed"
	case SystemMessageSelfLeft:
		return "self-left"
	case SystemMessageMemberAdded:
		return "member-added"
	case SystemMessageMemberForcedLeave:
		return "member-forced-leave"
	case SystemMessageMemberLeft:
		return "member-left"
	case SystemMessageCreatorLeft:
		return "creator-left"
	case SystemMessageStartNoteGroup:
		return "start-note-group"
	case SystemMessageEndNoteGroup:
		return "end-note-group"
	case SystemMessageRenamed:
		return "renamed"
	case SystemMessagePhotoChanged:
		return "photo-changed"
	default:
		return "unknown"
	}
}

type SystemMessage struct {
	ID    int64
	Group ids.GroupIdentity
	Type  SystemMessageType
	Arg   *string
	Date  time.Time
}

// GroupUpdate is published after every committed change to a group.
type GroupUpdate struct {
	Identity    ids.GroupIdentity
	State       State
	MemberCount int
}

func (u *GroupUpdate) Key() string {
	return u.Identity.Key()
}

type SystemMessagePosted struct {
	Identity ids.GroupIdentity
	Type     SystemMessageType
	Arg      *string
}

func (s *SystemMessagePosted) Key() string {
	return s.Identity.Key()
}
