package groups

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-groupsync/ids"
)

var (
	ErrCreatorIsBlocked          = errors.New("groups: creator is blocked")
	ErrCreatorNotFound           = errors.New("groups: creator not found")
	ErrContactForCreatorMissing  = errors.New("groups: contact for creator missing")
	ErrContactForMemberMissing   = errors.New("groups: contact for member missing")
	ErrMembersMissing            = errors.New("groups: members missing")
	ErrGroupConversationNotFound = errors.New("groups: group conversation not found")
	ErrGroupNotFound             = errors.New("groups: group not found")
	ErrDecodingFailed            = errors.New("groups: decoding image failed")
	ErrBlobIDOrKeyMissing        = errors.New("groups: blob id or key missing")
	ErrPhotoUploadFailed         = errors.New("groups: photo upload failed")
	ErrNotCreator                = errors.New("groups: not creator")
	errMessageNotFound           = errors.New("groups: message not found")
)

// CreatorBlockedError names the group that was refused because its creator is on the blocklist.
type CreatorBlockedError struct {
	Group ids.GroupIdentity
}

func (e *CreatorBlockedError) Error() string {
	return fmt.Sprintf("groups: creator of %s is blocked", e.Group)
}

func (e *CreatorBlockedError) Unwrap() error {
	return ErrCreatorIsBlocked
}
