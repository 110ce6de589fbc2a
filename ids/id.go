// This package defines the identifiers used throughout groupsync: the 8 byte group id, the
// 8 character identity of a participant and the (id, creator) pair that names a group.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const IdentityLength = 8

type GroupID [8]byte

func GroupIDFromBytes(b []byte) (GroupID, error) {
	if len(b) != 8 {
		return GroupID{}, fmt.Errorf("ids: expected 8 byte group id, got %d", len(b))
	}
	return GroupID(b), nil
}

func NewGroupID() GroupID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id GroupID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b GroupID) int {
	return bytes.Compare(a[:], b[:])
}

type Identity string

// Valid reports whether the identity has the expected shape of 8 characters out of A-Z, 0-9 and '*'.
func (i Identity) Valid() bool {
	if len(i) != IdentityLength {
		return false
	}
	for _, c := range []byte(i) {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '*':
		default:
			return false
		}
	}
	return true
}

func (i Identity) String() string {
	return string(i)
}

type GroupIdentity struct {
	ID      GroupID
	Creator Identity
}

func NewGroupIdentity(creator Identity) GroupIdentity {
	return GroupIdentity{ID: NewGroupID(), Creator: creator}
}

func (gi GroupIdentity) String() string {
	return fmt.Sprintf("%s/%s", gi.ID, gi.Creator)
}

// Key is used for subscribing to events for this group.
func (gi GroupIdentity) Key() string {
	return gi.String()
}

type ByLexicographical []Identity

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return s[i] < s[j] }
