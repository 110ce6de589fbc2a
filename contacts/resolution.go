package contacts

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Directory for identities it does not know.
var ErrNotFound = errors.New("contacts: identity not found")

type DirectoryEntry struct {
	Identity  string
	PublicKey []byte
	Revoked   bool
}

// Directory is the remote identity directory.
type Directory interface {
	Lookup(ctx context.Context, identity string) (*DirectoryEntry, error)
}

type Outcome int

const (
	Found Outcome = iota
	Error
	NotFound
	Revoked
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Error:
		return "error"
	case NotFound:
		return "not-found"
	case Revoked:
		return "revoked"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

type Resolution struct {
	Identity string
	Outcome  Outcome
	Contact  *Contact
	Err      error
}

// Skippable reports whether the identity should quietly be left out of a membership.
func (r *Resolution) Skippable() bool {
	return r.Outcome == Revoked || r.Outcome == Blocked || r.Outcome == NotFound
}
