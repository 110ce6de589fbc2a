package contacts

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/migration"
)

const (
	StateActive  = 0
	StateInvalid = 1
)

type Contact struct {
	Identity  string `db:"identity"`
	PublicKey []byte `db:"public_key"`
	State     int    `db:"state"`
	Hidden    bool   `db:"hidden"`
	CtimeMs   uint64 `db:"ctime_ms"`
}

func (c *Contact) Invalid() bool {
	return c.State == StateInvalid
}

// Store is the contact data layer. Every method expects to run inside a transaction of the wrapped database.
type Store struct {
	*db.Database
}

func newStore(internalDB *db.Database) (*Store, error) {
	s := &Store{internalDB}
	if err := internalDB.MigrateNoLock("_contacts", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _contacts (
						identity TEXT PRIMARY KEY,
						public_key BLOB NOT NULL,
						state INTEGER NOT NULL DEFAULT 0,
						hidden BOOLEAN NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _blocklist (
						identity TEXT PRIMARY KEY
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ContactOrNil(identity string) (*Contact, error) {
	c := &Contact{}
	if err := s.Tx.Get(c, "SELECT * FROM _contacts WHERE identity = ?", identity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contacts: error getting contact: %w", err)
	}
	return c, nil
}

func (s *Store) Exists(identity string) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _contacts WHERE identity = ?", identity); err != nil {
		return false, fmt.Errorf("contacts: error checking contact: %w", err)
	}
	return count != 0, nil
}

func (s *Store) Upsert(c *Contact) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _contacts (identity, public_key, state, hidden, ctime_ms) VALUES (:identity, :public_key, :state, :hidden, :ctime_ms) ON CONFLICT(identity) DO UPDATE SET public_key = :public_key, state = :state, hidden = :hidden", c); err != nil {
		return fmt.Errorf("contacts: error upserting contact: %w", err)
	}
	return nil
}

// InsertHidden adds a group acquaintance unless the contact is already known.
func (s *Store) InsertHidden(c *Contact) error {
	c.Hidden = true
	if _, err := s.Tx.NamedExec("INSERT INTO _contacts (identity, public_key, state, hidden, ctime_ms) VALUES (:identity, :public_key, :state, :hidden, :ctime_ms) ON CONFLICT(identity) DO NOTHING", c); err != nil {
		return fmt.Errorf("contacts: error inserting hidden contact: %w", err)
	}
	return nil
}

func (s *Store) Delete(identity string) error {
	if _, err := s.Tx.Exec("DELETE FROM _contacts WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("contacts: error deleting contact: %w", err)
	}
	return nil
}

// DeleteHidden removes the contact only if it is a hidden acquaintance.
func (s *Store) DeleteHidden(identity string) (bool, error) {
	res, err := s.Tx.Exec("DELETE FROM _contacts WHERE identity = ? AND hidden = 1", identity)
	if err != nil {
		return false, fmt.Errorf("contacts: error deleting hidden contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (s *Store) SetHidden(identity string, hidden bool) error {
	if _, err := s.Tx.Exec("UPDATE _contacts SET hidden = ? WHERE identity = ?", hidden, identity); err != nil {
		return fmt.Errorf("contacts: error updating hidden: %w", err)
	}
	return nil
}

func (s *Store) SetState(identity string, state int) error {
	if _, err := s.Tx.Exec("UPDATE _contacts SET state = ? WHERE identity = ?", state, identity); err != nil {
		return fmt.Errorf("contacts: error updating state: %w", err)
	}
	return nil
}

func (s *Store) IsBlocked(identity string) (bool, error) {
	var count int
	if err := s.Tx.Get(&count, "SELECT count(*) FROM _blocklist WHERE identity = ?", identity); err != nil {
		return false, fmt.Errorf("contacts: error checking blocklist: %w", err)
	}
	return count != 0, nil
}

func (s *Store) Block(identity string) error {
	if _, err := s.Tx.Exec("INSERT INTO _blocklist (identity) VALUES (?) ON CONFLICT DO NOTHING", identity); err != nil {
		return fmt.Errorf("contacts: error blocking: %w", err)
	}
	return nil
}

func (s *Store) Unblock(identity string) error {
	if _, err := s.Tx.Exec("DELETE FROM _blocklist WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("contacts: error unblocking: %w", err)
	}
	return nil
}
