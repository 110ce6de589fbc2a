// Package contacts keeps the local contact list and blocklist, and resolves identities against the remote directory.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/metrics"
	"go.uber.org/zap"
)

type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	store     *Store
	directory Directory
	clock     clock.Clock
	metrics   *metrics.Metrics
	cache     *lru.Cache[string, *DirectoryEntry]
}

func NewManager(c *config.Config, d *db.Database, directory Directory, cl clock.Clock, m *metrics.Metrics) (*Manager, error) {
	store, err := newStore(d)
	if err != nil {
		return nil, fmt.Errorf("contacts: error making manager %w", err)
	}
	cache, err := lru.New[string, *DirectoryEntry](c.ContactCacheSize)
	if err != nil {
		return nil, fmt.Errorf("contacts: error making cache %w", err)
	}
	return &Manager{
		config:    c,
		log:       c.Logger("contacts"),
		store:     store,
		directory: directory,
		clock:     cl,
		metrics:   m,
		cache:     cache,
	}, nil
}

// Store exposes the data layer for use inside transactions opened by other subsystems.
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Add(identity string, publicKey []byte) (*Contact, error) {
	c := &Contact{Identity: identity, PublicKey: publicKey, State: StateActive, CtimeMs: m.clock.CurrentTimeMs()}
	if err := m.store.Run("add contact", func() error {
		existing, err := m.store.ContactOrNil(identity)
		if err != nil {
			return err
		}
		if existing != nil {
			c.CtimeMs = existing.CtimeMs
		}
		return m.store.Upsert(c)
	}); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) Contact(identity string) (*Contact, error) {
	var c *Contact
	if err := m.store.RunReadOnly("get contact", func() error {
		var err error
		c, err = m.store.ContactOrNil(identity)
		return err
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Revoke marks a contact invalid, its identity was revoked by the directory.
func (m *Manager) Revoke(identity string) error {
	m.cache.Remove(identity)
	return m.store.Run("revoke contact", func() error {
		return m.store.SetState(identity, StateInvalid)
	})
}

func (m *Manager) Block(identity string) error {
	return m.store.Run("block identity", func() error {
		return m.store.Block(identity)
	})
}

func (m *Manager) Unblock(identity string) error {
	return m.store.Run("unblock identity", func() error {
		return m.store.Unblock(identity)
	})
}

func (m *Manager) IsBlocked(identity string) (bool, error) {
	var blocked bool
	if err := m.store.RunReadOnly("check blocklist", func() error {
		var err error
		blocked, err = m.store.IsBlocked(identity)
		return err
	}); err != nil {
		return false, err
	}
	return blocked, nil
}

// Resolve classifies identity. It must not be called from inside a transaction.
func (m *Manager) Resolve(ctx context.Context, identity string) *Resolution {
	r := m.resolve(ctx, identity)
	if m.metrics != nil {
		m.metrics.Resolutions.WithLabelValues(r.Outcome.String()).Inc()
	}
	if r.Err != nil {
		m.log.Debugf("resolving %s failed: %v", identity, r.Err)
	}
	return r
}

func (m *Manager) resolve(ctx context.Context, identity string) *Resolution {
	r := &Resolution{Identity: identity}
	if err := m.store.RunReadOnly(fmt.Sprintf("resolve %s locally", identity), func() error {
		blocked, err := m.store.IsBlocked(identity)
		if err != nil {
			return err
		}
		if blocked {
			r.Outcome = Blocked
			return nil
		}
		c, err := m.store.ContactOrNil(identity)
		if err != nil {
			return err
		}
		if c == nil {
			r.Outcome = NotFound
			return nil
		}
		r.Contact = c
		if c.Invalid() {
			r.Outcome = Revoked
		} else {
			r.Outcome = Found
		}
		return nil
	}); err != nil {
		r.Outcome = Error
		r.Err = err
		return r
	}
	if r.Outcome != NotFound {
		return r
	}

	entry, err := m.lookup(ctx, identity)
	switch {
	case errors.Is(err, ErrNotFound):
		r.Outcome = NotFound
		return r
	case err != nil:
		r.Outcome = Error
		r.Err = err
		return r
	case entry.Revoked:
		r.Outcome = Revoked
		return r
	case m.config.BlockUnknown:
		r.Outcome = Blocked
		return r
	}

	c := &Contact{Identity: identity, PublicKey: entry.PublicKey, State: StateActive, CtimeMs: m.clock.CurrentTimeMs()}
	if err := m.store.Run(fmt.Sprintf("insert acquaintance %s", identity), func() error {
		if err := m.store.InsertHidden(c); err != nil {
			return err
		}
		// a concurrent resolution may have won the insert
		stored, err := m.store.ContactOrNil(identity)
		if err != nil {
			return err
		}
		c = stored
		return nil
	}); err != nil {
		r.Outcome = Error
		r.Err = err
		return r
	}
	r.Outcome = Found
	r.Contact = c
	return r
}

func (m *Manager) lookup(ctx context.Context, identity string) (*DirectoryEntry, error) {
	if entry, ok := m.cache.Get(identity); ok {
		return entry, nil
	}
	if m.directory == nil {
		return nil, ErrNotFound
	}
	lookupCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.LookupTimeoutMs)*time.Millisecond)
	defer cancel()
	entry, err := m.directory.Lookup(lookupCtx, identity)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	m.cache.Add(identity, entry)
	return entry, nil
}
