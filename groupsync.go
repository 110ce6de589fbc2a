// Package groupsync wires the group membership and synchronization engine together: an encrypted
// database, the contact resolver, the outbound task queue, the photo blob store and the group manager.
package groupsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/meow-io/go-groupsync/blob"
	"github.com/meow-io/go-groupsync/clock"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/contacts"
	"github.com/meow-io/go-groupsync/events"
	"github.com/meow-io/go-groupsync/groups"
	"github.com/meow-io/go-groupsync/ids"
	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/metrics"
	"github.com/meow-io/go-groupsync/photo"
	"github.com/meow-io/go-groupsync/taskqueue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Constants for engine state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of the engine.
type AppState struct {
	State int
}

type Engine struct {
	DB         *db.Database
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	me         ids.Identity
	directory  contacts.Directory
	sender     taskqueue.Sender
	metrics    *metrics.Metrics
	bus        *events.Bus
	contacts   *contacts.Manager
	queue      *taskqueue.Queue
	groups     *groups.Manager
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// NewEngine prepares an engine for the local identity me. Tasks are handed to sender, unknown
// identities are looked up in directory.
func NewEngine(c *config.Config, me ids.Identity, directory contacts.Directory, sender taskqueue.Sender) (*Engine, error) {
	if !me.Valid() {
		return nil, fmt.Errorf("groupsync: invalid identity %q", me)
	}
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making engine, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Engine{
		DB:        database,
		config:    c,
		log:       log,
		state:     state,
		clock:     clock.NewSystemClock(),
		me:        me,
		directory: directory,
		sender:    sender,
		metrics:   metrics.New(nil),
		updates:   make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (e *Engine) NewKey(password string) ([]byte, error) {
	return newKey(password, e.config.RootDir, "salt")
}

func (e *Engine) Me() ids.Identity {
	return e.me
}

// Updates carries *AppState and every domain event published by the group manager.
func (e *Engine) Updates() chan interface{} {
	return e.updates
}

// Subscribe receives the domain events of a single group.
func (e *Engine) Subscribe(gi ids.GroupIdentity) (events.UpdateChannel, func()) {
	return e.bus.Subscribe(gi.Key())
}

func (e *Engine) New() bool {
	return e.state == StateNew
}

func (e *Engine) Initialized() bool {
	return e.state == StateInitialized
}

func (e *Engine) Running() bool {
	return e.state == StateRunning
}

func (e *Engine) Groups() *groups.Manager {
	return e.groups
}

func (e *Engine) Contacts() *contacts.Manager {
	return e.contacts
}

func (e *Engine) Tasks() *taskqueue.Queue {
	return e.queue
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Initialize creates the database with the given key and opens it.
func (e *Engine) Initialize(key []byte) error {
	if e.state != StateNew {
		return errors.New("groupsync: cannot initialize unless in state new")
	}
	if err := e.DB.Initialize(key); err != nil {
		return err
	}
	e.setState(StateInitialized)
	return e.Open(key)
}

// Open an existing engine with a given key.
func (e *Engine) Open(key []byte) error {
	if e.state != StateInitialized {
		return errors.New("groupsync: cannot open unless in state initialized")
	}
	if err := e.DB.Open(key); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	store, err := blob.Open(ctx, e.config)
	if err != nil {
		cancelFunc()
		return err
	}

	e.bus = events.NewBus(e.config)
	if err := e.DB.Lock("initializing subsystems", func() error {
		cm, err := contacts.NewManager(e.config, e.DB, e.directory, e.clock, e.metrics)
		if err != nil {
			return err
		}
		e.contacts = cm
		q, err := taskqueue.NewQueue(e.config, e.DB, e.clock, e.metrics, e.sender)
		if err != nil {
			return err
		}
		e.queue = q
		gm, err := groups.NewManager(e.config, e.DB, e.me, cm, q, photo.NewUploader(e.config, store), e.clock, e.metrics, e.bus)
		if err != nil {
			return err
		}
		e.groups = gm
		return nil
	}); err != nil {
		cancelFunc()
		return err
	}

	e.cancelFunc = cancelFunc
	if e.sender != nil {
		if err := e.queue.Start(); err != nil {
			return err
		}
	} else {
		e.log.Warnf("no sender configured, tasks stay queued")
	}
	if err := e.groups.Start(); err != nil {
		return err
	}

	e.setState(StateRunning)
	e.startUpdatePassing(ctx)
	e.startMaintenance(ctx)
	return nil
}

// Shutdown stops all workers and closes the database. The engine can be opened again afterwards.
func (e *Engine) Shutdown() error {
	if e.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	e.cancelFunc()
	e.finished.Wait()

	err := multierr.Combine(
		e.groups.Shutdown(),
		e.queue.Shutdown(),
	)
	e.bus.Close()
	err = multierr.Append(err, e.DB.Shutdown())
	if err != nil {
		return fmt.Errorf("groupsync: error during shutdown: %w", err)
	}

	e.cancelFunc = nil
	e.groups = nil
	e.queue = nil
	e.contacts = nil
	e.bus = nil

	e.setState(StateInitialized)

	close(e.updates)
	e.updates = make(chan interface{}, 100)
	return nil
}

// Maintain runs one maintenance sweep: periodic syncs of own groups and purging of stale bookkeeping.
func (e *Engine) Maintain(ctx context.Context) error {
	var errs error
	active, err := e.groups.ActiveGroups()
	if err != nil {
		return err
	}
	for _, g := range active {
		if !g.IsOwnGroup() {
			continue
		}
		if _, err := e.groups.PeriodicSyncIfNeeded(ctx, g.Identity); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if _, err := e.groups.PurgeSyncRequests(); err != nil {
		errs = multierr.Append(errs, err)
	}
	retention := time.Duration(e.config.TaskRetentionMs) * time.Millisecond
	if n, err := e.queue.PurgeDelivered(e.clock.Now().Add(-retention)); err != nil {
		errs = multierr.Append(errs, err)
	} else if n != 0 {
		e.log.Debugf("purged %d delivered tasks", n)
	}
	return errs
}

func (e *Engine) startMaintenance(ctx context.Context) {
	if e.config.MaintenanceIntervalMs <= 0 {
		return
	}
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		ticker := time.NewTicker(time.Duration(e.config.MaintenanceIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Maintain(ctx); err != nil {
					e.log.Warnf("error during maintenance: %v", err)
				}
			}
		}
	}()
}

func (e *Engine) startUpdatePassing(ctx context.Context) {
	ch, cancel := e.bus.SubscribeAll()
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.log.Debugf("passing update: %#v", ev)
				select {
				case e.updates <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (e *Engine) setState(state int) {
	e.state = state
	select {
	case e.updates <- &AppState{state}:
	default:
		e.log.Warnf("updates channel full, dropping state %d", state)
	}
}
