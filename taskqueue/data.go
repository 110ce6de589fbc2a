package taskqueue

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/migration"
)

const (
	StateUndelivered = 0
	StateDelivered   = 1

	roleTo      = 0
	roleMember  = 1
	roleRemoved = 2
	roleHidden  = 3
)

type task struct {
	Seq      uint64  `db:"seq"`
	ID       string  `db:"id"`
	Type     string  `db:"type"`
	GroupID  []byte  `db:"group_id"`
	Creator  string  `db:"creator"`
	From     string  `db:"from_identity"`
	Name     *string `db:"name"`
	BlobID   []byte  `db:"blob_id"`
	BlobKey  []byte  `db:"blob_key"`
	Size     uint32  `db:"size"`
	State    int     `db:"state"`
	Attempts int     `db:"attempts"`
	CtimeMs  uint64  `db:"ctime_ms"`
}

type taskIdentity struct {
	TaskSeq  uint64 `db:"task_seq"`
	Role     int    `db:"role"`
	Position int    `db:"position"`
	Identity string `db:"identity"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.MigrateNoLock("_taskqueue", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _tasks (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						id TEXT NOT NULL UNIQUE,
						type TEXT NOT NULL,
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						from_identity TEXT NOT NULL DEFAULT '',
						name TEXT,
						blob_id BLOB,
						blob_key BLOB,
						size INTEGER NOT NULL DEFAULT 0,
						state INTEGER NOT NULL DEFAULT 0,
						attempts INTEGER NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX tasks_state on _tasks (state, seq);

					CREATE TABLE _task_identities (
						task_seq INTEGER NOT NULL,
						role INTEGER NOT NULL,
						position INTEGER NOT NULL,
						identity TEXT NOT NULL,
						PRIMARY KEY (task_seq, role, position),
						FOREIGN KEY(task_seq) REFERENCES _tasks(seq) ON DELETE CASCADE
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) insertTask(t *task) (uint64, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _tasks (id, type, group_id, creator, from_identity, name, blob_id, blob_key, size, state, attempts, ctime_ms) VALUES (:id, :type, :group_id, :creator, :from_identity, :name, :blob_id, :blob_key, :size, :state, :attempts, :ctime_ms)", t)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: error inserting task: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("taskqueue: error getting task seq: %w", err)
	}
	return uint64(seq), nil
}

func (db *database) insertTaskIdentities(seq uint64, role int, identities []string) error {
	for i, identity := range identities {
		if _, err := db.Tx.NamedExec("INSERT INTO _task_identities (task_seq, role, position, identity) VALUES (:task_seq, :role, :position, :identity)", &taskIdentity{
			TaskSeq:  seq,
			Role:     role,
			Position: i,
			Identity: identity,
		}); err != nil {
			return fmt.Errorf("taskqueue: error inserting task identity: %w", err)
		}
	}
	return nil
}

func (db *database) taskIdentities(seq uint64) ([]*taskIdentity, error) {
	var identities []*taskIdentity
	if err := db.Tx.Select(&identities, "SELECT * FROM _task_identities WHERE task_seq = ? ORDER BY role, position", seq); err != nil {
		return nil, fmt.Errorf("taskqueue: error getting task identities: %w", err)
	}
	return identities, nil
}

func (db *database) undeliveredTasks() ([]*task, error) {
	var tasks []*task
	if err := db.Tx.Select(&tasks, "SELECT * FROM _tasks WHERE state = ? ORDER BY seq", StateUndelivered); err != nil {
		return nil, fmt.Errorf("taskqueue: error getting undelivered tasks: %w", err)
	}
	return tasks, nil
}

func (db *database) headTaskOrNil() (*task, error) {
	t := &task{}
	if err := db.Tx.Get(t, "SELECT * FROM _tasks WHERE state = ? ORDER BY seq LIMIT 1", StateUndelivered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskqueue: error getting head task: %w", err)
	}
	return t, nil
}

func (db *database) markDelivered(seq uint64) error {
	if _, err := db.Tx.Exec("UPDATE _tasks SET state = ?, attempts = attempts + 1 WHERE seq = ?", StateDelivered, seq); err != nil {
		return fmt.Errorf("taskqueue: error marking delivered: %w", err)
	}
	return nil
}

func (db *database) incrementAttempts(seq uint64) error {
	if _, err := db.Tx.Exec("UPDATE _tasks SET attempts = attempts + 1 WHERE seq = ?", seq); err != nil {
		return fmt.Errorf("taskqueue: error incrementing attempts: %w", err)
	}
	return nil
}

func (db *database) deleteDeliveredBefore(ctimeMs uint64) (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM _tasks WHERE state = ? AND ctime_ms < ?", StateDelivered, ctimeMs)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: error deleting delivered tasks: %w", err)
	}
	return res.RowsAffected()
}
