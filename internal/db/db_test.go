package db_test

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-groupsync/internal/test"
	"github.com/meow-io/go-groupsync/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var counterMigrations = []*migration.Migration{
	{
		Name: "Create counters",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE counters (name TEXT PRIMARY KEY, value INTEGER NOT NULL)")
			return err
		},
	},
}

func TestRunRollsBackOnError(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	require.Nil(d.Migrate("_test", counterMigrations))
	// applying again is a no-op
	require.Nil(d.Migrate("_test", counterMigrations))

	failure := errors.New("abort")
	err := d.Run("insert and fail", func() error {
		if _, err := d.Tx.Exec("INSERT INTO counters (name, value) VALUES ('a', 1)"); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(err, failure)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM counters")
	}))
	require.Equal(0, count)
}

func TestCommitCallbacks(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	require.Nil(d.Migrate("_test", counterMigrations))

	committed := make(chan bool, 2)
	require.Nil(d.Run("insert", func() error {
		d.AfterCommit(func() { committed <- true })
		_, err := d.Tx.Exec("INSERT INTO counters (name, value) VALUES ('a', 1)")
		return err
	}))
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("after commit callback did not run")
	}

	vetoed := errors.New("vetoed")
	err := d.Run("veto", func() error {
		d.AfterCommit(func() { committed <- true })
		d.BeforeCommit(func() error { return vetoed })
		_, err := d.Tx.Exec("UPDATE counters SET value = 2")
		return err
	})
	require.ErrorIs(err, vetoed)

	var value int
	require.Nil(d.RunReadOnly("read", func() error {
		return d.Tx.Get(&value, "SELECT value FROM counters WHERE name = 'a'")
	}))
	require.Equal(1, value)
	require.Len(committed, 0)
}

func TestRunRequiresOpenDatabase(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config("db"))
	require.Nil(d.Shutdown())
	require.NotNil(d.Run("closed", func() error { return nil }))
}
