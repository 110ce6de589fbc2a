// Package migration describes a single schema step applied by the database migrator.
package migration

import (
	"database/sql"
	"fmt"
)

type Func func(tx *sql.Tx) error

type Migration struct {
	Name string
	Func Func
}

func (m *Migration) String() string {
	return fmt.Sprintf("migration:%s", m.Name)
}
