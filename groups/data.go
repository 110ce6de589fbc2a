package groups

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-groupsync/internal/db"
	"github.com/meow-io/go-groupsync/migration"
)

type conversation struct {
	GroupID      []byte  `db:"group_id"`
	Creator      string  `db:"creator"`
	Contact      *string `db:"contact"`
	MyIdentity   string  `db:"my_identity"`
	Name         *string `db:"name"`
	Image        []byte  `db:"image"`
	ImageWidth   int     `db:"image_width"`
	ImageHeight  int     `db:"image_height"`
	ImageSetAtMs *uint64 `db:"image_set_at_ms"`
	Category     int     `db:"category"`
	Visibility   int     `db:"visibility"`
	CtimeMs      uint64  `db:"ctime_ms"`
}

type groupEntity struct {
	GroupID            []byte  `db:"group_id"`
	Creator            string  `db:"creator"`
	State              int     `db:"state"`
	LastPeriodicSyncMs *uint64 `db:"last_periodic_sync_ms"`
}

type member struct {
	Identity string        `db:"identity"`
	Hidden   sql.NullBool  `db:"hidden"`
	State    sql.NullInt64 `db:"state"`
}

type systemMessage struct {
	ID      int64   `db:"id"`
	GroupID []byte  `db:"group_id"`
	Creator string  `db:"creator"`
	Type    int     `db:"type"`
	Arg     *string `db:"arg"`
	DateMs  uint64  `db:"date_ms"`
}

type syncRequest struct {
	GroupID       []byte `db:"group_id"`
	Creator       string `db:"creator"`
	RequestedAtMs uint64 `db:"requested_at_ms"`
}

type message struct {
	ID         []byte `db:"id"`
	GroupID    []byte `db:"group_id"`
	Creator    string `db:"creator"`
	Sent       bool   `db:"sent"`
	SendFailed bool   `db:"send_failed"`
	CtimeMs    uint64 `db:"ctime_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.MigrateNoLock("_groups", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						contact TEXT,
						my_identity TEXT NOT NULL,
						name TEXT,
						image BLOB,
						image_width INTEGER NOT NULL DEFAULT 0,
						image_height INTEGER NOT NULL DEFAULT 0,
						image_set_at_ms INTEGER,
						category INTEGER NOT NULL DEFAULT 0,
						visibility INTEGER NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (group_id, creator)
					);

					CREATE TABLE _conversation_members (
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						identity TEXT NOT NULL,
						PRIMARY KEY (group_id, creator, identity),
						FOREIGN KEY(group_id, creator) REFERENCES _conversations(group_id, creator) ON DELETE CASCADE
					);
					CREATE INDEX conversation_members_identity on _conversation_members (identity);

					CREATE TABLE _group_entities (
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						state INTEGER NOT NULL,
						last_periodic_sync_ms INTEGER,
						PRIMARY KEY (group_id, creator)
					);
					CREATE INDEX group_entities_state on _group_entities (state);

					CREATE TABLE _system_messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						type INTEGER NOT NULL,
						arg TEXT,
						date_ms INTEGER NOT NULL,
						FOREIGN KEY(group_id, creator) REFERENCES _conversations(group_id, creator) ON DELETE CASCADE
					);
					CREATE INDEX system_messages_group on _system_messages (group_id, creator);

					CREATE TABLE _sync_requests (
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						requested_at_ms INTEGER NOT NULL,
						PRIMARY KEY (group_id, creator)
					);

					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						group_id BLOB NOT NULL,
						creator TEXT NOT NULL,
						sent BOOLEAN NOT NULL DEFAULT 0,
						send_failed BOOLEAN NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL,
						FOREIGN KEY(group_id, creator) REFERENCES _conversations(group_id, creator) ON DELETE CASCADE
					);
					CREATE INDEX messages_group on _messages (group_id, creator);

					CREATE TABLE _message_rejections (
						message_id BLOB NOT NULL,
						identity TEXT NOT NULL,
						PRIMARY KEY (message_id, identity),
						FOREIGN KEY(message_id) REFERENCES _messages(id) ON DELETE CASCADE
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

func (db *database) conversationOrNil(groupID []byte, creator string) (*conversation, error) {
	c := &conversation{}
	if err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE group_id = ? AND creator = ?", groupID, creator); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting conversation: %w", err)
	}
	return c, nil
}

func (db *database) insertConversation(c *conversation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _conversations (group_id, creator, contact, my_identity, name, image, image_width, image_height, image_set_at_ms, category, visibility, ctime_ms) VALUES (:group_id, :creator, :contact, :my_identity, :name, :image, :image_width, :image_height, :image_set_at_ms, :category, :visibility, :ctime_ms)", c); err != nil {
		return fmt.Errorf("groups: error inserting conversation: %w", err)
	}
	return nil
}

func (db *database) updateConversation(c *conversation) error {
	if _, err := db.Tx.NamedExec("UPDATE _conversations SET contact = :contact, my_identity = :my_identity, name = :name, image = :image, image_width = :image_width, image_height = :image_height, image_set_at_ms = :image_set_at_ms, category = :category, visibility = :visibility WHERE group_id = :group_id AND creator = :creator", c); err != nil {
		return fmt.Errorf("groups: error updating conversation: %w", err)
	}
	return nil
}

func (db *database) deleteConversation(groupID []byte, creator string) error {
	if _, err := db.Tx.Exec("DELETE FROM _conversations WHERE group_id = ? AND creator = ?", groupID, creator); err != nil {
		return fmt.Errorf("groups: error deleting conversation: %w", err)
	}
	return nil
}

func (db *database) groupEntityOrNil(groupID []byte, creator string) (*groupEntity, error) {
	e := &groupEntity{}
	if err := db.Tx.Get(e, "SELECT * FROM _group_entities WHERE group_id = ? AND creator = ?", groupID, creator); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting group entity: %w", err)
	}
	return e, nil
}

func (db *database) upsertGroupEntity(e *groupEntity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _group_entities (group_id, creator, state, last_periodic_sync_ms) VALUES (:group_id, :creator, :state, :last_periodic_sync_ms) ON CONFLICT(group_id, creator) DO UPDATE SET state = :state, last_periodic_sync_ms = :last_periodic_sync_ms", e); err != nil {
		return fmt.Errorf("groups: error upserting group entity: %w", err)
	}
	return nil
}

func (db *database) setLastPeriodicSync(groupID []byte, creator string, ms *uint64) error {
	if _, err := db.Tx.Exec("UPDATE _group_entities SET last_periodic_sync_ms = ? WHERE group_id = ? AND creator = ?", ms, groupID, creator); err != nil {
		return fmt.Errorf("groups: error setting last periodic sync: %w", err)
	}
	return nil
}

func (db *database) activeGroupEntities() ([]*groupEntity, error) {
	var entities []*groupEntity
	if err := db.Tx.Select(&entities, "SELECT * FROM _group_entities WHERE state = ? ORDER BY group_id, creator", int(StateActive)); err != nil {
		return nil, fmt.Errorf("groups: error getting active groups: %w", err)
	}
	return entities, nil
}

func (db *database) members(groupID []byte, creator string) ([]*member, error) {
	var members []*member
	if err := db.Tx.Select(&members, "SELECT m.identity AS identity, c.hidden AS hidden, c.state AS state FROM _conversation_members m LEFT JOIN _contacts c ON c.identity = m.identity WHERE m.group_id = ? AND m.creator = ? ORDER BY m.identity", groupID, creator); err != nil {
		return nil, fmt.Errorf("groups: error getting members: %w", err)
	}
	return members, nil
}

func (db *database) memberIdentities(groupID []byte, creator string) ([]string, error) {
	var identities []string
	if err := db.Tx.Select(&identities, "SELECT identity FROM _conversation_members WHERE group_id = ? AND creator = ? ORDER BY identity", groupID, creator); err != nil {
		return nil, fmt.Errorf("groups: error getting member identities: %w", err)
	}
	return identities, nil
}

func (db *database) insertMember(groupID []byte, creator, identity string) error {
	if _, err := db.Tx.Exec("INSERT INTO _conversation_members (group_id, creator, identity) VALUES (?, ?, ?) ON CONFLICT DO NOTHING", groupID, creator, identity); err != nil {
		return fmt.Errorf("groups: error inserting member: %w", err)
	}
	return nil
}

func (db *database) deleteMember(groupID []byte, creator, identity string) error {
	if _, err := db.Tx.Exec("DELETE FROM _conversation_members WHERE group_id = ? AND creator = ? AND identity = ?", groupID, creator, identity); err != nil {
		return fmt.Errorf("groups: error deleting member: %w", err)
	}
	return nil
}

func (db *database) countMemberships(identity string) (int, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _conversation_members WHERE identity = ?", identity); err != nil {
		return 0, fmt.Errorf("groups: error counting memberships: %w", err)
	}
	return count, nil
}

func (db *database) insertSystemMessage(sm *systemMessage) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _system_messages (group_id, creator, type, arg, date_ms) VALUES (:group_id, :creator, :type, :arg, :date_ms)", sm); err != nil {
		return fmt.Errorf("groups: error inserting system message: %w", err)
	}
	return nil
}

func (db *database) systemMessages(groupID []byte, creator string) ([]*systemMessage, error) {
	var messages []*systemMessage
	if err := db.Tx.Select(&messages, "SELECT * FROM _system_messages WHERE group_id = ? AND creator = ? ORDER BY id", groupID, creator); err != nil {
		return nil, fmt.Errorf("groups: error getting system messages: %w", err)
	}
	return messages, nil
}

func (db *database) syncRequestSinceOrNil(groupID []byte, creator string, sinceMs uint64) (*syncRequest, error) {
	r := &syncRequest{}
	if err := db.Tx.Get(r, "SELECT * FROM _sync_requests WHERE group_id = ? AND creator = ? AND requested_at_ms >= ?", groupID, creator, sinceMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting sync request: %w", err)
	}
	return r, nil
}

func (db *database) upsertSyncRequest(r *syncRequest) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sync_requests (group_id, creator, requested_at_ms) VALUES (:group_id, :creator, :requested_at_ms) ON CONFLICT(group_id, creator) DO UPDATE SET requested_at_ms = :requested_at_ms", r); err != nil {
		return fmt.Errorf("groups: error upserting sync request: %w", err)
	}
	return nil
}

func (db *database) deleteSyncRequestsBefore(ms uint64) (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM _sync_requests WHERE requested_at_ms < ?", ms)
	if err != nil {
		return 0, fmt.Errorf("groups: error deleting sync requests: %w", err)
	}
	return res.RowsAffected()
}

func (db *database) deleteAllSyncRequests() error {
	if _, err := db.Tx.Exec("DELETE FROM _sync_requests"); err != nil {
		return fmt.Errorf("groups: error deleting sync requests: %w", err)
	}
	return nil
}

func (db *database) insertMessage(msg *message) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _messages (id, group_id, creator, sent, send_failed, ctime_ms) VALUES (:id, :group_id, :creator, :sent, :send_failed, :ctime_ms) ON CONFLICT(id) DO UPDATE SET sent = :sent, send_failed = :send_failed", msg); err != nil {
		return fmt.Errorf("groups: error inserting message: %w", err)
	}
	return nil
}

func (db *database) messageOrNil(id []byte) (*message, error) {
	msg := &message{}
	if err := db.Tx.Get(msg, "SELECT * FROM _messages WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting message: %w", err)
	}
	return msg, nil
}

func (db *database) setSendFailed(id []byte, failed bool) error {
	if _, err := db.Tx.Exec("UPDATE _messages SET send_failed = ? WHERE id = ?", failed, id); err != nil {
		return fmt.Errorf("groups: error updating send failed: %w", err)
	}
	return nil
}

func (db *database) rejectedMessages(groupID []byte, creator string) ([]*message, error) {
	var messages []*message
	if err := db.Tx.Select(&messages, "SELECT * FROM _messages WHERE group_id = ? AND creator = ? AND id IN (SELECT message_id FROM _message_rejections) ORDER BY ctime_ms", groupID, creator); err != nil {
		return nil, fmt.Errorf("groups: error getting rejected messages: %w", err)
	}
	return messages, nil
}

func (db *database) insertRejection(messageID []byte, identity string) error {
	if _, err := db.Tx.Exec("INSERT INTO _message_rejections (message_id, identity) VALUES (?, ?) ON CONFLICT DO NOTHING", messageID, identity); err != nil {
		return fmt.Errorf("groups: error inserting rejection: %w", err)
	}
	return nil
}

func (db *database) rejections(messageID []byte) ([]string, error) {
	var identities []string
	if err := db.Tx.Select(&identities, "SELECT identity FROM _message_rejections WHERE message_id = ? ORDER BY identity", messageID); err != nil {
		return nil, fmt.Errorf("groups: error getting rejections: %w", err)
	}
	return identities, nil
}

func (db *database) deleteRejection(messageID []byte, identity string) error {
	if _, err := db.Tx.Exec("DELETE FROM _message_rejections WHERE message_id = ? AND identity = ?", messageID, identity); err != nil {
		return fmt.Errorf("groups: error deleting rejection: %w", err)
	}
	return nil
}

func (db *database) deleteRejections(messageID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _message_rejections WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("groups: error deleting rejections: %w", err)
	}
	return nil
}
