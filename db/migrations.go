package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/stegofed/util"
)

const (
	sqlCreateUserTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		banner_url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		web_public_key TEXT,
		web_private_key TEXT
	)`

	// Foreign accounts imported on demand
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		followers_uri TEXT,
		following_uri TEXT,
		public_key_pem TEXT,
		avatar_url TEXT,
		banner_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	// One edge per (account, target): a follow and a block are mutually exclusive
	sqlCreateRelationshipsTable = `CREATE TABLE IF NOT EXISTS relationships (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'follow',
		uri TEXT,
		accepted INTEGER DEFAULT 0,
		is_local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateRelationshipsIndices = `
		CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_relationships_uri ON relationships(uri);
	`

	// Local and materialized remote notes; object_uri is NULL for local notes
	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		message TEXT,
		content TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP,
		deleted_at TIMESTAMP,
		visibility TEXT DEFAULT 'public',
		in_reply_to_uri TEXT,
		object_uri TEXT,
		local INTEGER DEFAULT 1,
		sensitive INTEGER DEFAULT 0,
		content_warning TEXT,
		attachments TEXT,
		mentions TEXT,
		UNIQUE(account_id, object_uri)
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_account_id ON notes(account_id);
		CREATE INDEX IF NOT EXISTS idx_notes_object_uri ON notes(object_uri);
		CREATE INDEX IF NOT EXISTS idx_notes_in_reply_to ON notes(in_reply_to_uri);
	`

	sqlCreateAnnotationsTable = `CREATE TABLE IF NOT EXISTS annotations (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id, kind)
	)`

	sqlCreateAnnotationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_annotations_note_id ON annotations(note_id);
		CREATE INDEX IF NOT EXISTS idx_annotations_uri ON annotations(uri);
	`

	// Activities log table (for deduplication & debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

type migration struct {
	name    string
	create  string
	indices string
}

var migrations = []migration{
	{"accounts", sqlCreateUserTable, ""},
	{"remote_accounts", sqlCreateRemoteAccountsTable, sqlCreateRemoteAccountsIndices},
	{"relationships", sqlCreateRelationshipsTable, sqlCreateRelationshipsIndices},
	{"notes", sqlCreateNotesTable, sqlCreateNotesIndices},
	{"annotations", sqlCreateAnnotationsTable, sqlCreateAnnotationsIndices},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		for _, m := range migrations {
			if err := db.createTableIfNotExists(tx, m.create, m.name); err != nil {
				return err
			}
			if m.indices == "" {
				continue
			}
			if _, err := tx.Exec(m.indices); err != nil {
				util.Log().Warnf("Failed to create %s indices: %v", m.name, err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		util.Log().Errorf("Error creating table %s: %v", tableName, err)
		return err
	}
	util.Log().Debugf("Table %s created or already exists", tableName)
	return nil
}
