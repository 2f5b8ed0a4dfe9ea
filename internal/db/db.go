package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL DEFAULT 'private',
            name TEXT NOT NULL DEFAULT '',
            created_by TEXT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            PRIMARY KEY(conversation_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_sequences (
            conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
            last_seq BIGINT NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            sequence_number BIGINT NOT NULL,
            client_msg_id TEXT NOT NULL DEFAULT '',
            message_type TEXT NOT NULL DEFAULT 'TEXT',
            payload_text TEXT NOT NULL DEFAULT '',
            file_id TEXT NOT NULL DEFAULT '',
            channels TEXT[] NOT NULL,
            sent_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE(conversation_id, sequence_number)
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_msg_idx
            ON messages (conversation_id, client_msg_id) WHERE client_msg_id <> '';`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_seq_idx
            ON messages (conversation_id, sequence_number DESC);`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
