// Package archive provides PostgreSQL-backed storage for chat messages.
// The gateway inserts every materialized message here, and the history REST
// endpoint reads it back; the archive is the system of record for a chat's
// past, while the live channel covers the present.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/brokeradda/chatkit/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultHistoryLimit caps a history read when the caller passes no limit.
const DefaultHistoryLimit = 500

// Store manages the chat message archive in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies any pending schema migrations. Safe to run on every
// gateway start; a no-change run is not an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// Insert stores a materialized message. Attachments and structured cards are
// stored as JSONB; empty ones are stored as NULL.
func (s *Store) Insert(ctx context.Context, m protocol.Message) error {
	attachments, err := marshalOrNil(m.Attachments, len(m.Attachments) > 0)
	if err != nil {
		return fmt.Errorf("archive: marshal attachments: %w", err)
	}
	cards, err := marshalOrNil(m.StructuredCards, len(m.StructuredCards) > 0)
	if err != nil {
		return fmt.Errorf("archive: marshal structured cards: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages
			(id, chat_id, from_participant, to_participant, text, attachments, structured_cards, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ChatID, m.From, m.To, m.Text, attachments, cards, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: insert message %s: %w", m.ID, err)
	}
	return nil
}

// ListByChat returns up to limit messages of a chat in ascending CreatedAt
// order. A non-positive limit falls back to DefaultHistoryLimit.
func (s *Store) ListByChat(ctx context.Context, chatID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, from_participant, to_participant, text, attachments, structured_cards, created_at
		FROM chat_messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive: list chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var (
			m           protocol.Message
			attachments sql.NullString
			cards       sql.NullString
			created     time.Time
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.From, &m.To, &m.Text, &attachments, &cards, &created); err != nil {
			return nil, fmt.Errorf("archive: scan message: %w", err)
		}
		m.CreatedAt = created.UTC()
		if attachments.Valid {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				return nil, fmt.Errorf("archive: decode attachments for %s: %w", m.ID, err)
			}
		}
		if cards.Valid {
			if err := json.Unmarshal([]byte(cards.String), &m.StructuredCards); err != nil {
				return nil, fmt.Errorf("archive: decode structured cards for %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate chat %s: %w", chatID, err)
	}
	return out, nil
}

// marshalOrNil returns the JSON encoding of v, or nil when present is false
// so the column stays NULL.
func marshalOrNil(v interface{}, present bool) (interface{}, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
