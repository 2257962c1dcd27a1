package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/types"
)

const createPostTableSQL = `
CREATE TABLE IF NOT EXISTS post (
	external_id VARCHAR(64) PRIMARY KEY,
	author_id VARCHAR(64) NULL,
	conversation_id VARCHAR(64) NULL,
	text TEXT NOT NULL,
	lang VARCHAR(16) NOT NULL DEFAULT '',
	posted_at DATETIME(6) NULL,
	metrics JSON NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	INDEX idx_author (author_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// A new row reports one affected row, a changed existing row two and an
// unchanged one zero.
const upsertPostSQL = `
INSERT INTO post (external_id, author_id, conversation_id, text, lang, posted_at, metrics, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	text = VALUES(text),
	lang = VALUES(lang),
	metrics = VALUES(metrics),
	updated_at = VALUES(updated_at)
`

// PostStore keeps the posts seen in likes listings.
type PostStore struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewPostStore creates a post store.
func NewPostStore(db *sql.DB, log *logger.Logger) (*PostStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &PostStore{
		db:     db,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the clock used for created_at/updated_at.
func (s *PostStore) SetClock(now func() time.Time) {
	s.now = now
}

// InitializeTables creates the post table if it doesn't exist.
func (s *PostStore) InitializeTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createPostTableSQL); err != nil {
		return fmt.Errorf("failed to create post table: %w", err)
	}
	s.logger.Debug("post table initialized")
	return nil
}

// UpsertPosts inserts unknown posts and refreshes the text and counters of
// known ones. Posts without an id are skipped. It returns how many rows were
// new.
func (s *PostStore) UpsertPosts(ctx context.Context, posts []types.Post) (int, error) {
	created := 0
	now := s.now()

	for i := range posts {
		p := &posts[i]
		if p.ExternalID == "" {
			continue
		}

		var metrics []byte
		if p.Metrics != nil {
			encoded, err := json.Marshal(p.Metrics)
			if err != nil {
				return created, fmt.Errorf("failed to encode metrics of post %s: %w", p.ExternalID, err)
			}
			metrics = encoded
		}
		var postedAt sql.NullTime
		if p.PostedAt != nil {
			postedAt = sql.NullTime{Time: p.PostedAt.UTC(), Valid: true}
		}

		res, err := s.db.ExecContext(ctx, upsertPostSQL,
			p.ExternalID, nullString(p.AuthorID), nullString(p.ConversationID),
			p.Text, p.Lang, postedAt, metrics, now, now)
		if err != nil {
			return created, fmt.Errorf("failed to upsert post %s: %w", p.ExternalID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			created++
		}
	}

	if created > 0 {
		s.logger.Debugw("Stored new posts", "fetched", len(posts), "created", created)
	}
	return created, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
