// Package sqlite persists chunk vectors in a local SQLite file and ranks
// them by brute-force cosine similarity. It suits single-node setups without
// Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattn/go-sqlite3"

	"rawrag/internal/vectorstore"
)

type Store struct {
	db        *sql.DB
	dimension int
}

func New(path string, dimension int) (*Store, error) {
	if path == "" {
		path = "./data/vectors.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db, dimension: dimension}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rawdoc (
		chat_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, idx)
	);`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Write(ctx context.Context, records []vectorstore.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rawdoc (chat_id, idx, content, embedding)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(r.Vector), s.dimension)
		}
		embeddingJSON, err := json.Marshal(r.Vector)
		if err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ConversationID, r.Index, r.Text, embeddingJSON); err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return fmt.Errorf("%w: %s/%d", vectorstore.ErrDuplicateIndex, r.ConversationID, r.Index)
			}
			return fmt.Errorf("inserting chunk: %w", err)
		}
	}
	return tx.Commit()
}

// Acquire pins one pooled connection for the caller's batch.
func (s *Store) Acquire(ctx context.Context) (vectorstore.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &session{conn: conn, dimension: s.dimension}, nil
}

func (s *Store) NextIndex(ctx context.Context, conversationID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM rawdoc WHERE chat_id = ?`, conversationID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("querying next index: %w", err)
	}
	return next, nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rawdoc WHERE chat_id = ?`, conversationID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

type session struct {
	conn      *sql.Conn
	dimension int
}

func (x *session) Nearest(ctx context.Context, vector []float32, conversationID string, k int) ([]vectorstore.Match, error) {
	if k <= 0 {
		k = 5
	}
	if len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(vector), x.dimension)
	}

	rows, err := x.conn.QueryContext(ctx, `SELECT content, embedding FROM rawdoc WHERE chat_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var matches []vectorstore.Match
	for rows.Next() {
		var content string
		var embeddingJSON []byte
		if err := rows.Scan(&content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var stored []float32
		if err := json.Unmarshal(embeddingJSON, &stored); err != nil {
			continue
		}
		matches = append(matches, vectorstore.Match{
			Text:       content,
			Similarity: vectorstore.Clamp(vectorstore.Cosine(vector, stored)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (x *session) Release() {
	_ = x.conn.Close()
}
