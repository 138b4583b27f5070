// Package postgres stores chunk vectors in a pgvector column and ranks them
// with the cosine distance operator.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"rawrag/internal/vectorstore"
)

const uniqueViolation = "23505"

type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

func New(ctx context.Context, databaseURL string, maxConns int32, dimension int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, dimension: dimension}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the vector extension, the rawdoc table and its
// (chat_id, idx) index if they do not exist. Queries are always scoped to one
// conversation, so no table-wide ANN index is kept.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rawdoc (
			id BIGSERIAL PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			content TEXT NOT NULL,
			idx INTEGER NOT NULL,
			chat_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimension),
		`CREATE UNIQUE INDEX IF NOT EXISTS rawdoc_chat_idx ON rawdoc (chat_id, idx)`,
		`DROP INDEX IF EXISTS rawdoc_embedding_hnsw`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Write(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(r.Vector), s.dimension)
		}
		batch.Queue(`
			INSERT INTO rawdoc (embedding, content, idx, chat_id)
			VALUES ($1::vector, $2, $3, $4)`,
			pgvector.NewVector(r.Vector), r.Text, r.Index, r.ConversationID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", vectorstore.ErrDuplicateIndex, pgErr.Detail)
		}
		return fmt.Errorf("insert chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

// Acquire checks a connection out of the pool for the caller's batch.
func (s *Store) Acquire(ctx context.Context) (vectorstore.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{conn: conn, dimension: s.dimension}, nil
}

func (s *Store) NextIndex(ctx context.Context, conversationID string) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM rawdoc WHERE chat_id = $1`, conversationID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next chunk index: %w", err)
	}
	return next, nil
}

func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rawdoc WHERE chat_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

type session struct {
	conn      *pgxpool.Conn
	dimension int
}

func (x *session) Nearest(ctx context.Context, vector []float32, conversationID string, k int) ([]vectorstore.Match, error) {
	if k <= 0 {
		k = 5
	}
	if len(vector) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(vector), x.dimension)
	}

	// Exact scan over the conversation's rows through rawdoc_chat_idx. A
	// table-wide ANN index filters by chat_id only after its candidate list,
	// which can drop a conversation's rows entirely.
	rows, err := x.conn.Query(ctx, `
		SELECT content, 1 - (embedding <=> $1::vector) AS similarity
		FROM rawdoc
		WHERE chat_id = $2
		ORDER BY similarity DESC, idx
		LIMIT $3`,
		pgvector.NewVector(vector), conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("nearest chunks: %w", err)
	}
	defer rows.Close()

	var matches []vectorstore.Match
	for rows.Next() {
		var m vectorstore.Match
		if err := rows.Scan(&m.Text, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Similarity = vectorstore.Clamp(m.Similarity)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

func (x *session) Release() {
	x.conn.Release()
}
