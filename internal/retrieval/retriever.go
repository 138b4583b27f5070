// Package retrieval fans a set of queries out over the vector store and
// merges the hits into one grounding context.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"rawrag/internal/vectorstore"
)

// Failed is returned by Retrieve when no query could be answered.
const Failed = "Failed to read file"

var ErrAllQueriesFailed = errors.New("all retrieval queries failed")

type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	BatchSize     int
	TopK          int
	FinalCap      int
	MinSimilarity float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 4
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.FinalCap <= 0 {
		c.FinalCap = 5
	}
	return c
}

type Retriever struct {
	embedder Embedder
	store    vectorstore.Store
	cfg      Config
	logger   *slog.Logger
}

func New(embedder Embedder, store vectorstore.Store, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Retrieve returns the merged passages joined by newlines, "" when nothing
// matched, or Failed when every query errored. It never returns an error.
func (r *Retriever) Retrieve(ctx context.Context, queries []string, conversationID string) string {
	matches, err := r.Search(ctx, queries, conversationID)
	if err != nil {
		r.logger.Error("retrieval failed", "conversation_id", conversationID, "queries", len(queries), "error", err)
		return Failed
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Text
	}
	return strings.Join(texts, "\n")
}

// Search runs queries in batches, each batch on one store session, and
// merges the results. A failing query is logged and skipped; the error is
// returned only when no query succeeded.
func (r *Retriever) Search(ctx context.Context, queries []string, conversationID string) ([]vectorstore.Match, error) {
	var (
		all       []vectorstore.Match
		attempted int
		succeeded int
		lastErr   error
	)

	for start := 0; start < len(queries); start += r.cfg.BatchSize {
		batch := queries[start:min(start+r.cfg.BatchSize, len(queries))]
		attempted += len(batch)

		matches, ok, err := r.searchBatch(ctx, batch, start, conversationID)
		if err != nil {
			lastErr = err
		}
		succeeded += ok
		all = append(all, matches...)
	}

	if attempted > 0 && succeeded == 0 {
		return nil, errors.Join(ErrAllQueriesFailed, lastErr)
	}
	return Merge(all, r.cfg.MinSimilarity, r.cfg.FinalCap), nil
}

// searchBatch runs one batch on a single store session. It returns the
// matches, the number of queries that succeeded and the last error seen.
func (r *Retriever) searchBatch(ctx context.Context, batch []string, start int, conversationID string) ([]vectorstore.Match, int, error) {
	sess, err := r.store.Acquire(ctx)
	if err != nil {
		r.logger.Warn("retrieval batch skipped", "conversation_id", conversationID, "batch_start", start, "error", err)
		return nil, 0, err
	}
	defer sess.Release()

	var (
		all       []vectorstore.Match
		succeeded int
		lastErr   error
	)
	for _, q := range batch {
		matches, err := r.query(ctx, sess, q, conversationID)
		if err != nil {
			r.logger.Warn("retrieval query failed", "conversation_id", conversationID, "query", q, "error", err)
			lastErr = err
			continue
		}
		succeeded++
		all = append(all, matches...)
	}
	return all, succeeded, lastErr
}

func (r *Retriever) query(ctx context.Context, sess vectorstore.Session, q, conversationID string) ([]vectorstore.Match, error) {
	vector, err := r.embedder.EmbedOne(ctx, q)
	if err != nil {
		return nil, err
	}
	return sess.Nearest(ctx, vector, conversationID, r.cfg.TopK)
}

// Merge sorts matches by similarity, keeps the best-scoring copy of each
// distinct text, drops those under minSimilarity and caps the result.
func Merge(matches []vectorstore.Match, minSimilarity float64, limit int) []vectorstore.Match {
	sorted := append([]vectorstore.Match(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })

	seen := make(map[string]struct{}, len(sorted))
	out := make([]vectorstore.Match, 0, min(limit, len(sorted)))
	for _, m := range sorted {
		if len(out) == limit {
			break
		}
		if m.Similarity < minSimilarity {
			break
		}
		if _, dup := seen[m.Text]; dup {
			continue
		}
		seen[m.Text] = struct{}{}
		out = append(out, m)
	}
	return out
}
