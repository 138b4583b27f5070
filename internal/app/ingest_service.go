package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"rawrag/internal/chunker"
	"rawrag/internal/pkg/extract"
	natsevents "rawrag/internal/platform/nats"
	"rawrag/internal/vectorstore"
)

var ErrUploadTooLarge = errors.New("upload exceeds size limit")

type BatchEmbedder interface {
	EmbedBatched(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

type IngestConfig struct {
	UploadDir      string
	MaxUploadBytes int64
	ChunkSize      int
	ChunkOverlap   int
	EmbedBatchSize int
}

// IngestService stores uploads and writes their chunks into the vector store.
type IngestService struct {
	embedder BatchEmbedder
	store    vectorstore.Store
	events   EventPublisher
	cfg      IngestConfig
	logger   *slog.Logger
	locks    conversationLocks
}

type DocumentIngested struct {
	ConversationID string `json:"conversation_id"`
	FileName       string `json:"file_name,omitempty"`
	Chunks         int    `json:"chunks"`
	FirstIndex     int    `json:"first_index"`
}

func NewIngestService(embedder BatchEmbedder, store vectorstore.Store, events EventPublisher, cfg IngestConfig, logger *slog.Logger) *IngestService {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
		cfg.ChunkOverlap = chunker.DefaultOverlap
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		embedder: embedder,
		store:    store,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// SaveAndExtract writes the upload under <upload_dir>/<conversation>/<name>
// and returns its extracted text with the stored path.
func (s *IngestService) SaveAndExtract(conversationID, fileName string, body io.Reader) (string, string, error) {
	name := filepath.Base(filepath.Clean("/" + fileName))
	if name == "/" || name == "." {
		return "", "", fmt.Errorf("%w: file name", ErrInvalidInput)
	}

	limit := s.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return "", "", fmt.Errorf("read upload failed: %w", err)
	}
	if int64(len(data)) > limit {
		return "", "", ErrUploadTooLarge
	}

	dir := filepath.Join(s.cfg.UploadDir, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create upload dir failed: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("save upload failed: %w", err)
	}

	text, err := extract.Text(name, data)
	if err != nil {
		return "", path, err
	}
	return text, path, nil
}

// Ingest chunks text, embeds the chunks and appends them to the
// conversation after any chunks already stored. It returns the number of
// chunks written.
func (s *IngestService) Ingest(ctx context.Context, conversationID, fileName, text string) (int, error) {
	raw, err := chunker.Split(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if err != nil {
		return 0, err
	}
	chunks := make([]string, 0, len(raw))
	for _, c := range raw {
		if c = cleanChunk(c); c != "" {
			chunks = append(chunks, c)
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := s.embedder.EmbedBatched(ctx, chunks, s.cfg.EmbedBatchSize)
	if err != nil {
		return 0, err
	}
	first, err := s.write(ctx, conversationID, chunks, vectors)
	if err != nil {
		return 0, err
	}

	s.logger.Info("document ingested", "conversation_id", conversationID, "file_name", fileName, "chunks", len(chunks), "first_index", first)
	if s.events != nil {
		event := DocumentIngested{ConversationID: conversationID, FileName: fileName, Chunks: len(chunks), FirstIndex: first}
		if err := s.events.Publish(natsevents.EventDocumentIngested, event); err != nil {
			s.logger.Warn("publish ingest event failed", "conversation_id", conversationID, "error", err)
		}
	}
	return len(chunks), nil
}

// write assigns the next free indexes and stores the chunks. Index
// assignment and the write run under the conversation's lock so concurrent
// uploads never claim the same indexes.
func (s *IngestService) write(ctx context.Context, conversationID string, chunks []string, vectors [][]float32) (int, error) {
	unlock := s.locks.lock(conversationID)
	defer unlock()

	first, err := s.store.NextIndex(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ConversationID: conversationID,
			Index:          first + i,
			Text:           c,
			Vector:         vectors[i],
		}
	}
	if err := s.store.Write(ctx, records); err != nil {
		return 0, err
	}
	return first, nil
}

// RemoveUploads deletes every stored file of the conversation.
func (s *IngestService) RemoveUploads(conversationID string) error {
	if err := os.RemoveAll(filepath.Join(s.cfg.UploadDir, conversationID)); err != nil {
		return fmt.Errorf("remove uploads failed: %w", err)
	}
	return nil
}

// cleanChunk drops invalid UTF-8 and control characters other than
// whitespace; the vector tables cannot hold NUL bytes.
func cleanChunk(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// conversationLocks hands out one mutex per conversation and forgets it once
// no caller holds or waits on it.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func (l *conversationLocks) lock(conversationID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*conversationLock)
	}
	cl := l.locks[conversationID]
	if cl == nil {
		cl = &conversationLock{}
		l.locks[conversationID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, conversationID)
		}
		l.mu.Unlock()
	}
}
