// Package vectorstore holds chunk vectors and answers nearest-neighbour
// queries scoped to one conversation.
package vectorstore

import (
	"context"
	"errors"
	"math"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrDuplicateIndex is returned when a write targets an index the
	// conversation already holds. Stored chunks are never overwritten.
	ErrDuplicateIndex = errors.New("chunk index already stored")
)

// Record is one stored chunk. (ConversationID, Index) is unique and Index
// follows document order within the conversation.
type Record struct {
	ConversationID string
	Index          int
	Text           string
	Vector         []float32
}

// Match is a nearest-neighbour hit. Similarity is 1 - cosine distance,
// clamped to [0,1].
type Match struct {
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Session is a connection-scoped handle for a burst of queries. Callers
// Release it when the burst is over.
type Session interface {
	Nearest(ctx context.Context, vector []float32, conversationID string, k int) ([]Match, error)
	Release()
}

type Store interface {
	Write(ctx context.Context, records []Record) error
	Acquire(ctx context.Context) (Session, error)
	// NextIndex returns one past the highest stored index of the conversation.
	NextIndex(ctx context.Context, conversationID string) (int, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Close() error
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Clamp maps a raw 1 - distance score into [0,1].
func Clamp(similarity float64) float64 {
	switch {
	case math.IsNaN(similarity), similarity < 0:
		return 0
	case similarity > 1:
		return 1
	default:
		return similarity
	}
}
