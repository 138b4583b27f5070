package memory

import (
	"context"
	"errors"
	"testing"

	"rawrag/internal/vectorstore"
)

func nearest(t *testing.T, s *Store, v []float32, conv string, k int) []vectorstore.Match {
	t.Helper()
	sess, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer sess.Release()
	matches, err := sess.Nearest(context.Background(), v, conv, k)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	return matches
}

func TestNearest_FewerRowsThanK(t *testing.T) {
	s := New(3)
	err := s.Write(context.Background(), []vectorstore.Record{
		{ConversationID: "c1", Index: 0, Text: "hello", Vector: []float32{1, 0, 0}},
		{ConversationID: "c1", Index: 1, Text: "world", Vector: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	matches := nearest(t, s, []float32{1, 0, 0}, "c1", 5)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Text != "hello" || matches[0].Similarity != 1 {
		t.Errorf("unexpected top match: %+v", matches[0])
	}
	if matches[1].Similarity != 0 {
		t.Errorf("orthogonal vector should score 0, got %f", matches[1].Similarity)
	}
}

func TestNearest_ScopedToConversation(t *testing.T) {
	s := New(2)
	_ = s.Write(context.Background(), []vectorstore.Record{
		{ConversationID: "mine", Index: 0, Text: "mine", Vector: []float32{1, 0}},
		{ConversationID: "theirs", Index: 0, Text: "theirs", Vector: []float32{1, 0}},
	})

	matches := nearest(t, s, []float32{1, 0}, "mine", 5)
	if len(matches) != 1 || matches[0].Text != "mine" {
		t.Errorf("expected only this conversation's chunk, got %+v", matches)
	}
	if got := nearest(t, s, []float32{1, 0}, "nobody", 5); len(got) != 0 {
		t.Errorf("expected no matches for unknown conversation, got %+v", got)
	}
}

func TestNearest_SortedAndClamped(t *testing.T) {
	s := New(2)
	_ = s.Write(context.Background(), []vectorstore.Record{
		{ConversationID: "c", Index: 0, Text: "opposite", Vector: []float32{-1, 0}},
		{ConversationID: "c", Index: 1, Text: "close", Vector: []float32{0.9, 0.1}},
		{ConversationID: "c", Index: 2, Text: "diagonal", Vector: []float32{1, 1}},
	})

	matches := nearest(t, s, []float32{1, 0}, "c", 2)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Text != "close" || matches[1].Text != "diagonal" {
		t.Errorf("unexpected order: %+v", matches)
	}
	all := nearest(t, s, []float32{1, 0}, "c", 5)
	if all[2].Text != "opposite" || all[2].Similarity != 0 {
		t.Errorf("negative similarity should clamp to 0: %+v", all[2])
	}
}

func TestWrite_DimensionMismatch(t *testing.T) {
	s := New(3)
	err := s.Write(context.Background(), []vectorstore.Record{{ConversationID: "c", Text: "x", Vector: []float32{1}}})
	if !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestWrite_RejectsStoredIndex(t *testing.T) {
	s := New(1)
	ctx := context.Background()
	if err := s.Write(ctx, []vectorstore.Record{{ConversationID: "c", Index: 0, Text: "old", Vector: []float32{1}}}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	err := s.Write(ctx, []vectorstore.Record{
		{ConversationID: "c", Index: 1, Text: "fresh", Vector: []float32{1}},
		{ConversationID: "c", Index: 0, Text: "new", Vector: []float32{1}},
	})
	if !errors.Is(err, vectorstore.ErrDuplicateIndex) {
		t.Fatalf("expected ErrDuplicateIndex, got %v", err)
	}

	matches := nearest(t, s, []float32{1}, "c", 5)
	if len(matches) != 1 || matches[0].Text != "old" {
		t.Errorf("stored chunk changed or batch partially written: %+v", matches)
	}
}

func TestWrite_RejectsDuplicateWithinBatch(t *testing.T) {
	s := New(1)
	err := s.Write(context.Background(), []vectorstore.Record{
		{ConversationID: "c", Index: 0, Text: "a", Vector: []float32{1}},
		{ConversationID: "c", Index: 0, Text: "b", Vector: []float32{1}},
	})
	if !errors.Is(err, vectorstore.ErrDuplicateIndex) {
		t.Errorf("expected ErrDuplicateIndex, got %v", err)
	}
}

func TestNextIndexAndDelete(t *testing.T) {
	s := New(1)
	ctx := context.Background()

	next, _ := s.NextIndex(ctx, "c")
	if next != 0 {
		t.Errorf("expected 0 for empty conversation, got %d", next)
	}
	_ = s.Write(ctx, []vectorstore.Record{
		{ConversationID: "c", Index: 0, Text: "a", Vector: []float32{1}},
		{ConversationID: "c", Index: 1, Text: "b", Vector: []float32{1}},
	})
	if next, _ = s.NextIndex(ctx, "c"); next != 2 {
		t.Errorf("expected 2, got %d", next)
	}

	if err := s.DeleteConversation(ctx, "c"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if got := nearest(t, s, []float32{1}, "c", 5); len(got) != 0 {
		t.Errorf("expected rows deleted, got %+v", got)
	}
}
