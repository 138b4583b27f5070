package embedding

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

const testVocab = `[PAD]
[UNK]
[CLS]
[SEP]
hello
world
!
un
##aff
##able
cafe
,
`

func newTestWordPiece(t *testing.T) *WordPiece {
	t.Helper()
	wp, err := ReadWordPiece(strings.NewReader(testVocab))
	if err != nil {
		t.Fatalf("ReadWordPiece failed: %v", err)
	}
	return wp
}

func TestWordPiece_Encode(t *testing.T) {
	wp := newTestWordPiece(t)

	tests := []struct {
		name string
		text string
		want []int64
	}{
		{"simple", "Hello world!", []int64{2, 4, 5, 6, 3}},
		{"subwords", "unaffable", []int64{2, 7, 8, 9, 3}},
		{"accents stripped", "Café, hello", []int64{2, 10, 11, 4, 3}},
		{"unknown word", "hello zebra", []int64{2, 4, 1, 3}},
		{"empty", "", []int64{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wp.Encode(tt.text, 128)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Encode(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestWordPiece_Truncates(t *testing.T) {
	wp := newTestWordPiece(t)

	got := wp.Encode(strings.Repeat("hello ", 50), 6)
	want := []int64{2, 4, 4, 4, 4, 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Encode truncated = %v, want %v", got, want)
	}
}

func TestReadWordPiece_MissingSpecialToken(t *testing.T) {
	if _, err := ReadWordPiece(strings.NewReader("hello\nworld\n")); err == nil {
		t.Error("expected error for vocab without special tokens")
	}
}

func TestMeanPoolAndNormalize(t *testing.T) {
	// Two rows, seqLen 2, dim 2. Row 1 has its second token masked out.
	states := []float32{
		1, 3, 3, 5,
		2, 0, 100, 100,
	}
	mask := []int64{1, 1, 1, 0}

	row0 := meanPool(states, mask, 0, 2, 2)
	if row0[0] != 2 || row0[1] != 4 {
		t.Errorf("row 0 mean = %v, want [2 4]", row0)
	}
	row1 := meanPool(states, mask, 1, 2, 2)
	if row1[0] != 2 || row1[1] != 0 {
		t.Errorf("row 1 mean = %v, want [2 0]", row1)
	}

	normalize(row0)
	var norm float64
	for _, x := range row0 {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-6 {
		t.Errorf("expected unit norm, got %f", norm)
	}
}
