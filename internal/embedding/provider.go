// Package embedding maps text to fixed-dimension vectors through a lazily
// loaded encoder shared by every request in the process.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnavailable is returned when the encoder cannot be loaded.
var ErrUnavailable = errors.New("embedding model unavailable")

// Encoder turns a batch of texts into one vector per text, in order.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Loader builds the encoder. It is called on first use.
type Loader func() (Encoder, error)

// Provider owns the process-wide encoder. The first caller pays the load
// cost while concurrent callers wait; after that every call reuses the same
// encoder until the process exits. A failed load is not cached so a later
// call may try again.
type Provider struct {
	mu     sync.Mutex
	load   Loader
	enc    Encoder
	inited bool

	batchSize int
}

func NewProvider(load Loader, batchSize int) *Provider {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Provider{load: load, batchSize: batchSize}
}

// Ensure loads the encoder if it is not loaded yet.
func (p *Provider) Ensure() (Encoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited {
		return p.enc, nil
	}
	if p.load == nil {
		return nil, fmt.Errorf("%w: no loader configured", ErrUnavailable)
	}

	enc, err := p.load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.enc = enc
	p.inited = true
	return enc, nil
}

// Embed encodes texts in batches of the configured size and returns the
// vectors in input order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.EmbedBatched(ctx, texts, p.batchSize)
}

// EmbedBatched is Embed with an explicit batch size.
func (p *Provider) EmbedBatched(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	enc, err := p.Ensure()
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = p.batchSize
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vectors, err := enc.Encode(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("encode batch failed: %w", err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("encode batch failed: got %d vectors for %d texts", len(vectors), end-start)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedOne encodes a single query string.
func (p *Provider) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatched(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension reports the loaded encoder's vector size, loading it if needed.
func (p *Provider) Dimension() (int, error) {
	enc, err := p.Ensure()
	if err != nil {
		return 0, err
	}
	return enc.Dimension(), nil
}
