package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig locates a sentence-transformer export (e.g. all-MiniLM-L6-v2)
// and its WordPiece vocabulary.
type ONNXConfig struct {
	ModelPath string
	VocabPath string
	LibPath   string
	MaxSeqLen int
	Dimension int
}

// ONNXEncoder runs a BERT-style sentence encoder with onnxruntime and
// mean-pools the token states into L2-normalized sentence vectors.
type ONNXEncoder struct {
	mu sync.Mutex

	tokenizer  *WordPiece
	session    *ort.DynamicAdvancedSession
	inputNames []string
	pooled     bool
	maxSeqLen  int
	dim        int
}

var envMu sync.Mutex

// LoadONNX loads the shared library, vocabulary and session. It is meant to
// be passed to NewProvider as the Loader.
func LoadONNX(cfg ONNXConfig) (*ONNXEncoder, error) {
	if cfg.MaxSeqLen < 2 {
		cfg.MaxSeqLen = 256
	}

	envMu.Lock()
	if cfg.LibPath != "" {
		ort.SetSharedLibraryPath(cfg.LibPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			envMu.Unlock()
			return nil, fmt.Errorf("onnx init environment: %w", err)
		}
	}
	envMu.Unlock()

	tokenizer, err := LoadWordPiece(cfg.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx get input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx model has no inputs or outputs")
	}

	inputNames := make([]string, 0, len(inputs))
	for _, in := range inputs {
		switch in.Name {
		case "input_ids", "attention_mask", "token_type_ids":
			inputNames = append(inputNames, in.Name)
		default:
			return nil, fmt.Errorf("onnx model has unsupported input %q", in.Name)
		}
	}

	// Exports either return token states [batch, seq, hidden] or an already
	// pooled sentence_embedding [batch, hidden].
	out := outputs[0]
	pooled := len(out.Dimensions) == 2
	dim := cfg.Dimension
	if last := out.Dimensions[len(out.Dimensions)-1]; last > 0 {
		dim = int(last)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("onnx output dimension unknown, set embedding.dimension")
	}
	if cfg.Dimension > 0 && cfg.Dimension != dim {
		return nil, fmt.Errorf("onnx output dimension %d does not match configured %d", dim, cfg.Dimension)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, []string{out.Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("onnx new session: %w", err)
	}

	return &ONNXEncoder{
		tokenizer:  tokenizer,
		session:    session,
		inputNames: inputNames,
		pooled:     pooled,
		maxSeqLen:  cfg.MaxSeqLen,
		dim:        dim,
	}, nil
}

func (e *ONNXEncoder) Dimension() int { return e.dim }

func (e *ONNXEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := e.tokenize(texts)
	b, l := int64(len(texts)), int64(batch.seqLen)
	shape := ort.NewShape(b, l)

	tensors := make([]ort.Value, 0, len(e.inputNames))
	defer func() {
		for _, t := range tensors {
			t.Destroy()
		}
	}()
	for _, name := range e.inputNames {
		var data []int64
		switch name {
		case "input_ids":
			data = batch.ids
		case "attention_mask":
			data = batch.mask
		case "token_type_ids":
			data = batch.types
		}
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx new input tensor: %w", err)
		}
		tensors = append(tensors, t)
	}

	outShape := ort.NewShape(b, l, int64(e.dim))
	if e.pooled {
		outShape = ort.NewShape(b, int64(e.dim))
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("onnx new output tensor: %w", err)
	}
	defer output.Destroy()

	e.mu.Lock()
	err = e.session.Run(tensors, []ort.Value{output})
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	data := output.GetData()
	vectors := make([][]float32, len(texts))
	for i := range texts {
		var v []float32
		if e.pooled {
			v = append([]float32(nil), data[i*e.dim:(i+1)*e.dim]...)
		} else {
			v = meanPool(data, batch.mask, i, batch.seqLen, e.dim)
		}
		normalize(v)
		vectors[i] = v
	}
	return vectors, nil
}

func (e *ONNXEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

type tokenBatch struct {
	ids, mask, types []int64
	seqLen           int
}

// tokenize pads every row to the longest sequence in the batch.
func (e *ONNXEncoder) tokenize(texts []string) tokenBatch {
	rows := make([][]int64, len(texts))
	seqLen := 0
	for i, t := range texts {
		rows[i] = e.tokenizer.Encode(t, e.maxSeqLen)
		seqLen = max(seqLen, len(rows[i]))
	}

	n := len(texts) * seqLen
	batch := tokenBatch{
		ids:    make([]int64, n),
		mask:   make([]int64, n),
		types:  make([]int64, n),
		seqLen: seqLen,
	}
	for i, row := range rows {
		base := i * seqLen
		for j := 0; j < seqLen; j++ {
			if j < len(row) {
				batch.ids[base+j] = row[j]
				batch.mask[base+j] = 1
			} else {
				batch.ids[base+j] = e.tokenizer.PadID()
			}
		}
	}
	return batch
}

// meanPool averages the hidden states of row over the unmasked tokens.
func meanPool(states []float32, mask []int64, row, seqLen, dim int) []float32 {
	out := make([]float32, dim)
	var count float32
	for j := 0; j < seqLen; j++ {
		if mask[row*seqLen+j] == 0 {
			continue
		}
		count++
		base := (row*seqLen + j) * dim
		for k := 0; k < dim; k++ {
			out[k] += states[base+k]
		}
	}
	if count > 0 {
		for k := range out {
			out[k] /= count
		}
	}
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
