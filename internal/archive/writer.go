// Package archive writes batches of records to cold storage as zstd
// compressed JSON lines. Keys follow "<prefix>/YYYY/MM/batch_<uuid>.jsonl.zst".
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"courier/internal/types"
)

// Extension is appended to every batch key.
const Extension = ".jsonl.zst"

// Writer stores compressed batches below a root directory.
type Writer struct {
	root  string
	clock types.Clock

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

// NewWriter creates a Writer rooted at dir. The directory is created lazily on
// the first Put.
func NewWriter(dir string, clock types.Clock) (*Writer, error) {
	if dir == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "archive directory is required", nil)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Writer{root: dir, clock: clock}, nil
}

// Root returns the directory batches are written under.
func (w *Writer) Root() string { return w.root }

// Key generates the relative key for a new batch under prefix.
func (w *Writer) Key(prefix string) string {
	now := w.clock.Now()
	return fmt.Sprintf("%s/%d/%02d/batch_%s%s", prefix, now.Year(), now.Month(), uuid.NewString(), Extension)
}

func (w *Writer) encoder() (*zstd.Encoder, error) {
	w.encOnce.Do(func() {
		w.enc, w.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return w.enc, w.encErr
}

// Put compresses data and writes it as a new batch under prefix. The file is
// written to a temporary name and renamed so readers never see a partial
// batch. Returns the relative key.
func (w *Writer) Put(ctx context.Context, prefix string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	enc, err := w.encoder()
	if err != nil {
		return "", fmt.Errorf("creating zstd encoder: %w", err)
	}

	key := w.Key(prefix)
	path := filepath.Join(w.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".batch-*")
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(enc.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing archive %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing archive %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publishing archive %s: %w", key, err)
	}
	return key, nil
}

// EncodeJSONL serializes entries as newline-delimited JSON.
func EncodeJSONL[T any](entries []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range entries {
		if err := enc.Encode(entries[i]); err != nil {
			return nil, fmt.Errorf("marshaling entry %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// WriteBatch encodes entries and stores them under prefix. An empty batch
// writes nothing and returns an empty key.
func WriteBatch[T any](ctx context.Context, w *Writer, prefix string, entries []T) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	data, err := EncodeJSONL(entries)
	if err != nil {
		return "", err
	}
	return w.Put(ctx, prefix, data)
}

// ReadBatch decompresses a batch and decodes each line into a T.
func ReadBatch[T any](r io.Reader) ([]T, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	var out []T
	jd := json.NewDecoder(dec)
	for {
		var v T
		if err := jd.Decode(&v); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decoding entry %d: %w", len(out), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadFile opens a batch by its key relative to the writer root.
func ReadFile[T any](w *Writer, key string) ([]T, error) {
	f, err := os.Open(filepath.Join(w.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBatch[T](f)
}
