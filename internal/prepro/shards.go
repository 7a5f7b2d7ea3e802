package prepro

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// ShardWriter accumulates formatted examples and flushes them to numbered
// CBOR shard files named {split}.{n}.shard once a shard fills up.
type ShardWriter struct {
	dir       string
	split     string
	shardSize int
	logger    *slog.Logger

	buf   []*Example
	shard int
}

// NewShardWriter creates a writer for one dataset split. The output
// directory must exist.
func NewShardWriter(dir, split string, shardSize int, logger *slog.Logger) (*ShardWriter, error) {
	if shardSize <= 0 {
		return nil, fmt.Errorf("shard size must be positive, got %d", shardSize)
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("output path %s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShardWriter{dir: dir, split: split, shardSize: shardSize, logger: logger}, nil
}

// Append buffers one example, flushing a full shard to disk.
func (w *ShardWriter) Append(ex *Example) error {
	w.buf = append(w.buf, ex)
	if len(w.buf) >= w.shardSize {
		return w.flush()
	}
	return nil
}

// Close flushes the final partial shard.
func (w *ShardWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.flush()
}

func (w *ShardWriter) flush() error {
	path := filepath.Join(w.dir, fmt.Sprintf("%s.%d.shard", w.split, w.shard))
	data, err := cbor.Marshal(w.buf)
	if err != nil {
		return fmt.Errorf("encoding shard %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing shard: %w", err)
	}
	w.logger.Info("wrote shard", "path", path, "examples", len(w.buf))
	w.shard++
	w.buf = w.buf[:0]
	return nil
}

// ReadShard loads the examples of one shard file.
func ReadShard(path string) ([]*Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading shard: %w", err)
	}
	var examples []*Example
	if err := cbor.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("decoding shard %s: %w", path, err)
	}
	return examples, nil
}
