package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/grafting/internal/ir"
)

// ObjectStore holds compressed segments addressed by segment hash.
// Objects are immutable: Put of an existing key stores the same bytes.
type ObjectStore interface {
	// Get returns the stored bytes, or a NOT_FOUND error.
	Get(h ir.Hash) ([]byte, error)
	Put(h ir.Hash, data []byte) error
	Has(h ir.Hash) (bool, error)
	Close() error
}

// garbageCollector is implemented by object stores that reclaim space
// after a compaction pass.
type garbageCollector interface {
	collectGarbage()
}

func openObjects(cfg Config, logger *slog.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case BackendBadger:
		return openBadgerObjects(filepath.Join(cfg.Dir, objectsDir), cfg.SyncWrites, logger)
	case BackendBolt:
		return openBoltObjects(filepath.Join(cfg.Dir, boltFile))
	case BackendMemory:
		return newMemoryObjects(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func objectNotFound(h ir.Hash) error {
	return ir.Errorf(ir.CodeNotFound, "segment %s not in object store", h.Short())
}

// memoryObjects is an ObjectStore backed by a map.
type memoryObjects struct {
	mu sync.RWMutex
	m  map[ir.Hash][]byte
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{m: map[ir.Hash][]byte{}}
}

func (o *memoryObjects) Get(h ir.Hash) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.m[h]
	if !ok {
		return nil, objectNotFound(h)
	}
	return slices.Clone(data), nil
}

func (o *memoryObjects) Put(h ir.Hash, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[h] = slices.Clone(data)
	return nil
}

func (o *memoryObjects) Has(h ir.Hash) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.m[h]
	return ok, nil
}

func (o *memoryObjects) Close() error { return nil }

// Segments are zstd-compressed at rest. EncodeAll and DecodeAll are safe
// for concurrent use on a shared encoder and decoder.
var (
	segmentEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	segmentDecoder, _ = zstd.NewReader(nil)
)

func compressSegment(raw []byte) []byte {
	return segmentEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func decompressSegment(data []byte) ([]byte, error) {
	raw, err := segmentDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress segment: %w", err)
	}
	return raw, nil
}
