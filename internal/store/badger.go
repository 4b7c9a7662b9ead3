package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/grafting/internal/ir"
)

// gcDiscardRatio is the value-log garbage ratio that triggers a rewrite.
const gcDiscardRatio = 0.5

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// badgerObjects stores segments in BadgerDB, keyed by raw hash bytes.
type badgerObjects struct {
	db     *badger.DB
	logger *slog.Logger
}

func openBadgerObjects(path string, syncWrites bool, logger *slog.Logger) (*badgerObjects, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create object directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &badgerObjects{db: db, logger: logger}, nil
}

func (o *badgerObjects) Get(h ir.Hash) ([]byte, error) {
	var out []byte
	err := o.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(h[:])
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, objectNotFound(h)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", h.Short(), err)
	}
	return out, nil
}

func (o *badgerObjects) Put(h ir.Hash, data []byte) error {
	err := o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(h[:], data)
	})
	if err != nil {
		return fmt.Errorf("put segment %s: %w", h.Short(), err)
	}
	return nil
}

func (o *badgerObjects) Has(h ir.Hash) (bool, error) {
	err := o.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(h[:])
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup segment %s: %w", h.Short(), err)
	}
	return true, nil
}

func (o *badgerObjects) Close() error {
	return o.db.Close()
}

// collectGarbage rewrites value-log files until Badger reports there is
// nothing left to reclaim.
func (o *badgerObjects) collectGarbage() {
	for {
		err := o.db.RunValueLogGC(gcDiscardRatio)
		if err == nil {
			o.logger.Debug("badger value log GC completed")
			continue
		}
		// ErrNoRewrite means no GC was needed, not an error
		if !errors.Is(err, badger.ErrNoRewrite) {
			o.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
		return
	}
}
