// Package txn provides snapshot-isolated transactions over the version
// store with optimistic commit.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/grafting/internal/catalog"
	"github.com/roach88/grafting/internal/graph"
	"github.com/roach88/grafting/internal/ir"
)

// ErrNotActive is returned by operations on a committed or aborted
// transaction.
var ErrNotActive = errors.New("transaction is not active")

// Status is the lifecycle state of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Store is the part of the version store the manager needs.
type Store interface {
	Head() *graph.Ref
	Commit(ctx context.Context, base, next *graph.Ref, patch *ir.Patch) (*graph.Ref, error)
	OpenVersion(ctx context.Context, h ir.Hash) (*graph.Ref, error)
	Patch(ctx context.Context, h ir.Hash) (*ir.Patch, error)
}

// Tx is a read/write session over a fixed base version. Reads through
// Base or View never observe concurrent commits.
//
// Thread-safety: A Tx may be shared, but its operations are serialized.
type Tx struct {
	id   string
	base *graph.Ref

	mu       sync.Mutex
	status   Status
	patch    *ir.Patch
	view     *graph.Ref
	assigned graph.Assigned
	version  *graph.Ref
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.id }

// Base returns the snapshot the transaction began on.
func (tx *Tx) Base() *graph.Ref { return tx.base }

// Status returns the current lifecycle state.
func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Patch returns the staged patch, or nil.
func (tx *Tx) Patch() *ir.Patch {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.patch
}

// View returns the base with the staged patch applied, or the base when
// nothing is staged. The view is unsealed: it has no version hash.
func (tx *Tx) View() *graph.Ref {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.view == nil {
		return tx.base
	}
	return tx.view
}

// Assigned returns the StableIds the staged patch gives its new elements,
// keyed by ref.
func (tx *Tx) Assigned() graph.Assigned {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.assigned
}

// Version returns the committed version, or nil before commit.
func (tx *Tx) Version() *graph.Ref {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.version
}

// Manager begins, stages, commits and aborts transactions.
//
// Thread-safety: All methods are safe for concurrent use. Commits are
// serialized by the store.
type Manager struct {
	store  Store
	cat    *catalog.Catalog
	ids    IDGenerator
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator sets the transaction id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over st. cat may be nil, in which case
// patches are checked for referential integrity only.
func NewManager(st Store, cat *catalog.Catalog, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		cat:    cat,
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Head returns the store's current head.
func (m *Manager) Head() *graph.Ref {
	return m.store.Head()
}

// Catalog returns the catalog patches are checked against.
func (m *Manager) Catalog() *catalog.Catalog {
	return m.cat
}

// Begin starts a transaction on base. A nil base means the current head.
func (m *Manager) Begin(base *graph.Ref) *Tx {
	if base == nil {
		base = m.store.Head()
	}
	tx := &Tx{id: m.ids.NewID(), base: base, status: StatusActive}
	m.logger.Debug("begin transaction", "tx", tx.id, "base", base.Version().Short())
	return tx
}

// Stage validates patch against the transaction's base and buffers it,
// replacing anything staged before. Edge endpoints must exist in the base
// or be added by the same patch, and every type must satisfy the catalog.
// A failure is STRUCTURAL_VIOLATION or SCHEMA_ERROR; the transaction stays
// active and can be staged again.
func (m *Manager) Stage(tx *Tx, patch *ir.Patch) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive {
		return fmt.Errorf("stage %s: %w", tx.id, ErrNotActive)
	}

	view, assigned, err := graph.Apply(tx.base, patch, m.cat)
	if err != nil {
		return err
	}
	tx.patch = patch
	tx.view = view
	tx.assigned = assigned
	return nil
}

// Commit makes the staged patch the store's new head, provided the head is
// still the transaction's base. A moved head is CONFLICT and a violated
// catalog invariant is STRUCTURAL_VIOLATION; in both cases the transaction
// stays active, so it can be rebased or aborted. Commit returns only after
// the version is durable in the WAL.
func (m *Manager) Commit(ctx context.Context, tx *Tx) (*graph.Ref, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive {
		return nil, fmt.Errorf("commit %s: %w", tx.id, ErrNotActive)
	}
	if tx.patch == nil {
		return nil, fmt.Errorf("commit %s: nothing staged", tx.id)
	}

	if m.cat != nil {
		if err := m.cat.CheckInvariants(tx.view); err != nil {
			return nil, err
		}
	}

	version, err := m.store.Commit(ctx, tx.base, tx.view, tx.patch)
	if err != nil {
		if ir.IsConflict(err) {
			m.logger.Debug("commit conflict", "tx", tx.id, "base", tx.base.Version().Short())
		}
		return nil, err
	}

	tx.status = StatusCommitted
	tx.version = version
	m.logger.Debug("commit transaction",
		"tx", tx.id,
		"version", version.Version().Short(),
		"seq", version.Seq())
	return version, nil
}

// Abort discards the staged patch. Nothing becomes visible. Aborting an
// aborted transaction is a no-op; aborting a committed one is an error.
func (m *Manager) Abort(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.status {
	case StatusAborted:
		return nil
	case StatusCommitted:
		return fmt.Errorf("abort %s: %w", tx.id, ErrNotActive)
	}
	tx.status = StatusAborted
	tx.patch = nil
	tx.view = nil
	tx.assigned = nil
	m.logger.Debug("abort transaction", "tx", tx.id)
	return nil
}
