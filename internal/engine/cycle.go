package engine

import "github.com/roach88/grafting/internal/ir"

// progress detects While loops that cannot terminate.
//
// The body of a While runs on the current version only while the
// predicate holds. If the loop reaches a version it has already started
// the body from, it is going round in circles: everything it does is a
// pure function of the version, so it will come back again. The
// detector remembers, per loop node, the versions where the body
// started.
//
// Not safe for concurrent use; one run owns one detector.
type progress struct {
	seen map[ir.Hash]bool
}

func newProgress() *progress {
	return &progress{seen: make(map[ir.Hash]bool)}
}

// revisits reports whether the body already started from version.
func (p *progress) revisits(version ir.Hash) bool {
	return p.seen[version]
}

// record marks version as a body start.
func (p *progress) record(version ir.Hash) {
	p.seen[version] = true
}

// size returns the number of distinct versions recorded.
func (p *progress) size() int {
	return len(p.seen)
}

func noProgress(version ir.Hash) error {
	return ir.Errorf(ir.CodeNonTermination, "while loop returned to version %s without terminating", version.Short()).
		With("reason", "no_progress").
		With("version", version.Short())
}
