package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/grafting/internal/ir"
)

// Provenance records that applying a rule under a plan to Input produced
// Output via the patch with hash Patch.
type Provenance struct {
	Input  ir.Hash `json:"input"`
	Rule   ir.Hash `json:"rule"`
	Plan   ir.Hash `json:"plan"`
	Output ir.Hash `json:"output"`
	Patch  ir.Hash `json:"patch"`
	Seq    int64   `json:"seq"`
}

// RecordProvenance stores p. Recording the same (input, rule, plan) twice
// keeps the first record.
func (s *Store) RecordProvenance(ctx context.Context, p Provenance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provenance (input_hash, rule_hash, plan_hash, output_hash, patch_hash, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(input_hash, rule_hash, plan_hash) DO NOTHING
	`,
		p.Input.String(),
		p.Rule.String(),
		p.Plan.String(),
		p.Output.String(),
		p.Patch.String(),
		p.Seq,
	)
	if err != nil {
		return fmt.Errorf("record provenance: %w", err)
	}
	return nil
}

// LookupProvenance returns the record for (input, rule, plan), if any.
func (s *Store) LookupProvenance(ctx context.Context, input, rule, plan ir.Hash) (Provenance, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT input_hash, rule_hash, plan_hash, output_hash, patch_hash, seq
		FROM provenance
		WHERE input_hash = ? AND rule_hash = ? AND plan_hash = ?
	`, input.String(), rule.String(), plan.String())
	p, err := scanProvenance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Provenance{}, false, nil
	}
	if err != nil {
		return Provenance{}, false, fmt.Errorf("lookup provenance: %w", err)
	}
	return p, true, nil
}

// ProvenanceOf returns every record whose output is the given version.
// Ordered by seq ASC, id ASC.
func (s *Store) ProvenanceOf(ctx context.Context, output ir.Hash) ([]Provenance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT input_hash, rule_hash, plan_hash, output_hash, patch_hash, seq
		FROM provenance
		WHERE output_hash = ?
		ORDER BY seq ASC, id ASC
	`, output.String())
	if err != nil {
		return nil, fmt.Errorf("provenance of %s: %w", output.Short(), err)
	}
	defer rows.Close()

	var out []Provenance
	for rows.Next() {
		p, err := scanProvenance(rows)
		if err != nil {
			return nil, fmt.Errorf("provenance of %s: %w", output.Short(), err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvenance(sc scanner) (Provenance, error) {
	var p Provenance
	var input, rule, plan, output, patch string
	if err := sc.Scan(&input, &rule, &plan, &output, &patch, &p.Seq); err != nil {
		return p, err
	}
	var err error
	for _, f := range []struct {
		dst *ir.Hash
		src string
	}{
		{&p.Input, input}, {&p.Rule, rule}, {&p.Plan, plan}, {&p.Output, output}, {&p.Patch, patch},
	} {
		if *f.dst, err = ir.ParseHash(f.src); err != nil {
			return p, err
		}
	}
	return p, nil
}
