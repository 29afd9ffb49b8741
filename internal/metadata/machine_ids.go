package metadata

import (
	"context"
	"fmt"
	"time"

	"trustmesh"
)

// MachineIDs returns the tracked authorization entries for key, ordered by
// machine ID.
func (s *Store) MachineIDs(ctx context.Context, key trustmesh.ContextKey) ([]trustmesh.MachineIDEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT machine_id, status, modified FROM machine_ids
		 WHERE container = ? AND context = ? AND persona = ?
		 ORDER BY machine_id`,
		key.Container, key.Context, key.Persona,
	)
	if err != nil {
		return nil, fmt.Errorf("list machine ids: %w", err)
	}
	defer rows.Close()

	out := make([]trustmesh.MachineIDEntry, 0)
	for rows.Next() {
		var (
			entry    trustmesh.MachineIDEntry
			status   int
			modified string
		)
		if err := rows.Scan(&entry.MachineID, &status, &modified); err != nil {
			return nil, fmt.Errorf("scan machine id row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, modified)
		if err != nil {
			return nil, &CorruptError{Key: key, Err: fmt.Errorf("machine id %q modified: %w", entry.MachineID, err)}
		}
		entry.Status = trustmesh.MachineIDStatus(status)
		entry.Modified = ts
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine id rows: %w", err)
	}
	return out, nil
}

// SaveMachineIDs replaces the tracked authorization entries for key.
func (s *Store) SaveMachineIDs(ctx context.Context, key trustmesh.ContextKey, entries []trustmesh.MachineIDEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin machine id save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM machine_ids WHERE container = ? AND context = ? AND persona = ?`,
		key.Container, key.Context, key.Persona,
	); err != nil {
		return fmt.Errorf("clear machine ids: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO machine_ids (container, context, persona, machine_id, status, modified)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			key.Container, key.Context, key.Persona,
			e.MachineID, int(e.Status), e.Modified.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert machine id %q: %w", e.MachineID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit machine ids: %w", err)
	}
	return nil
}
