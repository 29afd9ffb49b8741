package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trustmesh"
)

// SavePeerKey stores the local peer key for key, replacing any previous one.
func (s *Store) SavePeerKey(ctx context.Context, key trustmesh.ContextKey, pk PeerKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_keys (container, context, persona, peer_id, machine_id, device_class, seed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(container, context, persona) DO UPDATE SET
		 peer_id = excluded.peer_id,
		 machine_id = excluded.machine_id,
		 device_class = excluded.device_class,
		 seed = excluded.seed`,
		key.Container, key.Context, key.Persona,
		pk.PeerID, pk.MachineID, int(pk.DeviceClass), pk.Seed,
	)
	if err != nil {
		return fmt.Errorf("save peer key: %w", err)
	}
	return nil
}

func (s *Store) LoadPeerKey(ctx context.Context, key trustmesh.ContextKey) (PeerKey, error) {
	var (
		pk    PeerKey
		class int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT peer_id, machine_id, device_class, seed FROM peer_keys
		 WHERE container = ? AND context = ? AND persona = ?`,
		key.Container, key.Context, key.Persona,
	).Scan(&pk.PeerID, &pk.MachineID, &class, &pk.Seed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PeerKey{}, ErrNoPeerKey
		}
		return PeerKey{}, fmt.Errorf("query peer key: %w", err)
	}
	pk.DeviceClass = trustmesh.DeviceClass(class)
	return pk, nil
}

func (s *Store) DeletePeerKey(ctx context.Context, key trustmesh.ContextKey) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM peer_keys WHERE container = ? AND context = ? AND persona = ?`,
		key.Container, key.Context, key.Persona,
	); err != nil {
		return fmt.Errorf("delete peer key: %w", err)
	}
	return nil
}
