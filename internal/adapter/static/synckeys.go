package static

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"trustmesh"
	"trustmesh/internal/ledger"
)

const entropySize = 32

// SyncKeys stands in for the key synchronization engine: it owns the
// escrow entropy file and logs the shares and trust changes it is fed.
type SyncKeys struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	entropy []byte
	shares  map[string]ledger.Share
}

// NewSyncKeys uses the entropy stored at path, creating it on first use.
func NewSyncKeys(key trustmesh.ContextKey, path string) *SyncKeys {
	return &SyncKeys{
		path:   path,
		log:    slog.With("component", "sync-keys", "context", key.String()),
		shares: make(map[string]ledger.Share),
	}
}

func (s *SyncKeys) EscrowEntropy(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entropy != nil {
		return append([]byte(nil), s.entropy...), nil
	}
	b, err := os.ReadFile(s.path)
	switch {
	case err == nil && len(b) == entropySize:
	case err == nil:
		return nil, fmt.Errorf("escrow entropy %s has %d bytes, want %d", s.path, len(b), entropySize)
	case errors.Is(err, os.ErrNotExist):
		b = make([]byte, entropySize)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate escrow entropy: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return nil, fmt.Errorf("create entropy dir: %w", err)
		}
		if err := os.WriteFile(s.path, b, 0o600); err != nil {
			return nil, fmt.Errorf("write escrow entropy: %w", err)
		}
		s.log.Info("generated escrow entropy")
	default:
		return nil, fmt.Errorf("read escrow entropy: %w", err)
	}
	s.entropy = b
	return append([]byte(nil), b...), nil
}

func (s *SyncKeys) IngestShares(_ context.Context, shares []ledger.Share) error {
	s.mu.Lock()
	for _, sh := range shares {
		s.shares[sh.KeyID] = sh
	}
	total := len(s.shares)
	s.mu.Unlock()
	s.log.Info("ingested recovered shares", "count", len(shares), "total", total)
	return nil
}

func (s *SyncKeys) TrustChanged(_ context.Context, self string, trusted []string) error {
	s.log.Info("trust changed", "peer_id", self, "trusted", len(trusted))
	return nil
}

// ShareCount returns how many distinct shares were ingested.
func (s *SyncKeys) ShareCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares)
}
