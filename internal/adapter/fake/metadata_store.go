package fake

import (
	"context"
	"slices"
	"sync"

	"trustmesh"
	"trustmesh/internal/adapter/fake/fault"
	"trustmesh/internal/metadata"
)

// MetadataStore is an in-memory metadata.Store. Fault points:
// "metadata.Load", "metadata.Update".
type MetadataStore struct {
	CallRecorder
	Faults *fault.Injector

	mu         sync.Mutex
	accounts   map[trustmesh.ContextKey]trustmesh.AccountMetadata
	machineIDs map[trustmesh.ContextKey][]trustmesh.MachineIDEntry
	peerKeys   map[trustmesh.ContextKey]metadata.PeerKey
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		Faults:     fault.NewInjector(),
		accounts:   make(map[trustmesh.ContextKey]trustmesh.AccountMetadata),
		machineIDs: make(map[trustmesh.ContextKey][]trustmesh.MachineIDEntry),
		peerKeys:   make(map[trustmesh.ContextKey]metadata.PeerKey),
	}
}

func (s *MetadataStore) Load(_ context.Context, key trustmesh.ContextKey) (trustmesh.AccountMetadata, error) {
	s.record("Load", key)
	if err := s.Faults.Eval("metadata.Load", key); err != nil {
		return trustmesh.AccountMetadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.accounts[key]
	if !ok {
		return trustmesh.AccountMetadata{}, metadata.ErrNoAccount
	}
	return md, nil
}

func (s *MetadataStore) Update(_ context.Context, key trustmesh.ContextKey, fn func(*trustmesh.AccountMetadata) error) (trustmesh.AccountMetadata, error) {
	s.record("Update", key)
	if err := s.Faults.Eval("metadata.Update", key); err != nil {
		return trustmesh.AccountMetadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	md := s.accounts[key]
	if err := fn(&md); err != nil {
		return trustmesh.AccountMetadata{}, err
	}
	s.accounts[key] = md
	return md, nil
}

func (s *MetadataStore) Delete(_ context.Context, key trustmesh.ContextKey) error {
	s.record("Delete", key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, key)
	delete(s.machineIDs, key)
	delete(s.peerKeys, key)
	return nil
}

func (s *MetadataStore) MachineIDs(_ context.Context, key trustmesh.ContextKey) ([]trustmesh.MachineIDEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.machineIDs[key]), nil
}

func (s *MetadataStore) SaveMachineIDs(_ context.Context, key trustmesh.ContextKey, entries []trustmesh.MachineIDEntry) error {
	s.record("SaveMachineIDs", key, len(entries))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machineIDs[key] = slices.Clone(entries)
	return nil
}

func (s *MetadataStore) SavePeerKey(_ context.Context, key trustmesh.ContextKey, pk metadata.PeerKey) error {
	s.record("SavePeerKey", key, pk.PeerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	pk.Seed = slices.Clone(pk.Seed)
	s.peerKeys[key] = pk
	return nil
}

func (s *MetadataStore) LoadPeerKey(_ context.Context, key trustmesh.ContextKey) (metadata.PeerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.peerKeys[key]
	if !ok {
		return metadata.PeerKey{}, metadata.ErrNoPeerKey
	}
	pk.Seed = slices.Clone(pk.Seed)
	return pk, nil
}

func (s *MetadataStore) DeletePeerKey(_ context.Context, key trustmesh.ContextKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peerKeys, key)
	return nil
}
