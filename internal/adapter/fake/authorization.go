package fake

import (
	"context"
	"slices"
	"sync"

	"trustmesh/internal/adapter/fake/fault"
)

// AuthorizationSource is a scripted device authorization list. Fault points:
// "authorization.Fetch", "authorization.CurrentList".
type AuthorizationSource struct {
	CallRecorder
	Faults *fault.Injector

	mu  sync.Mutex
	ids []string
}

func NewAuthorizationSource(ids ...string) *AuthorizationSource {
	return &AuthorizationSource{Faults: fault.NewInjector(), ids: slices.Clone(ids)}
}

// SetList replaces the list the source reports.
func (s *AuthorizationSource) SetList(ids ...string) {
	s.mu.Lock()
	s.ids = slices.Clone(ids)
	s.mu.Unlock()
}

// Add appends id to the list.
func (s *AuthorizationSource) Add(id string) {
	s.mu.Lock()
	if !slices.Contains(s.ids, id) {
		s.ids = append(s.ids, id)
	}
	s.mu.Unlock()
}

// Remove drops id from the list.
func (s *AuthorizationSource) Remove(id string) {
	s.mu.Lock()
	s.ids = slices.DeleteFunc(s.ids, func(v string) bool { return v == id })
	s.mu.Unlock()
}

func (s *AuthorizationSource) CurrentList(_ context.Context) ([]string, error) {
	s.record("CurrentList")
	if err := s.Faults.Eval("authorization.CurrentList"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids), nil
}

func (s *AuthorizationSource) Fetch(_ context.Context) ([]string, error) {
	s.record("Fetch")
	if err := s.Faults.Eval("authorization.Fetch"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids), nil
}
