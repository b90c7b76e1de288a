package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store (dev/tests).
type MemoryStore struct {
	mu          sync.RWMutex
	regs        map[string]Registration        // issuer|client_id
	deployments map[string]map[string]struct{} // issuer|client_id -> deployment ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regs:        make(map[string]Registration),
		deployments: make(map[string]map[string]struct{}),
	}
}

func memKey(issuer, clientID string) string { return issuer + "|" + clientID }

func (s *MemoryStore) Get(_ context.Context, issuer, clientID string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[memKey(issuer, clientID)]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

func (s *MemoryStore) GetDefault(_ context.Context, issuer string) (Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Registration
	for _, reg := range s.regs {
		if reg.Issuer != issuer || !reg.Default {
			continue
		}
		if found != nil {
			return Registration{}, ErrAmbiguousDefault
		}
		cp := reg
		found = &cp
	}
	if found == nil {
		return Registration{}, ErrNotFound
	}
	return *found, nil
}

func (s *MemoryStore) List(_ context.Context, issuer string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Registration
	for _, reg := range s.regs {
		if issuer == "" || reg.Issuer == issuer {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Issuer != out[j].Issuer {
			return out[i].Issuer < out[j].Issuer
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[memKey(reg.Issuer, reg.ClientID)] = reg
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, issuer, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[memKey(issuer, clientID)]; !ok {
		return ErrNotFound
	}
	delete(s.regs, memKey(issuer, clientID))
	delete(s.deployments, memKey(issuer, clientID))
	return nil
}

func (s *MemoryStore) RecordDeployment(_ context.Context, issuer, clientID, deploymentID string) error {
	if deploymentID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(issuer, clientID)
	if s.deployments[k] == nil {
		s.deployments[k] = make(map[string]struct{})
	}
	s.deployments[k][deploymentID] = struct{}{}
	return nil
}

func (s *MemoryStore) ListDeployments(_ context.Context, issuer, clientID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.deployments[memKey(issuer, clientID)]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
