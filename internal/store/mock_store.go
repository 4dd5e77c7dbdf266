// ABOUTME: In-memory ProjectStore implementation for tests
// ABOUTME: Mirrors SQLiteStore semantics without touching disk

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockStore is an in-memory ProjectStore for testing.
type MockStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	closed   bool
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{projects: make(map[string]*Project)}
}

// CreateProject stores a copy of p.
func (m *MockStore) CreateProject(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProject, p.ID)
	}
	for _, existing := range m.projects {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateProject, p.Name)
		}
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

// GetProject returns a copy of the project with the given ID.
func (m *MockStore) GetProject(_ context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetProjectByName returns a copy of the project with the given name.
func (m *MockStore) GetProjectByName(_ context.Context, name string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.projects {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListProjects returns copies of all projects ordered by name.
func (m *MockStore) ListProjects(_ context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteProject removes the project with the given ID.
func (m *MockStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
