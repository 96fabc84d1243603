package graph

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Repository.
type Memory struct {
	mu        sync.RWMutex
	documents map[string][]CodeFacts
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{documents: make(map[string][]CodeFacts)}
}

func (m *Memory) StoreFacts(_ context.Context, document string, facts []CodeFacts) error {
	stored := append([]CodeFacts(nil), facts...)
	sort.Slice(stored, func(i, j int) bool { return stored[i].ID < stored[j].ID })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[document] = stored
	return nil
}

func (m *Memory) LoadFacts(_ context.Context, document string) ([]CodeFacts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CodeFacts(nil), m.documents[document]...), nil
}

func (m *Memory) QueryImporters(_ context.Context, pkg string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []string
	for doc, facts := range m.documents {
		if importsPackage(facts, pkg) {
			docs = append(docs, doc)
		}
	}
	sort.Strings(docs)
	return docs, nil
}

func importsPackage(facts []CodeFacts, pkg string) bool {
	for _, f := range facts {
		for _, imp := range f.Imports {
			if imp == pkg {
				return true
			}
		}
	}
	return false
}

func (m *Memory) Close(context.Context) error { return nil }

var _ Repository = (*Memory)(nil)
