// Package graph stores the dependency facts of documents as a graph.
package graph

import "context"

// CodeFacts are the dependency facts of one code entity in a document.
type CodeFacts struct {
	// ID locates the entity in its document: its "id" property, or its
	// position in walk order when it has none.
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Declares []string `json:"declares,omitempty"`
	Assigns  []string `json:"assigns,omitempty"`
	Uses     []string `json:"uses,omitempty"`
	Imports  []string `json:"imports,omitempty"`
	Reads    []string `json:"reads,omitempty"`
}

// Repository provides graph storage for dependency facts.
type Repository interface {
	// StoreFacts replaces the facts held for a document.
	StoreFacts(ctx context.Context, document string, facts []CodeFacts) error
	// LoadFacts retrieves the facts of a document, ordered by ID.
	LoadFacts(ctx context.Context, document string) ([]CodeFacts, error)
	// QueryImporters returns the documents with code importing pkg.
	QueryImporters(ctx context.Context, pkg string) ([]string, error)
	// Close releases resources.
	Close(ctx context.Context) error
}
