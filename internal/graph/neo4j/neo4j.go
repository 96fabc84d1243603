package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/stencila/jesta/internal/graph"
)

// Repository implements graph.Repository using Neo4j.
//
// A document is stored as (:Document {name})-[:CONTAINS]->(:Code {id, kind})
// with each code node linked to the packages it imports, the symbols it
// declares or assigns, the symbols it uses and the files it reads.
type Repository struct {
	driver neo4j.DriverWithContext
}

// New creates a Neo4j-backed repository.
func New(ctx context.Context, uri, username, password string) (*Repository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Repository{driver: driver}, nil
}

const deleteDocument = "MATCH (d:Document {name: $doc}) OPTIONAL MATCH (d)-[:CONTAINS]->(c:Code) DETACH DELETE c"

const mergeCode = "MERGE (d:Document {name: $doc}) " +
	"MERGE (c:Code {document: $doc, id: $id}) SET c.kind = $kind " +
	"MERGE (d)-[:CONTAINS]->(c)"

// relations maps a fact list to the node label and relationship it creates.
var relations = []struct {
	label, rel string
	get        func(graph.CodeFacts) []string
}{
	{"Package", "IMPORTS", func(f graph.CodeFacts) []string { return f.Imports }},
	{"Symbol", "DECLARES", func(f graph.CodeFacts) []string { return f.Declares }},
	{"Symbol", "ASSIGNS", func(f graph.CodeFacts) []string { return f.Assigns }},
	{"Symbol", "USES", func(f graph.CodeFacts) []string { return f.Uses }},
	{"File", "READS", func(f graph.CodeFacts) []string { return f.Reads }},
}

func (r *Repository) StoreFacts(ctx context.Context, document string, facts []graph.CodeFacts) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, deleteDocument, map[string]any{"doc": document}); err != nil {
			return nil, err
		}
		for _, f := range facts {
			params := map[string]any{"doc": document, "id": f.ID, "kind": f.Kind}
			if _, err := tx.Run(ctx, mergeCode, params); err != nil {
				return nil, err
			}
			for _, rel := range relations {
				names := rel.get(f)
				if len(names) == 0 {
					continue
				}
				query := fmt.Sprintf(
					"MATCH (c:Code {document: $doc, id: $id}) "+
						"UNWIND $names AS name "+
						"MERGE (n:%s {name: name}) "+
						"MERGE (c)-[:%s]->(n)", rel.label, rel.rel)
				if _, err := tx.Run(ctx, query, map[string]any{"doc": document, "id": f.ID, "names": names}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("store facts of %s: %w", document, err)
	}
	return nil
}

func (r *Repository) LoadFacts(ctx context.Context, document string) ([]graph.CodeFacts, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (:Document {name: $doc})-[:CONTAINS]->(c:Code) "+
				"OPTIONAL MATCH (c)-[rel]->(n) "+
				"RETURN c.id AS id, c.kind AS kind, collect([type(rel), n.name]) AS links "+
				"ORDER BY id",
			map[string]any{"doc": document})
		if err != nil {
			return nil, err
		}

		var facts []graph.CodeFacts
		for records.Next(ctx) {
			rec := records.Record()
			id, _ := rec.Get("id")
			kind, _ := rec.Get("kind")
			links, _ := rec.Get("links")

			f := graph.CodeFacts{}
			f.ID, _ = id.(string)
			f.Kind, _ = kind.(string)
			pairs, _ := links.([]any)
			for _, pair := range pairs {
				link, _ := pair.([]any)
				if len(link) != 2 {
					continue
				}
				rel, _ := link[0].(string)
				name, _ := link[1].(string)
				addLink(&f, rel, name)
			}
			facts = append(facts, f)
		}
		return facts, records.Err()
	})
	if err != nil {
		return nil, err
	}
	facts, _ := result.([]graph.CodeFacts)
	return facts, nil
}

func addLink(f *graph.CodeFacts, rel, name string) {
	if name == "" {
		return
	}
	switch rel {
	case "IMPORTS":
		f.Imports = append(f.Imports, name)
	case "DECLARES":
		f.Declares = append(f.Declares, name)
	case "ASSIGNS":
		f.Assigns = append(f.Assigns, name)
	case "USES":
		f.Uses = append(f.Uses, name)
	case "READS":
		f.Reads = append(f.Reads, name)
	}
}

func (r *Repository) QueryImporters(ctx context.Context, pkg string) ([]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (d:Document)-[:CONTAINS]->(:Code)-[:IMPORTS]->(:Package {name: $name}) "+
				"RETURN DISTINCT d.name AS name ORDER BY name",
			map[string]any{"name": pkg})
		if err != nil {
			return nil, err
		}
		var names []string
		for records.Next(ctx) {
			n, _ := records.Record().Get("name")
			if s, ok := n.(string); ok {
				names = append(names, s)
			}
		}
		return names, records.Err()
	})
	if err != nil {
		return nil, err
	}
	names, _ := result.([]string)
	return names, nil
}

// Ping checks that the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

var _ graph.Repository = (*Repository)(nil)
