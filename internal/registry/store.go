package registry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

// Store persists the registry document as a single JSON file. Loaded
// documents are validated against the embedded schema so a hand-edited or
// corrupted file fails loudly instead of half-loading.
//
// Store itself is not synchronized; the Registry's writer lock serializes
// every call.
type Store struct {
	path   string
	schema *jsonschema.Schema
}

// NewStore builds a store for the document at path.
func NewStore(path string) (*Store, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("registry.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("registry.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Store{path: path, schema: schema}, nil
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Load reads and validates the document. A missing file yields an empty
// document rather than an error.
func (s *Store) Load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{Version: DocumentVersion}, nil
		}
		return Document{}, &PersistenceError{Path: s.path, Op: "load", Err: err}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Document{}, &PersistenceError{Path: s.path, Op: "load", Err: err}
	}
	if err := s.schema.Validate(inst); err != nil {
		return Document{}, &PersistenceError{Path: s.path, Op: "load", Err: fmt.Errorf("schema: %w", err)}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &PersistenceError{Path: s.path, Op: "load", Err: err}
	}
	return doc, nil
}

// Save writes the document atomically (temp file + rename) with
// last_updated and total_agents refreshed.
func (s *Store) Save(doc Document) error {
	doc.Version = DocumentVersion
	doc.LastUpdated = time.Now().UTC()
	doc.TotalAgents = len(doc.Agents)
	if doc.Agents == nil {
		// A nil slice marshals to null, which the schema rejects on the
		// next Load.
		doc.Agents = []AgentDefinition{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &PersistenceError{Path: s.path, Op: "save", Err: err}
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &PersistenceError{Path: s.path, Op: "save", Err: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistenceError{Path: s.path, Op: "save", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &PersistenceError{Path: s.path, Op: "save", Err: err}
	}
	return nil
}
