package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gogotex/docstore/internal/document"
	"github.com/google/uuid"
)

// MemoryFilter selects documents in the in-memory store.
type MemoryFilter func(doc document.Doc) bool

// MemoryQuery computes a result over every document of a type and partition.
type MemoryQuery func(docs []document.Doc) any

// MemoryStore is the in-memory reference adapter. It is used by unit tests and
// by the server when no external backend is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]map[string]map[string]document.Doc // docType -> partition -> id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{store: make(map[string]map[string]map[string]document.Doc)}
}

func (m *MemoryStore) bucket(docTypeName, partition string, create bool) map[string]document.Doc {
	parts, ok := m.store[docTypeName]
	if !ok {
		if !create {
			return nil
		}
		parts = make(map[string]map[string]document.Doc)
		m.store[docTypeName] = parts
	}
	b, ok := parts[partition]
	if !ok && create {
		b = make(map[string]document.Doc)
		parts[partition] = b
	}
	return b
}

// sorted returns the docs of a bucket ordered by id so results are stable.
func sorted(b map[string]document.Doc) []document.Doc {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]document.Doc, 0, len(ids))
	for _, id := range ids {
		out = append(out, b[id])
	}
	return out
}

func (m *MemoryStore) DeleteByID(ctx context.Context, docTypeName, partition, id string, opts Options) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(docTypeName, partition, false)
	if _, ok := b[id]; !ok {
		return NotFound, nil
	}
	delete(b, id)
	return Deleted, nil
}

func (m *MemoryStore) Exists(ctx context.Context, docTypeName, partition, id string, opts Options) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bucket(docTypeName, partition, false)[id]
	return ok, nil
}

func (m *MemoryStore) Fetch(ctx context.Context, docTypeName, partition, id string, opts Options) (document.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.bucket(docTypeName, partition, false)[id]; ok {
		return d.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) Query(ctx context.Context, docTypeName, partition string, query any, opts Options) (any, error) {
	q, ok := query.(MemoryQuery)
	if !ok {
		fn, isFunc := query.(func([]document.Doc) any)
		if !isFunc {
			return nil, fmt.Errorf("memory store: unsupported query type %T", query)
		}
		q = fn
	}
	m.mu.RLock()
	docs := sorted(m.bucket(docTypeName, partition, false))
	for i := range docs {
		docs[i] = docs[i].Clone()
	}
	m.mu.RUnlock()
	return q(docs), nil
}

func (m *MemoryStore) SelectAll(ctx context.Context, docTypeName, partition string, fieldNames []string, opts Options) ([]document.Doc, error) {
	return m.selectWhere(docTypeName, partition, fieldNames, func(document.Doc) bool { return true }), nil
}

func (m *MemoryStore) SelectByFilter(ctx context.Context, docTypeName, partition string, fieldNames []string, filter any, opts Options) ([]document.Doc, error) {
	f, ok := filter.(MemoryFilter)
	if !ok {
		fn, isFunc := filter.(func(document.Doc) bool)
		if !isFunc {
			return nil, fmt.Errorf("memory store: unsupported filter type %T", filter)
		}
		f = fn
	}
	return m.selectWhere(docTypeName, partition, fieldNames, f), nil
}

func (m *MemoryStore) SelectByIDs(ctx context.Context, docTypeName, partition string, fieldNames []string, ids []string, opts Options) ([]document.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(docTypeName, partition, false)
	seen := make(map[string]bool, len(ids))
	out := make([]document.Doc, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if d, ok := b[id]; ok {
			out = append(out, ProjectFields(d, fieldNames))
		}
	}
	return out, nil
}

func (m *MemoryStore) SelectByDigest(ctx context.Context, docTypeName, partition string, fieldNames []string, digest string, opts Options) ([]document.Doc, error) {
	return m.selectWhere(docTypeName, partition, fieldNames, func(d document.Doc) bool {
		return document.IsDigestInArray(digest, d.Digests())
	}), nil
}

func (m *MemoryStore) selectWhere(docTypeName, partition string, fieldNames []string, keep func(document.Doc) bool) []document.Doc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []document.Doc{}
	for _, d := range sorted(m.bucket(docTypeName, partition, false)) {
		if keep(d) {
			out = append(out, ProjectFields(d, fieldNames))
		}
	}
	return out
}

func (m *MemoryStore) Upsert(ctx context.Context, docTypeName, partition string, doc document.Doc, reqVersion string, opts Options) (UpsertResult, error) {
	id := doc.ID()
	if id == "" {
		return UpsertResult{}, fmt.Errorf("memory store: document has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(docTypeName, partition, true)
	existing, exists := b[id]
	if reqVersion != "" && (!exists || existing.Version() != reqVersion) {
		return UpsertResult{Code: VersionNotAvailable}, nil
	}

	stored := doc.Clone()
	version := uuid.NewString()
	stored[document.FieldDocVersion] = version
	b[id] = stored

	code := Created
	if exists {
		code = Replaced
	}
	return UpsertResult{Code: code, DocVersion: version}, nil
}
