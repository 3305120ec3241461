package repository

import (
	"context"

	"github.com/gogotex/docstore/internal/document"
)

// DeleteResult is the outcome of DeleteByID.
type DeleteResult string

const (
	Deleted  DeleteResult = "DELETED"
	NotFound DeleteResult = "NOT_FOUND"
)

// UpsertCode is the outcome of Upsert.
type UpsertCode string

const (
	Created             UpsertCode = "CREATED"
	Replaced            UpsertCode = "REPLACED"
	VersionNotAvailable UpsertCode = "VERSION_NOT_AVAILABLE"
)

// UpsertResult carries the outcome code and, on success, the version token the
// backend assigned to the stored document.
type UpsertResult struct {
	Code       UpsertCode
	DocVersion string
}

// Options are backend-specific parameters passed through from the caller.
type Options map[string]any

// DocStore is the storage port. Implementations must guarantee:
//   - Upsert compares-and-swaps on docVersion when reqVersion is non-empty and
//     creates or replaces unconditionally otherwise.
//   - DeleteByID returns NotFound rather than an error for absent documents.
//   - SelectByIDs returns at most one document per id and drops missing ids.
//   - SelectByDigest returns every document whose docDigests holds the digest.
//
// Fetch returns a nil Doc when the document does not exist. Empty fieldNames
// select every field.
type DocStore interface {
	DeleteByID(ctx context.Context, docTypeName, partition, id string, opts Options) (DeleteResult, error)
	Exists(ctx context.Context, docTypeName, partition, id string, opts Options) (bool, error)
	Fetch(ctx context.Context, docTypeName, partition, id string, opts Options) (document.Doc, error)
	Query(ctx context.Context, docTypeName, partition string, query any, opts Options) (any, error)
	SelectAll(ctx context.Context, docTypeName, partition string, fieldNames []string, opts Options) ([]document.Doc, error)
	SelectByFilter(ctx context.Context, docTypeName, partition string, fieldNames []string, filter any, opts Options) ([]document.Doc, error)
	SelectByIDs(ctx context.Context, docTypeName, partition string, fieldNames []string, ids []string, opts Options) ([]document.Doc, error)
	SelectByDigest(ctx context.Context, docTypeName, partition string, fieldNames []string, digest string, opts Options) ([]document.Doc, error)
	Upsert(ctx context.Context, docTypeName, partition string, doc document.Doc, reqVersion string, opts Options) (UpsertResult, error)
}

// CollectionNamer maps a document type name to a physical collection or table name.
type CollectionNamer func(docTypeName string) string

// IdentityNamer uses the document type name unchanged.
func IdentityNamer(docTypeName string) string { return docTypeName }

// ProjectFields returns a copy of doc holding only fieldNames plus id. Empty
// fieldNames returns a full copy.
func ProjectFields(doc document.Doc, fieldNames []string) document.Doc {
	if len(fieldNames) == 0 {
		return doc.Clone()
	}
	out := make(document.Doc, len(fieldNames)+1)
	if id, ok := doc[document.FieldID]; ok {
		out[document.FieldID] = id
	}
	for _, f := range fieldNames {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out.Clone()
}
