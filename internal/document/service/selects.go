package service

import (
	"context"
	"strings"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/document/cache"
	"github.com/gogotex/docstore/internal/document/repository"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/pkg/logger"
	"golang.org/x/sync/singleflight"
)

type ExistsProps struct {
	RequestProps
	ID string
}

type SelectByIDsProps struct {
	RequestProps
	IDs        []string
	FieldNames []string
	// CacheMilliseconds allows answers from the read cache up to this age and
	// caches fetched documents for as long. Zero bypasses the cache.
	CacheMilliseconds int64
}

type SelectAllProps struct {
	RequestProps
	FieldNames []string
}

type SelectByFilterProps struct {
	RequestProps
	FilterName   string
	FilterParams map[string]any
	FieldNames   []string
}

type QueryProps struct {
	RequestProps
	QueryName   string
	QueryParams map[string]any
}

type ExistsResult struct {
	Found bool
}

type SelectResult struct {
	Docs []document.Doc
}

type QueryResult struct {
	Data any
}

// DocumentExists reports whether a document is stored.
func (r *Runtime) DocumentExists(ctx context.Context, p ExistsProps) (ExistsResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, "select", security.Request{Action: security.ActionSelect})
	if err != nil {
		return ExistsResult{}, err
	}
	found, err := r.store.Exists(ctx, t.Name, partition, p.ID, p.storeOptions())
	if err != nil {
		return ExistsResult{}, err
	}
	return ExistsResult{Found: found}, nil
}

// SelectDocumentsByIDs returns the stored documents among ids, in request
// order, without duplicates.
func (r *Runtime) SelectDocumentsByIDs(ctx context.Context, p SelectByIDsProps) (SelectResult, error) {
	t, partition, decision, err := r.prelude(p.RequestProps, "select",
		security.Request{Action: security.ActionSelect, FieldNames: p.FieldNames})
	if err != nil {
		return SelectResult{}, err
	}
	ids := dedupe(p.IDs)
	maxAge := time.Duration(p.CacheMilliseconds) * time.Millisecond

	found := make(map[string]document.Doc, len(ids))
	missing := ids
	if maxAge > 0 {
		missing = nil
		for _, id := range ids {
			doc, ok, err := r.cache.Get(ctx, cache.Key(t.Name, partition, id), maxAge)
			if err != nil {
				logger.With("docType", t.Name, "id", id).Warnf("cache read failed: %v", err)
			}
			if ok {
				found[id] = doc
			} else {
				missing = append(missing, id)
			}
		}
	}

	if len(missing) > 0 {
		// cached entries hold whole documents so any projection can be served later
		storeFields := p.FieldNames
		if maxAge > 0 {
			storeFields = nil
		}
		docs, err := r.selectByIDs(ctx, t.Name, partition, storeFields, missing, p.RequestProps)
		if err != nil {
			return SelectResult{}, err
		}
		for _, d := range docs {
			if d.DocType() != "" && d.DocType() != t.Name {
				continue
			}
			if maxAge > 0 {
				if err := r.cache.Set(ctx, cache.Key(t.Name, partition, d.ID()), d, maxAge); err != nil {
					logger.With("docType", t.Name, "id", d.ID()).Warnf("cache write failed: %v", err)
				}
			}
			found[d.ID()] = d
		}
	}

	out := make([]document.Doc, 0, len(found))
	for _, id := range ids {
		if d, ok := found[id]; ok {
			out = append(out, d)
		}
	}
	return r.finishSelect(t, p.User, decision, p.FieldNames, out)
}

// selectByIDs coalesces identical concurrent lookups into one store call.
func (r *Runtime) selectByIDs(ctx context.Context, docTypeName, partition string, fieldNames, ids []string, p RequestProps) ([]document.Doc, error) {
	if len(p.DocStoreOptions) > 0 {
		return r.store.SelectByIDs(ctx, docTypeName, partition, fieldNames, ids, p.storeOptions())
	}
	key := strings.Join([]string{docTypeName, partition, strings.Join(ids, "\x1f"), strings.Join(fieldNames, "\x1f")}, "\x1e")
	// the shared call outlives any one caller; each caller still stops
	// waiting when its own context ends
	shared := context.WithoutCancel(ctx)
	ch := r.selects.DoChan(key, func() (any, error) {
		return r.store.SelectByIDs(shared, docTypeName, partition, fieldNames, ids, nil)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &repository.StoreError{Op: "selectByIds", DocTypeName: docTypeName, Err: ctx.Err()}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	docs := res.Val.([]document.Doc)
	out := make([]document.Doc, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out, nil
}

// SelectDocuments returns every document in the partition.
func (r *Runtime) SelectDocuments(ctx context.Context, p SelectAllProps) (SelectResult, error) {
	t, partition, decision, err := r.prelude(p.RequestProps, "select",
		security.Request{Action: security.ActionSelect, FieldNames: p.FieldNames})
	if err != nil {
		return SelectResult{}, err
	}
	if !t.CanFetchWholeCollection() {
		return SelectResult{}, document.NewRequestError(document.ErrForbiddenByPolicy, t.Name, "", "select",
			"document type does not allow fetching the whole collection")
	}
	docs, err := r.store.SelectAll(ctx, t.Name, partition, p.FieldNames, p.storeOptions())
	if err != nil {
		return SelectResult{}, err
	}
	return r.finishSelect(t, p.User, decision, p.FieldNames, docs)
}

// SelectDocumentsByFilter returns the documents matched by a named filter.
func (r *Runtime) SelectDocumentsByFilter(ctx context.Context, p SelectByFilterProps) (SelectResult, error) {
	t, partition, decision, err := r.prelude(p.RequestProps, "select",
		security.Request{Action: security.ActionSelect, FieldNames: p.FieldNames})
	if err != nil {
		return SelectResult{}, err
	}
	f, ok := t.Filters[p.FilterName]
	if !ok {
		return SelectResult{}, document.NewRequestError(document.ErrFilterNotRecognised, t.Name, "", "select", p.FilterName)
	}
	if err := validateParams(t, "filter."+p.FilterName+".validateParams", "", "select", f.ValidateParams, p.FilterParams); err != nil {
		return SelectResult{}, err
	}
	filter, err := document.CallValue(t.Name, "filter."+p.FilterName+".parse", func() any { return f.Parse(p.FilterParams) })
	if err != nil {
		return SelectResult{}, err
	}
	docs, err := r.store.SelectByFilter(ctx, t.Name, partition, p.FieldNames, filter, p.storeOptions())
	if err != nil {
		return SelectResult{}, err
	}
	return r.finishSelect(t, p.User, decision, p.FieldNames, docs)
}

// QueryDocuments runs a named query and returns its coerced result.
func (r *Runtime) QueryDocuments(ctx context.Context, p QueryProps) (QueryResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, "query",
		security.Request{Action: security.ActionQuery, QueryName: p.QueryName})
	if err != nil {
		return QueryResult{}, err
	}
	q, ok := t.Queries[p.QueryName]
	if !ok {
		return QueryResult{}, document.NewRequestError(document.ErrQueryNotRecognised, t.Name, "", "query", p.QueryName)
	}
	if err := validateParams(t, "query."+p.QueryName+".validateParams", "", "query", q.ValidateParams, p.QueryParams); err != nil {
		return QueryResult{}, err
	}
	if t.AuthoriseQuery != nil {
		if err := checkHook(t, "authoriseQuery", "", "query", func() document.Verdict {
			return t.AuthoriseQuery(p.User, p.QueryName, p.QueryParams)
		}); err != nil {
			return QueryResult{}, err
		}
	}
	query, err := document.CallValue(t.Name, "query."+p.QueryName+".parse", func() any { return q.Parse(p.QueryParams) })
	if err != nil {
		return QueryResult{}, err
	}
	raw, err := r.store.Query(ctx, t.Name, partition, query, p.storeOptions())
	if err != nil {
		return QueryResult{}, err
	}
	if q.Coerce == nil {
		return QueryResult{Data: raw}, nil
	}
	data, err := document.CallValue(t.Name, "query."+p.QueryName+".coerce", func() any { return q.Coerce(raw) })
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Data: data}, nil
}

// finishSelect applies the read hook and the caller's field restrictions.
func (r *Runtime) finishSelect(t *document.DocType, user security.User, decision security.Decision, requested []string, docs []document.Doc) (SelectResult, error) {
	include := requested
	if len(include) == 0 && len(decision.Fields.Include) > 0 {
		include = decision.Fields.Include
	}
	out := make([]document.Doc, 0, len(docs))
	for _, d := range docs {
		if t.AuthoriseRead != nil {
			if err := checkHook(t, "authoriseRead", d.ID(), "select", func() document.Verdict { return t.AuthoriseRead(user, d) }); err != nil {
				return SelectResult{}, err
			}
		}
		out = append(out, project(d, include, decision.Fields.Exclude))
	}
	return SelectResult{Docs: out}, nil
}

// project keeps only include (when set) and drops exclude. The id is always kept.
func project(doc document.Doc, include, exclude []string) document.Doc {
	if len(include) > 0 {
		kept := make(document.Doc, len(include)+1)
		if id, ok := doc[document.FieldID]; ok {
			kept[document.FieldID] = id
		}
		for _, f := range include {
			if v, ok := doc[f]; ok {
				kept[f] = v
			}
		}
		doc = kept
	}
	for _, f := range exclude {
		if f != document.FieldID {
			delete(doc, f)
		}
	}
	return doc
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
