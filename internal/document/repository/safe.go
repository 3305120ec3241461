package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/gogotex/docstore/pkg/metrics"
)

var (
	// ErrUnexpectedStore is wrapped by every StoreError.
	ErrUnexpectedStore = errors.New("unexpected store error")
	// ErrStoreNotConfigured is returned when a nil adapter is wrapped.
	ErrStoreNotConfigured = errors.New("doc store not configured")
)

// StoreError normalises any failure raised by an adapter.
type StoreError struct {
	Op          string
	DocTypeName string
	Elapsed     time.Duration
	Err         error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s on %s after %s: %v", ErrUnexpectedStore, e.Op, e.DocTypeName, e.Elapsed.Round(time.Microsecond), e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrUnexpectedStore, e.Err} }

// DefaultSlowCallThreshold is the latency above which calls are logged.
const DefaultSlowCallThreshold = 500 * time.Millisecond

// SafeDocStore guards an adapter: panics and errors become StoreErrors, result
// codes outside the contract are rejected, and every call is timed.
type SafeDocStore struct {
	inner         DocStore
	slowThreshold time.Duration
}

// NewSafeDocStore wraps store, failing immediately if it is missing.
func NewSafeDocStore(store DocStore) (*SafeDocStore, error) {
	if store == nil {
		return nil, ErrStoreNotConfigured
	}
	if v := reflect.ValueOf(store); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, fmt.Errorf("%w: %T is nil", ErrStoreNotConfigured, store)
	}
	if s, ok := store.(*SafeDocStore); ok {
		return s, nil
	}
	return &SafeDocStore{inner: store, slowThreshold: DefaultSlowCallThreshold}, nil
}

// SetSlowCallThreshold changes the slow-call logging threshold. Zero disables it.
func (s *SafeDocStore) SetSlowCallThreshold(d time.Duration) { s.slowThreshold = d }

func guard[T any](s *SafeDocStore, op, docTypeName string, fn func() (T, error)) (out T, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			err = fmt.Errorf("panic: %v", r)
		}
		elapsed := time.Since(start)
		metrics.StoreCallDuration.WithLabelValues(op, docTypeName).Observe(elapsed.Seconds())
		if s.slowThreshold > 0 && elapsed > s.slowThreshold {
			logger.With("op", op, "docType", docTypeName, "elapsed", elapsed).Warnf("slow doc store call")
		}
		if err != nil {
			var already *StoreError
			if !errors.As(err, &already) {
				err = &StoreError{Op: op, DocTypeName: docTypeName, Elapsed: elapsed, Err: err}
			}
			metrics.StoreErrors.WithLabelValues(op, docTypeName).Inc()
			logger.With("op", op, "docType", docTypeName).Errorf("doc store call failed: %v", err)
		}
	}()
	return fn()
}

func (s *SafeDocStore) DeleteByID(ctx context.Context, docTypeName, partition, id string, opts Options) (DeleteResult, error) {
	return guard(s, "deleteById", docTypeName, func() (DeleteResult, error) {
		res, err := s.inner.DeleteByID(ctx, docTypeName, partition, id, opts)
		if err != nil {
			return "", err
		}
		if res != Deleted && res != NotFound {
			return "", fmt.Errorf("unrecognised delete result %q", res)
		}
		return res, nil
	})
}

func (s *SafeDocStore) Exists(ctx context.Context, docTypeName, partition, id string, opts Options) (bool, error) {
	return guard(s, "exists", docTypeName, func() (bool, error) {
		return s.inner.Exists(ctx, docTypeName, partition, id, opts)
	})
}

func (s *SafeDocStore) Fetch(ctx context.Context, docTypeName, partition, id string, opts Options) (document.Doc, error) {
	return guard(s, "fetch", docTypeName, func() (document.Doc, error) {
		doc, err := s.inner.Fetch(ctx, docTypeName, partition, id, opts)
		if err != nil {
			return nil, err
		}
		return document.NormalizeDoc(doc), nil
	})
}

func (s *SafeDocStore) Query(ctx context.Context, docTypeName, partition string, query any, opts Options) (any, error) {
	return guard(s, "query", docTypeName, func() (any, error) {
		return s.inner.Query(ctx, docTypeName, partition, query, opts)
	})
}

func (s *SafeDocStore) SelectAll(ctx context.Context, docTypeName, partition string, fieldNames []string, opts Options) ([]document.Doc, error) {
	return guard(s, "selectAll", docTypeName, func() ([]document.Doc, error) {
		return normalizeAll(s.inner.SelectAll(ctx, docTypeName, partition, fieldNames, opts))
	})
}

func (s *SafeDocStore) SelectByFilter(ctx context.Context, docTypeName, partition string, fieldNames []string, filter any, opts Options) ([]document.Doc, error) {
	return guard(s, "selectByFilter", docTypeName, func() ([]document.Doc, error) {
		return normalizeAll(s.inner.SelectByFilter(ctx, docTypeName, partition, fieldNames, filter, opts))
	})
}

func (s *SafeDocStore) SelectByIDs(ctx context.Context, docTypeName, partition string, fieldNames []string, ids []string, opts Options) ([]document.Doc, error) {
	return guard(s, "selectByIds", docTypeName, func() ([]document.Doc, error) {
		return normalizeAll(s.inner.SelectByIDs(ctx, docTypeName, partition, fieldNames, ids, opts))
	})
}

func (s *SafeDocStore) SelectByDigest(ctx context.Context, docTypeName, partition string, fieldNames []string, digest string, opts Options) ([]document.Doc, error) {
	return guard(s, "selectByDigest", docTypeName, func() ([]document.Doc, error) {
		return normalizeAll(s.inner.SelectByDigest(ctx, docTypeName, partition, fieldNames, digest, opts))
	})
}

func (s *SafeDocStore) Upsert(ctx context.Context, docTypeName, partition string, doc document.Doc, reqVersion string, opts Options) (UpsertResult, error) {
	return guard(s, "upsert", docTypeName, func() (UpsertResult, error) {
		res, err := s.inner.Upsert(ctx, docTypeName, partition, doc, reqVersion, opts)
		if err != nil {
			return UpsertResult{}, err
		}
		switch res.Code {
		case Created, Replaced:
			if res.DocVersion == "" {
				return UpsertResult{}, fmt.Errorf("upsert result %s carries no version", res.Code)
			}
		case VersionNotAvailable:
		default:
			return UpsertResult{}, fmt.Errorf("unrecognised upsert result %q", res.Code)
		}
		return res, nil
	})
}

func normalizeAll(docs []document.Doc, err error) ([]document.Doc, error) {
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i] = document.NormalizeDoc(docs[i])
	}
	return docs, nil
}
