// Package service is the runtime orchestrator: it sequences authorisation,
// fetch, mutation and conditional write for every request kind.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/document/cache"
	"github.com/gogotex/docstore/internal/document/repository"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/gogotex/docstore/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultChangeDocTypeName is the document type change records are stored under.
const DefaultChangeDocTypeName = "change"

// Options configure a Runtime.
type Options struct {
	Registry *document.Registry
	Store    repository.DocStore
	// Cache backs SelectDocumentsByIDs. Nil uses an in-process TTLCache.
	Cache cache.DocCache
	// Clock stamps audit fields. Nil uses time.Now.
	Clock             func() time.Time
	ChangeDocTypeName string
}

// Runtime executes document requests. It is safe for concurrent use; the only
// state shared between requests is the read cache.
type Runtime struct {
	registry          *document.Registry
	store             *repository.SafeDocStore
	cache             cache.DocCache
	now               func() time.Time
	changeDocTypeName string
	selects           singleflight.Group
}

// New builds a Runtime, failing if the registry or store is missing.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, errors.New("runtime: registry is required")
	}
	store, err := repository.NewSafeDocStore(opts.Store)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewTTLCache(opts.Clock)
	}
	if opts.ChangeDocTypeName == "" {
		opts.ChangeDocTypeName = DefaultChangeDocTypeName
	}
	return &Runtime{
		registry:          opts.Registry,
		store:             store,
		cache:             opts.Cache,
		now:               opts.Clock,
		changeDocTypeName: opts.ChangeDocTypeName,
	}, nil
}

// RequestProps are carried by every request.
type RequestProps struct {
	DocTypeName string
	// Partition is empty for the null partition.
	Partition       string
	User            security.User
	DocStoreOptions map[string]any
}

func (p RequestProps) storeOptions() repository.Options {
	return repository.Options(p.DocStoreOptions)
}

// DocTypeNames lists the registered document types.
func (r *Runtime) DocTypeNames() []string { return r.registry.Names() }

// NewDocumentID returns a fresh id from the document type's generator.
func (r *Runtime) NewDocumentID(docTypeName string) (string, error) {
	t, err := r.registry.Get(docTypeName)
	if err != nil {
		return "", err
	}
	return document.CallValue(t.Name, "newId", t.GenerateID)
}

// prelude resolves the document type, checks the caller and partition, and
// authorises req. It returns the storage partition to use.
func (r *Runtime) prelude(p RequestProps, action string, req security.Request) (*document.DocType, string, security.Decision, error) {
	t, err := r.registry.Get(p.DocTypeName)
	if err != nil {
		return nil, "", security.Decision{}, err
	}
	if p.User.ID == "" {
		return nil, "", security.Decision{}, document.NewRequestError(document.ErrInvalidUserID, t.Name, "", action, "user id is required")
	}

	partition := p.Partition
	if t.UseSinglePartition {
		if partition != "" {
			return nil, "", security.Decision{}, document.NewRequestError(document.ErrPartitionNotAllowed, t.Name, "", action,
				"document type uses a single partition")
		}
		partition = document.CentralPartition
	} else if partition == "" {
		return nil, "", security.Decision{}, document.NewRequestError(document.ErrPartitionRequired, t.Name, "", action, "")
	}

	req.DocTypeName = t.Name
	d := security.Authorise(p.User, req)
	if !d.Allowed {
		return nil, "", d, document.NewRequestError(document.ErrInsufficientPermissions, t.Name, "", action, d.Reason)
	}
	return t, partition, d, nil
}

// checkHook turns a user authorisation hook verdict into an error.
func checkHook(t *document.DocType, hook, id, action string, fn func() document.Verdict) error {
	v, err := document.CallVerdict(t.Name, hook, fn)
	if err != nil {
		logger.With("docType", t.Name, "hook", hook).Errorf("callback failed: %v", err)
		return err
	}
	if !v.OK() {
		return document.NewRequestError(document.ErrInsufficientPermissions, t.Name, id, action, v.Reason())
	}
	return nil
}

// validateParams runs a params validator for a named constructor, operation,
// filter or query.
func validateParams(t *document.DocType, hook, id, action string, fn func(map[string]any) document.Verdict, params map[string]any) error {
	v, err := document.CallVerdict(t.Name, hook, func() document.Verdict { return fn(params) })
	if err != nil {
		logger.With("docType", t.Name, "hook", hook).Errorf("callback failed: %v", err)
		return err
	}
	if !v.OK() {
		return document.NewRequestError(document.ErrValidationFailed, t.Name, id, action, "params: "+v.Reason())
	}
	return nil
}

func (r *Runtime) nowMillis() int64 { return r.now().UnixMilli() }

func (r *Runtime) evict(ctx context.Context, t *document.DocType, partition, id string) {
	if err := r.cache.Evict(ctx, cache.Key(t.Name, partition, id)); err != nil {
		logger.With("docType", t.Name, "id", id).Warnf("cache evict failed: %v", err)
	}
}

func recordOutcome(action, outcome string) {
	metrics.MutationOutcomes.WithLabelValues(action, outcome).Inc()
}

// outcomeOf labels a failed mutation for metrics.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, document.ErrConflictOnSave):
		return "conflict"
	case errors.Is(err, document.ErrRequiredVersionNotAvailable):
		return "version_unavailable"
	case document.IsRequestError(err):
		return "rejected"
	default:
		return "failed"
	}
}
