package document

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/gogotex/docstore/internal/security"
	"github.com/google/uuid"
)

// Policy gates coarse actions on a document type independently of caller
// permissions. A nil policy forbids every gated action.
type Policy struct {
	CanDeleteDocuments      bool
	CanReplaceDocuments     bool
	CanFetchWholeCollection bool
	MaxOpIDs                int
	MaxDigests              int
}

func (p *Policy) maxDigests() int {
	if p == nil || p.MaxDigests <= 0 {
		return DefaultMaxDigests
	}
	return p.MaxDigests
}

type Constructor struct {
	ValidateParams func(params map[string]any) Verdict
	Build          func(params map[string]any) Doc
}

type Operation struct {
	ValidateParams func(params map[string]any) Verdict
	Apply          func(doc Doc, params map[string]any) Patch
}

type Filter struct {
	ValidateParams func(params map[string]any) Verdict
	Parse          func(params map[string]any) any
}

type Query struct {
	ValidateParams func(params map[string]any) Verdict
	Parse          func(params map[string]any) any
	// Coerce shapes the raw backend result. Nil passes it through.
	Coerce func(raw any) any
}

// DocType describes one kind of document. It is built once at startup and
// must not be modified after registration.
type DocType struct {
	Name       string
	PluralName string

	ValidateFields func(doc Doc) Verdict
	ValidateDoc    func(doc Doc) Verdict

	ReadOnlyFieldNames []string
	RedactFieldNames   []string

	Policy             *Policy
	UseSinglePartition bool
	TrackChanges       bool

	NewID func() string

	AuthoriseCreate    func(user security.User, doc Doc) Verdict
	AuthoriseDelete    func(user security.User, doc Doc) Verdict
	AuthorisePatch     func(user security.User, doc Doc, patch Patch) Verdict
	AuthoriseRead      func(user security.User, doc Doc) Verdict
	AuthoriseOperation func(user security.User, doc Doc, operationName string, params map[string]any) Verdict
	AuthoriseQuery     func(user security.User, queryName string, params map[string]any) Verdict

	Constructors map[string]Constructor
	Operations   map[string]Operation
	Filters      map[string]Filter
	Queries      map[string]Query
}

// GenerateID returns a new id from the type's generator.
func (t *DocType) GenerateID() string {
	if t.NewID != nil {
		return t.NewID()
	}
	return uuid.NewString()
}

func (t *DocType) CanDelete() bool {
	return t.Policy != nil && t.Policy.CanDeleteDocuments
}

func (t *DocType) CanReplace() bool {
	return t.Policy != nil && t.Policy.CanReplaceDocuments
}

func (t *DocType) CanFetchWholeCollection() bool {
	return t.Policy != nil && t.Policy.CanFetchWholeCollection
}

func (t *DocType) isReadOnly(field string) bool {
	return containsString(t.ReadOnlyFieldNames, field)
}

var docTypeNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)

func (t *DocType) validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidDocType, t.Name, fmt.Sprintf(format, args...))
	}
	if !docTypeNamePattern.MatchString(t.Name) {
		return invalid("name must be alphanumeric and start with a letter")
	}
	if t.ValidateFields == nil {
		return invalid("validateFields is required")
	}
	if t.ValidateDoc == nil {
		return invalid("validateDoc is required")
	}
	for _, f := range t.ReadOnlyFieldNames {
		if IsSystemFieldName(f) {
			return invalid("read-only field %q is a system field", f)
		}
	}
	for _, f := range t.RedactFieldNames {
		if IsSystemFieldName(f) {
			return invalid("redact field %q is a system field", f)
		}
	}
	for name, c := range t.Constructors {
		if c.ValidateParams == nil || c.Build == nil {
			return invalid("constructor %q is incomplete", name)
		}
	}
	for name, op := range t.Operations {
		if op.ValidateParams == nil || op.Apply == nil {
			return invalid("operation %q is incomplete", name)
		}
	}
	for name, f := range t.Filters {
		if f.ValidateParams == nil || f.Parse == nil {
			return invalid("filter %q is incomplete", name)
		}
	}
	for name, q := range t.Queries {
		if q.ValidateParams == nil || q.Parse == nil {
			return invalid("query %q is incomplete", name)
		}
	}
	return nil
}

// Registry holds the document types known to a runtime.
type Registry struct {
	types map[string]*DocType
}

// NewRegistry validates and registers the given document types.
func NewRegistry(types ...*DocType) (*Registry, error) {
	r := &Registry{types: make(map[string]*DocType, len(types))}
	for _, t := range types {
		if t == nil {
			return nil, fmt.Errorf("%w: nil document type", ErrInvalidDocType)
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("%w %q: registered twice", ErrInvalidDocType, t.Name)
		}
		r.types[t.Name] = t
	}
	return r, nil
}

// Get looks up a document type by name.
func (r *Registry) Get(name string) (*DocType, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, NewRequestError(ErrDocTypeNotRecognised, name, "", "", "")
	}
	return t, nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
