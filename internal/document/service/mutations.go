package service

import (
	"context"
	"errors"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/document/repository"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/google/uuid"
)

type NewDocumentProps struct {
	RequestProps
	Doc document.Doc
}

type CreateDocumentProps struct {
	RequestProps
	// ID of the new document. Empty asks the document type for one.
	ID                string
	ConstructorName   string
	ConstructorParams map[string]any
}

type PatchDocumentProps struct {
	RequestProps
	ID          string
	OperationID string
	Patch       document.Patch
	ReqVersion  string
}

type OperateOnDocumentProps struct {
	RequestProps
	ID              string
	OperationID     string
	OperationName   string
	OperationParams map[string]any
	ReqVersion      string
}

type ReplaceDocumentProps struct {
	RequestProps
	Doc document.Doc
}

type ArchiveDocumentProps struct {
	RequestProps
	ID          string
	OperationID string
	ReqVersion  string
}

type RedactDocumentProps struct {
	RequestProps
	ID          string
	OperationID string
	// RedactValue replaces the redactable fields. Nil uses document.DefaultRedactValue.
	RedactValue any
	ReqVersion  string
}

type DeleteDocumentProps struct {
	RequestProps
	ID string
}

type NewDocumentResult struct {
	IsNew bool
	Doc   document.Doc
}

type UpdateDocumentResult struct {
	IsUpdated bool
	Doc       document.Doc
}

type ReplaceDocumentResult struct {
	IsNew bool
	Doc   document.Doc
}

type DeleteDocumentResult struct {
	IsDeleted bool
}

// NewDocument stores a caller-built document unless one with the same id exists.
func (r *Runtime) NewDocument(ctx context.Context, p NewDocumentProps) (NewDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionCreate, security.Request{Action: security.ActionCreate})
	if err != nil {
		return NewDocumentResult{}, err
	}
	doc, err := document.PrepareIncomingDoc(t, p.Doc, true)
	if err != nil {
		return NewDocumentResult{}, err
	}
	return r.createDoc(ctx, t, partition, p.RequestProps, doc)
}

// CreateDocument builds a document with a named constructor and stores it
// unless one with the same id exists.
func (r *Runtime) CreateDocument(ctx context.Context, p CreateDocumentProps) (NewDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionCreate, security.Request{Action: security.ActionCreate})
	if err != nil {
		return NewDocumentResult{}, err
	}
	c, ok := t.Constructors[p.ConstructorName]
	if !ok {
		return NewDocumentResult{}, document.NewRequestError(document.ErrConstructorNotRecognised, t.Name, p.ID, document.ActionCreate, p.ConstructorName)
	}
	if err := validateParams(t, "constructor."+p.ConstructorName+".validateParams", p.ID, document.ActionCreate, c.ValidateParams, p.ConstructorParams); err != nil {
		return NewDocumentResult{}, err
	}
	built, err := document.CallValue(t.Name, "constructor."+p.ConstructorName+".build", func() document.Doc {
		return c.Build(p.ConstructorParams)
	})
	if err != nil {
		return NewDocumentResult{}, err
	}
	if built == nil {
		built = document.Doc{}
	}
	id := p.ID
	if id == "" {
		if id, err = document.CallValue(t.Name, "newId", t.GenerateID); err != nil {
			return NewDocumentResult{}, err
		}
	}
	built[document.FieldID] = id
	doc, err := document.PrepareIncomingDoc(t, built, true)
	if err != nil {
		return NewDocumentResult{}, err
	}
	return r.createDoc(ctx, t, partition, p.RequestProps, doc)
}

func (r *Runtime) createDoc(ctx context.Context, t *document.DocType, partition string, p RequestProps, doc document.Doc) (NewDocumentResult, error) {
	id := doc.ID()
	existing, err := r.store.Fetch(ctx, t.Name, partition, id, p.storeOptions())
	if err != nil {
		return NewDocumentResult{}, err
	}
	if existing != nil {
		recordOutcome(document.ActionCreate, "noop")
		if err := r.trackChange(ctx, t, partition, p.User, change{action: document.ActionCreate, opID: id, subject: existing}); err != nil {
			return NewDocumentResult{}, err
		}
		return NewDocumentResult{IsNew: false, Doc: existing}, nil
	}

	if t.AuthoriseCreate != nil {
		if err := checkHook(t, "authoriseCreate", id, document.ActionCreate, func() document.Verdict { return t.AuthoriseCreate(p.User, doc) }); err != nil {
			return NewDocumentResult{}, err
		}
	}

	saved, _, err := r.write(ctx, t, partition, p, doc, document.ActionCreate, "", false)
	if err != nil {
		return NewDocumentResult{}, err
	}
	if err := r.trackChange(ctx, t, partition, p.User, change{action: document.ActionCreate, opID: id, subject: saved}); err != nil {
		return NewDocumentResult{}, err
	}
	return NewDocumentResult{IsNew: true, Doc: saved}, nil
}

// PatchDocument merges a patch into an existing document.
func (r *Runtime) PatchDocument(ctx context.Context, p PatchDocumentProps) (UpdateDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionPatch, security.Request{Action: security.ActionUpdate})
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	fetched, err := r.fetchExisting(ctx, t, partition, p.RequestProps, p.ID, document.ActionPatch)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	ch := change{action: document.ActionPatch, opID: operationIDOrNew(p.OperationID), params: p.Patch, patch: p.Patch}
	if p.OperationID != "" && document.IsOpIDInDocument(fetched, p.OperationID) {
		return r.noop(ctx, t, partition, p.User, fetched, ch)
	}
	if t.AuthorisePatch != nil {
		if err := checkHook(t, "authorisePatch", p.ID, document.ActionPatch, func() document.Verdict { return t.AuthorisePatch(p.User, fetched, p.Patch) }); err != nil {
			return UpdateDocumentResult{}, err
		}
	}
	return r.applyPatch(ctx, t, partition, p.RequestProps, fetched, p.Patch, ch, p.OperationID, p.ReqVersion)
}

// OperateOnDocument runs a named operation that derives a patch from the
// current document and the supplied params.
func (r *Runtime) OperateOnDocument(ctx context.Context, p OperateOnDocumentProps) (UpdateDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionOperate,
		security.Request{Action: security.ActionUpdate, OperationName: p.OperationName})
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	op, ok := t.Operations[p.OperationName]
	if !ok {
		return UpdateDocumentResult{}, document.NewRequestError(document.ErrOperationNotRecognised, t.Name, p.ID, document.ActionOperate, p.OperationName)
	}
	if err := validateParams(t, "operation."+p.OperationName+".validateParams", p.ID, document.ActionOperate, op.ValidateParams, p.OperationParams); err != nil {
		return UpdateDocumentResult{}, err
	}
	fetched, err := r.fetchExisting(ctx, t, partition, p.RequestProps, p.ID, document.ActionOperate)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	ch := change{
		action: document.ActionOperate,
		opID:   operationIDOrNew(p.OperationID),
		params: map[string]any{"operationName": p.OperationName, "operationParams": p.OperationParams},
	}
	if p.OperationID != "" && document.IsOpIDInDocument(fetched, p.OperationID) {
		return r.noop(ctx, t, partition, p.User, fetched, ch)
	}
	if t.AuthoriseOperation != nil {
		if err := checkHook(t, "authoriseOperation", p.ID, document.ActionOperate, func() document.Verdict {
			return t.AuthoriseOperation(p.User, fetched, p.OperationName, p.OperationParams)
		}); err != nil {
			return UpdateDocumentResult{}, err
		}
	}
	patch, err := document.CallValue(t.Name, "operation."+p.OperationName+".apply", func() document.Patch {
		return op.Apply(fetched.Clone(), p.OperationParams)
	})
	if err != nil {
		logger.With("docType", t.Name, "operation", p.OperationName).Errorf("callback failed: %v", err)
		return UpdateDocumentResult{}, err
	}
	ch.patch = patch
	return r.applyPatch(ctx, t, partition, p.RequestProps, fetched, patch, ch, p.OperationID, p.ReqVersion)
}

// applyPatch writes fetched with patch applied. Only a caller-supplied
// operation id is recorded in docOpIds.
func (r *Runtime) applyPatch(ctx context.Context, t *document.DocType, partition string, p RequestProps, fetched document.Doc, patch document.Patch, ch change, callerOpID, reqVersion string) (UpdateDocumentResult, error) {
	doc := fetched.Clone()
	if err := document.ApplyPatch(t, doc, patch); err != nil {
		recordOutcome(ch.action, outcomeOf(err))
		return UpdateDocumentResult{}, err
	}
	if callerOpID != "" {
		document.AppendDocOpID(t.Policy, doc, callerOpID)
	}
	saved, err := r.update(ctx, t, partition, p, fetched, doc, ch.action, reqVersion)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	ch.subject = saved
	if err := r.trackChange(ctx, t, partition, p.User, ch); err != nil {
		return UpdateDocumentResult{}, err
	}
	return UpdateDocumentResult{IsUpdated: true, Doc: saved}, nil
}

// ReplaceDocument stores a whole caller-supplied document unconditionally.
func (r *Runtime) ReplaceDocument(ctx context.Context, p ReplaceDocumentProps) (ReplaceDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionReplace, security.Request{Action: security.ActionReplace})
	if err != nil {
		return ReplaceDocumentResult{}, err
	}
	if !t.CanReplace() {
		return ReplaceDocumentResult{}, document.NewRequestError(document.ErrForbiddenByPolicy, t.Name, p.Doc.ID(), document.ActionReplace,
			"document type does not allow replacement")
	}
	doc, err := document.PrepareIncomingDoc(t, p.Doc, false)
	if err != nil {
		return ReplaceDocumentResult{}, err
	}
	saved, code, err := r.write(ctx, t, partition, p.RequestProps, doc, document.ActionReplace, "", false)
	if err != nil {
		return ReplaceDocumentResult{}, err
	}
	ch := change{action: document.ActionReplace, opID: saved.ID(), params: saved.Version(), subject: saved}
	if err := r.trackChange(ctx, t, partition, p.User, ch); err != nil {
		return ReplaceDocumentResult{}, err
	}
	return ReplaceDocumentResult{IsNew: code == repository.Created, Doc: saved}, nil
}

// ArchiveDocument marks a document archived. Repeating the request with the
// same operation id is a no-op.
func (r *Runtime) ArchiveDocument(ctx context.Context, p ArchiveDocumentProps) (UpdateDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionArchive, security.Request{Action: security.ActionUpdate})
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	fetched, err := r.fetchExisting(ctx, t, partition, p.RequestProps, p.ID, document.ActionArchive)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	ch := change{action: document.ActionArchive, opID: operationIDOrNew(p.OperationID)}
	digest, err := ch.digest()
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	if document.IsDigestInArray(digest, fetched.Digests()) {
		return r.noop(ctx, t, partition, p.User, fetched, ch)
	}

	doc := fetched.Clone()
	document.ArchiveDoc(doc, p.User.ID, r.nowMillis())
	document.AppendDocDigest(doc, digest, t.MaxDigests())
	saved, err := r.update(ctx, t, partition, p.RequestProps, fetched, doc, ch.action, p.ReqVersion)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	ch.subject = saved
	if err := r.trackChange(ctx, t, partition, p.User, ch); err != nil {
		return UpdateDocumentResult{}, err
	}
	return UpdateDocumentResult{IsUpdated: true, Doc: saved}, nil
}

// RedactDocument overwrites the document type's redactable fields. Repeating
// the request with the same operation id and value is a no-op.
func (r *Runtime) RedactDocument(ctx context.Context, p RedactDocumentProps) (UpdateDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionRedact, security.Request{Action: security.ActionUpdate})
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	fetched, err := r.fetchExisting(ctx, t, partition, p.RequestProps, p.ID, document.ActionRedact)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	value := p.RedactValue
	if value == nil {
		value = document.DefaultRedactValue
	}
	ch := change{action: document.ActionRedact, opID: operationIDOrNew(p.OperationID), params: value}
	digest, err := ch.digest()
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	if document.IsDigestInArray(digest, fetched.Digests()) {
		return r.noop(ctx, t, partition, p.User, fetched, ch)
	}

	doc := fetched.Clone()
	document.RedactDoc(t, doc, value)
	document.AppendDocDigest(doc, digest, t.MaxDigests())
	saved, err := r.update(ctx, t, partition, p.RequestProps, fetched, doc, ch.action, p.ReqVersion)
	if err != nil {
		return UpdateDocumentResult{}, err
	}
	ch.subject = saved
	if err := r.trackChange(ctx, t, partition, p.User, ch); err != nil {
		return UpdateDocumentResult{}, err
	}
	return UpdateDocumentResult{IsUpdated: true, Doc: saved}, nil
}

// DeleteDocument removes a document. A document that is already absent is
// reported as not deleted.
func (r *Runtime) DeleteDocument(ctx context.Context, p DeleteDocumentProps) (DeleteDocumentResult, error) {
	t, partition, _, err := r.prelude(p.RequestProps, document.ActionDelete, security.Request{Action: security.ActionDelete})
	if err != nil {
		return DeleteDocumentResult{}, err
	}
	if !t.CanDelete() {
		return DeleteDocumentResult{}, document.NewRequestError(document.ErrForbiddenByPolicy, t.Name, p.ID, document.ActionDelete,
			"document type does not allow deletion")
	}
	opts := p.storeOptions()
	fetched, err := r.store.Fetch(ctx, t.Name, partition, p.ID, opts)
	if err != nil {
		return DeleteDocumentResult{}, err
	}
	if fetched == nil {
		recordOutcome(document.ActionDelete, "noop")
		return DeleteDocumentResult{IsDeleted: false}, nil
	}
	if t.AuthoriseDelete != nil {
		if err := checkHook(t, "authoriseDelete", p.ID, document.ActionDelete, func() document.Verdict { return t.AuthoriseDelete(p.User, fetched) }); err != nil {
			return DeleteDocumentResult{}, err
		}
	}

	res, err := r.store.DeleteByID(ctx, t.Name, partition, p.ID, opts)
	if err != nil {
		return DeleteDocumentResult{}, err
	}
	r.evict(ctx, t, partition, p.ID)
	if res != repository.Deleted {
		recordOutcome(document.ActionDelete, "noop")
		return DeleteDocumentResult{IsDeleted: false}, nil
	}
	recordOutcome(document.ActionDelete, "applied")

	ch := change{action: document.ActionDelete, opID: p.ID, params: fetched.Version(), subject: fetched, deleted: true}
	if err := r.trackChange(ctx, t, partition, p.User, ch); err != nil {
		return DeleteDocumentResult{}, err
	}
	return DeleteDocumentResult{IsDeleted: true}, nil
}

// fetchExisting loads the document a mutation applies to.
func (r *Runtime) fetchExisting(ctx context.Context, t *document.DocType, partition string, p RequestProps, id, action string) (document.Doc, error) {
	if id == "" {
		return nil, document.NewRequestError(document.ErrValidationFailed, t.Name, "", action, "id is required")
	}
	doc, err := r.store.Fetch(ctx, t.Name, partition, id, p.storeOptions())
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.DocType() != t.Name {
		recordOutcome(action, "rejected")
		return nil, document.NewRequestError(document.ErrDocNotFound, t.Name, id, action, "")
	}
	if err := document.EnsureDocSystemFields(t.Name, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// noop answers a request already applied to the document. The change record
// is written again in case the earlier attempt failed after its main write.
func (r *Runtime) noop(ctx context.Context, t *document.DocType, partition string, user security.User, fetched document.Doc, ch change) (UpdateDocumentResult, error) {
	recordOutcome(ch.action, "noop")
	ch.subject = fetched
	if err := r.trackChange(ctx, t, partition, user, ch); err != nil {
		return UpdateDocumentResult{}, err
	}
	return UpdateDocumentResult{IsUpdated: false, Doc: fetched}, nil
}

// update writes doc guarded by the version read with fetched, or by the
// caller's explicit version when one was supplied.
func (r *Runtime) update(ctx context.Context, t *document.DocType, partition string, p RequestProps, fetched, doc document.Doc, action, reqVersion string) (document.Doc, error) {
	explicit := reqVersion != ""
	if !explicit {
		reqVersion = fetched.Version()
	}
	saved, _, err := r.write(ctx, t, partition, p, doc, action, reqVersion, explicit)
	return saved, err
}

// write stamps, validates and stores doc, then interprets the store's answer.
func (r *Runtime) write(ctx context.Context, t *document.DocType, partition string, p RequestProps, doc document.Doc, action, reqVersion string, explicit bool) (saved document.Doc, code repository.UpsertCode, err error) {
	defer func() {
		if err != nil {
			recordOutcome(action, outcomeOf(err))
		} else {
			recordOutcome(action, "applied")
		}
	}()

	document.ApplyCommonFieldValues(doc, p.User.ID, r.nowMillis())
	if err := document.ExecuteValidation(t, doc); err != nil {
		logCallbackFailure(t, doc.ID(), err)
		return nil, "", err
	}
	if err := document.EnsureValidatedDoc(t, doc); err != nil {
		logCallbackFailure(t, doc.ID(), err)
		return nil, "", err
	}

	res, err := r.store.Upsert(ctx, t.Name, partition, doc, reqVersion, p.storeOptions())
	if err != nil {
		return nil, "", err
	}
	if res.Code == repository.VersionNotAvailable {
		kind := document.ErrConflictOnSave
		if explicit {
			kind = document.ErrRequiredVersionNotAvailable
		}
		logger.With("docType", t.Name, "id", doc.ID(), "action", action, "reqVersion", reqVersion).Infof("%v", kind)
		return nil, "", document.NewRequestError(kind, t.Name, doc.ID(), action, "")
	}

	doc[document.FieldDocVersion] = res.DocVersion
	r.evict(ctx, t, partition, doc.ID())
	return doc, res.Code, nil
}

// logCallbackFailure logs err when it is a hook defect rather than a
// validation verdict.
func logCallbackFailure(t *document.DocType, id string, err error) {
	var ce *document.CallbackError
	if errors.As(err, &ce) {
		logger.With("docType", t.Name, "id", id, "hook", ce.Hook).Errorf("callback failed: %v", err)
	}
}

func operationIDOrNew(opID string) string {
	if opID != "" {
		return opID
	}
	return uuid.NewString()
}
