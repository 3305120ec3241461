package document

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultRedactValue replaces redacted fields when the caller supplies no value.
const DefaultRedactValue = "*redacted*"

// PendingVersionPrefix marks a version placeholder assigned before the store
// mints the real token.
const PendingVersionPrefix = "pending-"

// EnsureDocSystemFields verifies the mandatory system fields are present,
// correctly typed, and that the document belongs to docTypeName.
func EnsureDocSystemFields(docTypeName string, doc Doc) error {
	fail := func(reason string) error {
		return NewRequestError(ErrSystemFieldsInvalid, docTypeName, doc.ID(), "", reason)
	}
	if doc == nil {
		return fail("document is nil")
	}
	if id, ok := doc[FieldID].(string); !ok || id == "" {
		return fail("id must be a non-empty string")
	}
	if dt, ok := doc[FieldDocType].(string); !ok || dt != docTypeName {
		return fail(fmt.Sprintf("docType must be %q", docTypeName))
	}
	if _, ok := asStringSlice(doc[FieldDocOpIDs]); !ok {
		return fail("docOpIds must be an array of strings")
	}
	for _, f := range []string{FieldDocCreatedByUserID, FieldDocLastUpdatedByUserID} {
		if _, ok := doc[f].(string); !ok {
			return fail(f + " must be a string")
		}
	}
	for _, f := range []string{FieldDocCreatedMillisecondsSinceEpoch, FieldDocLastUpdatedMillisecondsSinceEpoch} {
		if !isNumber(doc[f]) {
			return fail(f + " must be a number")
		}
	}
	return nil
}

// PrepareIncomingDoc copies a caller-supplied whole document and checks its
// identity. Version tokens are never trusted from callers. When fresh is set
// the ledgers and audit stamps are reset so the runtime assigns them.
func PrepareIncomingDoc(t *DocType, doc Doc, fresh bool) (Doc, error) {
	if doc == nil {
		return nil, NewRequestError(ErrValidationFailed, t.Name, "", "", "document is required")
	}
	out := NormalizeDoc(doc.Clone())
	id, ok := out[FieldID].(string)
	if !ok || id == "" {
		return nil, NewRequestError(ErrValidationFailed, t.Name, "", "", "id must be a non-empty string")
	}
	if dt, present := out[FieldDocType]; present && dt != t.Name {
		return nil, NewRequestError(ErrValidationFailed, t.Name, id, "", fmt.Sprintf("docType must be %q", t.Name))
	}
	out[FieldDocType] = t.Name
	delete(out, FieldDocVersion)

	if fresh {
		out[FieldDocOpIDs] = []string{}
		out[FieldDocDigests] = []string{}
		out[FieldDocStatus] = StatusActive
		for _, f := range []string{
			FieldDocCreatedByUserID,
			FieldDocCreatedMillisecondsSinceEpoch,
			FieldDocArchivedByUserID,
			FieldDocArchivedMillisecondsSinceEpoch,
		} {
			delete(out, f)
		}
	}
	return out, nil
}

// ApplyPatch merges patch into doc. System and read-only fields are rejected
// before anything is changed.
func ApplyPatch(t *DocType, doc Doc, patch Patch) error {
	for key := range patch {
		if IsSystemFieldName(key) {
			return NewRequestError(ErrPatchValidationFailed, t.Name, doc.ID(), ActionPatch,
				fmt.Sprintf("cannot patch system field %q", key))
		}
		if t.isReadOnly(key) {
			return NewRequestError(ErrPatchValidationFailed, t.Name, doc.ID(), ActionPatch,
				fmt.Sprintf("cannot patch read-only field %q", key))
		}
	}
	for key, value := range patch {
		switch value {
		case nil:
			delete(doc, key)
		case Undefined:
		default:
			doc[key] = cloneValue(value)
		}
	}
	return nil
}

// ApplyCommonFieldValues stamps the bookkeeping fields shared by every write.
// Created stamps are only set on the first write.
func ApplyCommonFieldValues(doc Doc, userID string, nowMillis int64) {
	if _, ok := doc[FieldDocStatus].(string); !ok {
		doc[FieldDocStatus] = StatusActive
	}
	doc[FieldDocVersion] = PendingVersionPrefix + uuid.NewString()

	if _, ok := asStringSlice(doc[FieldDocOpIDs]); !ok {
		doc[FieldDocOpIDs] = []string{}
	}
	if _, ok := asStringSlice(doc[FieldDocDigests]); !ok {
		doc[FieldDocDigests] = []string{}
	}

	if _, ok := doc[FieldDocCreatedByUserID].(string); !ok {
		doc[FieldDocCreatedByUserID] = userID
	}
	if !isNumber(doc[FieldDocCreatedMillisecondsSinceEpoch]) {
		doc[FieldDocCreatedMillisecondsSinceEpoch] = nowMillis
	}
	doc[FieldDocLastUpdatedByUserID] = userID
	doc[FieldDocLastUpdatedMillisecondsSinceEpoch] = nowMillis
}

// ExecuteValidation runs the field validator and, only if it passes, the
// whole-document validator.
func ExecuteValidation(t *DocType, doc Doc) error {
	v, err := CallVerdict(t.Name, "validateFields", func() Verdict { return t.ValidateFields(doc) })
	if err != nil {
		return err
	}
	if !v.OK() {
		return NewRequestError(ErrValidationFailed, t.Name, doc.ID(), "", "fields: "+v.Reason())
	}

	v, err = CallVerdict(t.Name, "validateDoc", func() Verdict { return t.ValidateDoc(doc) })
	if err != nil {
		return err
	}
	if !v.OK() {
		return NewRequestError(ErrValidationFailed, t.Name, doc.ID(), "", "doc: "+v.Reason())
	}
	return nil
}

// ValidatorsHook names the validator pair in errors raised after they ran.
const ValidatorsHook = "validateFields/validateDoc"

// EnsureValidatedDoc re-verifies the system fields once the validators have
// run. Both validators passed, so a broken field means one of them corrupted
// the document.
func EnsureValidatedDoc(t *DocType, doc Doc) error {
	err := EnsureDocSystemFields(t.Name, doc)
	if err == nil {
		return nil
	}
	reason := err.Error()
	var re *RequestError
	if errors.As(err, &re) {
		reason = re.Reason
	}
	return &CallbackError{DocTypeName: t.Name, Hook: ValidatorsHook, Err: errors.New(reason)}
}

// ArchiveDoc marks the document archived by userID.
func ArchiveDoc(doc Doc, userID string, nowMillis int64) {
	doc[FieldDocStatus] = StatusArchived
	doc[FieldDocArchivedByUserID] = userID
	doc[FieldDocArchivedMillisecondsSinceEpoch] = nowMillis
}

// RedactDoc overwrites the type's redactable fields that are present on the document.
func RedactDoc(t *DocType, doc Doc, value any) {
	if value == nil {
		value = DefaultRedactValue
	}
	for _, f := range t.RedactFieldNames {
		if _, ok := doc[f]; ok {
			doc[f] = cloneValue(value)
		}
	}
}

// MaxDigests returns the digest ledger bound for the type.
func (t *DocType) MaxDigests() int { return t.Policy.maxDigests() }
