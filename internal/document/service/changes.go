package service

import (
	"context"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/pkg/logger"
)

// Change record fields.
const (
	ChangeFieldSubjectDocType     = "subjectDocType"
	ChangeFieldSubjectID          = "subjectId"
	ChangeFieldAction             = "action"
	ChangeFieldDigest             = "digest"
	ChangeFieldTimestamp          = "timestampInMilliseconds"
	ChangeFieldChangeUserID       = "changeUserId"
	ChangeFieldSubjectFields      = "subjectFields"
	ChangeFieldSubjectPatchFields = "subjectPatchFields"
)

// change describes one applied mutation for the change log.
type change struct {
	action string
	opID   string
	// params feed the digest so distinct requests sharing an op id differ.
	params  any
	patch   document.Patch
	subject document.Doc
	deleted bool
}

func (c change) digest() (string, error) {
	return document.CreateDigest(c.opID, c.action, c.params, "0")
}

// trackChange stores the change record of a mutation on a type that tracks
// changes. Records are keyed by digest, so writing one twice is harmless and
// an existing record is left alone.
func (r *Runtime) trackChange(ctx context.Context, t *document.DocType, partition string, user security.User, c change) error {
	if !t.TrackChanges || c.opID == "" {
		return nil
	}
	digest, err := c.digest()
	if err != nil {
		return err
	}
	existing, err := r.store.SelectByDigest(ctx, r.changeDocTypeName, partition, []string{document.FieldID}, digest, nil)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := r.nowMillis()
	rec := document.Doc{
		document.FieldID:              digest,
		document.FieldDocType:         r.changeDocTypeName,
		document.FieldDocDigests:      []string{digest},
		ChangeFieldSubjectDocType:     t.Name,
		ChangeFieldSubjectID:          c.subject.ID(),
		ChangeFieldAction:             c.action,
		ChangeFieldDigest:             digest,
		ChangeFieldTimestamp:          now,
		ChangeFieldChangeUserID:       user.ID,
		ChangeFieldSubjectPatchFields: map[string]any(c.patch),
	}
	if c.deleted {
		rec[ChangeFieldSubjectFields] = nil
	} else {
		rec[ChangeFieldSubjectFields] = map[string]any(c.subject.Clone())
	}
	document.ApplyCommonFieldValues(rec, user.ID, now)

	if _, err := r.store.Upsert(ctx, r.changeDocTypeName, partition, rec, "", nil); err != nil {
		return err
	}
	logger.With("docType", t.Name, "id", c.subject.ID(), "action", c.action, "digest", digest).Debugf("change recorded")
	return nil
}
