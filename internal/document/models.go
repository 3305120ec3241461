package document

import (
	"encoding/json"
	"math"
)

// Doc is the unit of storage. Every document carries the system fields listed
// below alongside the fields declared by its document type.
type Doc map[string]any

// Patch is a set of field changes. A nil value deletes the field and the
// Undefined sentinel leaves it untouched.
type Patch map[string]any

type undefined struct{}

// Undefined marks a patch entry that should be ignored.
var Undefined = undefined{}

const (
	FieldID                                   = "id"
	FieldDocType                              = "docType"
	FieldDocStatus                            = "docStatus"
	FieldDocVersion                           = "docVersion"
	FieldDocOpIDs                             = "docOpIds"
	FieldDocDigests                           = "docDigests"
	FieldDocCreatedByUserID                   = "docCreatedByUserId"
	FieldDocCreatedMillisecondsSinceEpoch     = "docCreatedMillisecondsSinceEpoch"
	FieldDocLastUpdatedByUserID               = "docLastUpdatedByUserId"
	FieldDocLastUpdatedMillisecondsSinceEpoch = "docLastUpdatedMillisecondsSinceEpoch"
	FieldDocArchivedByUserID                  = "docArchivedByUserId"
	FieldDocArchivedMillisecondsSinceEpoch    = "docArchivedMillisecondsSinceEpoch"
)

const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// CentralPartition is the partition used by single-partition document types.
const CentralPartition = "_central"

var systemFieldNames = []string{
	FieldID,
	FieldDocType,
	FieldDocStatus,
	FieldDocVersion,
	FieldDocOpIDs,
	FieldDocDigests,
	FieldDocCreatedByUserID,
	FieldDocCreatedMillisecondsSinceEpoch,
	FieldDocLastUpdatedByUserID,
	FieldDocLastUpdatedMillisecondsSinceEpoch,
	FieldDocArchivedByUserID,
	FieldDocArchivedMillisecondsSinceEpoch,
}

// SystemFieldNames returns the names of the fields maintained by the runtime.
func SystemFieldNames() []string {
	out := make([]string, len(systemFieldNames))
	copy(out, systemFieldNames)
	return out
}

// IsSystemFieldName reports whether name is maintained by the runtime.
func IsSystemFieldName(name string) bool {
	for _, f := range systemFieldNames {
		if f == name {
			return true
		}
	}
	return false
}

func (d Doc) ID() string      { return d.str(FieldID) }
func (d Doc) DocType() string { return d.str(FieldDocType) }
func (d Doc) Status() string  { return d.str(FieldDocStatus) }
func (d Doc) Version() string { return d.str(FieldDocVersion) }

// OpIDs returns the operation id ledger. Missing or malformed ledgers read as empty.
func (d Doc) OpIDs() []string { return stringSlice(d[FieldDocOpIDs]) }

// Digests returns the change digest ledger.
func (d Doc) Digests() []string { return stringSlice(d[FieldDocDigests]) }

func (d Doc) str(key string) string {
	s, _ := d[key].(string)
	return s
}

// Clone returns a deep copy of the document.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return Doc(cloneValue(map[string]any(t)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// NormalizeDoc rewrites values decoded from JSON or BSON into the shapes the
// pipeline expects: string ledgers and integral millisecond stamps.
func NormalizeDoc(d Doc) Doc {
	if d == nil {
		return nil
	}
	for _, f := range []string{FieldDocOpIDs, FieldDocDigests} {
		if v, ok := d[f]; ok {
			if s, ok := asStringSlice(v); ok {
				d[f] = s
			}
		}
	}
	for _, f := range []string{
		FieldDocCreatedMillisecondsSinceEpoch,
		FieldDocLastUpdatedMillisecondsSinceEpoch,
		FieldDocArchivedMillisecondsSinceEpoch,
	} {
		if v, ok := d[f]; ok {
			if n, ok := asInt64(v); ok {
				d[f] = n
			}
		}
	}
	return d
}

func stringSlice(v any) []string {
	s, _ := asStringSlice(v)
	if s == nil {
		return []string{}
	}
	return s
}

func asStringSlice(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}
