package document

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	DefaultMaxOpIDs   = 5
	DefaultMaxDigests = 5
)

// Change actions recorded in digests and change records.
const (
	ActionCreate  = "create"
	ActionPatch   = "patch"
	ActionOperate = "operate"
	ActionReplace = "replace"
	ActionArchive = "archive"
	ActionRedact  = "redact"
	ActionDelete  = "delete"
)

// boundedAppend appends item to a copy of list, dropping the oldest entries
// so that the result never holds more than capacity items.
func boundedAppend(list []string, item string, capacity int) []string {
	if capacity < 1 {
		capacity = 1
	}
	start := 0
	if len(list) >= capacity {
		start = len(list) - capacity + 1
	}
	out := make([]string, 0, capacity)
	out = append(out, list[start:]...)
	return append(out, item)
}

// AppendDocOpID records opID on the document, evicting the oldest ids beyond
// the policy limit.
func AppendDocOpID(policy *Policy, doc Doc, opID string) {
	max := DefaultMaxOpIDs
	if policy != nil && policy.MaxOpIDs > 0 {
		max = policy.MaxOpIDs
	}
	doc[FieldDocOpIDs] = boundedAppend(doc.OpIDs(), opID, max)
}

// AppendDocDigest records digest on the document. A maxDigests of zero uses the default.
func AppendDocDigest(doc Doc, digest string, maxDigests int) {
	if maxDigests <= 0 {
		maxDigests = DefaultMaxDigests
	}
	doc[FieldDocDigests] = boundedAppend(doc.Digests(), digest, maxDigests)
}

func IsOpIDInDocument(doc Doc, opID string) bool {
	return containsString(doc.OpIDs(), opID)
}

func IsDigestInArray(digest string, list []string) bool {
	return containsString(list, digest)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func actionLetter(action string) string {
	switch action {
	case ActionCreate:
		return "C"
	case ActionArchive:
		return "A"
	case ActionDelete:
		return "D"
	case ActionRedact:
		return "R"
	default:
		return "P"
	}
}

// CreateDigest builds the deterministic fingerprint of an operation:
// "<last 4 of operationID>:<action letter><seq>:<sha1 hex>". The hash covers
// operationID, seq, action and the JSON encoding of params. An empty seq is "0".
func CreateDigest(operationID, action string, params any, seq string) (string, error) {
	if seq == "" {
		seq = "0"
	}
	encoded, err := encodeDigestParams(params)
	if err != nil {
		return "", fmt.Errorf("encode digest params: %w", err)
	}

	h := sha1.New()
	h.Write([]byte(operationID))
	h.Write([]byte(seq))
	h.Write([]byte(action))
	h.Write(encoded)

	suffix := operationID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return fmt.Sprintf("%s:%s%s:%s", suffix, actionLetter(action), seq, hex.EncodeToString(h.Sum(nil))), nil
}

// encodeDigestParams matches JSON.stringify output: no HTML escaping and no
// trailing newline.
func encodeDigestParams(params any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
