package security

import (
	"fmt"
	"sort"
)

// ParseGrant converts the loosely typed permission document found in token
// claims and config files into a Grant:
//
//	true                                    -> AllAllowed
//	{tree: true}                            -> FullAccess on tree
//	{tree: {create: true, update: {...}}}   -> ActionRules on tree
//
// nil and false parse to an empty PerType, which denies everything.
func ParseGrant(raw any) (Grant, error) {
	switch v := raw.(type) {
	case nil:
		return PerType{}, nil
	case bool:
		if v {
			return AllAllowed{}, nil
		}
		return PerType{}, nil
	}

	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("docPermissions: expected bool or object, got %T", raw)
	}
	out := make(PerType, len(m))
	for docType, value := range m {
		tg, err := parseTypeGrant(value)
		if err != nil {
			return nil, fmt.Errorf("docPermissions.%s: %w", docType, err)
		}
		if tg != nil {
			out[docType] = tg
		}
	}
	return out, nil
}

func parseTypeGrant(raw any) (TypeGrant, error) {
	if b, ok := raw.(bool); ok {
		if b {
			return FullAccess{}, nil
		}
		return nil, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("expected bool or object, got %T", raw)
	}

	var rules ActionRules
	var err error
	if rules.Create, err = optionalBool(m, "create"); err != nil {
		return nil, err
	}
	if rules.Delete, err = optionalBool(m, "delete"); err != nil {
		return nil, err
	}
	if rules.Replace, err = optionalBool(m, "replace"); err != nil {
		return nil, err
	}
	if rules.Update, err = parseUpdateRule(m["update"]); err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	if rules.Select, err = parseSelectRule(m["select"]); err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return rules, nil
}

func parseUpdateRule(raw any) (UpdateRule, error) {
	switch v := raw.(type) {
	case nil:
		return UpdateRule{}, nil
	case bool:
		if v {
			return UpdateAll(), nil
		}
		return UpdateRule{}, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return UpdateRule{}, fmt.Errorf("expected bool or object, got %T", raw)
	}
	patch, err := optionalBool(m, "patch")
	if err != nil {
		return UpdateRule{}, err
	}
	ops, err := optionalStrings(m, "operations")
	if err != nil {
		return UpdateRule{}, err
	}
	return UpdateRule{Patch: patch, Operations: ops}, nil
}

func parseSelectRule(raw any) (SelectRule, error) {
	switch v := raw.(type) {
	case nil:
		return SelectRule{}, nil
	case bool:
		if v {
			return SelectAll(), nil
		}
		return SelectRule{}, nil
	}
	m, ok := asMap(raw)
	if !ok {
		return SelectRule{}, fmt.Errorf("expected bool or object, got %T", raw)
	}

	rule := SelectRule{Allowed: true}
	fields, err := optionalStrings(m, "fields")
	if err != nil {
		return SelectRule{}, err
	}
	if _, present := m["fields"]; !present {
		rule.AllFields = true
	} else {
		rule.Fields = fields
		treatment, _ := m["fieldsTreatment"].(string)
		switch FieldsTreatment(treatment) {
		case FieldsInclude, FieldsExclude:
			rule.FieldsTreatment = FieldsTreatment(treatment)
		case "":
			rule.FieldsTreatment = FieldsInclude
		default:
			return SelectRule{}, fmt.Errorf("fieldsTreatment must be include or exclude, got %q", treatment)
		}
	}
	if rule.Queries, err = optionalStrings(m, "queries"); err != nil {
		return SelectRule{}, err
	}
	return rule, nil
}

// MarshalGrant is the inverse of ParseGrant, producing values suitable for
// JSON token claims.
func MarshalGrant(g Grant) any {
	switch v := g.(type) {
	case AllAllowed:
		return true
	case PerType:
		out := make(map[string]any, len(v))
		for name, tg := range v {
			out[name] = marshalTypeGrant(tg)
		}
		return out
	default:
		return false
	}
}

func marshalTypeGrant(tg TypeGrant) any {
	rules, ok := tg.(ActionRules)
	if !ok {
		return true
	}
	out := map[string]any{
		"create":  rules.Create,
		"delete":  rules.Delete,
		"replace": rules.Replace,
	}

	if rules.Update.Patch && rules.Update.AllOperations {
		out["update"] = true
	} else {
		out["update"] = map[string]any{
			"patch":      rules.Update.Patch,
			"operations": toAnySlice(rules.Update.Operations),
		}
	}

	switch {
	case !rules.Select.Allowed:
		out["select"] = false
	case rules.Select.AllFields && rules.Select.AllQueries:
		out["select"] = true
	default:
		sel := map[string]any{"queries": toAnySlice(rules.Select.Queries)}
		if !rules.Select.AllFields {
			sel["fields"] = toAnySlice(rules.Select.Fields)
			sel["fieldsTreatment"] = string(rules.Select.FieldsTreatment)
		}
		out["select"] = sel
	}
	return out
}

func asMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func optionalBool(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected bool, got %T", key, v)
	}
	return b, nil
}

func optionalStrings(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected list, got %T", key, v)
	}
}

func toAnySlice(list []string) []any {
	sorted := append([]string(nil), list...)
	sort.Strings(sorted)
	out := make([]any, len(sorted))
	for i, s := range sorted {
		out[i] = s
	}
	return out
}
