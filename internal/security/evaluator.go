package security

import "fmt"

// Action is a permission-checked request kind.
type Action string

const (
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionReplace Action = "replace"
	ActionUpdate  Action = "update"
	ActionSelect  Action = "select"
	ActionQuery   Action = "query"
)

// Request describes what the caller is attempting.
type Request struct {
	DocTypeName string
	Action      Action
	// OperationName is set for update requests made through a named operation.
	OperationName string
	// FieldNames are the fields a select request asks for. Empty means all.
	FieldNames []string
	QueryName  string
}

// FieldAccess narrows which fields a permitted select may return. Both lists
// empty means no restriction.
type FieldAccess struct {
	Include []string
	Exclude []string
}

// Decision is the outcome of an authorisation check.
type Decision struct {
	Allowed bool
	Reason  string
	Fields  FieldAccess
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Authorise resolves user's grant for req. Anything not explicitly granted is denied.
func Authorise(user User, req Request) Decision {
	switch g := user.Permissions.(type) {
	case AllAllowed:
		return allow()
	case PerType:
		tg, ok := g[req.DocTypeName]
		if !ok || tg == nil {
			return deny("no permissions for document type %s", req.DocTypeName)
		}
		return authoriseType(tg, req)
	default:
		return deny("no permissions granted")
	}
}

func authoriseType(tg TypeGrant, req Request) Decision {
	switch g := tg.(type) {
	case FullAccess:
		return allow()
	case ActionRules:
		return authoriseAction(g, req)
	default:
		return deny("unrecognised grant for document type %s", req.DocTypeName)
	}
}

func authoriseAction(rules ActionRules, req Request) Decision {
	switch req.Action {
	case ActionCreate:
		return boolDecision(rules.Create, req)
	case ActionDelete:
		return boolDecision(rules.Delete, req)
	case ActionReplace:
		return boolDecision(rules.Replace, req)
	case ActionUpdate:
		return authoriseUpdate(rules.Update, req)
	case ActionSelect:
		return authoriseSelect(rules.Select, req)
	case ActionQuery:
		return authoriseQuery(rules.Select, req)
	default:
		return deny("unrecognised action %s", req.Action)
	}
}

func boolDecision(granted bool, req Request) Decision {
	if granted {
		return allow()
	}
	return deny("%s not permitted on %s", req.Action, req.DocTypeName)
}

func authoriseUpdate(rule UpdateRule, req Request) Decision {
	if req.OperationName == "" {
		return boolDecision(rule.Patch, req)
	}
	if rule.AllOperations || contains(rule.Operations, req.OperationName) {
		return allow()
	}
	return deny("operation %s not permitted on %s", req.OperationName, req.DocTypeName)
}

func authoriseSelect(rule SelectRule, req Request) Decision {
	if !rule.Allowed {
		return deny("select not permitted on %s", req.DocTypeName)
	}
	if rule.AllFields {
		return allow()
	}

	switch rule.FieldsTreatment {
	case FieldsExclude:
		for _, f := range req.FieldNames {
			if contains(rule.Fields, f) {
				return deny("field %s cannot be selected on %s", f, req.DocTypeName)
			}
		}
		d := allow()
		d.Fields.Exclude = append([]string(nil), rule.Fields...)
		return d
	case FieldsInclude:
		for _, f := range req.FieldNames {
			if f == "id" {
				continue
			}
			if !contains(rule.Fields, f) {
				return deny("field %s cannot be selected on %s", f, req.DocTypeName)
			}
		}
		d := allow()
		d.Fields.Include = append([]string(nil), rule.Fields...)
		return d
	default:
		return deny("select rule on %s has no fields treatment", req.DocTypeName)
	}
}

func authoriseQuery(rule SelectRule, req Request) Decision {
	if !rule.Allowed {
		return deny("select not permitted on %s", req.DocTypeName)
	}
	if rule.AllQueries || contains(rule.Queries, req.QueryName) {
		return allow()
	}
	return deny("query %s not permitted on %s", req.QueryName, req.DocTypeName)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
