// Package security decides whether a caller may perform an action against a
// document type.
//
// Grants form a closed sum type: AllAllowed gives superuser access, PerType
// maps document type names to a TypeGrant. A type missing from the map is
// denied every action.
package security

// User is an authenticated caller.
type User struct {
	ID          string
	Permissions Grant
}

// Grant is implemented only by AllAllowed and PerType.
type Grant interface {
	isGrant()
}

// AllAllowed permits every action on every document type.
type AllAllowed struct{}

// PerType holds grants keyed by document type name.
type PerType map[string]TypeGrant

func (AllAllowed) isGrant() {}
func (PerType) isGrant()    {}

// TypeGrant is implemented only by FullAccess and ActionRules.
type TypeGrant interface {
	isTypeGrant()
}

// FullAccess permits every action on one document type.
type FullAccess struct{}

// ActionRules holds per-action rules for one document type. Zero values deny.
type ActionRules struct {
	Create  bool
	Delete  bool
	Replace bool
	Update  UpdateRule
	Select  SelectRule
}

func (FullAccess) isTypeGrant()  {}
func (ActionRules) isTypeGrant() {}

// UpdateRule governs patch and operate requests.
type UpdateRule struct {
	Patch         bool
	AllOperations bool
	Operations    []string
}

// FieldsTreatment says how SelectRule.Fields is read.
type FieldsTreatment string

const (
	// FieldsInclude allows only the listed fields.
	FieldsInclude FieldsTreatment = "include"
	// FieldsExclude forbids the listed fields.
	FieldsExclude FieldsTreatment = "exclude"
)

// SelectRule governs reads and named queries.
type SelectRule struct {
	Allowed         bool
	AllFields       bool
	Fields          []string
	FieldsTreatment FieldsTreatment
	AllQueries      bool
	Queries         []string
}

// UpdateAll is the rule equivalent to `update: true`.
func UpdateAll() UpdateRule { return UpdateRule{Patch: true, AllOperations: true} }

// SelectAll is the rule equivalent to `select: true`.
func SelectAll() SelectRule { return SelectRule{Allowed: true, AllFields: true, AllQueries: true} }
