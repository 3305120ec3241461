package security

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGrant_Shapes(t *testing.T) {
	g, err := ParseGrant(true)
	require.NoError(t, err)
	require.Equal(t, AllAllowed{}, g)

	g, err = ParseGrant(nil)
	require.NoError(t, err)
	require.Equal(t, PerType{}, g)

	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{
		"forest": true,
		"bush": false,
		"tree": {
			"create": true,
			"update": {"patch": true, "operations": ["grow"]},
			"select": {"fields": ["name"], "fieldsTreatment": "exclude", "queries": ["countTrees"]}
		}
	}`), &raw))

	g, err = ParseGrant(raw)
	require.NoError(t, err)
	pt, ok := g.(PerType)
	require.True(t, ok)
	require.Equal(t, FullAccess{}, pt["forest"])
	_, hasBush := pt["bush"]
	require.False(t, hasBush)

	rules, ok := pt["tree"].(ActionRules)
	require.True(t, ok)
	require.True(t, rules.Create)
	require.False(t, rules.Delete)
	require.Equal(t, UpdateRule{Patch: true, Operations: []string{"grow"}}, rules.Update)
	require.Equal(t, SelectRule{
		Allowed:         true,
		Fields:          []string{"name"},
		FieldsTreatment: FieldsExclude,
		Queries:         []string{"countTrees"},
	}, rules.Select)
}

func TestParseGrant_Rejects(t *testing.T) {
	_, err := ParseGrant("yes")
	require.Error(t, err)

	_, err = ParseGrant(map[string]any{"tree": map[string]any{"create": "yes"}})
	require.Error(t, err)

	_, err = ParseGrant(map[string]any{"tree": map[string]any{"select": map[string]any{
		"fields": []any{"a"}, "fieldsTreatment": "sometimes",
	}}})
	require.Error(t, err)
}

func TestMarshalGrant_RoundTrip(t *testing.T) {
	in := PerType{
		"forest": FullAccess{},
		"tree": ActionRules{
			Delete: true,
			Update: UpdateRule{Operations: []string{"grow"}},
			Select: SelectRule{Allowed: true, Fields: []string{"name"}, FieldsTreatment: FieldsInclude, Queries: []string{"q"}},
		},
	}
	b, err := json.Marshal(MarshalGrant(in))
	require.NoError(t, err)

	var raw any
	require.NoError(t, json.Unmarshal(b, &raw))
	out, err := ParseGrant(raw)
	require.NoError(t, err)
	require.Equal(t, Grant(in), out)

	all, err := ParseGrant(MarshalGrant(AllAllowed{}))
	require.NoError(t, err)
	require.Equal(t, AllAllowed{}, all)
}

func TestParseDirectory(t *testing.T) {
	d, err := ParseDirectory([]byte(`
users:
  admin:
    docPermissions: true
  reader:
    docPermissions:
      tree:
        select: true
`))
	require.NoError(t, err)

	g, ok := d.Lookup("admin")
	require.True(t, ok)
	require.Equal(t, AllAllowed{}, g)

	g, ok = d.Lookup("reader")
	require.True(t, ok)
	require.True(t, Authorise(User{ID: "reader", Permissions: g}, Request{DocTypeName: "tree", Action: ActionSelect}).Allowed)
	require.False(t, Authorise(User{ID: "reader", Permissions: g}, Request{DocTypeName: "tree", Action: ActionCreate}).Allowed)

	g, ok = d.Lookup("stranger")
	require.False(t, ok)
	require.Equal(t, PerType{}, g)
}
