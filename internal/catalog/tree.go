// Package catalog holds the document types served by the docstore binary.
package catalog

import (
	"fmt"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/document/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dialect selects the backend-specific shape of filter and query objects.
type Dialect string

const (
	DialectMemory Dialect = "memory"
	DialectMongo  Dialect = "mongo"
	DialectSQLite Dialect = "sqlite"
)

const (
	TreeTypeName = "tree"

	treeFieldName    = "name"
	treeFieldSpecies = "species"
	treeFieldHeight  = "heightInCms"
	treeFieldPlanter = "planter"
)

// Tree describes a planted tree. Species is fixed once planted; the name and
// planter are personal data and may be redacted.
func Tree(dialect Dialect) *document.DocType {
	return &document.DocType{
		Name:               TreeTypeName,
		PluralName:         "trees",
		ValidateFields:     validateTreeFields,
		ValidateDoc:        validateTree,
		ReadOnlyFieldNames: []string{treeFieldSpecies},
		RedactFieldNames:   []string{treeFieldName, treeFieldPlanter},
		Policy: &document.Policy{
			CanDeleteDocuments:      true,
			CanReplaceDocuments:     true,
			CanFetchWholeCollection: true,
		},
		TrackChanges: true,
		Constructors: map[string]document.Constructor{
			"seedling": {
				ValidateParams: requireString("name"),
				Build: func(params map[string]any) document.Doc {
					d := document.Doc{treeFieldName: params["name"], treeFieldHeight: int64(0)}
					if s, ok := params["species"].(string); ok {
						d[treeFieldSpecies] = s
					}
					return d
				},
			},
		},
		Operations: map[string]document.Operation{
			"grow": {
				ValidateParams: requireNumber("cms"),
				Apply: func(doc document.Doc, params map[string]any) document.Patch {
					current, _ := toInt64(doc[treeFieldHeight])
					cms, _ := toInt64(params["cms"])
					return document.Patch{treeFieldHeight: current + cms}
				},
			},
		},
		Filters: map[string]document.Filter{
			"tallerThan": {
				ValidateParams: requireNumber("minHeightInCms"),
				Parse: func(params map[string]any) any {
					minHeight, _ := toInt64(params["minHeightInCms"])
					return tallerThan(dialect, minHeight)
				},
			},
		},
		Queries: map[string]document.Query{
			"totalHeight": {
				ValidateParams: func(map[string]any) document.Verdict { return document.Valid() },
				Parse:          func(map[string]any) any { return totalHeight(dialect) },
				Coerce:         coerceTotal,
			},
		},
	}
}

func validateTreeFields(doc document.Doc) document.Verdict {
	if s, ok := doc[treeFieldName].(string); !ok || s == "" {
		return document.Invalid("%s must be a non-empty string", treeFieldName)
	}
	if v, present := doc[treeFieldHeight]; present {
		h, ok := toInt64(v)
		if !ok || h < 0 {
			return document.Invalid("%s must be a non-negative integer", treeFieldHeight)
		}
	}
	if v, present := doc[treeFieldSpecies]; present {
		if _, ok := v.(string); !ok {
			return document.Invalid("%s must be a string", treeFieldSpecies)
		}
	}
	return document.Valid()
}

func validateTree(doc document.Doc) document.Verdict {
	h, _ := toInt64(doc[treeFieldHeight])
	if h > 15000 {
		return document.Invalid("no tree is %d cm tall", h)
	}
	return document.Valid()
}

func tallerThan(dialect Dialect, minHeight int64) any {
	switch dialect {
	case DialectMongo:
		return bson.M{treeFieldHeight: bson.M{"$gt": minHeight}}
	case DialectSQLite:
		return repository.SQLFilter{Where: "json_extract(body, '$." + treeFieldHeight + "') > ?", Args: []any{minHeight}}
	default:
		return repository.MemoryFilter(func(d document.Doc) bool {
			h, ok := toInt64(d[treeFieldHeight])
			return ok && h > minHeight
		})
	}
}

func totalHeight(dialect Dialect) any {
	switch dialect {
	case DialectMongo:
		return repository.MongoQuery{Pipeline: mongo.Pipeline{
			{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$" + treeFieldHeight}}}},
		}}
	case DialectSQLite:
		return repository.SQLQuery{Select: "SELECT COALESCE(SUM(json_extract(body, '$." + treeFieldHeight + "')), 0) AS total FROM docs"}
	default:
		return repository.MemoryQuery(func(docs []document.Doc) any {
			var total int64
			for _, d := range docs {
				h, _ := toInt64(d[treeFieldHeight])
				total += h
			}
			return []map[string]any{{"total": total}}
		})
	}
}

// coerceTotal turns any dialect's aggregate rows into {"totalHeightInCms": n}.
func coerceTotal(raw any) any {
	var total int64
	if rows, ok := raw.([]map[string]any); ok && len(rows) > 0 {
		total, _ = toInt64(rows[0]["total"])
	}
	return map[string]any{"totalHeightInCms": total}
}

func requireString(key string) func(map[string]any) document.Verdict {
	return func(params map[string]any) document.Verdict {
		if s, ok := params[key].(string); !ok || s == "" {
			return document.Invalid("%s must be a non-empty string", key)
		}
		return document.Valid()
	}
}

func requireNumber(key string) func(map[string]any) document.Verdict {
	return func(params map[string]any) document.Verdict {
		if _, ok := toInt64(params[key]); !ok {
			return document.Invalid("%s must be an integer", key)
		}
		return document.Valid()
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// Registry registers every catalog type for dialect.
func Registry(dialect Dialect) (*document.Registry, error) {
	r, err := document.NewRegistry(Tree(dialect))
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return r, nil
}
