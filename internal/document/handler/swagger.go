package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterSwagger serves a Swagger UI page and an OpenAPI document for the
// document routes, with the registered document types as the docType enum.
//   - GET /swagger/index.html
//   - GET /swagger/doc.json
func RegisterSwagger(r gin.IRouter, docTypeNames []string) {
	doc := openAPIDoc(docTypeNames)

	r.GET("/swagger/index.html", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, swaggerHTML)
	})

	r.GET("/swagger/doc.json", func(c *gin.Context) {
		c.JSON(http.StatusOK, doc)
	})
}

const swaggerHTML = `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>docstore API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@4/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/swagger/doc.json',
        dom_id: '#swagger-ui',
      })
    </script>
  </body>
</html>`

type obj = map[string]any

func openAPIDoc(docTypeNames []string) obj {
	enum := make([]any, len(docTypeNames))
	for i, n := range docTypeNames {
		enum[i] = n
	}
	param := func(name, in string, required bool, schema obj) obj {
		return obj{"name": name, "in": in, "required": required, "schema": schema}
	}
	str := obj{"type": "string"}
	common := []any{
		param("docType", "path", true, obj{"type": "string", "enum": enum}),
		param("partition", "query", false, str),
	}
	withID := append([]any{param("id", "path", true, str)}, common...)
	withName := append([]any{param("name", "path", true, str)}, common...)
	withIDName := append([]any{param("name", "path", true, str)}, withID...)
	writeHeaders := []any{param(OperationIDHeader, "header", false, str), param("If-Match", "header", false, str)}
	body := obj{"content": obj{"application/json": obj{"schema": obj{"type": "object"}}}}
	op := func(summary string, params []any, withBody bool, extra ...any) obj {
		o := obj{"summary": summary, "parameters": append(append([]any{}, params...), extra...), "responses": obj{"200": obj{"description": "OK"}}}
		if withBody {
			o["requestBody"] = body
		}
		return o
	}

	base := "/api/v1/docs/{docType}"
	return obj{
		"openapi": "3.0.0",
		"info":    obj{"title": "docstore", "version": "v1"},
		"components": obj{"securitySchemes": obj{
			"bearer": obj{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
		}},
		"security": []any{obj{"bearer": []any{}}},
		"paths": obj{
			"/api/v1/doctypes": obj{"get": op("List document types", nil, false)},
			base: obj{
				"get": op("Select documents, by ids when given", common, false,
					param("ids", "query", false, str), param("fields", "query", false, str), param("cacheMs", "query", false, obj{"type": "integer"})),
				"post": op("Create a document", common, true),
			},
			base + "/constructors/{name}": obj{"post": op("Create a document with a named constructor", withName, true, param("id", "query", false, str))},
			base + "/filters/{name}":      obj{"get": op("Select documents with a named filter", withName, false, param("params", "query", false, str), param("fields", "query", false, str))},
			base + "/queries/{name}":      obj{"post": op("Run a named query", withName, true)},
			base + "/{id}": obj{
				"get":    op("Fetch one document", withID, false, param("fields", "query", false, str)),
				"head":   op("Check a document exists", withID, false),
				"patch":  op("Patch a document", withID, true, writeHeaders...),
				"put":    op("Replace a document", withID, true),
				"delete": op("Delete a document", withID, false),
			},
			base + "/{id}/operations/{name}": obj{"post": op("Run a named operation", withIDName, true, writeHeaders...)},
			base + "/{id}/archive":           obj{"post": op("Archive a document", withID, false, writeHeaders...)},
			base + "/{id}/redact":            obj{"post": op("Redact a document", withID, true, writeHeaders...)},
		},
	}
}
