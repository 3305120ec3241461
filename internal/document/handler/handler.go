// Package handler exposes the document runtime over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/document/repository"
	"github.com/gogotex/docstore/internal/document/service"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/gogotex/docstore/pkg/middleware"
)

const (
	// OperationIDHeader carries the client's idempotency key.
	OperationIDHeader = "X-Operation-Id"
	maxBodyBytes      = 4 << 20
)

// Runtime is the part of service.Runtime served over HTTP.
type Runtime interface {
	DocTypeNames() []string
	NewDocumentID(docTypeName string) (string, error)
	NewDocument(ctx context.Context, p service.NewDocumentProps) (service.NewDocumentResult, error)
	CreateDocument(ctx context.Context, p service.CreateDocumentProps) (service.NewDocumentResult, error)
	PatchDocument(ctx context.Context, p service.PatchDocumentProps) (service.UpdateDocumentResult, error)
	OperateOnDocument(ctx context.Context, p service.OperateOnDocumentProps) (service.UpdateDocumentResult, error)
	ReplaceDocument(ctx context.Context, p service.ReplaceDocumentProps) (service.ReplaceDocumentResult, error)
	ArchiveDocument(ctx context.Context, p service.ArchiveDocumentProps) (service.UpdateDocumentResult, error)
	RedactDocument(ctx context.Context, p service.RedactDocumentProps) (service.UpdateDocumentResult, error)
	DeleteDocument(ctx context.Context, p service.DeleteDocumentProps) (service.DeleteDocumentResult, error)
	DocumentExists(ctx context.Context, p service.ExistsProps) (service.ExistsResult, error)
	SelectDocumentsByIDs(ctx context.Context, p service.SelectByIDsProps) (service.SelectResult, error)
	SelectDocuments(ctx context.Context, p service.SelectAllProps) (service.SelectResult, error)
	SelectDocumentsByFilter(ctx context.Context, p service.SelectByFilterProps) (service.SelectResult, error)
	QueryDocuments(ctx context.Context, p service.QueryProps) (service.QueryResult, error)
}

// RegisterDocumentRoutes mounts the document API on r. Authentication
// middleware is expected to run before these handlers.
func RegisterDocumentRoutes(r gin.IRouter, rt Runtime) {
	r.GET("/api/v1/doctypes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"docTypes": rt.DocTypeNames()})
	})

	g := r.Group("/api/v1/docs/:docType")

	g.POST("", func(c *gin.Context) {
		p := requestProps(c)
		doc, err := readDoc(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		if doc.ID() == "" {
			id, err := rt.NewDocumentID(p.DocTypeName)
			if err != nil {
				fail(c, err)
				return
			}
			doc[document.FieldID] = id
		}
		res, err := rt.NewDocument(c.Request.Context(), service.NewDocumentProps{RequestProps: p, Doc: doc})
		if err != nil {
			fail(c, err)
			return
		}
		status := http.StatusOK
		if res.IsNew {
			status = http.StatusCreated
		}
		withVersion(c, res.Doc)
		c.JSON(status, gin.H{"isNew": res.IsNew, "doc": res.Doc})
	})

	g.GET("", func(c *gin.Context) {
		p := requestProps(c)
		fields := splitList(c.Query("fields"))
		ids := splitList(c.Query("ids"))
		var (
			res service.SelectResult
			err error
		)
		if len(ids) == 0 {
			res, err = rt.SelectDocuments(c.Request.Context(), service.SelectAllProps{RequestProps: p, FieldNames: fields})
		} else {
			cacheMs, perr := parseCacheMs(c.Query("cacheMs"))
			if perr != nil {
				badRequest(c, perr)
				return
			}
			res, err = rt.SelectDocumentsByIDs(c.Request.Context(), service.SelectByIDsProps{
				RequestProps: p, IDs: ids, FieldNames: fields, CacheMilliseconds: cacheMs,
			})
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"docs": res.Docs})
	})

	g.POST("/constructors/:name", func(c *gin.Context) {
		params, err := readObject(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := rt.CreateDocument(c.Request.Context(), service.CreateDocumentProps{
			RequestProps:      requestProps(c),
			ID:                c.Query("id"),
			ConstructorName:   c.Param("name"),
			ConstructorParams: params,
		})
		if err != nil {
			fail(c, err)
			return
		}
		status := http.StatusOK
		if res.IsNew {
			status = http.StatusCreated
		}
		withVersion(c, res.Doc)
		c.JSON(status, gin.H{"isNew": res.IsNew, "doc": res.Doc})
	})

	g.GET("/filters/:name", func(c *gin.Context) {
		params := map[string]any{}
		if raw := c.Query("params"); raw != "" {
			v, err := document.DecodeJSON([]byte(raw))
			if err != nil {
				badRequest(c, fmt.Errorf("params: %w", err))
				return
			}
			params = v
		}
		res, err := rt.SelectDocumentsByFilter(c.Request.Context(), service.SelectByFilterProps{
			RequestProps: requestProps(c),
			FilterName:   c.Param("name"),
			FilterParams: params,
			FieldNames:   splitList(c.Query("fields")),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"docs": res.Docs})
	})

	g.POST("/queries/:name", func(c *gin.Context) {
		params, err := readObject(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := rt.QueryDocuments(c.Request.Context(), service.QueryProps{
			RequestProps: requestProps(c),
			QueryName:    c.Param("name"),
			QueryParams:  params,
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res.Data})
	})

	g.GET("/:id", func(c *gin.Context) {
		res, err := rt.SelectDocumentsByIDs(c.Request.Context(), service.SelectByIDsProps{
			RequestProps: requestProps(c),
			IDs:          []string{c.Param("id")},
			FieldNames:   splitList(c.Query("fields")),
		})
		if err != nil {
			fail(c, err)
			return
		}
		if len(res.Docs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		withVersion(c, res.Docs[0])
		c.JSON(http.StatusOK, res.Docs[0])
	})

	g.HEAD("/:id", func(c *gin.Context) {
		res, err := rt.DocumentExists(c.Request.Context(), service.ExistsProps{RequestProps: requestProps(c), ID: c.Param("id")})
		if err != nil {
			c.Status(statusFor(err))
			return
		}
		if !res.Found {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusOK)
	})

	g.PATCH("/:id", func(c *gin.Context) {
		patch, err := readObject(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := rt.PatchDocument(c.Request.Context(), service.PatchDocumentProps{
			RequestProps: requestProps(c),
			ID:           c.Param("id"),
			OperationID:  c.GetHeader(OperationIDHeader),
			Patch:        document.Patch(patch),
			ReqVersion:   ifMatch(c),
		})
		updated(c, res, err)
	})

	g.POST("/:id/operations/:name", func(c *gin.Context) {
		params, err := readObject(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := rt.OperateOnDocument(c.Request.Context(), service.OperateOnDocumentProps{
			RequestProps:    requestProps(c),
			ID:              c.Param("id"),
			OperationID:     c.GetHeader(OperationIDHeader),
			OperationName:   c.Param("name"),
			OperationParams: params,
			ReqVersion:      ifMatch(c),
		})
		updated(c, res, err)
	})

	g.PUT("/:id", func(c *gin.Context) {
		doc, err := readDoc(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		id := c.Param("id")
		if bodyID := doc.ID(); bodyID != "" && bodyID != id {
			badRequest(c, fmt.Errorf("body id %q does not match path id %q", bodyID, id))
			return
		}
		doc[document.FieldID] = id
		res, err := rt.ReplaceDocument(c.Request.Context(), service.ReplaceDocumentProps{RequestProps: requestProps(c), Doc: doc})
		if err != nil {
			fail(c, err)
			return
		}
		status := http.StatusOK
		if res.IsNew {
			status = http.StatusCreated
		}
		withVersion(c, res.Doc)
		c.JSON(status, gin.H{"isNew": res.IsNew, "doc": res.Doc})
	})

	g.POST("/:id/archive", func(c *gin.Context) {
		res, err := rt.ArchiveDocument(c.Request.Context(), service.ArchiveDocumentProps{
			RequestProps: requestProps(c),
			ID:           c.Param("id"),
			OperationID:  c.GetHeader(OperationIDHeader),
			ReqVersion:   ifMatch(c),
		})
		updated(c, res, err)
	})

	g.POST("/:id/redact", func(c *gin.Context) {
		body, err := readObject(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := rt.RedactDocument(c.Request.Context(), service.RedactDocumentProps{
			RequestProps: requestProps(c),
			ID:           c.Param("id"),
			OperationID:  c.GetHeader(OperationIDHeader),
			RedactValue:  body["redactValue"],
			ReqVersion:   ifMatch(c),
		})
		updated(c, res, err)
	})

	g.DELETE("/:id", func(c *gin.Context) {
		res, err := rt.DeleteDocument(c.Request.Context(), service.DeleteDocumentProps{RequestProps: requestProps(c), ID: c.Param("id")})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"isDeleted": res.IsDeleted})
	})
}

func requestProps(c *gin.Context) service.RequestProps {
	user, _ := middleware.UserFromContext(c)
	return service.RequestProps{
		DocTypeName: c.Param("docType"),
		Partition:   c.Query("partition"),
		User:        user,
	}
}

func updated(c *gin.Context, res service.UpdateDocumentResult, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	withVersion(c, res.Doc)
	c.JSON(http.StatusOK, gin.H{"isUpdated": res.IsUpdated, "doc": res.Doc})
}

func withVersion(c *gin.Context, doc document.Doc) {
	if v := doc.Version(); v != "" {
		c.Header("ETag", strconv.Quote(v))
	}
}

// ifMatch returns the version named by the If-Match header, if any.
func ifMatch(c *gin.Context) string {
	v := strings.TrimSpace(c.GetHeader("If-Match"))
	v = strings.TrimPrefix(v, "W/")
	if unq, err := strconv.Unquote(v); err == nil {
		return unq
	}
	return v
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// readDoc decodes a JSON object body, keeping integral numbers as int64.
func readDoc(c *gin.Context) (document.Doc, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	return document.DecodeJSON(body)
}

// readObject is readDoc for parameter bodies, where an empty body means no params.
func readObject(c *gin.Context) (map[string]any, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	doc, err := document.DecodeJSON(body)
	if err != nil {
		return nil, err
	}
	return map[string]any(doc), nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseCacheMs(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("cacheMs must be a non-negative integer")
	}
	return n, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var re *document.RequestError
	if errors.As(err, &re) {
		body["kind"] = re.Kind.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.With("method", c.Request.Method, "path", c.FullPath(), "status", status).Errorf("request failed: %v", err)
	}
	c.JSON(status, body)
}

var statusByKind = []struct {
	kind   error
	status int
}{
	{document.ErrDocNotFound, http.StatusNotFound},
	{document.ErrDocTypeNotRecognised, http.StatusNotFound},
	{document.ErrConstructorNotRecognised, http.StatusNotFound},
	{document.ErrOperationNotRecognised, http.StatusNotFound},
	{document.ErrFilterNotRecognised, http.StatusNotFound},
	{document.ErrQueryNotRecognised, http.StatusNotFound},
	{document.ErrValidationFailed, http.StatusBadRequest},
	{document.ErrPatchValidationFailed, http.StatusBadRequest},
	{document.ErrSystemFieldsInvalid, http.StatusBadRequest},
	{document.ErrPartitionRequired, http.StatusBadRequest},
	{document.ErrPartitionNotAllowed, http.StatusBadRequest},
	{document.ErrInvalidUserID, http.StatusUnauthorized},
	{document.ErrForbiddenByPolicy, http.StatusForbidden},
	{document.ErrInsufficientPermissions, http.StatusForbidden},
	{document.ErrConflictOnSave, http.StatusConflict},
	{document.ErrRequiredVersionNotAvailable, http.StatusPreconditionFailed},
	{repository.ErrUnexpectedStore, http.StatusServiceUnavailable},
}

func statusFor(err error) int {
	var cbErr *document.CallbackError
	if errors.As(err, &cbErr) {
		return http.StatusInternalServerError
	}
	for _, m := range statusByKind {
		if errors.Is(err, m.kind) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
