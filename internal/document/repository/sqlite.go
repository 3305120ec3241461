package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gogotex/docstore/internal/document"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLFilter is the filter object understood by SQLiteStore. Where is an SQL
// boolean expression over the row columns (id, version, body); document fields
// are reached with json_extract(body, '$.field').
type SQLFilter struct {
	Where string
	Args  []any
}

// SQLQuery is the query object understood by SQLiteStore. Select runs against
// a CTE named docs holding the partition's (id, body) rows.
type SQLQuery struct {
	Select string
	Args   []any
}

var sqlTableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore implements DocStore over SQLite, one table per document type.
type SQLiteStore struct {
	db     *sql.DB
	namer  CollectionNamer
	retry  retrier
	tables sync.Map // table name -> struct{}
}

// NewSQLiteStore creates a store over db. A nil namer uses the document type name.
func NewSQLiteStore(db *sql.DB, namer CollectionNamer) *SQLiteStore {
	if namer == nil {
		namer = IdentityNamer
	}
	return &SQLiteStore{db: db, namer: namer, retry: newRetrier("sqlite", DefaultBackoff, isTransientSQLiteError)}
}

// table returns the quoted table name for a document type, creating the table
// on first use.
func (s *SQLiteStore) table(ctx context.Context, docTypeName string) (string, error) {
	name := s.namer(docTypeName)
	if !sqlTableNamePattern.MatchString(name) {
		return "", fmt.Errorf("sqlite store: invalid table name %q", name)
	}
	quoted := `"` + name + `"`
	if _, ok := s.tables.Load(name); ok {
		return quoted, nil
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + quoted + ` (
		partition TEXT NOT NULL,
		id        TEXT NOT NULL,
		version   TEXT NOT NULL,
		body      TEXT NOT NULL,
		PRIMARY KEY (partition, id)
	)`
	err := s.retry.do(ctx, "createTable", func() error {
		_, err := s.db.ExecContext(ctx, ddl)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create table %s: %w", name, err)
	}
	s.tables.Store(name, struct{}{})
	return quoted, nil
}

func (s *SQLiteStore) DeleteByID(ctx context.Context, docTypeName, partition, id string, opts Options) (DeleteResult, error) {
	t, err := s.table(ctx, docTypeName)
	if err != nil {
		return "", err
	}
	var n int64
	err = s.retry.do(ctx, "deleteById", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+t+` WHERE partition = ? AND id = ?`, partition, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return "", err
	}
	if n == 0 {
		return NotFound, nil
	}
	return Deleted, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, docTypeName, partition, id string, opts Options) (bool, error) {
	t, err := s.table(ctx, docTypeName)
	if err != nil {
		return false, err
	}
	var found bool
	err = s.retry.do(ctx, "exists", func() error {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+t+` WHERE partition = ? AND id = ?`, partition, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func (s *SQLiteStore) Fetch(ctx context.Context, docTypeName, partition, id string, opts Options) (document.Doc, error) {
	docs, err := s.selectWhere(ctx, "fetch", docTypeName, partition, nil, `id = ?`, id)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (s *SQLiteStore) Query(ctx context.Context, docTypeName, partition string, query any, opts Options) (any, error) {
	q, ok := query.(SQLQuery)
	if !ok {
		return nil, fmt.Errorf("sqlite store: unsupported query type %T", query)
	}
	t, err := s.table(ctx, docTypeName)
	if err != nil {
		return nil, err
	}
	stmt := `WITH docs AS (SELECT id, body FROM ` + t + ` WHERE partition = ?) ` + q.Select
	args := append([]any{partition}, q.Args...)

	var out []map[string]any
	err = s.retry.do(ctx, "query", func() error {
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		out = []map[string]any{}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make(map[string]any, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
				} else {
					row[c] = vals[i]
				}
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) SelectAll(ctx context.Context, docTypeName, partition string, fieldNames []string, opts Options) ([]document.Doc, error) {
	return s.selectWhere(ctx, "selectAll", docTypeName, partition, fieldNames, "")
}

func (s *SQLiteStore) SelectByFilter(ctx context.Context, docTypeName, partition string, fieldNames []string, filter any, opts Options) ([]document.Doc, error) {
	f, ok := filter.(SQLFilter)
	if !ok {
		return nil, fmt.Errorf("sqlite store: unsupported filter type %T", filter)
	}
	return s.selectWhere(ctx, "selectByFilter", docTypeName, partition, fieldNames, "("+f.Where+")", f.Args...)
}

func (s *SQLiteStore) SelectByIDs(ctx context.Context, docTypeName, partition string, fieldNames []string, ids []string, opts Options) ([]document.Doc, error) {
	if len(ids) == 0 {
		return []document.Doc{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.selectWhere(ctx, "selectByIds", docTypeName, partition, fieldNames, "id IN ("+placeholders+")", args...)
}

func (s *SQLiteStore) SelectByDigest(ctx context.Context, docTypeName, partition string, fieldNames []string, digest string, opts Options) ([]document.Doc, error) {
	return s.selectWhere(ctx, "selectByDigest", docTypeName, partition, fieldNames,
		`EXISTS (SELECT 1 FROM json_each(body, '$.docDigests') WHERE json_each.value = ?)`, digest)
}

func (s *SQLiteStore) selectWhere(ctx context.Context, op, docTypeName, partition string, fieldNames []string, where string, args ...any) ([]document.Doc, error) {
	t, err := s.table(ctx, docTypeName)
	if err != nil {
		return nil, err
	}
	stmt := `SELECT body FROM ` + t + ` WHERE partition = ?`
	if where != "" {
		stmt += ` AND ` + where
	}
	stmt += ` ORDER BY id`
	allArgs := append([]any{partition}, args...)

	var out []document.Doc
	err = s.retry.do(ctx, op, func() error {
		rows, err := s.db.QueryContext(ctx, stmt, allArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = []document.Doc{}
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return err
			}
			doc, err := document.DecodeJSON([]byte(body))
			if err != nil {
				return err
			}
			out = append(out, ProjectFields(doc, fieldNames))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, docTypeName, partition string, doc document.Doc, reqVersion string, opts Options) (UpsertResult, error) {
	id := doc.ID()
	if id == "" {
		return UpsertResult{}, fmt.Errorf("sqlite store: document has no id")
	}
	t, err := s.table(ctx, docTypeName)
	if err != nil {
		return UpsertResult{}, err
	}
	version := uuid.NewString()
	stored := doc.Clone()
	stored[document.FieldDocVersion] = version
	body, err := json.Marshal(stored)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("encode document: %w", err)
	}

	var code UpsertCode
	err = s.retry.do(ctx, "upsert", func() error {
		if reqVersion != "" {
			res, err := s.db.ExecContext(ctx,
				`UPDATE `+t+` SET version = ?, body = ? WHERE partition = ? AND id = ? AND version = ?`,
				version, string(body), partition, id, reqVersion)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			code = Replaced
			if n == 0 {
				code = VersionNotAvailable
			}
			return nil
		}
		return s.upsertUnconditional(ctx, t, partition, id, version, string(body), &code)
	})
	if err != nil {
		return UpsertResult{}, err
	}
	if code == VersionNotAvailable {
		return UpsertResult{Code: code}, nil
	}
	return UpsertResult{Code: code, DocVersion: version}, nil
}

func (s *SQLiteStore) upsertUnconditional(ctx context.Context, t, partition, id, version, body string, code *UpsertCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+t+` WHERE partition = ? AND id = ?`, partition, id).Scan(&one)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+t+` (partition, id, version, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT (partition, id) DO UPDATE SET version = excluded.version, body = excluded.body`,
		partition, id, version, body)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	*code = Created
	if exists {
		*code = Replaced
	}
	return nil
}

func isTransientSQLiteError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
