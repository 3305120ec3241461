package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogotex/docstore/internal/catalog"
	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/internal/document/repository"
	"github.com/gogotex/docstore/internal/security"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startMillis = int64(1700000000000)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts upserts per document type.
type countingStore struct {
	*repository.MemoryStore
	mu      sync.Mutex
	upserts map[string]int
}

func (c *countingStore) Upsert(ctx context.Context, docTypeName, partition string, doc document.Doc, reqVersion string, opts repository.Options) (repository.UpsertResult, error) {
	c.mu.Lock()
	c.upserts[docTypeName]++
	c.mu.Unlock()
	return c.MemoryStore.Upsert(ctx, docTypeName, partition, doc, reqVersion, opts)
}

func (c *countingStore) count(docTypeName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts[docTypeName]
}

var superuser = security.User{ID: "user-1", Permissions: security.AllAllowed{}}

func singlePartitionType() *document.DocType {
	return &document.DocType{
		Name:               "setting",
		ValidateFields:     func(document.Doc) document.Verdict { return document.Valid() },
		ValidateDoc:        func(document.Doc) document.Verdict { return document.Valid() },
		UseSinglePartition: true,
	}
}

type fixture struct {
	rt    *Runtime
	store *countingStore
	clock *testClock
}

func newFixture(t *testing.T, types ...*document.DocType) fixture {
	t.Helper()
	if len(types) == 0 {
		types = []*document.DocType{catalog.Tree(catalog.DialectMemory), singlePartitionType()}
	}
	reg, err := document.NewRegistry(types...)
	require.NoError(t, err)
	store := &countingStore{MemoryStore: repository.NewMemoryStore(), upserts: map[string]int{}}
	clock := &testClock{now: time.UnixMilli(startMillis)}
	rt, err := New(Options{Registry: reg, Store: store, Clock: clock.Now})
	require.NoError(t, err)
	return fixture{rt: rt, store: store, clock: clock}
}

func treeProps(user security.User) RequestProps {
	return RequestProps{DocTypeName: "tree", Partition: "p1", User: user}
}

func createAsh(t *testing.T, f fixture) document.Doc {
	t.Helper()
	res, err := f.rt.NewDocument(context.Background(), NewDocumentProps{
		RequestProps: treeProps(superuser),
		Doc:          document.Doc{"id": "01", "docType": "tree", "name": "ash", "heightInCms": 210},
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)
	return res.Doc
}

func fetchOne(t *testing.T, f fixture, id string) document.Doc {
	t.Helper()
	res, err := f.rt.SelectDocumentsByIDs(context.Background(), SelectByIDsProps{
		RequestProps: treeProps(superuser),
		IDs:          []string{id},
	})
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	return res.Docs[0]
}

func TestNewRequiresRegistryAndStore(t *testing.T) {
	_, err := New(Options{Store: repository.NewMemoryStore()})
	require.Error(t, err)

	reg, err := document.NewRegistry()
	require.NoError(t, err)
	_, err = New(Options{Registry: reg})
	require.ErrorIs(t, err, repository.ErrStoreNotConfigured)
}

func TestTreeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	createAsh(t, f)
	doc := fetchOne(t, f, "01")
	assert.Equal(t, "ash", doc["name"])
	assert.EqualValues(t, 210, doc["heightInCms"])
	assert.Equal(t, []string{}, doc[document.FieldDocOpIDs])
	assert.Equal(t, document.StatusActive, doc.Status())
	assert.Equal(t, "user-1", doc[document.FieldDocCreatedByUserID])
	assert.Equal(t, startMillis, doc[document.FieldDocCreatedMillisecondsSinceEpoch])
	assert.Equal(t, "user-1", doc[document.FieldDocLastUpdatedByUserID])
	assert.NotEmpty(t, doc.Version())

	f.clock.Advance(time.Second)
	patched, err := f.rt.PatchDocument(ctx, PatchDocumentProps{
		RequestProps: treeProps(superuser),
		ID:           "01",
		OperationID:  "00000000-0000-0000-0000-000000000aaa",
		Patch:        document.Patch{"heightInCms": 215},
	})
	require.NoError(t, err)
	require.True(t, patched.IsUpdated)

	doc = fetchOne(t, f, "01")
	assert.EqualValues(t, 215, doc["heightInCms"])
	assert.Equal(t, []string{"00000000-0000-0000-0000-000000000aaa"}, doc.OpIDs())
	assert.Equal(t, startMillis, doc[document.FieldDocCreatedMillisecondsSinceEpoch])
	assert.Equal(t, startMillis+1000, doc[document.FieldDocLastUpdatedMillisecondsSinceEpoch])

	archiveProps := ArchiveDocumentProps{
		RequestProps: treeProps(superuser),
		ID:           "01",
		OperationID:  "00000000-0000-0000-0000-000000000bbb",
	}
	archived, err := f.rt.ArchiveDocument(ctx, archiveProps)
	require.NoError(t, err)
	require.True(t, archived.IsUpdated)

	doc = fetchOne(t, f, "01")
	assert.Equal(t, document.StatusArchived, doc.Status())
	assert.Equal(t, "user-1", doc[document.FieldDocArchivedByUserID])
	assert.Equal(t, startMillis+1000, doc[document.FieldDocArchivedMillisecondsSinceEpoch])
	assert.Len(t, doc.Digests(), 1)

	writes := f.store.count("tree")
	again, err := f.rt.ArchiveDocument(ctx, archiveProps)
	require.NoError(t, err)
	assert.False(t, again.IsUpdated)
	assert.Equal(t, writes, f.store.count("tree"))
	assert.Equal(t, doc.Version(), again.Doc.Version())
}

func TestPatchIsIdempotentPerOperationID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	props := PatchDocumentProps{
		RequestProps: treeProps(superuser),
		ID:           "01",
		OperationID:  "op-1",
		Patch:        document.Patch{"heightInCms": 300},
	}
	first, err := f.rt.PatchDocument(ctx, props)
	require.NoError(t, err)
	require.True(t, first.IsUpdated)
	writes := f.store.count("tree")

	second, err := f.rt.PatchDocument(ctx, props)
	require.NoError(t, err)
	assert.False(t, second.IsUpdated)
	assert.Equal(t, writes, f.store.count("tree"))
	assert.Equal(t, first.Doc.Version(), second.Doc.Version())
}

func TestCreateExistingIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := createAsh(t, f)

	res, err := f.rt.NewDocument(ctx, NewDocumentProps{
		RequestProps: treeProps(superuser),
		Doc:          document.Doc{"id": "01", "name": "birch"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Equal(t, "ash", res.Doc["name"])
	assert.Equal(t, created.Version(), res.Doc.Version())
}

func TestChangeRecordsAreWrittenOncePerMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	props := PatchDocumentProps{RequestProps: treeProps(superuser), ID: "01", OperationID: "op-1", Patch: document.Patch{"heightInCms": 211}}
	_, err := f.rt.PatchDocument(ctx, props)
	require.NoError(t, err)
	_, err = f.rt.PatchDocument(ctx, props)
	require.NoError(t, err)

	changes, err := f.store.SelectAll(ctx, DefaultChangeDocTypeName, "p1", nil, nil)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, 2, f.store.count(DefaultChangeDocTypeName))

	var patchRecord document.Doc
	for _, c := range changes {
		if c[ChangeFieldAction] == document.ActionPatch {
			patchRecord = c
		}
	}
	require.NotNil(t, patchRecord)
	digest, err := document.CreateDigest("op-1", document.ActionPatch, props.Patch, "0")
	require.NoError(t, err)
	assert.Equal(t, digest, patchRecord.ID())
	assert.Equal(t, []string{digest}, patchRecord.Digests())
	assert.Equal(t, "01", patchRecord[ChangeFieldSubjectID])
	assert.Equal(t, "tree", patchRecord[ChangeFieldSubjectDocType])
	assert.Equal(t, "user-1", patchRecord[ChangeFieldChangeUserID])
}

func TestPartitionDiscipline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.rt.NewDocument(ctx, NewDocumentProps{
		RequestProps: RequestProps{DocTypeName: "setting", Partition: "p1", User: superuser},
		Doc:          document.Doc{"id": "s1"},
	})
	require.ErrorIs(t, err, document.ErrPartitionNotAllowed)

	res, err := f.rt.NewDocument(ctx, NewDocumentProps{
		RequestProps: RequestProps{DocTypeName: "setting", User: superuser},
		Doc:          document.Doc{"id": "s1"},
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)
	ok, err := f.store.Exists(ctx, "setting", document.CentralPartition, "s1", nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.rt.NewDocument(ctx, NewDocumentProps{
		RequestProps: RequestProps{DocTypeName: "tree", User: superuser},
		Doc:          document.Doc{"id": "01", "name": "ash"},
	})
	require.ErrorIs(t, err, document.ErrPartitionRequired)
}

func TestPreludeRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.rt.DocumentExists(ctx, ExistsProps{RequestProps: RequestProps{DocTypeName: "shrub", Partition: "p1", User: superuser}, ID: "x"})
	require.ErrorIs(t, err, document.ErrDocTypeNotRecognised)

	_, err = f.rt.DocumentExists(ctx, ExistsProps{RequestProps: treeProps(security.User{Permissions: security.AllAllowed{}}), ID: "x"})
	require.ErrorIs(t, err, document.ErrInvalidUserID)

	other := security.User{ID: "u2", Permissions: security.PerType{"setting": security.FullAccess{}}}
	_, err = f.rt.NewDocument(ctx, NewDocumentProps{RequestProps: treeProps(other), Doc: document.Doc{"id": "01", "name": "ash"}})
	require.ErrorIs(t, err, document.ErrInsufficientPermissions)
	var re *document.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "tree", re.DocTypeName)
	assert.Equal(t, 0, f.store.count("tree"))
}

func TestPatchProtection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)
	writes := f.store.count("tree")

	for _, patch := range []document.Patch{{"id": "02"}, {"docVersion": "v9"}, {"species": "oak"}} {
		_, err := f.rt.PatchDocument(ctx, PatchDocumentProps{RequestProps: treeProps(superuser), ID: "01", Patch: patch})
		require.ErrorIs(t, err, document.ErrPatchValidationFailed)
	}
	assert.Equal(t, writes, f.store.count("tree"))
}

func TestPatchMissingDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.rt.PatchDocument(context.Background(), PatchDocumentProps{RequestProps: treeProps(superuser), ID: "nope", Patch: document.Patch{"name": "x"}})
	require.ErrorIs(t, err, document.ErrDocNotFound)
}

func TestValidationFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.rt.NewDocument(ctx, NewDocumentProps{RequestProps: treeProps(superuser), Doc: document.Doc{"id": "01"}})
	require.ErrorIs(t, err, document.ErrValidationFailed)

	createAsh(t, f)
	_, err = f.rt.PatchDocument(ctx, PatchDocumentProps{RequestProps: treeProps(superuser), ID: "01", Patch: document.Patch{"name": nil}})
	require.ErrorIs(t, err, document.ErrValidationFailed)
	assert.EqualValues(t, "ash", fetchOne(t, f, "01")["name"])
}

func TestOperateOnDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	res, err := f.rt.OperateOnDocument(ctx, OperateOnDocumentProps{
		RequestProps:    treeProps(superuser),
		ID:              "01",
		OperationID:     "grow-1",
		OperationName:   "grow",
		OperationParams: map[string]any{"cms": 5},
	})
	require.NoError(t, err)
	require.True(t, res.IsUpdated)
	assert.EqualValues(t, 215, res.Doc["heightInCms"])

	_, err = f.rt.OperateOnDocument(ctx, OperateOnDocumentProps{RequestProps: treeProps(superuser), ID: "01", OperationName: "prune"})
	require.ErrorIs(t, err, document.ErrOperationNotRecognised)

	_, err = f.rt.OperateOnDocument(ctx, OperateOnDocumentProps{
		RequestProps: treeProps(superuser), ID: "01", OperationName: "grow", OperationParams: map[string]any{"cms": "lots"},
	})
	require.ErrorIs(t, err, document.ErrValidationFailed)

	limited := security.User{ID: "u2", Permissions: security.PerType{"tree": security.ActionRules{
		Update: security.UpdateRule{Operations: []string{"other"}},
	}}}
	_, err = f.rt.OperateOnDocument(ctx, OperateOnDocumentProps{
		RequestProps: treeProps(limited), ID: "01", OperationName: "grow", OperationParams: map[string]any{"cms": 1},
	})
	require.ErrorIs(t, err, document.ErrInsufficientPermissions)
}

func TestCreateDocumentWithConstructor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.rt.CreateDocument(ctx, CreateDocumentProps{
		RequestProps:      treeProps(superuser),
		ID:                "seed-1",
		ConstructorName:   "seedling",
		ConstructorParams: map[string]any{"name": "little oak", "species": "oak"},
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)
	assert.Equal(t, "seed-1", res.Doc.ID())
	assert.Equal(t, "oak", res.Doc["species"])

	_, err = f.rt.CreateDocument(ctx, CreateDocumentProps{RequestProps: treeProps(superuser), ConstructorName: "graft"})
	require.ErrorIs(t, err, document.ErrConstructorNotRecognised)

	_, err = f.rt.CreateDocument(ctx, CreateDocumentProps{RequestProps: treeProps(superuser), ConstructorName: "seedling"})
	require.ErrorIs(t, err, document.ErrValidationFailed)

	generated, err := f.rt.CreateDocument(ctx, CreateDocumentProps{
		RequestProps: treeProps(superuser), ConstructorName: "seedling", ConstructorParams: map[string]any{"name": "anon"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.Doc.ID())
}

func TestReplaceDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.rt.ReplaceDocument(ctx, ReplaceDocumentProps{RequestProps: treeProps(superuser), Doc: document.Doc{"id": "r1", "name": "elm"}})
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := f.rt.ReplaceDocument(ctx, ReplaceDocumentProps{
		RequestProps: treeProps(superuser),
		Doc:          document.Doc{"id": "r1", "name": "elm", "species": "ulmus", "docVersion": "forged"},
	})
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.NotEqual(t, "forged", second.Doc.Version())
	assert.Equal(t, "ulmus", fetchOne(t, f, "r1")["species"])

	noPolicy := newFixture(t, singlePartitionType())
	_, err = noPolicy.rt.ReplaceDocument(ctx, ReplaceDocumentProps{
		RequestProps: RequestProps{DocTypeName: "setting", User: superuser}, Doc: document.Doc{"id": "s1"},
	})
	require.ErrorIs(t, err, document.ErrForbiddenByPolicy)
}

func TestRedactDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	props := RedactDocumentProps{RequestProps: treeProps(superuser), ID: "01", OperationID: "redact-1"}
	res, err := f.rt.RedactDocument(ctx, props)
	require.NoError(t, err)
	require.True(t, res.IsUpdated)
	assert.Equal(t, document.DefaultRedactValue, res.Doc["name"])
	_, hasPlanter := res.Doc["planter"]
	assert.False(t, hasPlanter)

	again, err := f.rt.RedactDocument(ctx, props)
	require.NoError(t, err)
	assert.False(t, again.IsUpdated)
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	res, err := f.rt.DeleteDocument(ctx, DeleteDocumentProps{RequestProps: treeProps(superuser), ID: "01"})
	require.NoError(t, err)
	assert.True(t, res.IsDeleted)

	res, err = f.rt.DeleteDocument(ctx, DeleteDocumentProps{RequestProps: treeProps(superuser), ID: "01"})
	require.NoError(t, err)
	assert.False(t, res.IsDeleted)

	found, err := f.rt.DocumentExists(ctx, ExistsProps{RequestProps: treeProps(superuser), ID: "01"})
	require.NoError(t, err)
	assert.False(t, found.Found)

	noPolicy := newFixture(t, singlePartitionType())
	_, err = noPolicy.rt.DeleteDocument(ctx, DeleteDocumentProps{RequestProps: RequestProps{DocTypeName: "setting", User: superuser}, ID: "s1"})
	require.ErrorIs(t, err, document.ErrForbiddenByPolicy)
}

func TestSelectionsAndQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for id, h := range map[string]int{"a": 100, "b": 200, "c": 300} {
		_, err := f.rt.NewDocument(ctx, NewDocumentProps{RequestProps: treeProps(superuser), Doc: document.Doc{"id": id, "name": id, "heightInCms": h}})
		require.NoError(t, err)
	}

	byIDs, err := f.rt.SelectDocumentsByIDs(ctx, SelectByIDsProps{RequestProps: treeProps(superuser), IDs: []string{"c", "a", "c", "zz"}})
	require.NoError(t, err)
	require.Len(t, byIDs.Docs, 2)
	assert.Equal(t, "c", byIDs.Docs[0].ID())
	assert.Equal(t, "a", byIDs.Docs[1].ID())

	all, err := f.rt.SelectDocuments(ctx, SelectAllProps{RequestProps: treeProps(superuser), FieldNames: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, all.Docs, 3)
	assert.Equal(t, document.Doc{"id": "a", "name": "a"}, all.Docs[0])

	tall, err := f.rt.SelectDocumentsByFilter(ctx, SelectByFilterProps{
		RequestProps: treeProps(superuser), FilterName: "tallerThan", FilterParams: map[string]any{"minHeightInCms": 150},
	})
	require.NoError(t, err)
	assert.Len(t, tall.Docs, 2)

	_, err = f.rt.SelectDocumentsByFilter(ctx, SelectByFilterProps{RequestProps: treeProps(superuser), FilterName: "bushy"})
	require.ErrorIs(t, err, document.ErrFilterNotRecognised)

	total, err := f.rt.QueryDocuments(ctx, QueryProps{RequestProps: treeProps(superuser), QueryName: "totalHeight"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"totalHeightInCms": int64(600)}, total.Data)

	_, err = f.rt.QueryDocuments(ctx, QueryProps{RequestProps: treeProps(superuser), QueryName: "oldest"})
	require.ErrorIs(t, err, document.ErrQueryNotRecognised)

	noPolicy := newFixture(t, singlePartitionType())
	_, err = noPolicy.rt.SelectDocuments(ctx, SelectAllProps{RequestProps: RequestProps{DocTypeName: "setting", User: superuser}})
	require.ErrorIs(t, err, document.ErrForbiddenByPolicy)
}

func TestSelectFieldGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	include := security.User{ID: "u2", Permissions: security.PerType{"tree": security.ActionRules{
		Select: security.SelectRule{Allowed: true, Fields: []string{"name"}, FieldsTreatment: security.FieldsInclude},
	}}}
	res, err := f.rt.SelectDocumentsByIDs(ctx, SelectByIDsProps{RequestProps: treeProps(include), IDs: []string{"01"}})
	require.NoError(t, err)
	assert.Equal(t, document.Doc{"id": "01", "name": "ash"}, res.Docs[0])

	_, err = f.rt.SelectDocumentsByIDs(ctx, SelectByIDsProps{RequestProps: treeProps(include), IDs: []string{"01"}, FieldNames: []string{"heightInCms"}})
	require.ErrorIs(t, err, document.ErrInsufficientPermissions)

	exclude := security.User{ID: "u3", Permissions: security.PerType{"tree": security.ActionRules{
		Select: security.SelectRule{Allowed: true, Fields: []string{"name"}, FieldsTreatment: security.FieldsExclude},
	}}}
	res, err = f.rt.SelectDocumentsByIDs(ctx, SelectByIDsProps{RequestProps: treeProps(exclude), IDs: []string{"01"}})
	require.NoError(t, err)
	_, hasName := res.Docs[0]["name"]
	assert.False(t, hasName)
	assert.EqualValues(t, 210, res.Docs[0]["heightInCms"])
}

func TestSelectByIDsUsesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	props := SelectByIDsProps{RequestProps: treeProps(superuser), IDs: []string{"01"}, CacheMilliseconds: 60000}
	first, err := f.rt.SelectDocumentsByIDs(ctx, props)
	require.NoError(t, err)
	assert.Equal(t, "ash", first.Docs[0]["name"])

	// change the store behind the runtime's back
	stale := first.Docs[0].Clone()
	stale["name"] = "rowan"
	_, err = f.store.MemoryStore.Upsert(ctx, "tree", "p1", stale, "", nil)
	require.NoError(t, err)

	cached, err := f.rt.SelectDocumentsByIDs(ctx, props)
	require.NoError(t, err)
	assert.Equal(t, "ash", cached.Docs[0]["name"])

	f.clock.Advance(2 * time.Minute)
	fresh, err := f.rt.SelectDocumentsByIDs(ctx, props)
	require.NoError(t, err)
	assert.Equal(t, "rowan", fresh.Docs[0]["name"])
}

func TestWritesEvictCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)

	props := SelectByIDsProps{RequestProps: treeProps(superuser), IDs: []string{"01"}, CacheMilliseconds: 60000}
	_, err := f.rt.SelectDocumentsByIDs(ctx, props)
	require.NoError(t, err)

	_, err = f.rt.PatchDocument(ctx, PatchDocumentProps{RequestProps: treeProps(superuser), ID: "01", Patch: document.Patch{"name": "beech"}})
	require.NoError(t, err)

	res, err := f.rt.SelectDocumentsByIDs(ctx, props)
	require.NoError(t, err)
	assert.Equal(t, "beech", res.Docs[0]["name"])
}

func TestCallbackPanicIsDefect(t *testing.T) {
	ctx := context.Background()
	tree := catalog.Tree(catalog.DialectMemory)
	tree.ValidateDoc = func(document.Doc) document.Verdict { panic("validator bug") }
	f := newFixture(t, tree)

	_, err := f.rt.NewDocument(ctx, NewDocumentProps{RequestProps: treeProps(superuser), Doc: document.Doc{"id": "01", "name": "ash"}})
	var ce *document.CallbackError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "validateDoc", ce.Hook)
	assert.False(t, document.IsRequestError(err))
}

func TestValidatorCorruptingSystemFieldsIsDefect(t *testing.T) {
	ctx := context.Background()
	tree := catalog.Tree(catalog.DialectMemory)
	tree.ValidateDoc = func(doc document.Doc) document.Verdict {
		delete(doc, document.FieldDocCreatedByUserID)
		return document.Valid()
	}
	f := newFixture(t, tree)
	var logs bytes.Buffer
	prev := logger.SetOutput(&logs)
	defer logger.SetOutput(prev)

	_, err := f.rt.NewDocument(ctx, NewDocumentProps{
		RequestProps: treeProps(superuser),
		Doc:          document.Doc{"id": "01", "name": "ash", "heightInCms": 210},
	})
	var ce *document.CallbackError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, document.ValidatorsHook, ce.Hook)
	assert.False(t, document.IsRequestError(err))
	assert.Equal(t, 0, f.store.count("tree"))
	assert.Contains(t, logs.String(), "callback failed")
	assert.Contains(t, logs.String(), "hook="+document.ValidatorsHook)
}

func TestPatchWithoutOperationIDRecordsChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	createAsh(t, f)
	before := f.store.count(DefaultChangeDocTypeName)

	res, err := f.rt.PatchDocument(ctx, PatchDocumentProps{
		RequestProps: treeProps(superuser),
		ID:           "01",
		Patch:        document.Patch{"heightInCms": 230},
	})
	require.NoError(t, err)
	require.True(t, res.IsUpdated)
	assert.Empty(t, res.Doc.OpIDs())
	assert.Equal(t, before+1, f.store.count(DefaultChangeDocTypeName))

	_, err = f.rt.OperateOnDocument(ctx, OperateOnDocumentProps{
		RequestProps:    treeProps(superuser),
		ID:              "01",
		OperationName:   "grow",
		OperationParams: map[string]any{"cms": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, before+2, f.store.count(DefaultChangeDocTypeName))

	changes, err := f.store.SelectAll(ctx, DefaultChangeDocTypeName, "p1", nil, nil)
	require.NoError(t, err)
	actions := map[any]int{}
	for _, c := range changes {
		actions[c[ChangeFieldAction]]++
	}
	assert.Equal(t, 1, actions[document.ActionPatch])
	assert.Equal(t, 1, actions[document.ActionOperate])
}

// heldStore blocks SelectByIDs until released or until the call's context ends.
type heldStore struct {
	*repository.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (h *heldStore) SelectByIDs(ctx context.Context, docTypeName, partition string, fieldNames []string, ids []string, opts repository.Options) ([]document.Doc, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.MemoryStore.SelectByIDs(ctx, docTypeName, partition, fieldNames, ids, opts)
}

func TestSharedSelectSurvivesCancelledCaller(t *testing.T) {
	reg, err := document.NewRegistry(catalog.Tree(catalog.DialectMemory))
	require.NoError(t, err)
	store := &heldStore{MemoryStore: repository.NewMemoryStore(), entered: make(chan struct{}, 4), release: make(chan struct{})}
	rt, err := New(Options{Registry: reg, Store: store, Clock: func() time.Time { return time.UnixMilli(startMillis) }})
	require.NoError(t, err)
	_, err = rt.NewDocument(context.Background(), NewDocumentProps{
		RequestProps: treeProps(superuser),
		Doc:          document.Doc{"id": "01", "name": "ash", "heightInCms": 210},
	})
	require.NoError(t, err)

	props := SelectByIDsProps{RequestProps: treeProps(superuser), IDs: []string{"01"}}
	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := rt.SelectDocumentsByIDs(ctxA, props)
		errA <- err
	}()
	<-store.entered

	type outcome struct {
		res SelectResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := rt.SelectDocumentsByIDs(context.Background(), props)
		doneB <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(store.release)
	b := <-doneB
	require.NoError(t, b.err)
	require.Len(t, b.res.Docs, 1)
	assert.Equal(t, "ash", b.res.Docs[0]["name"])
}

func TestAuthorisationHooks(t *testing.T) {
	ctx := context.Background()
	tree := catalog.Tree(catalog.DialectMemory)
	tree.AuthoriseCreate = func(user security.User, doc document.Doc) document.Verdict {
		if doc["name"] == "protected" {
			return document.Invalid("only wardens may plant protected trees")
		}
		return document.Valid()
	}
	f := newFixture(t, tree)

	_, err := f.rt.NewDocument(ctx, NewDocumentProps{RequestProps: treeProps(superuser), Doc: document.Doc{"id": "01", "name": "protected"}})
	require.ErrorIs(t, err, document.ErrInsufficientPermissions)
	assert.Contains(t, err.Error(), "wardens")
}

func TestNewDocumentIDAndNames(t *testing.T) {
	f := newFixture(t)
	id, err := f.rt.NewDocumentID("tree")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = f.rt.NewDocumentID("shrub")
	require.ErrorIs(t, err, document.ErrDocTypeNotRecognised)

	assert.Equal(t, []string{"setting", "tree"}, f.rt.DocTypeNames())
}
