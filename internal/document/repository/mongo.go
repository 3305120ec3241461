package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const (
	mongoKeyField       = "_id"
	mongoPartitionField = "_partition"
)

// MongoQuery is the query object understood by MongoStore: an aggregation
// pipeline run after restricting to the partition.
type MongoQuery struct {
	Pipeline mongo.Pipeline
}

// MongoStore implements DocStore over MongoDB. Each document type lives in its
// own collection; documents are keyed by (partition, id).
type MongoStore struct {
	db    *mongo.Database
	namer CollectionNamer
	retry retrier
}

// NewMongoStore creates a store over db. A nil namer uses the document type name.
func NewMongoStore(db *mongo.Database, namer CollectionNamer) *MongoStore {
	if namer == nil {
		namer = IdentityNamer
	}
	return &MongoStore{db: db, namer: namer, retry: newRetrier("mongo", DefaultBackoff, isTransientMongoError)}
}

// EnsureIndexes creates the partition and digest indexes for each document type.
func (m *MongoStore) EnsureIndexes(ctx context.Context, docTypeNames []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range docTypeNames {
		col := m.col(name)
		g.Go(func() error {
			_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
				{Keys: bson.D{{Key: mongoPartitionField, Value: 1}}},
				{Keys: bson.D{{Key: mongoPartitionField, Value: 1}, {Key: document.FieldDocDigests, Value: 1}}},
			})
			if err != nil {
				return fmt.Errorf("create indexes on %s: %w", col.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *MongoStore) col(docTypeName string) *mongo.Collection {
	return m.db.Collection(m.namer(docTypeName))
}

// mongoKey builds an unambiguous primary key from partition and id.
func mongoKey(partition, id string) string {
	return fmt.Sprintf("%d:%s:%s", len(partition), partition, id)
}

func (m *MongoStore) DeleteByID(ctx context.Context, docTypeName, partition, id string, opts Options) (DeleteResult, error) {
	var res *mongo.DeleteResult
	err := m.retry.do(ctx, "deleteById", func() error {
		var err error
		res, err = m.col(docTypeName).DeleteOne(ctx, bson.M{mongoKeyField: mongoKey(partition, id)})
		return err
	})
	if err != nil {
		return "", err
	}
	if res.DeletedCount == 0 {
		return NotFound, nil
	}
	return Deleted, nil
}

func (m *MongoStore) Exists(ctx context.Context, docTypeName, partition, id string, opts Options) (bool, error) {
	var n int64
	err := m.retry.do(ctx, "exists", func() error {
		var err error
		n, err = m.col(docTypeName).CountDocuments(ctx, bson.M{mongoKeyField: mongoKey(partition, id)}, options.Count().SetLimit(1))
		return err
	})
	return n > 0, err
}

func (m *MongoStore) Fetch(ctx context.Context, docTypeName, partition, id string, opts Options) (document.Doc, error) {
	var raw bson.M
	err := m.retry.do(ctx, "fetch", func() error {
		raw = nil
		return m.col(docTypeName).FindOne(ctx, bson.M{mongoKeyField: mongoKey(partition, id)}).Decode(&raw)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromMongo(raw), nil
}

func (m *MongoStore) Query(ctx context.Context, docTypeName, partition string, query any, opts Options) (any, error) {
	q, ok := query.(MongoQuery)
	if !ok {
		return nil, fmt.Errorf("mongo store: unsupported query type %T", query)
	}
	pipeline := append(mongo.Pipeline{{{Key: "$match", Value: bson.M{mongoPartitionField: partition}}}}, q.Pipeline...)

	var rows []bson.M
	err := m.retry.do(ctx, "query", func() error {
		cur, err := m.col(docTypeName).Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		rows = nil
		return cur.All(ctx, &rows)
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, normalizeBSON(r).(map[string]any))
	}
	return out, nil
}

func (m *MongoStore) SelectAll(ctx context.Context, docTypeName, partition string, fieldNames []string, opts Options) ([]document.Doc, error) {
	return m.find(ctx, "selectAll", docTypeName, bson.M{mongoPartitionField: partition}, fieldNames)
}

func (m *MongoStore) SelectByFilter(ctx context.Context, docTypeName, partition string, fieldNames []string, filter any, opts Options) ([]document.Doc, error) {
	switch filter.(type) {
	case bson.M, bson.D:
	default:
		return nil, fmt.Errorf("mongo store: unsupported filter type %T", filter)
	}
	combined := bson.M{"$and": bson.A{bson.M{mongoPartitionField: partition}, filter}}
	return m.find(ctx, "selectByFilter", docTypeName, combined, fieldNames)
}

func (m *MongoStore) SelectByIDs(ctx context.Context, docTypeName, partition string, fieldNames []string, ids []string, opts Options) ([]document.Doc, error) {
	keys := make(bson.A, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, mongoKey(partition, id))
	}
	return m.find(ctx, "selectByIds", docTypeName, bson.M{mongoKeyField: bson.M{"$in": keys}}, fieldNames)
}

func (m *MongoStore) SelectByDigest(ctx context.Context, docTypeName, partition string, fieldNames []string, digest string, opts Options) ([]document.Doc, error) {
	return m.find(ctx, "selectByDigest", docTypeName, bson.M{mongoPartitionField: partition, document.FieldDocDigests: digest}, fieldNames)
}

func (m *MongoStore) find(ctx context.Context, op, docTypeName string, filter any, fieldNames []string) ([]document.Doc, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: mongoKeyField, Value: 1}})
	if len(fieldNames) > 0 {
		proj := bson.M{document.FieldID: 1}
		for _, f := range fieldNames {
			proj[f] = 1
		}
		findOpts.SetProjection(proj)
	}

	var rows []bson.M
	err := m.retry.do(ctx, op, func() error {
		cur, err := m.col(docTypeName).Find(ctx, filter, findOpts)
		if err != nil {
			return err
		}
		rows = nil
		return cur.All(ctx, &rows)
	})
	if err != nil {
		return nil, err
	}
	out := make([]document.Doc, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromMongo(r))
	}
	return out, nil
}

func (m *MongoStore) Upsert(ctx context.Context, docTypeName, partition string, doc document.Doc, reqVersion string, opts Options) (UpsertResult, error) {
	id := doc.ID()
	if id == "" {
		return UpsertResult{}, fmt.Errorf("mongo store: document has no id")
	}
	version := uuid.NewString()
	rec := toMongo(doc, partition, version)
	key := mongoKey(partition, id)

	var res *mongo.UpdateResult
	err := m.retry.do(ctx, "upsert", func() error {
		var err error
		if reqVersion != "" {
			res, err = m.col(docTypeName).ReplaceOne(ctx, bson.M{mongoKeyField: key, document.FieldDocVersion: reqVersion}, rec)
		} else {
			res, err = m.col(docTypeName).ReplaceOne(ctx, bson.M{mongoKeyField: key}, rec, options.Replace().SetUpsert(true))
		}
		return err
	})
	if err != nil {
		return UpsertResult{}, err
	}

	switch {
	case reqVersion != "" && res.MatchedCount == 0:
		return UpsertResult{Code: VersionNotAvailable}, nil
	case res.UpsertedCount > 0:
		return UpsertResult{Code: Created, DocVersion: version}, nil
	default:
		return UpsertResult{Code: Replaced, DocVersion: version}, nil
	}
}

func toMongo(doc document.Doc, partition, version string) bson.M {
	rec := make(bson.M, len(doc)+2)
	for k, v := range doc {
		rec[k] = v
	}
	rec[mongoKeyField] = mongoKey(partition, doc.ID())
	rec[mongoPartitionField] = partition
	rec[document.FieldDocVersion] = version
	return rec
}

func fromMongo(raw bson.M) document.Doc {
	m := normalizeBSON(raw).(map[string]any)
	delete(m, mongoKeyField)
	delete(m, mongoPartitionField)
	return document.Doc(m)
}

// normalizeBSON converts driver types into plain Go maps, slices and scalars.
func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = normalizeBSON(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = normalizeBSON(inner)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = normalizeBSON(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = normalizeBSON(inner)
		}
		return out
	case int32:
		return int64(t)
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}

var transientMongoCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	262,   // ExceededTimeLimit
	11000, // DuplicateKey, raised when two unconditional upserts race
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

func isTransientMongoError(err error) bool {
	if err == nil || errors.Is(err, mongo.ErrNoDocuments) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range transientMongoCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}
	return false
}
