package db

import (
	"context"
	"strings"
	"time"

	"github.com/guneyilmaz0/mongos/db/cache"
	adb "github.com/mongodb/anser/db"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	NoProjection     = bson.M{}
	NoSort           = []string{}
	NoSkip           = 0
	NoLimit          = 0
	NoHint       any = nil
)

// ChangeInfo describes the outcome of a write that may upsert.
type ChangeInfo = adb.ChangeInfo

// Change describes a find-and-modify operation.
type Change struct {
	Update    any
	Upsert    bool
	ReturnNew bool
	Remove    bool
}

// Insert inserts the specified item into the specified collection.
func Insert(ctx context.Context, collection string, item any) error {
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}
	_, err = coll.InsertOne(ctx, item)
	return errors.Wrapf(errors.WithStack(err), "inserting document into '%s'", collection)
}

func InsertMany(ctx context.Context, collection string, items ...any) error {
	if len(items) == 0 {
		return nil
	}
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}

	_, err = coll.InsertMany(ctx, items)
	return errors.Wrapf(errors.WithStack(err), "inserting documents into '%s'", collection)
}

func InsertManyUnordered(ctx context.Context, collection string, items ...any) error {
	if len(items) == 0 {
		return nil
	}
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}

	_, err = coll.InsertMany(ctx, items, options.InsertMany().SetOrdered(false))
	return errors.Wrapf(errors.WithStack(err), "inserting unordered documents into '%s'", collection)
}

// Remove removes one item matching the query from the specified collection.
func Remove(ctx context.Context, collection string, query any) error {
	if query == nil {
		return errors.Wrap(ErrInvalidQuery, "nil query passed to remove")
	}
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}
	_, err = coll.DeleteOne(ctx, query)
	return errors.Wrapf(errors.WithStack(err), "deleting document from '%s'", collection)
}

// RemoveAll removes all items matching the query from the specified
// collection. Use Clear to empty a collection.
func RemoveAll(ctx context.Context, collection string, query any) error {
	_, err := removeAll(ctx, collection, query)
	return err
}

func removeAll(ctx context.Context, collection string, query any) (int, error) {
	if query == nil {
		grip.Error(message.Fields{
			"message":    "nil query passed to remove all",
			"cause":      "programmer error",
			"collection": collection,
		})
		return 0, errors.Wrap(ErrInvalidQuery, "nil query passed to remove all")
	}
	coll, err := getCollection(collection)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(ctx, query)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting documents from '%s'", collection)
	}
	return int(res.DeletedCount), nil
}

// Update updates one matching document in the collection.
func Update(ctx context.Context, collection string, query any, update any) error {
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}
	res, err := coll.UpdateOne(ctx, query, update)
	if err != nil {
		return errors.Wrapf(err, "updating document in '%s'", collection)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateId updates one _id-matching document in the collection.
func UpdateId(ctx context.Context, collection string, id, update any) error {
	return Update(ctx, collection, bson.D{{Key: "_id", Value: id}}, update)
}

// UpdateAll updates all matching documents in the collection.
func UpdateAll(ctx context.Context, collection string, query any, update any) (*ChangeInfo, error) {
	switch query.(type) {
	case *Q, Q:
		grip.Error(message.Fields{
			"message":    "invalid query passed to update all",
			"cause":      "programmer error",
			"collection": collection,
		})
		return nil, errors.Wrap(ErrInvalidQuery, "update all takes a filter document, not a Q")
	case nil:
		grip.Error(message.Fields{
			"message":    "nil query passed to update all",
			"collection": collection,
		})
		return nil, errors.Wrap(ErrInvalidQuery, "nil query passed to update all")
	}

	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	res, err := coll.UpdateMany(ctx, query, update)
	if err != nil {
		return nil, errors.Wrapf(err, "updating documents in '%s'", collection)
	}

	return &ChangeInfo{Updated: int(res.ModifiedCount)}, nil
}

// Replace replaces one matching document in the collection. If a matching
// document is not found, it will be upserted. It returns the upserted ID if
// one was created.
func Replace(ctx context.Context, collection string, query any, replacement any) (*ChangeInfo, error) {
	if doc, err := transformDocument(replacement); err == nil && hasDollarKey(doc) {
		return nil, errors.Wrap(ErrInvalidQuery, "replacement document must not contain update operators")
	}
	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	res, err := coll.ReplaceOne(ctx, query, replacement, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, errors.Wrapf(err, "replacing document in '%s'", collection)
	}

	return &ChangeInfo{Updated: int(res.UpsertedCount) + int(res.ModifiedCount), UpsertedId: res.UpsertedID}, nil
}

// Upsert runs the specified update against the collection as an upsert
// operation. The update must use operators; use Replace for whole
// documents.
func Upsert(ctx context.Context, collection string, query any, update any) (*ChangeInfo, error) {
	doc, err := transformDocument(update)
	if err == nil && !hasDollarKey(doc) {
		grip.Debug(message.Fields{
			"message":    "upsert document must contain a key beginning with '$'",
			"collection": collection,
		})
		return nil, errors.Wrap(ErrInvalidQuery, "upsert document must contain update operators")
	}

	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	res, err := coll.UpdateOne(ctx, query, update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, errors.Wrapf(err, "upserting into '%s'", collection)
	}

	return &ChangeInfo{Updated: int(res.UpsertedCount) + int(res.ModifiedCount), UpsertedId: res.UpsertedID}, nil
}

// Count runs a count command with the specified query against the collection.
func Count(ctx context.Context, collection string, query any) (int, error) {
	if query == nil {
		query = bson.M{}
	}
	coll, err := getCollection(collection)
	if err != nil {
		return 0, err
	}
	res, err := coll.CountDocuments(ctx, query)
	return int(res), errors.WithStack(err)
}

// CountQ runs a Q count query against the given collection.
func CountQ(ctx context.Context, collection string, q Q) (int, error) {
	return Count(ctx, collection, q.GetFilter())
}

// Distinct returns the distinct values of field among matching documents.
func Distinct(ctx context.Context, collection, field string, query any) ([]any, error) {
	if query == nil {
		query = bson.M{}
	}
	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	out, err := coll.Distinct(ctx, field, query)
	return out, errors.Wrapf(err, "finding distinct '%s' in '%s'", field, collection)
}

// FindOneQ runs a Q query against the given collection, applying the
// results to "out." Only reads one document from the DB. Lookups by _id
// are served from the context cache when one is embedded.
func FindOneQ(ctx context.Context, collection string, q Q, out any) error {
	cached, found := findFromCache(ctx, collection, q)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Bool("mongos.db.deduplicatecall", found),
	)
	if raw, ok := cached.(bson.Raw); found && ok {
		if err := bson.Unmarshal(raw, out); err == nil {
			return nil
		}
	}

	if q.maxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.maxTime)
		defer cancel()
	}

	coll, err := getCollection(collection)
	if err != nil {
		return err
	}

	if err = coll.FindOne(ctx, q.GetFilter(), q.FindOneOptions()).Decode(out); err != nil {
		return errors.WithStack(err)
	}

	setInCache(ctx, collection, q, out)
	return nil
}

// FindAllQ runs a Q query against the given collection, applying the results to "out."
func FindAllQ(ctx context.Context, collection string, q Q, out any) error {
	ctx, span := tracer().Start(ctx, "db.FindAllQ", trace.WithAttributes(
		attribute.String("mongos.db.collection", collection),
	))
	defer span.End()

	if q.maxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.maxTime)
		defer cancel()
	}

	coll, err := getCollection(collection)
	if err != nil {
		return err
	}

	cursor, err := coll.Find(ctx, q.GetFilter(), q.FindOptions())
	if err != nil {
		return errors.Wrapf(err, "finding documents in '%s'", collection)
	}

	return errors.Wrap(cursor.All(ctx, out), "decoding documents")
}

// RemoveAllQ removes all docs that satisfy the query
func RemoveAllQ(ctx context.Context, collection string, q Q) error {
	return RemoveAll(ctx, collection, q.GetFilter())
}

// FindOneAndModify runs the specified query and change against the
// collection, unmarshaling the result into the specified interface.
func FindOneAndModify(ctx context.Context, collection string, query any, sort []string, change Change, out any) (*ChangeInfo, error) {
	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	if query == nil {
		query = bson.M{}
	}

	var res *mongo.SingleResult
	if change.Remove {
		opts := options.FindOneAndDelete()
		if len(sort) > 0 {
			opts.SetSort(sortDoc(sort))
		}
		res = coll.FindOneAndDelete(ctx, query, opts)
		if err = res.Decode(out); err != nil {
			return nil, errors.WithStack(err)
		}
		return &ChangeInfo{Removed: 1}, nil
	}

	opts := options.FindOneAndUpdate().SetUpsert(change.Upsert)
	if change.ReturnNew {
		opts.SetReturnDocument(options.After)
	}
	if len(sort) > 0 {
		opts.SetSort(sortDoc(sort))
	}
	res = coll.FindOneAndUpdate(ctx, query, change.Update, opts)
	if err = res.Decode(out); err != nil {
		return nil, errors.WithStack(err)
	}

	return &ChangeInfo{Updated: 1}, nil
}

// AggregateOptions tune Aggregate.
type AggregateOptions struct {
	AllowDiskUse bool
	MaxTime      time.Duration
	BatchSize    int32
	Hint         any
}

// Aggregate runs an aggregation pipeline on a collection and unmarshals
// the results to the given "out" interface (usually a pointer
// to an array of structs/bson.M). The pipeline may be a Pipeline.
func Aggregate(ctx context.Context, collection string, pipeline any, out any, opts ...AggregateOptions) error {
	switch p := pipeline.(type) {
	case Pipeline:
		if err := p.Err(); err != nil {
			return errors.Wrap(err, "invalid pipeline")
		}
		pipeline = p.Build()
	case *Pipeline:
		if err := p.Err(); err != nil {
			return errors.Wrap(err, "invalid pipeline")
		}
		pipeline = p.Build()
	case nil:
		pipeline = []bson.M{}
	}

	ctx, span := tracer().Start(ctx, "db.Aggregate", trace.WithAttributes(
		attribute.String("mongos.db.collection", collection),
	))
	defer span.End()

	coll, err := getCollection(collection)
	if err != nil {
		return err
	}

	aggOpts := options.Aggregate()
	for _, o := range opts {
		if o.AllowDiskUse {
			aggOpts.SetAllowDiskUse(true)
		}
		if o.MaxTime > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.MaxTime)
			defer cancel()
		}
		if o.BatchSize > 0 {
			aggOpts.SetBatchSize(o.BatchSize)
		}
		if o.Hint != nil {
			aggOpts.SetHint(o.Hint)
		}
	}

	cursor, err := coll.Aggregate(ctx, pipeline, aggOpts)
	if err != nil {
		err = errors.Wrapf(err, "running aggregation on '%s'", collection)
		grip.Debug(message.WrapError(err, message.Fields{
			"message":    "aggregation failed",
			"collection": collection,
		}))
		return err
	}

	return errors.Wrap(cursor.All(ctx, out), "decoding aggregation results")
}

// RunCommand runs a database command and decodes the reply into out, which
// may be nil.
func RunCommand(ctx context.Context, cmd any, out any) error {
	db, err := getDB()
	if err != nil {
		return err
	}
	res := db.RunCommand(ctx, cmd)
	if out == nil {
		return errors.WithStack(res.Err())
	}
	return errors.WithStack(res.Decode(out))
}

// CreateCollections ensures that all the given collections are created,
// returning an error immediately if creating any one of them fails.
func CreateCollections(ctx context.Context, collections ...string) error {
	db, err := getDB()
	if err != nil {
		return err
	}

	for _, collection := range collections {
		err := db.CreateCollection(ctx, collection)
		if err == nil {
			continue
		}
		// If the collection already exists, this does not count as an error.
		if IsNamespaceExists(err) {
			continue
		}
		return errors.Wrapf(err, "creating collection '%s'", collection)
	}
	return nil
}

// Clear removes all documents from a specified collection.
func Clear(ctx context.Context, collection string) error {
	_, err := removeAll(ctx, collection, bson.M{})
	return err
}

// ClearCollections clears all documents from all the specified collections,
// returning an error immediately if clearing any one of them fails.
func ClearCollections(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		if err := Clear(ctx, collection); err != nil {
			return errors.Wrapf(err, "clearing collection '%s'", collection)
		}
	}
	return nil
}

// DropCollections drops the specified collections, returning an error
// immediately if dropping any one of them fails.
func DropCollections(ctx context.Context, collections ...string) error {
	for _, name := range collections {
		coll, err := getCollection(name)
		if err != nil {
			return err
		}
		if err := coll.Drop(ctx); err != nil {
			return errors.Wrapf(err, "dropping collection '%s'", name)
		}
	}
	return nil
}

func ListCollectionNames(ctx context.Context) ([]string, error) {
	db, err := getDB()
	if err != nil {
		return nil, err
	}
	names, err := db.ListCollectionNames(ctx, bson.M{})
	return names, errors.Wrap(err, "listing collections")
}

func DropDatabase(ctx context.Context) error {
	db, err := getDB()
	if err != nil {
		return err
	}
	return errors.Wrapf(db.Drop(ctx), "dropping database '%s'", db.Name())
}

func transformDocument(val any) (bson.Raw, error) {
	if val == nil {
		return nil, errors.WithStack(mongo.ErrNilDocument)
	}

	b, err := bson.Marshal(val)
	if err != nil {
		return nil, mongo.MarshalError{Value: val, Err: err}
	}

	return bson.Raw(b), nil
}

func hasDollarKey(doc bson.Raw) bool {
	if elem, err := doc.IndexErr(0); err == nil && strings.HasPrefix(elem.Key(), "$") {
		return true
	}

	return false
}

func setObject(src, dst any) error {
	bytes, err := bson.Marshal(src)
	if err != nil {
		return errors.Wrap(err, "marshalling src")
	}

	return errors.Wrap(bson.Unmarshal(bytes, dst), "unmarshalling dst")
}

func findFromCache(ctx context.Context, collection string, query any) (any, bool) {
	id, found := getIDFromQuery(query)
	if !found {
		return nil, false
	}

	return cache.GetFromCache[any](ctx, collection, id)
}

func setInCache(ctx context.Context, collection string, query, out any) {
	id, found := getIDFromQuery(query)
	if !found {
		return
	}

	raw, err := bson.Marshal(out)
	if err != nil {
		return
	}

	cache.SetInCache[any](ctx, collection, id, bson.Raw(raw))
}

// getIDFromQuery derives a cache key from queries that select on _id only.
func getIDFromQuery(query any) (string, bool) {
	switch q := query.(type) {
	case Q:
		if hasProjection(q.projection) || len(q.sort) > 0 || q.skip > 0 {
			return "", false
		}
		return getIDFromQuery(q.filter)
	case bson.M:
		return getIDFromQuery(map[string]any(q))
	case bson.D:
		if len(q) != 1 {
			return "", false
		}
		return getIDFromQuery(map[string]any{q[0].Key: q[0].Value})
	case map[string]any:
		if len(q) != 1 {
			return "", false
		}
		id, ok := q["_id"]
		if !ok {
			return "", false
		}
		switch v := id.(type) {
		case string:
			return v, true
		case primitive.ObjectID:
			return v.Hex(), true
		}
	}

	return "", false
}
