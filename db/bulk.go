package db

import (
	"context"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultBatchSize = 1000

// Bulk accumulates write models for a single bulkWrite against one
// collection. It is not safe for concurrent use.
type Bulk struct {
	collection string
	ordered    bool
	models     []mongo.WriteModel
}

// BulkResult summarizes a bulk write.
type BulkResult struct {
	Inserted    int64
	Matched     int64
	Modified    int64
	Deleted     int64
	Upserted    int64
	UpsertedIDs map[int64]any
}

// NewBulk returns an ordered bulk for the collection.
func NewBulk(collection string) *Bulk {
	return &Bulk{collection: collection, ordered: true}
}

// Unordered lets the server continue past failed operations.
func (b *Bulk) Unordered() *Bulk {
	b.ordered = false
	return b
}

func (b *Bulk) Insert(docs ...any) *Bulk {
	for _, doc := range docs {
		b.models = append(b.models, mongo.NewInsertOneModel().SetDocument(doc))
	}
	return b
}

func (b *Bulk) UpdateOne(filter, update any) *Bulk {
	b.models = append(b.models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update))
	return b
}

func (b *Bulk) UpdateMany(filter, update any) *Bulk {
	b.models = append(b.models, mongo.NewUpdateManyModel().SetFilter(filter).SetUpdate(update))
	return b
}

// Upsert queues an update of one document that inserts it when missing.
func (b *Bulk) Upsert(filter, update any) *Bulk {
	b.models = append(b.models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	return b
}

func (b *Bulk) ReplaceOne(filter, replacement any, upsert bool) *Bulk {
	b.models = append(b.models, mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(replacement).SetUpsert(upsert))
	return b
}

func (b *Bulk) DeleteOne(filter any) *Bulk {
	b.models = append(b.models, mongo.NewDeleteOneModel().SetFilter(filter))
	return b
}

func (b *Bulk) DeleteMany(filter any) *Bulk {
	b.models = append(b.models, mongo.NewDeleteManyModel().SetFilter(filter))
	return b
}

// Len returns the number of queued operations.
func (b *Bulk) Len() int { return len(b.models) }

// Run sends the queued operations. An empty bulk is a no-op. When the
// server reports a partial failure the partial result is returned along
// with the error.
func (b *Bulk) Run(ctx context.Context) (*BulkResult, error) {
	if len(b.models) == 0 {
		return &BulkResult{}, nil
	}

	ctx, span := tracer().Start(ctx, "db.Bulk.Run", trace.WithAttributes(
		attribute.String("mongos.db.collection", b.collection),
		attribute.Int("mongos.db.operations", len(b.models)),
	))
	defer span.End()

	coll, err := getCollection(b.collection)
	if err != nil {
		return nil, err
	}

	res, err := coll.BulkWrite(ctx, b.models, options.BulkWrite().SetOrdered(b.ordered))
	out := buildBulkResult(res)
	if err != nil {
		return out, errors.Wrapf(err, "running bulk write on '%s'", b.collection)
	}

	grip.Debug(message.Fields{
		"message":    "bulk write complete",
		"collection": b.collection,
		"operations": len(b.models),
		"inserted":   out.Inserted,
		"modified":   out.Modified,
		"deleted":    out.Deleted,
		"upserted":   out.Upserted,
	})

	return out, nil
}

func buildBulkResult(r *mongo.BulkWriteResult) *BulkResult {
	if r == nil {
		return &BulkResult{}
	}
	return &BulkResult{
		Inserted:    r.InsertedCount,
		Matched:     r.MatchedCount,
		Modified:    r.ModifiedCount,
		Deleted:     r.DeletedCount,
		Upserted:    r.UpsertedCount,
		UpsertedIDs: r.UpsertedIDs,
	}
}

// InsertInBatches inserts items with one InsertMany per batch and returns
// the number of documents written. batchSize <= 0 uses 1000.
func InsertInBatches(ctx context.Context, collection string, batchSize int, items ...any) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	inserted := 0
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := InsertMany(ctx, collection, items[start:end]...); err != nil {
			return inserted, errors.Wrapf(err, "inserting batch starting at %d", start)
		}
		inserted += end - start
	}

	return inserted, nil
}
