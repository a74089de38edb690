package db

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexBuilder describes an index before it is created.
type IndexBuilder struct {
	keys bson.D
	opts *options.IndexOptions
}

// Index starts an index over the given keys. "-field" is descending and
// "$text:field", "$2dsphere:field", "$2d:field" and "$hashed:field" select
// special index types; anything else is ascending.
func Index(keys ...string) *IndexBuilder {
	b := &IndexBuilder{opts: options.Index()}
	for _, k := range keys {
		if e, ok := indexKey(k); ok {
			b.keys = append(b.keys, e)
		}
	}
	return b
}

func indexKey(k string) (bson.E, bool) {
	k = strings.TrimSpace(k)
	if k == "" {
		return bson.E{}, false
	}
	if strings.HasPrefix(k, "$") {
		kind, field, ok := strings.Cut(k[1:], ":")
		if !ok || field == "" {
			return bson.E{}, false
		}
		return bson.E{Key: field, Value: kind}, true
	}
	if strings.HasPrefix(k, "-") {
		if len(k) == 1 {
			return bson.E{}, false
		}
		return bson.E{Key: k[1:], Value: -1}, true
	}
	return bson.E{Key: strings.TrimPrefix(k, "+"), Value: 1}, true
}

func (b *IndexBuilder) Unique() *IndexBuilder {
	b.opts.SetUnique(true)
	return b
}

func (b *IndexBuilder) Sparse() *IndexBuilder {
	b.opts.SetSparse(true)
	return b
}

// Background is accepted for older servers; 4.2+ ignores it.
func (b *IndexBuilder) Background() *IndexBuilder {
	b.opts.SetBackground(true)
	return b
}

func (b *IndexBuilder) Name(name string) *IndexBuilder {
	b.opts.SetName(name)
	return b
}

// TTL expires documents the given duration after the indexed date. The
// server only honours TTL on single field indexes.
func (b *IndexBuilder) TTL(d time.Duration) *IndexBuilder {
	b.opts.SetExpireAfterSeconds(int32(d / time.Second))
	return b
}

func (b *IndexBuilder) Partial(filter any) *IndexBuilder {
	b.opts.SetPartialFilterExpression(filter)
	return b
}

func (b *IndexBuilder) Keys() bson.D {
	return append(bson.D{}, b.keys...)
}

// Model returns the driver index model.
func (b *IndexBuilder) Model() mongo.IndexModel {
	return mongo.IndexModel{Keys: b.Keys(), Options: b.opts}
}

// IndexInfo is a summary of an existing index.
type IndexInfo struct {
	Name   string
	Keys   bson.D
	Unique bool
	Sparse bool
	TTL    time.Duration
}

// EnsureIndex takes in a collection and ensures that the index is created if it
// does not already exist.
func EnsureIndex(ctx context.Context, collection string, index mongo.IndexModel) (string, error) {
	if len(toKeys(index.Keys)) == 0 {
		return "", errors.New("index requires at least one key")
	}
	coll, err := getCollection(collection)
	if err != nil {
		return "", err
	}
	name, err := coll.Indexes().CreateOne(ctx, index)

	return name, errors.Wrapf(err, "creating index on '%s'", collection)
}

// EnsureIndexes creates several indexes in one command.
func EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) ([]string, error) {
	if len(indexes) == 0 {
		return nil, nil
	}
	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	names, err := coll.Indexes().CreateMany(ctx, indexes)

	return names, errors.Wrapf(err, "creating indexes on '%s'", collection)
}

func ListIndexes(ctx context.Context, collection string) ([]IndexInfo, error) {
	coll, err := getCollection(collection)
	if err != nil {
		return nil, err
	}
	specs, err := coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "listing indexes on '%s'", collection)
	}

	out := make([]IndexInfo, 0, len(specs))
	for _, spec := range specs {
		info := IndexInfo{Name: spec.Name}
		if err := bson.Unmarshal(spec.KeysDocument, &info.Keys); err != nil {
			return nil, errors.Wrapf(err, "decoding keys of index '%s'", spec.Name)
		}
		if spec.Unique != nil {
			info.Unique = *spec.Unique
		}
		if spec.Sparse != nil {
			info.Sparse = *spec.Sparse
		}
		if spec.ExpireAfterSeconds != nil {
			info.TTL = time.Duration(*spec.ExpireAfterSeconds) * time.Second
		}
		out = append(out, info)
	}

	return out, nil
}

func IndexExists(ctx context.Context, collection, name string) (bool, error) {
	indexes, err := ListIndexes(ctx, collection)
	if err != nil {
		return false, err
	}
	for _, idx := range indexes {
		if idx.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func DropIndex(ctx context.Context, collection, name string) error {
	if name == "" || name == "_id_" {
		return errors.Errorf("cannot drop index '%s'", name)
	}
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}
	_, err = coll.Indexes().DropOne(ctx, name)
	return errors.Wrapf(err, "dropping index '%s' on '%s'", name, collection)
}

// DropAllIndexes drops every index except the one on _id.
func DropAllIndexes(ctx context.Context, collection string) error {
	coll, err := getCollection(collection)
	if err != nil {
		return err
	}
	_, err = coll.Indexes().DropAll(ctx)
	return errors.Wrapf(err, "dropping indexes on '%s'", collection)
}

func toKeys(keys any) bson.D {
	switch k := keys.(type) {
	case bson.D:
		return k
	case nil:
		return nil
	}
	raw, err := bson.Marshal(keys)
	if err != nil {
		return nil
	}
	var out bson.D
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
