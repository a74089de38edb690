package backup

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/evergreen-ci/pail"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRestoreBatchSize = 1000
	maxDocumentSize         = 16*1024*1024 + 16*1024
	duplicateKeyCode        = 11000
)

// RestoreOptions describe how a backup is loaded back into a database.
type RestoreOptions struct {
	Bucket pail.Bucket
	Prefix string
	// TargetDB receives the documents. Empty means the database recorded
	// in the manifest.
	TargetDB string
	// Collections restricts the restore to the named collections.
	Collections []string
	// Drop removes each target collection before loading it. Without it
	// documents whose _id already exists are skipped.
	Drop      bool
	BatchSize int
	Workers   int
	// SkipIndexes leaves the index definitions alone.
	SkipIndexes bool
}

func (o *RestoreOptions) Validate() error {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultRestoreBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.Bucket == nil {
		return errors.New("must specify a bucket")
	}
	return nil
}

// RestoreResult reports what was loaded for one collection.
type RestoreResult struct {
	Collection string `json:"collection"`
	Inserted   int64  `json:"inserted"`
	Skipped    int64  `json:"skipped"`
	Indexes    int    `json:"indexes"`
}

// Restore loads the backup under the prefix into the target database.
func Restore(ctx context.Context, client *mongo.Client, opts RestoreOptions) ([]RestoreResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid restore options")
	}

	manifest, err := ReadManifest(ctx, opts.Bucket, opts.Prefix)
	if err != nil {
		return nil, err
	}
	target := opts.TargetDB
	if target == "" {
		target = manifest.DB
	}

	selected := manifest.Collections
	if len(opts.Collections) > 0 {
		byName := map[string]CollectionResult{}
		for _, c := range manifest.Collections {
			byName[c.Collection] = c
		}
		selected = make([]CollectionResult, 0, len(opts.Collections))
		for _, name := range opts.Collections {
			c, ok := byName[name]
			if !ok {
				return nil, errors.Errorf("collection '%s' is not part of the backup", name)
			}
			selected = append(selected, c)
		}
	}

	results := make([]RestoreResult, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, c := range selected {
		i, c := i, c
		g.Go(func() error {
			res, err := restoreCollection(gctx, client, opts, manifest.DB, target, c)
			if err != nil {
				return errors.Wrapf(err, "restoring '%s'", c.Collection)
			}
			results[i] = *res
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func restoreCollection(ctx context.Context, client *mongo.Client, opts RestoreOptions, sourceDB, targetDB string, c CollectionResult) (*RestoreResult, error) {
	coll := client.Database(targetDB).Collection(c.Collection)
	res := &RestoreResult{Collection: c.Collection}

	if opts.Drop {
		if err := coll.Drop(ctx); err != nil {
			return nil, errors.Wrap(err, "dropping target collection")
		}
	}

	if !c.IndexesOnly {
		key := bucketKey(opts.Prefix, sourceDB, c.Collection+dataSuffix)
		r, err := opts.Bucket.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "reading '%s'", key)
		}
		err = loadDocuments(ctx, coll, r, opts.BatchSize, res)
		grip.Warning(message.WrapError(r.Close(), message.Fields{
			"message": "problem closing backup reader",
			"key":     key,
		}))
		if err != nil {
			return nil, err
		}
	}

	if !opts.SkipIndexes {
		n, err := restoreIndexes(ctx, opts.Bucket, bucketKey(opts.Prefix, sourceDB, c.Collection+metadataSuffix), coll)
		if err != nil {
			return nil, err
		}
		res.Indexes = n
	}

	grip.Info(message.Fields{
		"message":  "collection restore complete",
		"source":   sourceDB + "." + c.Collection,
		"target":   targetDB + "." + c.Collection,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
		"indexes":  res.Indexes,
		"size":     humanize.Bytes(uint64(c.Bytes)),
	})

	return res, nil
}

// ReadDocuments calls fn for every document in a stream of concatenated
// BSON documents.
func ReadDocuments(r io.Reader, fn func(bson.Raw) error) error {
	br := bufio.NewReader(r)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "reading document length")
		}

		size := int(int32(binary.LittleEndian.Uint32(header)))
		if size < 5 || size > maxDocumentSize {
			return errors.Errorf("invalid document length %d", size)
		}

		doc := make([]byte, size)
		copy(doc, header)
		if _, err := io.ReadFull(br, doc[4:]); err != nil {
			return errors.Wrap(err, "reading document body")
		}

		raw := bson.Raw(doc)
		if err := raw.Validate(); err != nil {
			return errors.Wrap(err, "invalid document")
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

func loadDocuments(ctx context.Context, coll *mongo.Collection, r io.Reader, batchSize int, res *RestoreResult) error {
	batch := make([]any, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, skipped, err := insertBatch(ctx, coll, batch)
		res.Inserted += inserted
		res.Skipped += skipped
		batch = batch[:0]
		return err
	}

	err := ReadDocuments(r, func(doc bson.Raw) error {
		batch = append(batch, doc)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}

	return flush()
}

// insertBatch inserts docs unordered. Duplicate key failures are counted
// as skipped; any other failure is returned.
func insertBatch(ctx context.Context, coll *mongo.Collection, docs []any) (int64, int64, error) {
	_, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return int64(len(docs)), 0, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return 0, 0, errors.Wrapf(err, "inserting into '%s'", coll.Name())
	}

	var skipped int64
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return int64(len(docs) - len(bwe.WriteErrors)), skipped, errors.Wrapf(err, "inserting into '%s'", coll.Name())
		}
		skipped++
	}

	return int64(len(docs)) - skipped, skipped, nil
}

type collectionMetadata struct {
	Indexes []bson.D `bson:"indexes"`
}

// restoreIndexes recreates every index except the one on _id from the
// collection's metadata file and returns how many were sent.
func restoreIndexes(ctx context.Context, bucket pail.Bucket, key string, coll *mongo.Collection) (int, error) {
	r, err := bucket.Get(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, "reading '%s'", key)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, errors.Wrapf(err, "reading '%s'", key)
	}

	meta := collectionMetadata{}
	if err = bson.UnmarshalExtJSON(data, false, &meta); err != nil {
		return 0, errors.Wrapf(err, "decoding '%s'", key)
	}

	specs := bson.A{}
	for _, idx := range meta.Indexes {
		spec := bson.D{}
		isID := false
		for _, e := range idx {
			switch e.Key {
			case "v", "ns":
				continue
			case "name":
				isID = e.Value == "_id_"
			}
			spec = append(spec, e)
		}
		if !isID {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return 0, nil
	}

	cmd := bson.D{{Key: "createIndexes", Value: coll.Name()}, {Key: "indexes", Value: specs}}
	if err = coll.Database().RunCommand(ctx, cmd).Err(); err != nil {
		return 0, errors.Wrapf(err, "creating indexes on '%s'", coll.Name())
	}

	return len(specs), nil
}
