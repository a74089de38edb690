// Package backup dumps collections into a pail bucket and restores them.
//
// The layout matches mongodump: every collection becomes
// <prefix>/<db>/<collection>.bson, a concatenation of raw BSON documents,
// plus <prefix>/<db>/<collection>.metadata.json holding its index
// specifications. Database backups add <prefix>/manifest.json.
package backup

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evergreen-ci/pail"
	"github.com/mongodb/anser/backup"
	"github.com/mongodb/anser/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

const (
	manifestName   = "manifest.json"
	dataSuffix     = ".bson"
	metadataSuffix = ".metadata.json"

	defaultWorkers = 2
)

// CollectionOptions describe the backup of a single collection. Query, Sort
// and Limit are optional and constrain which documents are written.
type CollectionOptions struct {
	Bucket      pail.Bucket
	Prefix      string
	NS          model.Namespace
	Query       any
	Sort        any
	Limit       int64
	IndexesOnly bool
}

func (o *CollectionOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Bucket == nil, "must specify a bucket")
	catcher.NewWhen(o.NS.DB == "", "must specify a database")
	catcher.NewWhen(o.NS.Collection == "", "must specify a collection")
	catcher.NewWhen(o.Limit < 0, "limit cannot be negative")
	return catcher.Resolve()
}

// CollectionResult reports what was written for one collection.
type CollectionResult struct {
	Collection    string `json:"collection"`
	Documents     int64  `json:"documents"`
	Bytes         int64  `json:"bytes"`
	MetadataBytes int64  `json:"metadata_bytes"`
	IndexesOnly   bool   `json:"indexes_only,omitempty"`
}

// Manifest lists the contents of a database backup.
type Manifest struct {
	DB          string             `json:"db"`
	CreatedAt   time.Time          `json:"created_at"`
	Collections []CollectionResult `json:"collections"`
}

func (m *Manifest) TotalBytes() int64 {
	var total int64
	for _, c := range m.Collections {
		total += c.Bytes + c.MetadataBytes
	}
	return total
}

func (m *Manifest) TotalDocuments() int64 {
	var total int64
	for _, c := range m.Collections {
		total += c.Documents
	}
	return total
}

// countingWriter tallies the bytes and write calls passing through it. The
// dumper writes one document per call.
type countingWriter struct {
	io.WriteCloser
	bytes  int64
	writes int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.bytes += int64(n)
	if err == nil {
		w.writes++
	}
	return n, err
}

func bucketKey(prefix string, parts ...string) string {
	return path.Join(append([]string{prefix}, parts...)...)
}

// Collection writes one collection's documents and indexes to the bucket.
func Collection(ctx context.Context, client *mongo.Client, opts CollectionOptions) (*CollectionResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid backup options")
	}

	var (
		mu      sync.Mutex
		writers = map[string]*countingWriter{}
	)
	target := func(ctx context.Context, name string) (io.WriteCloser, error) {
		key := bucketKey(opts.Prefix, strings.ReplaceAll(name, "\\", "/"))
		w, err := opts.Bucket.Writer(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "opening '%s'", key)
		}
		kind := dataSuffix
		if strings.HasSuffix(name, metadataSuffix) {
			kind = metadataSuffix
		}
		cw := &countingWriter{WriteCloser: w}
		mu.Lock()
		writers[kind] = cw
		mu.Unlock()
		return cw, nil
	}

	start := time.Now()
	err := backup.Collection(ctx, client, backup.Options{
		NS:          opts.NS,
		Target:      target,
		Query:       opts.Query,
		Sort:        opts.Sort,
		Limit:       opts.Limit,
		IndexesOnly: opts.IndexesOnly,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "backing up '%s'", opts.NS.String())
	}

	res := &CollectionResult{Collection: opts.NS.Collection, IndexesOnly: opts.IndexesOnly}
	if w, ok := writers[dataSuffix]; ok {
		res.Documents = w.writes
		res.Bytes = w.bytes
	}
	if w, ok := writers[metadataSuffix]; ok {
		res.MetadataBytes = w.bytes
	}

	grip.Info(message.Fields{
		"message":       "collection backup complete",
		"ns":            opts.NS.String(),
		"prefix":        opts.Prefix,
		"documents":     res.Documents,
		"size":          humanize.Bytes(uint64(res.Bytes)),
		"indexes_only":  opts.IndexesOnly,
		"duration_secs": time.Since(start).Seconds(),
	})

	return res, nil
}

// DatabaseOptions describe a backup of several collections of one database.
type DatabaseOptions struct {
	Bucket pail.Bucket
	Prefix string
	DB     string
	// Collections to back up. Empty means every non-system collection.
	Collections []string
	// IndexesOnly names collections whose documents are skipped.
	IndexesOnly []string
	// Workers bounds the number of collections dumped at once.
	Workers int
}

func (o *DatabaseOptions) Validate() error {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Bucket == nil, "must specify a bucket")
	catcher.NewWhen(o.DB == "", "must specify a database")
	return catcher.Resolve()
}

// ListCollections returns the sorted names of the regular collections of
// the database, leaving out system collections and views.
func ListCollections(ctx context.Context, client *mongo.Client, dbName string) ([]string, error) {
	names, err := client.Database(dbName).ListCollectionNames(ctx, bson.M{"type": "collection"})
	if err != nil {
		return nil, errors.Wrapf(err, "listing collections of '%s'", dbName)
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.HasPrefix(n, "system.") {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Database backs up collections in parallel and then writes the manifest.
// The manifest is only written when every collection succeeded.
func Database(ctx context.Context, client *mongo.Client, opts DatabaseOptions) (*Manifest, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid backup options")
	}

	collections := opts.Collections
	if len(collections) == 0 {
		var err error
		collections, err = ListCollections(ctx, client, opts.DB)
		if err != nil {
			return nil, err
		}
	}

	indexesOnly := map[string]bool{}
	for _, c := range opts.IndexesOnly {
		indexesOnly[c] = true
	}

	manifest := &Manifest{
		DB:          opts.DB,
		CreatedAt:   time.Now().UTC(),
		Collections: make([]CollectionResult, len(collections)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, coll := range collections {
		i, coll := i, coll
		g.Go(func() error {
			res, err := Collection(gctx, client, CollectionOptions{
				Bucket:      opts.Bucket,
				Prefix:      opts.Prefix,
				NS:          model.Namespace{DB: opts.DB, Collection: coll},
				IndexesOnly: indexesOnly[coll],
			})
			if err != nil {
				return err
			}
			manifest.Collections[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "backing up database '%s'", opts.DB)
	}

	if err := WriteManifest(ctx, opts.Bucket, opts.Prefix, manifest); err != nil {
		return nil, err
	}

	grip.Info(message.Fields{
		"message":     "database backup complete",
		"db":          opts.DB,
		"prefix":      opts.Prefix,
		"collections": len(collections),
		"documents":   manifest.TotalDocuments(),
		"size":        humanize.Bytes(uint64(manifest.TotalBytes())),
	})

	return manifest, nil
}

func WriteManifest(ctx context.Context, bucket pail.Bucket, prefix string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling manifest")
	}
	key := bucketKey(prefix, manifestName)
	return errors.Wrapf(bucket.Put(ctx, key, strings.NewReader(string(data))), "writing '%s'", key)
}

// ReadManifest loads the manifest under prefix. Backups made one
// collection at a time have no manifest; for those the manifest is
// rebuilt from the bucket listing.
func ReadManifest(ctx context.Context, bucket pail.Bucket, prefix string) (*Manifest, error) {
	keys, err := listKeys(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	manifestKey := bucketKey(prefix, manifestName)
	for _, k := range keys {
		if k == manifestKey {
			return loadManifest(ctx, bucket, manifestKey)
		}
	}

	return scanManifest(prefix, keys)
}

func loadManifest(ctx context.Context, bucket pail.Bucket, key string) (*Manifest, error) {
	r, err := bucket.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "reading '%s'", key)
	}
	defer r.Close()

	m := &Manifest{}
	if err = json.NewDecoder(r).Decode(m); err != nil {
		return nil, errors.Wrapf(err, "decoding '%s'", key)
	}
	return m, nil
}

// scanManifest builds a manifest from <prefix>/<db>/<coll>.* keys. All
// collections must come from the same database.
func scanManifest(prefix string, keys []string) (*Manifest, error) {
	m := &Manifest{}
	seen := map[string]int{}
	for _, k := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(k, prefix), "/")
		dbName, file := path.Split(rel)
		dbName = strings.Trim(dbName, "/")
		if dbName == "" || strings.Contains(dbName, "/") {
			continue
		}

		var coll string
		var data bool
		switch {
		case strings.HasSuffix(file, metadataSuffix):
			coll = strings.TrimSuffix(file, metadataSuffix)
		case strings.HasSuffix(file, dataSuffix):
			coll = strings.TrimSuffix(file, dataSuffix)
			data = true
		default:
			continue
		}

		if m.DB == "" {
			m.DB = dbName
		} else if m.DB != dbName {
			return nil, errors.Errorf("backup under '%s' holds more than one database", prefix)
		}

		idx, ok := seen[coll]
		if !ok {
			idx = len(m.Collections)
			seen[coll] = idx
			m.Collections = append(m.Collections, CollectionResult{Collection: coll, IndexesOnly: true})
		}
		if data {
			m.Collections[idx].IndexesOnly = false
		}
	}

	if len(m.Collections) == 0 {
		return nil, errors.Errorf("no backup found under '%s'", prefix)
	}
	sort.Slice(m.Collections, func(i, j int) bool { return m.Collections[i].Collection < m.Collections[j].Collection })

	return m, nil
}

func listKeys(ctx context.Context, bucket pail.Bucket, prefix string) ([]string, error) {
	iter, err := bucket.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "listing '%s'", prefix)
	}

	keys := []string{}
	for iter.Next(ctx) {
		keys = append(keys, strings.ReplaceAll(iter.Item().Name(), "\\", "/"))
	}
	if err = iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "listing '%s'", prefix)
	}

	sort.Strings(keys)
	return keys, nil
}
