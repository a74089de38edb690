package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evergreen-ci/pail"
	"github.com/guneyilmaz0/mongos"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/queue"
	"github.com/mongodb/anser/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type mockEnv struct {
	settings *mongos.Settings
	client   *mongo.Client
	queue    amboy.Queue
}

func (e *mockEnv) Settings() *mongos.Settings { return e.settings }
func (e *mockEnv) Context() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
func (e *mockEnv) Client() *mongo.Client { return e.client }
func (e *mockEnv) DB() *mongo.Database {
	if e.client == nil {
		return nil
	}
	return e.client.Database(e.settings.Database.DB)
}
func (e *mockEnv) Queue() amboy.Queue                                 { return e.queue }
func (e *mockEnv) RegisterCloser(string, func(context.Context) error) {}
func (e *mockEnv) Close(context.Context) error                        { return nil }

func newLocalBucket(t *testing.T) pail.Bucket {
	bucket, err := pail.NewLocalBucket(pail.LocalOptions{Path: t.TempDir()})
	require.NoError(t, err)
	return bucket
}

func marshal(t *testing.T, docs ...any) []byte {
	buf := &bytes.Buffer{}
	for _, d := range docs {
		raw, err := bson.Marshal(d)
		require.NoError(t, err)
		buf.Write(raw)
	}
	return buf.Bytes()
}

func TestReadDocuments(t *testing.T) {
	t.Run("Stream", func(t *testing.T) {
		data := marshal(t, bson.M{"_id": 1, "a": "x"}, bson.M{"_id": 2}, bson.D{{Key: "_id", Value: 3}, {Key: "b", Value: bson.A{1, 2}}})
		var ids []int32
		require.NoError(t, ReadDocuments(bytes.NewReader(data), func(doc bson.Raw) error {
			ids = append(ids, doc.Lookup("_id").Int32())
			return nil
		}))
		assert.Equal(t, []int32{1, 2, 3}, ids)
	})
	t.Run("Empty", func(t *testing.T) {
		called := false
		require.NoError(t, ReadDocuments(bytes.NewReader(nil), func(bson.Raw) error {
			called = true
			return nil
		}))
		assert.False(t, called)
	})
	t.Run("Truncated", func(t *testing.T) {
		data := marshal(t, bson.M{"_id": 1}, bson.M{"_id": 2})
		assert.Error(t, ReadDocuments(bytes.NewReader(data[:len(data)-3]), func(bson.Raw) error { return nil }))
	})
	t.Run("BadLength", func(t *testing.T) {
		assert.Error(t, ReadDocuments(bytes.NewReader([]byte{1, 0, 0, 0, 0}), func(bson.Raw) error { return nil }))
	})
	t.Run("CallbackError", func(t *testing.T) {
		data := marshal(t, bson.M{"_id": 1}, bson.M{"_id": 2})
		calls := 0
		err := ReadDocuments(bytes.NewReader(data), func(bson.Raw) error {
			calls++
			return io.ErrUnexpectedEOF
		})
		assert.Equal(t, io.ErrUnexpectedEOF, err)
		assert.Equal(t, 1, calls)
	})
}

func TestOptionsValidation(t *testing.T) {
	bucket := newLocalBucket(t)

	for name, opts := range map[string]CollectionOptions{
		"NoBucket":      {NS: model.Namespace{DB: "d", Collection: "c"}},
		"NoDB":          {Bucket: bucket, NS: model.Namespace{Collection: "c"}},
		"NoCollection":  {Bucket: bucket, NS: model.Namespace{DB: "d"}},
		"NegativeLimit": {Bucket: bucket, NS: model.Namespace{DB: "d", Collection: "c"}, Limit: -1},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, opts.Validate())
		})
	}

	dbOpts := DatabaseOptions{Bucket: bucket, DB: "d"}
	require.NoError(t, dbOpts.Validate())
	assert.Equal(t, defaultWorkers, dbOpts.Workers)
	assert.Error(t, (&DatabaseOptions{Bucket: bucket}).Validate())

	restoreOpts := RestoreOptions{Bucket: bucket}
	require.NoError(t, restoreOpts.Validate())
	assert.Equal(t, defaultRestoreBatchSize, restoreOpts.BatchSize)
	assert.Error(t, (&RestoreOptions{}).Validate())
}

func TestManifest(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		bucket := newLocalBucket(t)
		m := &Manifest{
			DB:        "app",
			CreatedAt: time.Now().UTC().Truncate(time.Second),
			Collections: []CollectionResult{
				{Collection: "a", Documents: 2, Bytes: 100, MetadataBytes: 10},
				{Collection: "b", IndexesOnly: true, MetadataBytes: 20},
			},
		}
		require.NoError(t, WriteManifest(ctx, bucket, "nightly", m))

		out, err := ReadManifest(ctx, bucket, "nightly")
		require.NoError(t, err)
		assert.Equal(t, m.DB, out.DB)
		assert.True(t, m.CreatedAt.Equal(out.CreatedAt))
		assert.Equal(t, m.Collections, out.Collections)
		assert.EqualValues(t, 130, out.TotalBytes())
		assert.EqualValues(t, 2, out.TotalDocuments())
	})
	t.Run("ScannedFromListing", func(t *testing.T) {
		bucket := newLocalBucket(t)
		for _, key := range []string{
			"run/app/users.bson",
			"run/app/users.metadata.json",
			"run/app/events.metadata.json",
			"run/app/a.b.bson",
			"run/app/a.b.metadata.json",
		} {
			require.NoError(t, bucket.Put(ctx, key, bytes.NewReader(nil)))
		}

		m, err := ReadManifest(ctx, bucket, "run")
		require.NoError(t, err)
		assert.Equal(t, "app", m.DB)
		assert.Equal(t, []CollectionResult{
			{Collection: "a.b"},
			{Collection: "events", IndexesOnly: true},
			{Collection: "users"},
		}, m.Collections)
	})
	t.Run("MixedDatabases", func(t *testing.T) {
		_, err := scanManifest("run", []string{"run/one/a.bson", "run/two/b.bson"})
		assert.Error(t, err)
	})
	t.Run("NothingThere", func(t *testing.T) {
		_, err := scanManifest("run", []string{"run/readme.txt"})
		assert.Error(t, err)
	})
}

func TestCollectionJob(t *testing.T) {
	ts := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	j := NewCollectionJob(JobOptions{NS: model.Namespace{DB: "app", Collection: "users"}}, ts)
	assert.Equal(t, "backup-collection.app.users.2024-03-01.02-00-00", j.ID())
	assert.Equal(t, collectionJobName, j.Type().Name)

	cj, ok := j.(*collectionJob)
	require.True(t, ok)
	cj.env = &mockEnv{settings: &mongos.Settings{Backup: mongos.BackupConfig{BucketType: "s3"}}}
	cj.Run(context.Background())
	assert.True(t, cj.Status().Completed)
	assert.Error(t, cj.Error())
}

func TestScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("RequiresSchedule", func(t *testing.T) {
		_, err := NewScheduler(&mockEnv{settings: &mongos.Settings{}})
		assert.Error(t, err)
	})
	t.Run("InvalidSchedule", func(t *testing.T) {
		_, err := NewScheduler(&mockEnv{settings: &mongos.Settings{Backup: mongos.BackupConfig{Schedule: "nightly-ish"}}})
		assert.Error(t, err)
	})
	t.Run("Next", func(t *testing.T) {
		s, err := NewScheduler(&mockEnv{settings: &mongos.Settings{Backup: mongos.BackupConfig{Schedule: "0 30 2 * * *"}}})
		require.NoError(t, err)
		now := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2024, 3, 1, 2, 30, 0, 0, time.UTC), s.Next(now))
	})
	t.Run("StartStop", func(t *testing.T) {
		s, err := NewScheduler(&mockEnv{settings: &mongos.Settings{Backup: mongos.BackupConfig{Schedule: "@hourly"}}})
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))
		assert.Error(t, s.Start(ctx))
		s.Stop()
		s.Stop()
		require.NoError(t, s.Start(ctx))
		s.Stop()
	})
	t.Run("AddBackupJobs", func(t *testing.T) {
		q := queue.NewLocalLimitedSize(1, 16)
		require.NoError(t, q.Start(ctx))
		// an unsupported bucket makes the dispatched jobs fail before
		// touching a server
		env := &mockEnv{
			settings: &mongos.Settings{
				Database: mongos.DBSettings{DB: "app"},
				Backup: mongos.BackupConfig{
					BucketType:  "s3",
					Prefix:      "scheduled",
					Collections: []string{"users", "events"},
				},
			},
			queue: q,
		}
		ts := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
		require.NoError(t, AddBackupJobs(ctx, env, ts))
		assert.Equal(t, 2, q.Stats(ctx).Total)

		j, ok := q.Get(ctx, "backup-collection.app.users.2024-03-01.02-00-00")
		require.True(t, ok)
		cj, ok := j.(*collectionJob)
		require.True(t, ok)
		assert.Equal(t, "scheduled/2024-03-01.02-00-00", cj.Options.Prefix)

		assert.Error(t, AddBackupJobs(ctx, env, ts), "duplicate jobs for the same timestamp")
	})
}

func TestNewBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("Local", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "backups")
		bucket, err := NewBucket(ctx, nil, mongos.BackupConfig{BucketType: mongos.BucketTypeLocal, Path: dir}, "")
		require.NoError(t, err)
		require.NoError(t, bucket.Put(ctx, "x/y.txt", bytes.NewReader([]byte("hi"))))
		data, err := os.ReadFile(filepath.Join(dir, "x", "y.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hi", string(data))
	})
	t.Run("GridFSWithoutClient", func(t *testing.T) {
		_, err := NewBucket(ctx, nil, mongos.BackupConfig{BucketType: mongos.BucketTypeGridFS}, "app")
		assert.Error(t, err)
	})
	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewBucket(ctx, nil, mongos.BackupConfig{BucketType: "s3"}, "app")
		assert.Error(t, err)
	})
}
