package db

import (
	"context"
	"io"

	"github.com/evergreen-ci/pail"
	"github.com/pkg/errors"
)

func gridBucket(ctx context.Context, fsPrefix string) (pail.Bucket, error) {
	if fsPrefix == "" {
		return nil, errors.New("GridFS prefix is required")
	}
	client, err := getClient()
	if err != nil {
		return nil, err
	}
	db, err := getDB()
	if err != nil {
		return nil, err
	}
	bucket, err := pail.NewGridFSBucketWithClient(ctx, client, pail.GridFSOptions{
		Database: db.Name(),
		Name:     fsPrefix,
	})
	return bucket, errors.Wrap(err, "constructing bucket access")
}

// WriteGridFile writes the data in the source Reader to a GridFS collection with
// the given prefix and filename.
func WriteGridFile(ctx context.Context, fsPrefix, name string, source io.Reader) error {
	bucket, err := gridBucket(ctx, fsPrefix)
	if err != nil {
		return err
	}
	return errors.Wrapf(bucket.Put(ctx, name, source), "writing file '%s'", name)
}

// GetGridFile returns a ReadCloser for a file stored with the given name under the GridFS prefix.
func GetGridFile(ctx context.Context, fsPrefix, name string) (io.ReadCloser, error) {
	bucket, err := gridBucket(ctx, fsPrefix)
	if err != nil {
		return nil, err
	}
	r, err := bucket.Get(ctx, name)
	return r, errors.Wrapf(err, "reading file '%s'", name)
}

func RemoveGridFile(ctx context.Context, fsPrefix, name string) error {
	bucket, err := gridBucket(ctx, fsPrefix)
	if err != nil {
		return err
	}
	return errors.Wrapf(bucket.Remove(ctx, name), "removing file '%s'", name)
}
