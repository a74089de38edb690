package backup

import (
	"context"
	"os"

	"github.com/evergreen-ci/pail"
	"github.com/guneyilmaz0/mongos"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// NewBucket returns the bucket described by conf: a directory on the local
// file system or a GridFS bucket. dbName is used for GridFS when the
// configuration does not name a database.
func NewBucket(ctx context.Context, client *mongo.Client, conf mongos.BackupConfig, dbName string) (pail.Bucket, error) {
	if err := conf.ValidateAndDefault(); err != nil {
		return nil, errors.Wrap(err, "invalid backup configuration")
	}

	switch conf.BucketType {
	case mongos.BucketTypeLocal:
		if err := os.MkdirAll(conf.Path, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating backup directory '%s'", conf.Path)
		}
		bucket, err := pail.NewLocalBucket(pail.LocalOptions{Path: conf.Path})
		return bucket, errors.Wrap(err, "constructing local bucket")
	case mongos.BucketTypeGridFS:
		if client == nil {
			return nil, errors.New("GridFS bucket requires a client")
		}
		if conf.GridFSDB != "" {
			dbName = conf.GridFSDB
		}
		if dbName == "" {
			return nil, errors.New("GridFS bucket requires a database name")
		}
		bucket, err := pail.NewGridFSBucketWithClient(ctx, client, pail.GridFSOptions{
			Database: dbName,
			Name:     conf.GridFSName,
		})
		return bucket, errors.Wrap(err, "constructing GridFS bucket")
	default:
		return nil, errors.Errorf("unsupported bucket type '%s'", conf.BucketType)
	}
}
