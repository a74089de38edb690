package mongos

import (
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
)

type BucketType string

const (
	BucketTypeGridFS BucketType = "gridfs"
	BucketTypeLocal  BucketType = "local"
)

func (b BucketType) Validate() error {
	switch b {
	case BucketTypeGridFS, BucketTypeLocal:
		return nil
	default:
		return errors.Errorf("unrecognized bucket type '%s'", b)
	}
}

// BackupConfig controls where collection dumps are written and how often
// scheduled backups run.
type BackupConfig struct {
	BucketType BucketType `yaml:"bucket_type" bson:"bucket_type" json:"bucket_type" env:"BUCKET_TYPE"`
	// Path is the root directory of a local bucket.
	Path string `yaml:"path" bson:"path" json:"path" env:"PATH"`
	// Prefix is prepended to every object written to the bucket.
	Prefix string `yaml:"prefix" bson:"prefix" json:"prefix" env:"PREFIX"`
	// GridFSName is the GridFS bucket prefix used when BucketType is gridfs.
	GridFSName string `yaml:"gridfs_name" bson:"gridfs_name" json:"gridfs_name" env:"GRIDFS_NAME"`
	// GridFSDB is the database holding the GridFS bucket. Defaults to the
	// main database.
	GridFSDB    string   `yaml:"gridfs_db" bson:"gridfs_db" json:"gridfs_db" env:"GRIDFS_DB"`
	Workers     int      `yaml:"workers" bson:"workers" json:"workers" env:"WORKERS"`
	QueueSize   int      `yaml:"queue_size" bson:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
	Schedule    string   `yaml:"schedule" bson:"schedule" json:"schedule" env:"SCHEDULE"`
	Collections []string `yaml:"collections" bson:"collections" json:"collections" env:"COLLECTIONS" envSeparator:","`
}

func (c *BackupConfig) SectionId() string { return "backup" }

func (c *BackupConfig) ValidateAndDefault() error {
	if c.BucketType == "" {
		c.BucketType = BucketTypeLocal
	}
	if c.BucketType == BucketTypeLocal && c.Path == "" {
		c.Path = DefaultBackupPath
	}
	if c.BucketType == BucketTypeGridFS && c.GridFSName == "" {
		c.GridFSName = "backups"
	}
	if c.Workers == 0 {
		c.Workers = DefaultBackupWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultBackupQueueSize
	}

	catcher := grip.NewBasicCatcher()
	catcher.Add(c.BucketType.Validate())
	catcher.NewWhen(c.Workers < 0, "backup workers cannot be negative")
	catcher.NewWhen(c.QueueSize < 0, "backup queue size cannot be negative")
	if c.Schedule != "" {
		_, err := cron.Parse(c.Schedule)
		catcher.Wrapf(err, "invalid backup schedule '%s'", c.Schedule)
	}

	return catcher.Resolve()
}
