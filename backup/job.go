package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/guneyilmaz0/mongos"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/dependency"
	"github.com/mongodb/amboy/job"
	"github.com/mongodb/amboy/registry"
	"github.com/mongodb/anser/model"
	"github.com/pkg/errors"
)

const (
	collectionJobName = "backup-collection"

	// TSFormat is used in job IDs and scheduled backup prefixes.
	TSFormat = "2006-01-02.15-04-05"
)

func init() {
	registry.AddJobType(collectionJobName, func() amboy.Job {
		return makeCollectionJob()
	})
}

// JobOptions is the serializable part of CollectionOptions; the bucket is
// built from the environment's settings when the job runs.
type JobOptions struct {
	NS          model.Namespace `bson:"ns" json:"ns" yaml:"ns"`
	Prefix      string          `bson:"prefix" json:"prefix" yaml:"prefix"`
	Query       any             `bson:"query,omitempty" json:"query,omitempty" yaml:"query,omitempty"`
	IndexesOnly bool            `bson:"indexes_only" json:"indexes_only" yaml:"indexes_only"`
}

type collectionJob struct {
	Options  JobOptions        `bson:"options" json:"options" yaml:"options"`
	Result   *CollectionResult `bson:"result,omitempty" json:"result,omitempty" yaml:"result,omitempty"`
	job.Base `bson:"metadata" json:"metadata" yaml:"metadata"`

	env mongos.Environment
}

func makeCollectionJob() *collectionJob {
	j := &collectionJob{
		Base: job.Base{
			JobType: amboy.JobType{
				Name:    collectionJobName,
				Version: 0,
			},
		},
	}

	j.SetDependency(dependency.NewAlways())

	return j
}

// NewCollectionJob returns a job that backs up one collection. Jobs for the
// same namespace and timestamp share an ID, so a queue accepts only one.
func NewCollectionJob(opts JobOptions, ts time.Time) amboy.Job {
	j := makeCollectionJob()
	j.Options = opts
	j.SetID(fmt.Sprintf("%s.%s.%s", collectionJobName, opts.NS.String(), ts.UTC().Format(TSFormat)))
	return j
}

func (j *collectionJob) Run(ctx context.Context) {
	defer j.MarkComplete()
	if j.env == nil {
		j.env = mongos.GetEnvironment()
	}
	if j.env == nil {
		j.AddError(errors.New("environment is not configured"))
		return
	}

	settings := j.env.Settings()
	bucket, err := NewBucket(ctx, j.env.Client(), settings.Backup, settings.Database.DB)
	if err != nil {
		j.AddError(err)
		return
	}

	res, err := Collection(ctx, j.env.Client(), CollectionOptions{
		Bucket:      bucket,
		Prefix:      j.Options.Prefix,
		NS:          j.Options.NS,
		Query:       j.Options.Query,
		IndexesOnly: j.Options.IndexesOnly,
	})
	if err != nil {
		j.AddError(err)
		return
	}
	j.Result = res
}
