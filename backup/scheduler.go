package backup

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/guneyilmaz0/mongos"
	"github.com/mongodb/anser/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
)

// AddBackupJobs puts one collection job per configured collection into the
// environment's queue. Every job of one call writes under
// <backup prefix>/<ts>. With no collections configured every collection of
// the database is backed up.
func AddBackupJobs(ctx context.Context, env mongos.Environment, ts time.Time) error {
	settings := env.Settings()
	dbName := settings.Database.DB

	collections := settings.Backup.Collections
	if len(collections) == 0 {
		var err error
		collections, err = ListCollections(ctx, env.Client(), dbName)
		if err != nil {
			return err
		}
	}

	prefix := path.Join(settings.Backup.Prefix, ts.UTC().Format(TSFormat))
	queue := env.Queue()
	catcher := grip.NewBasicCatcher()
	for _, coll := range collections {
		catcher.Add(queue.Put(ctx, NewCollectionJob(JobOptions{
			NS:     model.Namespace{DB: dbName, Collection: coll},
			Prefix: prefix,
		}, ts)))
	}

	grip.Info(message.Fields{
		"message":     "dispatched backup jobs",
		"db":          dbName,
		"prefix":      prefix,
		"collections": len(collections),
		"errors":      catcher.Len(),
	})

	return catcher.Resolve()
}

// Scheduler dispatches backup jobs on the cron schedule from the backup
// settings. Schedules have six fields, the first being seconds.
type Scheduler struct {
	env      mongos.Environment
	schedule cron.Schedule
	spec     string
	cron     *cron.Cron
	mu       sync.Mutex
}

func NewScheduler(env mongos.Environment) (*Scheduler, error) {
	spec := env.Settings().Backup.Schedule
	if spec == "" {
		return nil, errors.New("backup schedule is not configured")
	}
	schedule, err := cron.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing backup schedule '%s'", spec)
	}

	return &Scheduler{env: env, schedule: schedule, spec: spec}, nil
}

// Next returns the first dispatch time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start begins dispatching until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler is already running")
	}

	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		defer recovery.LogStackTraceAndContinue("backup scheduler")
		ts := time.Now()
		grip.Error(message.WrapError(AddBackupJobs(ctx, s.env, ts), message.Fields{
			"message":  "problem dispatching scheduled backup",
			"schedule": s.spec,
			"ts":       ts,
		}))
	}))
	c.Start()
	s.cron = c

	grip.Info(message.Fields{
		"message":  "started backup scheduler",
		"schedule": s.spec,
		"next":     s.Next(time.Now()),
	})

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts dispatching. Jobs already in the queue keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cron = nil
}
