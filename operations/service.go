package operations

import (
	"context"

	"github.com/guneyilmaz0/mongos"
	"github.com/guneyilmaz0/mongos/backup"
	"github.com/guneyilmaz0/mongos/kv"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Service returns the command that runs scheduled backups until the
// process is interrupted.
func Service() cli.Command {
	return cli.Command{
		Name:  "service",
		Usage: "run scheduled backups in the foreground",
		Action: func(c *cli.Context) error {
			defer recovery.LogStackTraceAndExit("mongos service")

			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				return runService(ctx, env)
			})
		},
	}
}

func runService(ctx context.Context, env mongos.Environment) error {
	settings := env.Settings()

	store := kv.New(settings.KV.Collection, kv.WithTTL(settings.KV.DefaultTTL))
	if err := store.EnsureIndexes(ctx); err != nil {
		return errors.Wrap(err, "creating kv indexes")
	}

	scheduler, err := backup.NewScheduler(env)
	if err != nil {
		return errors.Wrap(err, "configuring backup scheduler")
	}
	if err = scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "starting backup scheduler")
	}
	defer scheduler.Stop()

	grip.Notice(message.Fields{
		"message":  "mongos service started",
		"schedule": settings.Backup.Schedule,
		"db":       settings.Database.DB,
		"revision": mongos.BuildRevision,
	})

	<-ctx.Done()

	grip.Notice("mongos service shutting down")
	return nil
}

// Version returns the command that prints the build revision.
func Version() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "print the build revision",
		Action: func(c *cli.Context) error {
			rev := mongos.BuildRevision
			if rev == "" {
				rev = "development"
			}
			_, err := c.App.Writer.Write([]byte(rev + "\n"))
			return errors.WithStack(err)
		},
	}
}
