package operations

import (
	"context"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guneyilmaz0/mongos"
	"github.com/guneyilmaz0/mongos/backup"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Backup returns the command for dumping and restoring databases.
func Backup() cli.Command {
	return cli.Command{
		Name:  "backup",
		Usage: "dump collections to the configured bucket and restore them",
		Subcommands: []cli.Command{
			backupCreate(),
			backupRestore(),
		},
	}
}

func backupCreate() cli.Command {
	return cli.Command{
		Name:  "create",
		Usage: "dump collections of the configured database",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  prefixFlagName,
				Usage: "key prefix in the bucket, a timestamp under the configured prefix when empty",
			},
			cli.StringSliceFlag{
				Name:  joinFlagNames(collectionFlagName, "c"),
				Usage: "collection to dump, may be repeated; defaults to the configured list or every collection",
			},
			cli.StringSliceFlag{
				Name:  indexesOnlyFlagName,
				Usage: "collection whose indexes are dumped without documents",
			},
			cli.IntFlag{
				Name:  workersFlagName,
				Usage: "collections dumped at once, the configured worker count when zero",
			},
		},
		Action: func(c *cli.Context) error {
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				settings := env.Settings()
				bucket, err := backup.NewBucket(ctx, env.Client(), settings.Backup, settings.Database.DB)
				if err != nil {
					return err
				}

				opts := backup.DatabaseOptions{
					Bucket:      bucket,
					Prefix:      c.String(prefixFlagName),
					DB:          settings.Database.DB,
					Collections: c.StringSlice(collectionFlagName),
					IndexesOnly: c.StringSlice(indexesOnlyFlagName),
					Workers:     c.Int(workersFlagName),
				}
				if opts.Prefix == "" {
					opts.Prefix = path.Join(settings.Backup.Prefix, time.Now().UTC().Format(backup.TSFormat))
				}
				if len(opts.Collections) == 0 {
					opts.Collections = settings.Backup.Collections
				}
				if opts.Workers == 0 {
					opts.Workers = settings.Backup.Workers
				}

				manifest, err := backup.Database(ctx, env.Client(), opts)
				if err != nil {
					return errors.Wrap(err, "backing up database")
				}

				grip.Info(message.Fields{
					"message":     "backup complete",
					"prefix":      opts.Prefix,
					"collections": len(manifest.Collections),
					"documents":   manifest.TotalDocuments(),
					"size":        humanize.Bytes(uint64(manifest.TotalBytes())),
				})

				return printJSON(c.App.Writer, manifest)
			})
		},
	}
}

func backupRestore() cli.Command {
	return cli.Command{
		Name:  "restore",
		Usage: "load a backup into a database",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  prefixFlagName,
				Usage: "key prefix of the backup in the bucket",
			},
			cli.StringFlag{
				Name:  joinFlagNames(targetFlagName, "t"),
				Usage: "database to restore into, the backed up database when empty",
			},
			cli.StringSliceFlag{
				Name:  joinFlagNames(collectionFlagName, "c"),
				Usage: "collection to restore, may be repeated; defaults to all",
			},
			cli.BoolFlag{
				Name:  dropFlagName,
				Usage: "drop each collection before loading it",
			},
			cli.BoolFlag{
				Name:  "skip-indexes",
				Usage: "do not recreate indexes",
			},
			cli.IntFlag{
				Name:  workersFlagName,
				Usage: "collections restored at once, the configured worker count when zero",
			},
		},
		Before: requireStringFlag(prefixFlagName),
		Action: func(c *cli.Context) error {
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				settings := env.Settings()
				bucket, err := backup.NewBucket(ctx, env.Client(), settings.Backup, settings.Database.DB)
				if err != nil {
					return err
				}

				opts := backup.RestoreOptions{
					Bucket:      bucket,
					Prefix:      c.String(prefixFlagName),
					TargetDB:    c.String(targetFlagName),
					Collections: c.StringSlice(collectionFlagName),
					Drop:        c.Bool(dropFlagName),
					SkipIndexes: c.Bool("skip-indexes"),
					Workers:     c.Int(workersFlagName),
				}
				if opts.Workers == 0 {
					opts.Workers = settings.Backup.Workers
				}

				results, err := backup.Restore(ctx, env.Client(), opts)
				if err != nil {
					return errors.Wrap(err, "restoring backup")
				}
				return printJSON(c.App.Writer, results)
			})
		},
	}
}
