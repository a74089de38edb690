package operations

import (
	"context"
	"fmt"

	"github.com/guneyilmaz0/mongos"
	"github.com/guneyilmaz0/mongos/kv"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// KV returns the command for the key/value store.
func KV() cli.Command {
	return cli.Command{
		Name:  "kv",
		Usage: "read and write the key/value store",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  joinFlagNames(collectionFlagName, "c"),
				Usage: "kv collection, overriding the configured one",
			},
		},
		Subcommands: []cli.Command{
			kvGet(),
			kvSet(),
			kvDelete(),
			kvKeys(),
			kvIncrement(),
		},
	}
}

func kvStore(c *cli.Context, env mongos.Environment) *kv.Store {
	conf := env.Settings().KV
	collection := c.Parent().String(collectionFlagName)
	if collection == "" {
		collection = conf.Collection
	}
	return kv.New(collection, kv.WithTTL(conf.DefaultTTL))
}

func kvGet() cli.Command {
	return cli.Command{
		Name:      "get",
		Usage:     "print the value of a key",
		ArgsUsage: "<key>",
		Before:    requireArgs(1),
		Action: func(c *cli.Context) error {
			key := c.Args().First()
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				val, err := kvStore(c, env).Get(ctx, key)
				if err != nil {
					return errors.Wrapf(err, "getting key '%s'", key)
				}
				return printValue(c.App.Writer, val)
			})
		},
	}
}

func kvSet() cli.Command {
	return cli.Command{
		Name:      "set",
		Usage:     "store a value; values that parse as extended JSON keep their type",
		ArgsUsage: "<key> <value>",
		Flags: []cli.Flag{
			cli.DurationFlag{
				Name:  ttlFlagName,
				Usage: "expire the key after this long, overriding the default TTL",
			},
		},
		Before: requireArgs(2),
		Action: func(c *cli.Context) error {
			key := c.Args().Get(0)
			value := parseValue(c.Args().Get(1))
			ttl := c.Duration(ttlFlagName)
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				store := kvStore(c, env)
				if ttl > 0 {
					return errors.Wrapf(store.SetWithTTL(ctx, key, value, ttl), "setting key '%s'", key)
				}
				return errors.Wrapf(store.Set(ctx, key, value), "setting key '%s'", key)
			})
		},
	}
}

func kvDelete() cli.Command {
	return cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm"},
		Usage:     "remove one or more keys",
		ArgsUsage: "<key> [key...]",
		Before:    requireArgs(1),
		Action: func(c *cli.Context) error {
			keys := []string(c.Args())
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				store := kvStore(c, env)
				if len(keys) == 1 {
					return errors.Wrapf(store.Delete(ctx, keys[0]), "deleting key '%s'", keys[0])
				}
				n, err := store.DeleteMany(ctx, keys)
				if err != nil {
					return errors.Wrap(err, "deleting keys")
				}
				_, err = fmt.Fprintf(c.App.Writer, "deleted %d of %d keys\n", n, len(keys))
				return errors.WithStack(err)
			})
		},
	}
}

func kvKeys() cli.Command {
	return cli.Command{
		Name:      "keys",
		Usage:     "list live keys, optionally limited to a prefix",
		ArgsUsage: "[prefix]",
		Action: func(c *cli.Context) error {
			prefix := c.Args().First()
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				keys, err := kvStore(c, env).Keys(ctx, prefix)
				if err != nil {
					return errors.Wrap(err, "listing keys")
				}
				for _, k := range keys {
					if _, err := fmt.Fprintln(c.App.Writer, k); err != nil {
						return errors.WithStack(err)
					}
				}
				return nil
			})
		},
	}
}

func kvIncrement() cli.Command {
	return cli.Command{
		Name:      "incr",
		Usage:     "atomically add to an integer value, creating it at zero",
		ArgsUsage: "<key> [delta]",
		Before:    requireArgs(1),
		Action: func(c *cli.Context) error {
			key := c.Args().Get(0)
			delta := int64(1)
			if c.NArg() > 1 {
				v, err := parseInt(c.Args().Get(1))
				if err != nil {
					return err
				}
				delta = v
			}
			return withEnvironment(c, func(ctx context.Context, env mongos.Environment) error {
				n, err := kvStore(c, env).Increment(ctx, key, delta)
				if err != nil {
					return errors.Wrapf(err, "incrementing key '%s'", key)
				}
				_, err = fmt.Fprintln(c.App.Writer, n)
				return errors.WithStack(err)
			})
		},
	}
}
