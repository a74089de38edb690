package operations

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/cheynewallace/tabby"
	"github.com/guneyilmaz0/mongos"
	"github.com/guneyilmaz0/mongos/db"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/bson"
)

// Index returns the command for managing indexes.
func Index() cli.Command {
	return cli.Command{
		Name:  "index",
		Usage: "list, create and drop indexes",
		Subcommands: []cli.Command{
			{
				Name:   "list",
				Usage:  "list the indexes of a collection",
				Flags:  collectionFlag(),
				Before: requireStringFlag(collectionFlagName),
				Action: func(c *cli.Context) error {
					collection := c.String(collectionFlagName)
					return withEnvironment(c, func(ctx context.Context, _ mongos.Environment) error {
						indexes, err := db.ListIndexes(ctx, collection)
						if err != nil {
							return err
						}
						t := tabby.NewCustom(tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0))
						t.AddHeader("Name", "Keys", "Unique", "Sparse", "TTL")
						for _, idx := range indexes {
							t.AddLine(idx.Name, formatKeys(idx.Keys), idx.Unique, idx.Sparse, idx.TTL)
						}
						t.Print()
						return nil
					})
				},
			},
			{
				Name:  "ensure",
				Usage: "create an index if it does not exist",
				Flags: collectionFlag(
					cli.StringFlag{
						Name:  joinFlagNames(keysFlagName, "k"),
						Usage: "comma separated keys; '-field' is descending, '$text:field' selects a type",
					},
					cli.StringFlag{
						Name:  nameFlagName,
						Usage: "index name, generated when empty",
					},
					cli.BoolFlag{
						Name:  uniqueFlagName,
						Usage: "reject duplicate keys",
					},
					cli.BoolFlag{
						Name:  sparseFlagName,
						Usage: "skip documents missing the keys",
					},
					cli.DurationFlag{
						Name:  ttlFlagName,
						Usage: "expire documents this long after the indexed date",
					},
				),
				Before: mergeBeforeFuncs(
					requireStringFlag(collectionFlagName),
					requireStringFlag(keysFlagName),
				),
				Action: func(c *cli.Context) error {
					collection := c.String(collectionFlagName)
					idx := indexFromFlags(c)
					return withEnvironment(c, func(ctx context.Context, _ mongos.Environment) error {
						name, err := db.EnsureIndex(ctx, collection, idx.Model())
						if err != nil {
							return err
						}
						_, err = fmt.Fprintln(c.App.Writer, name)
						return errors.WithStack(err)
					})
				},
			},
			{
				Name:      "drop",
				Usage:     "drop an index by name",
				ArgsUsage: "<name>",
				Flags:     collectionFlag(),
				Before: mergeBeforeFuncs(
					requireStringFlag(collectionFlagName),
					requireArgs(1),
				),
				Action: func(c *cli.Context) error {
					collection := c.String(collectionFlagName)
					name := c.Args().First()
					return withEnvironment(c, func(ctx context.Context, _ mongos.Environment) error {
						return db.DropIndex(ctx, collection, name)
					})
				},
			},
		},
	}
}

func indexFromFlags(c *cli.Context) *db.IndexBuilder {
	idx := db.Index(splitList(c.String(keysFlagName))...)
	if name := c.String(nameFlagName); name != "" {
		idx.Name(name)
	}
	if c.Bool(uniqueFlagName) {
		idx.Unique()
	}
	if c.Bool(sparseFlagName) {
		idx.Sparse()
	}
	if ttl := c.Duration(ttlFlagName); ttl > 0 {
		idx.TTL(ttl)
	}
	return idx
}

func formatKeys(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", k.Key, k.Value))
	}
	return strings.Join(parts, ",")
}
