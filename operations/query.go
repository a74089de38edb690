package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/guneyilmaz0/mongos"
	"github.com/guneyilmaz0/mongos/db"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/bson"
)

// Find returns the command that prints the documents matching a filter.
func Find() cli.Command {
	return cli.Command{
		Name:  "find",
		Usage: "print documents matching a filter as extended JSON",
		Flags: filterFlag(collectionFlag(
			cli.StringSliceFlag{
				Name:  joinFlagNames(sortFlagName, "s"),
				Usage: "sort key, '-field' for descending; may be repeated",
			},
			cli.IntFlag{
				Name:  joinFlagNames(limitFlagName, "n"),
				Usage: "return at most this many documents",
				Value: 20,
			},
			cli.IntFlag{
				Name:  skipFlagName,
				Usage: "skip this many documents",
			},
			cli.StringFlag{
				Name:  fieldsFlagName,
				Usage: "comma separated fields to return",
			},
		)...),
		Before: requireStringFlag(collectionFlagName),
		Action: func(c *cli.Context) error {
			q, err := queryFromFlags(c)
			if err != nil {
				return err
			}
			collection := c.String(collectionFlagName)
			return withEnvironment(c, func(ctx context.Context, _ mongos.Environment) error {
				out := []bson.Raw{}
				if err := db.FindAllQ(ctx, collection, q, &out); err != nil {
					return errors.Wrapf(err, "finding documents in '%s'", collection)
				}
				return printDocuments(c.App.Writer, out)
			})
		},
	}
}

// Count returns the command that counts the documents matching a filter.
func Count() cli.Command {
	return cli.Command{
		Name:   "count",
		Usage:  "count documents matching a filter",
		Flags:  filterFlag(collectionFlag()...),
		Before: requireStringFlag(collectionFlagName),
		Action: func(c *cli.Context) error {
			filter, err := parseDocument(c.String(filterFlagName))
			if err != nil {
				return err
			}
			collection := c.String(collectionFlagName)
			return withEnvironment(c, func(ctx context.Context, _ mongos.Environment) error {
				n, err := db.Count(ctx, collection, filter)
				if err != nil {
					return errors.Wrapf(err, "counting documents in '%s'", collection)
				}
				_, err = fmt.Fprintln(c.App.Writer, n)
				return errors.WithStack(err)
			})
		},
	}
}

// Aggregate returns the command that runs an aggregation pipeline.
func Aggregate() cli.Command {
	return cli.Command{
		Name:  "aggregate",
		Usage: "run an aggregation pipeline given as an extended JSON array",
		Flags: collectionFlag(
			cli.StringFlag{
				Name:  joinFlagNames(pipelineFlagName, "p"),
				Usage: "pipeline, e.g. '[{\"$match\": {\"n\": {\"$gt\": 1}}}]'",
			},
			cli.BoolFlag{
				Name:  allowDiskUseFlag,
				Usage: "let stages spill to disk",
			},
		),
		Before: mergeBeforeFuncs(
			requireStringFlag(collectionFlagName),
			requireStringFlag(pipelineFlagName),
		),
		Action: func(c *cli.Context) error {
			pipeline, err := parsePipeline(c.String(pipelineFlagName))
			if err != nil {
				return err
			}
			collection := c.String(collectionFlagName)
			opts := db.AggregateOptions{AllowDiskUse: c.Bool(allowDiskUseFlag)}
			return withEnvironment(c, func(ctx context.Context, _ mongos.Environment) error {
				out := []bson.Raw{}
				if err := db.Aggregate(ctx, collection, pipeline, &out, opts); err != nil {
					return err
				}
				return printDocuments(c.App.Writer, out)
			})
		},
	}
}

func queryFromFlags(c *cli.Context) (db.Q, error) {
	filter, err := parseDocument(c.String(filterFlagName))
	if err != nil {
		return db.Q{}, err
	}
	if c.Int(limitFlagName) < 0 || c.Int(skipFlagName) < 0 {
		return db.Q{}, errors.New("limit and skip cannot be negative")
	}

	q := db.Query(filter).
		Sort(c.StringSlice(sortFlagName)).
		Limit(c.Int(limitFlagName)).
		Skip(c.Int(skipFlagName))
	if fields := splitList(c.String(fieldsFlagName)); len(fields) > 0 {
		q = q.WithFields(fields...)
	}
	return q, nil
}

func splitList(in string) []string {
	out := []string{}
	for _, item := range strings.Split(in, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
