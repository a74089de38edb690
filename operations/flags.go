package operations

import (
	"strings"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	confFlagName        = "conf"
	levelFlagName       = "level"
	collectionFlagName  = "collection"
	filterFlagName      = "filter"
	sortFlagName        = "sort"
	limitFlagName       = "limit"
	skipFlagName        = "skip"
	fieldsFlagName      = "fields"
	pipelineFlagName    = "pipeline"
	allowDiskUseFlag    = "allow-disk-use"
	ttlFlagName         = "ttl"
	prefixFlagName      = "prefix"
	targetFlagName      = "target"
	dropFlagName        = "drop"
	indexesOnlyFlagName = "indexes-only"
	workersFlagName     = "workers"
	nameFlagName        = "name"
	keysFlagName        = "keys"
	uniqueFlagName      = "unique"
	sparseFlagName      = "sparse"
)

func joinFlagNames(ids ...string) string { return strings.Join(ids, ", ") }

func collectionFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  joinFlagNames(collectionFlagName, "c"),
		Usage: "name of the collection",
	})
}

func filterFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  joinFlagNames(filterFlagName, "f"),
		Usage: "query filter as extended JSON, e.g. '{\"status\": \"active\"}'",
		Value: "{}",
	})
}

func requireStringFlag(name string) cli.BeforeFunc {
	return func(c *cli.Context) error {
		if c.String(name) == "" {
			return errors.Errorf("flag '--%s' is required", name)
		}
		return nil
	}
}

func requireArgs(n int) cli.BeforeFunc {
	return func(c *cli.Context) error {
		if c.NArg() < n {
			return errors.Errorf("command requires %d argument(s), got %d", n, c.NArg())
		}
		return nil
	}
}

func mergeBeforeFuncs(ops ...cli.BeforeFunc) cli.BeforeFunc {
	return func(c *cli.Context) error {
		catcher := grip.NewBasicCatcher()

		for _, op := range ops {
			catcher.Add(op(c))
		}

		return catcher.Resolve()
	}
}
