package main

import (
	"os"

	"github.com/guneyilmaz0/mongos"
	"github.com/guneyilmaz0/mongos/operations"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
	"github.com/urfave/cli"
)

func main() {
	// the cli package dispatches to the commands registered in
	// buildApp; each command builds its own environment.
	app := buildApp()
	grip.EmergencyFatal(app.Run(os.Args))
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "mongos"
	app.Usage = "MongoDB key/value store, queries and backups"
	app.Version = mongos.BuildRevision

	app.Commands = []cli.Command{
		operations.Version(),
		operations.Service(),

		operations.KV(),
		operations.Find(),
		operations.Count(),
		operations.Aggregate(),
		operations.Index(),
		operations.Backup(),
	}

	// These are global options. Use this to configure logging or
	// other options independent from specific sub commands.
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "level",
			Value: mongos.DefaultLogLevel,
			Usage: "Specify lowest visible log level as string: 'emergency|alert|critical|error|warning|notice|info|debug|trace'",
		},
		cli.StringFlag{
			Name:   "conf, config",
			Usage:  "path to the mongos settings file, mongos.yml in $MONGOS_HOME when unset",
			EnvVar: "MONGOS_CONFIG",
		},
	}

	app.Before = func(c *cli.Context) error {
		return loggingSetup(app.Name, c.String("level"))
	}

	return app
}

func loggingSetup(name, l string) error {
	if err := grip.SetSender(send.MakeErrorLogger()); err != nil {
		return err
	}
	grip.SetName(name)

	sender := grip.GetSender()
	info := sender.Level()
	info.Threshold = level.FromString(l)

	return sender.SetLevel(info)
}
