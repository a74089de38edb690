package operations

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guneyilmaz0/mongos"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const closeTimeout = 30 * time.Second

// loadSettings reads the configuration named by --conf. A missing file
// is only an error when the flag was given explicitly; otherwise the
// settings come from MONGOS_* variables and defaults. An explicit
// --level wins over the configured threshold.
func loadSettings(c *cli.Context) (*mongos.Settings, error) {
	path := c.GlobalString(confFlagName)
	explicit := path != ""
	path = mongos.FindConfig(path)

	if _, err := os.Stat(path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "finding configuration file '%s'", path)
		}
		grip.Debug(message.Fields{
			"message": "no configuration file, using environment",
			"path":    path,
		})
		path = ""
	}

	settings, err := mongos.NewSettings(path)
	if err != nil {
		return nil, err
	}
	if c.GlobalIsSet(levelFlagName) {
		settings.Logger.ThresholdLevel = c.GlobalString(levelFlagName)
	}
	return settings, nil
}

// withEnvironment builds an environment for the duration of op. The
// context passed to op is canceled on SIGINT or SIGTERM.
func withEnvironment(c *cli.Context, op func(context.Context, mongos.Environment) error) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := mongos.NewEnvironment(ctx, "", settings)
	if err != nil {
		return errors.Wrap(err, "configuring application environment")
	}
	mongos.SetEnvironment(env)

	opErr := op(ctx, env)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()

	catcher := grip.NewBasicCatcher()
	catcher.Add(opErr)
	catcher.Wrap(env.Close(closeCtx), "closing environment")
	return catcher.Resolve()
}
