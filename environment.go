package mongos

import (
	"context"
	"sync"
	"time"

	"github.com/guneyilmaz0/mongos/db"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/pool"
	"github.com/mongodb/amboy/queue"
	"github.com/mongodb/anser/apm"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	globalEnv     Environment
	globalEnvLock = &sync.RWMutex{}
)

// GetEnvironment returns the process-wide environment, or nil if none has
// been set.
//
// Prefer passing the Environment explicitly. The global exists for amboy
// jobs, which are constructed by the registry and cannot take arguments.
func GetEnvironment() Environment {
	globalEnvLock.RLock()
	defer globalEnvLock.RUnlock()

	return globalEnv
}

func SetEnvironment(env Environment) {
	globalEnvLock.Lock()
	defer globalEnvLock.Unlock()

	globalEnv = env
}

// Environment provides process-level services: settings, the database
// client and a local job queue.
type Environment interface {
	// Settings returns the validated settings. The object is not safe for
	// concurrent modification.
	Settings() *Settings

	// Context returns a context derived from the one the environment was
	// built with. It is canceled when the environment closes.
	Context() (context.Context, context.CancelFunc)

	Client() *mongo.Client
	DB() *mongo.Database

	// Queue is an in-memory queue that runs backup jobs. Its results do
	// not survive a restart.
	Queue() amboy.Queue

	// RegisterCloser adds a function to be called by Close. The name is
	// used in reporting and must be unique; a duplicate replaces the
	// earlier closer.
	RegisterCloser(string, func(context.Context) error)
	// Close calls every registered closer.
	Close(context.Context) error
}

// NewEnvironment constructs an Environment from either a settings file or
// an already built Settings value; exactly one must be given.
//
// When NewEnvironment returns without an error the client is connected to
// a reachable primary, the queue has started and the environment is
// installed as the db package's session provider.
func NewEnvironment(ctx context.Context, confPath string, settings *Settings) (Environment, error) {
	if confPath != "" && settings != nil {
		return nil, errors.New("must specify a settings file or settings, not both")
	}
	if confPath == "" && settings == nil {
		return nil, errors.New("must specify a settings file or settings")
	}

	e := &envState{
		closers: map[string]func(context.Context) error{},
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.initSettings(confPath, settings); err != nil {
		e.cancel()
		return nil, errors.WithStack(err)
	}
	if err := e.initDB(ctx); err != nil {
		e.cancel()
		return nil, errors.Wrap(err, "configuring database")
	}
	if err := e.createQueue(ctx); err != nil {
		catcher := grip.NewBasicCatcher()
		catcher.Add(err)
		catcher.Add(e.Close(ctx))
		return nil, errors.Wrap(catcher.Resolve(), "configuring queue")
	}

	db.SetGlobalSessionProvider(e)
	e.RegisterCloser("session-provider", func(context.Context) error {
		if db.GetGlobalSessionProvider() == db.SessionProvider(e) {
			db.SetGlobalSessionProvider(nil)
		}
		return nil
	})

	return e, nil
}

type envState struct {
	settings *Settings
	client   *mongo.Client
	queue    amboy.Queue
	monitor  apm.Monitor
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	closers  map[string]func(context.Context) error
}

func (e *envState) initSettings(path string, settings *Settings) error {
	var err error
	if path != "" {
		settings, err = NewSettings(path)
		if err != nil {
			return errors.Wrap(err, "getting settings from file")
		}
	}

	if err = settings.Validate(); err != nil {
		return errors.Wrap(err, "validating settings")
	}
	e.settings = settings

	return errors.Wrap(e.settings.Logger.Configure(), "configuring logger")
}

func (e *envState) initDB(ctx context.Context) error {
	if db.HasGlobalSessionProvider() {
		grip.Warning("database session configured; reconfiguring")
	}

	conf := e.settings.Database
	opts, err := conf.ClientOptions()
	if err != nil {
		return errors.WithStack(err)
	}

	if conf.CommandMonitor {
		e.monitor = apm.NewLoggingMonitor(e.ctx, conf.MonitorInterval, apm.NewBasicMonitor(&apm.MonitorConfig{
			Databases: []string{conf.DB},
		}))
		opts.SetMonitor(e.monitor.DriverAPM())
	}

	e.client, err = mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrapf(err, "connecting to '%s'", conf.Url)
	}

	pingCtx, cancel := context.WithTimeout(ctx, conf.OperationTimeout)
	defer cancel()
	if err = e.client.Ping(pingCtx, readpref.Primary()); err != nil {
		grip.Warning(message.WrapError(e.client.Disconnect(ctx), message.Fields{
			"message": "problem disconnecting after failed ping",
		}))
		return errors.Wrap(err, "pinging primary")
	}

	e.closers["database-client"] = func(ctx context.Context) error {
		return errors.Wrap(e.client.Disconnect(ctx), "disconnecting client")
	}

	grip.Info(message.Fields{
		"message":  "connected to database",
		"database": conf.DB,
		"app_name": conf.AppName,
		"monitor":  conf.CommandMonitor,
	})

	return nil
}

func (e *envState) createQueue(ctx context.Context) error {
	workers := e.settings.Backup.Workers
	e.queue = queue.NewLocalLimitedSize(workers, e.settings.Backup.QueueSize)
	if err := e.queue.SetRunner(pool.NewAbortablePool(workers, e.queue)); err != nil {
		return errors.Wrap(err, "configuring worker pool for local queue")
	}
	if err := e.queue.Start(e.ctx); err != nil {
		return errors.Wrap(err, "starting local queue")
	}

	// interval between calls to queue.Stats() while draining
	const queueWaitInterval = 10 * time.Millisecond
	const queueWaitTimeout = 10 * time.Second

	e.closers["background-local-queue"] = func(ctx context.Context) error {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, queueWaitTimeout)
		defer cancel()
		if !amboy.WaitInterval(ctx, e.queue, queueWaitInterval) {
			grip.Critical(message.Fields{
				"message": "pending jobs failed to finish",
				"queue":   "local",
				"status":  e.queue.Stats(ctx),
			})
			e.queue.Runner().Close(ctx)
			return errors.New("failed to stop with running jobs")
		}
		e.queue.Runner().Close(ctx)
		return nil
	}

	return nil
}

func (e *envState) Settings() *Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.settings
}

func (e *envState) Context() (context.Context, context.CancelFunc) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return context.WithCancel(e.ctx)
}

func (e *envState) Client() *mongo.Client {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.client
}

func (e *envState) DB() *mongo.Database {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.client == nil {
		return nil
	}
	return e.client.Database(e.settings.Database.DB)
}

func (e *envState) Queue() amboy.Queue {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.queue
}

func (e *envState) RegisterCloser(name string, closer func(context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.closers[name]; ok {
		grip.Critical(message.Fields{
			"closer":  name,
			"message": "duplicate closer registered",
			"cause":   "programmer error",
		})
	}
	e.closers[name] = closer
}

// Close runs the queue closer first so that running jobs can still reach
// the database, then the remaining closers in parallel.
func (e *envState) Close(ctx context.Context) error {
	e.mu.Lock()
	closers := e.closers
	e.closers = map[string]func(context.Context) error{}
	e.mu.Unlock()

	deadline, _ := ctx.Deadline()
	catcher := grip.NewBasicCatcher()

	call := func(name string, closer func(context.Context) error) {
		grip.Info(message.Fields{
			"message":      "calling closer",
			"closer":       name,
			"timeout_secs": time.Until(deadline),
			"deadline":     deadline,
		})
		catcher.Wrapf(closer(ctx), "closer '%s'", name)
	}

	if closer, ok := closers["background-local-queue"]; ok {
		call("background-local-queue", closer)
		delete(closers, "background-local-queue")
	}

	wg := &sync.WaitGroup{}
	for n, closer := range closers {
		if closer == nil {
			continue
		}

		wg.Add(1)
		go func(name string, close func(context.Context) error) {
			defer wg.Done()
			call(name, close)
		}(n, closer)
	}
	wg.Wait()

	e.cancel()

	return catcher.Resolve()
}
