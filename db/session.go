package db

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/guneyilmaz0/mongos/db"

// SessionProvider supplies the client and database that the package level
// helpers operate on. The Environment in the root package is the usual
// implementation.
type SessionProvider interface {
	Client() *mongo.Client
	DB() *mongo.Database
}

var (
	globalProvider     SessionProvider
	globalProviderLock = &sync.RWMutex{}
)

// SetGlobalSessionProvider installs the provider used by every helper in
// this package. Passing nil removes the current provider.
func SetGlobalSessionProvider(p SessionProvider) {
	globalProviderLock.Lock()
	defer globalProviderLock.Unlock()

	globalProvider = p
}

// GetGlobalSessionProvider returns the installed provider, or nil.
func GetGlobalSessionProvider() SessionProvider {
	globalProviderLock.RLock()
	defer globalProviderLock.RUnlock()

	return globalProvider
}

// HasGlobalSessionProvider reports whether a provider has been installed.
func HasGlobalSessionProvider() bool {
	globalProviderLock.RLock()
	defer globalProviderLock.RUnlock()

	return globalProvider != nil
}

func getProvider() (SessionProvider, error) {
	globalProviderLock.RLock()
	defer globalProviderLock.RUnlock()

	if globalProvider == nil {
		return nil, errors.New("database session provider is not configured")
	}

	return globalProvider, nil
}

func getDB() (*mongo.Database, error) {
	p, err := getProvider()
	if err != nil {
		return nil, err
	}

	db := p.DB()
	if db == nil {
		return nil, errors.New("database is not defined")
	}

	return db, nil
}

func getClient() (*mongo.Client, error) {
	p, err := getProvider()
	if err != nil {
		return nil, err
	}

	client := p.Client()
	if client == nil {
		return nil, errors.New("client is not defined")
	}

	return client, nil
}

func getCollection(name string) (*mongo.Collection, error) {
	if name == "" {
		return nil, errors.New("collection name is required")
	}

	db, err := getDB()
	if err != nil {
		return nil, err
	}

	return db.Collection(name), nil
}

type shimFactoryImpl struct {
	client *mongo.Client
	db     string
}

// NewSessionProvider wraps an already connected client.
func NewSessionProvider(client *mongo.Client, db string) SessionProvider {
	return &shimFactoryImpl{client: client, db: db}
}

// SessionFactoryFromConfig connects a new client to the given url and
// returns a provider for the named database.
func SessionFactoryFromConfig(ctx context.Context, url, db string) (SessionProvider, error) {
	if db == "" {
		return nil, errors.New("database name is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to '%s'", url)
	}

	return &shimFactoryImpl{client: client, db: db}, nil
}

func (s *shimFactoryImpl) Client() *mongo.Client { return s.client }

func (s *shimFactoryImpl) DB() *mongo.Database {
	if s.client == nil {
		return nil
	}
	return s.client.Database(s.db)
}

func tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(tracerName)
}
