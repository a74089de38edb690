package testutil

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoURIEnv points the tests at an existing replica set instead of a
// container.
const MongoURIEnv = "MONGOS_TEST_URI"

const (
	mongoImage     = "mongo:7"
	replicaSetName = "rs0"
)

var (
	mongoOnce   sync.Once
	mongoURI    string
	mongoClient *mongo.Client
	mongoErr    error

	dbNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// MongoURI returns the URI of the shared test server, starting a
// single-member replica set container on first use. The test is skipped
// when no server is configured and docker is unavailable.
func MongoURI(t *testing.T) string {
	t.Helper()
	SkipIntegration(t)

	mongoOnce.Do(func() {
		mongoURI, mongoClient, mongoErr = startMongo(context.Background())
	})
	if mongoErr != nil {
		t.Skipf("MongoDB not available, skipping: %s", mongoErr)
	}

	return mongoURI
}

// Client returns the shared client for the test server.
func Client(t *testing.T) *mongo.Client {
	t.Helper()
	MongoURI(t)
	return mongoClient
}

// DBName returns a database name unique to the test.
func DBName(t *testing.T) string {
	name := "mongos_" + dbNameCleaner.ReplaceAllString(t.Name(), "_")
	if len(name) > 60 {
		name = fmt.Sprintf("%s_%x", name[:50], time.Now().UnixNano()&0xffffff)
	}
	return name
}

// NewDatabase returns the shared client and a database name unique to
// the test. The database is dropped before use and when the test ends.
func NewDatabase(t *testing.T) (*mongo.Client, string) {
	t.Helper()
	client := Client(t)
	name := DBName(t)

	ctx := context.Background()
	grip.Warning(message.WrapError(client.Database(name).Drop(ctx), message.Fields{
		"message":  "problem dropping stale test database",
		"database": name,
	}))
	t.Cleanup(func() {
		grip.Warning(message.WrapError(client.Database(name).Drop(ctx), message.Fields{
			"message":  "problem dropping test database",
			"database": name,
		}))
	})

	return client, name
}

func startMongo(ctx context.Context) (string, *mongo.Client, error) {
	if uri := os.Getenv(MongoURIEnv); uri != "" {
		client, err := connect(ctx, uri)
		return uri, client, err
	}

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        mongoImage,
				ExposedPorts: []string{"27017/tcp"},
				Cmd:          []string{"--replSet", replicaSetName, "--bind_ip_all"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		return "", nil, errors.Wrap(err, "starting mongo container")
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", nil, errors.Wrap(err, "getting container host")
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return "", nil, errors.Wrap(err, "getting container port")
	}

	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	client, err := connect(ctx, uri)
	if err != nil {
		return "", nil, err
	}
	if err := initiateReplicaSet(ctx, client); err != nil {
		return "", nil, err
	}

	grip.Info(message.Fields{
		"message": "started test mongod",
		"image":   mongoImage,
		"uri":     uri,
	})

	return uri, client, nil
}

func connect(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to test server")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging test server")
	}
	return client, nil
}

// initiateReplicaSet turns the standalone container into a one-member
// replica set so that transactions are available, then waits for it to
// elect itself primary.
func initiateReplicaSet(ctx context.Context, client *mongo.Client) error {
	admin := client.Database("admin")
	cmd := bson.D{{Key: "replSetInitiate", Value: bson.M{
		"_id":     replicaSetName,
		"members": bson.A{bson.M{"_id": 0, "host": "localhost:27017"}},
	}}}
	if err := admin.RunCommand(ctx, cmd).Err(); err != nil {
		return errors.Wrap(err, "initiating replica set")
	}

	interval := backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		if err := admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err == nil && hello.IsWritablePrimary {
			return nil
		}
		time.Sleep(interval.Duration())
	}

	return errors.New("replica set did not elect a primary")
}
