package mongos

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guneyilmaz0/mongos/db"
	"github.com/guneyilmaz0/mongos/testutil"
	"github.com/mongodb/grip/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestNewEnvironmentArguments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("Neither", func(t *testing.T) {
		env, err := NewEnvironment(ctx, "", nil)
		assert.Error(t, err)
		assert.Nil(t, env)
	})
	t.Run("Both", func(t *testing.T) {
		env, err := NewEnvironment(ctx, testConfigFile(), &Settings{})
		assert.Error(t, err)
		assert.Nil(t, env)
	})
	t.Run("InvalidSettings", func(t *testing.T) {
		env, err := NewEnvironment(ctx, "", &Settings{KV: KVConfig{Collection: "system.kv"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validating settings")
		assert.Nil(t, env)
	})
	t.Run("UnreachableServer", func(t *testing.T) {
		settings := &Settings{Database: DBSettings{
			Url:                    "mongodb://127.0.0.1:1/?directConnection=true",
			OperationTimeout:       500 * time.Millisecond,
			ServerSelectionTimeout: 500 * time.Millisecond,
		}}
		env, err := NewEnvironment(ctx, "", settings)
		assert.Error(t, err)
		assert.Nil(t, env)
	})
}

func TestEnvironmentClosers(t *testing.T) {
	logs := testutil.CaptureLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	e := &envState{
		ctx:     ctx,
		cancel:  cancel,
		closers: map[string]func(context.Context) error{},
	}

	var order []string
	e.RegisterCloser("background-local-queue", func(context.Context) error {
		order = append(order, "queue")
		return nil
	})
	e.RegisterCloser("failing", func(context.Context) error { return errors.New("closer failed") })
	e.RegisterCloser("failing", func(context.Context) error {
		order = append(order, "failing")
		return errors.New("closer failed")
	})

	found := false
	for logs.HasMessage() {
		msg := logs.GetMessage()
		if msg.Priority == level.Critical && strings.Contains(msg.Message.String(), "duplicate closer") {
			found = true
		}
	}
	assert.True(t, found)

	err := e.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closer 'failing'")
	assert.Equal(t, []string{"queue", "failing"}, order)
	assert.Error(t, ctx.Err())

	assert.NoError(t, e.Close(context.Background()))
}

type EnvironmentSuite struct {
	ctx    context.Context
	cancel context.CancelFunc
	env    Environment
	suite.Suite
}

func TestEnvironmentSuite(t *testing.T) {
	assert.Implements(t, (*Environment)(nil), &envState{})
	assert.Implements(t, (*db.SessionProvider)(nil), &envState{})

	suite.Run(t, new(EnvironmentSuite))
}

func (s *EnvironmentSuite) SetupTest() {
	uri := testutil.MongoURI(s.T())
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)

	settings := &Settings{Database: DBSettings{
		Url:            uri,
		DB:             testutil.DBName(s.T()),
		CommandMonitor: true,
	}}
	env, err := NewEnvironment(s.ctx, "", settings)
	s.Require().NoError(err)
	s.env = env
}

func (s *EnvironmentSuite) TearDownTest() {
	if s.env != nil {
		s.NoError(s.env.DB().Drop(s.ctx))
		s.NoError(s.env.Close(s.ctx))
	}
	s.cancel()
}

func (s *EnvironmentSuite) TestServices() {
	s.NotNil(s.env.Client())
	s.Equal(testutil.DBName(s.T()), s.env.DB().Name())
	s.Equal(DefaultKVCollection, s.env.Settings().KV.Collection)
	s.Require().NotNil(s.env.Queue())
	s.True(s.env.Queue().Info().Started)

	ctx, cancel := s.env.Context()
	defer cancel()
	s.NoError(ctx.Err())
}

func (s *EnvironmentSuite) TestInstallsSessionProvider() {
	s.Require().True(db.HasGlobalSessionProvider())
	s.Equal(s.env.DB().Name(), db.GetGlobalSessionProvider().DB().Name())

	s.Require().NoError(db.Insert(s.ctx, "env_docs", map[string]any{"_id": "a"}))
	n, err := db.Count(s.ctx, "env_docs", map[string]any{})
	s.NoError(err)
	s.Equal(1, n)
}

func (s *EnvironmentSuite) TestCloseRunsClosers() {
	var calls int32
	s.env.RegisterCloser("first", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	s.env.RegisterCloser("second", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("second failed")
	})

	s.Require().NoError(s.env.DB().Drop(s.ctx))
	err := s.env.Close(s.ctx)
	s.Require().Error(err)
	s.Contains(err.Error(), "second failed")
	s.EqualValues(2, atomic.LoadInt32(&calls))
	s.False(db.HasGlobalSessionProvider())

	ctx, cancel := s.env.Context()
	defer cancel()
	s.Error(ctx.Err())

	// closers run once
	s.NoError(s.env.Close(s.ctx))
	s.env = nil
}

func (s *EnvironmentSuite) TestConfigSections() {
	database := s.env.DB()

	kv := &KVConfig{}
	s.Require().NoError(GetConfigSection(s.ctx, database, kv))
	s.Equal(KVConfig{}, *kv)

	s.Error(SetConfigSection(s.ctx, database, &KVConfig{Collection: "system.nope"}))

	s.Require().NoError(SetConfigSection(s.ctx, database, &KVConfig{Collection: "stored", DefaultTTL: time.Minute}))
	s.Require().NoError(GetConfigSection(s.ctx, database, kv))
	s.Equal("stored", kv.Collection)
	s.Equal(time.Minute, kv.DefaultTTL)

	s.Require().NoError(SetConfigSection(s.ctx, database, &KVConfig{Collection: "replaced"}))
	s.Require().NoError(GetConfigSection(s.ctx, database, kv))
	s.Equal("replaced", kv.Collection)
	s.Zero(kv.DefaultTTL)

	n, err := database.Collection(ConfigCollection).CountDocuments(s.ctx, map[string]any{})
	s.NoError(err)
	s.EqualValues(1, n)
}
