package kv

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/guneyilmaz0/mongos/db"
	"github.com/guneyilmaz0/mongos/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
)

const testCollection = "kv_test"

func TestValidateKey(t *testing.T) {
	for name, test := range map[string]struct {
		key   string
		valid bool
	}{
		"Simple":        {key: "config.theme", valid: true},
		"Unicode":       {key: "ключ", valid: true},
		"DollarInside":  {key: "price$usd", valid: true},
		"AtLimit":       {key: strings.Repeat("k", maxKeyLength), valid: true},
		"Empty":         {key: ""},
		"TooLong":       {key: strings.Repeat("k", maxKeyLength+1)},
		"LeadingDollar": {key: "$where"},
	} {
		t.Run(name, func(t *testing.T) {
			err := ValidateKey(test.key)
			if test.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestOptions(t *testing.T) {
	assert.Zero(t, New("c").DefaultTTL())
	assert.Equal(t, time.Hour, New("c", WithTTL(time.Hour)).DefaultTTL())
	assert.Zero(t, New("c", WithTTL(-time.Hour)).DefaultTTL())
	assert.Equal(t, "c", New("c").Collection())
}

func TestInvalidKeysNeverReachTheServer(t *testing.T) {
	ctx := context.Background()
	s := New(testCollection)

	assert.ErrorIs(t, s.Set(ctx, "", 1), ErrInvalidKey)
	_, err := s.Get(ctx, "$x")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.SetIfAbsent(ctx, "", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, s.SetMany(ctx, map[string]any{"ok": 1, "$bad": 2}), ErrInvalidKey)
	_, err = s.Increment(ctx, "", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.GetMany(ctx, []string{"a", ""})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

type KVSuite struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *Store
	suite.Suite
}

func TestKVSuite(t *testing.T) {
	suite.Run(t, new(KVSuite))
}

func (s *KVSuite) SetupSuite() {
	client, name := testutil.NewDatabase(s.T())
	prev := db.GetGlobalSessionProvider()
	db.SetGlobalSessionProvider(db.NewSessionProvider(client, name))
	s.T().Cleanup(func() { db.SetGlobalSessionProvider(prev) })
}

func (s *KVSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)
	s.store = New(testCollection)
	s.Require().NoError(s.store.Clear(s.ctx))
}

func (s *KVSuite) TearDownTest() {
	s.cancel()
}

func (s *KVSuite) insertExpired(key string, value any) {
	s.Require().NoError(db.Insert(s.ctx, testCollection, bson.M{
		KeyKey:       key,
		ValueKey:     value,
		CreatedAtKey: time.Now().Add(-time.Hour),
		UpdatedAtKey: time.Now().Add(-time.Hour),
		ExpiresAtKey: time.Now().Add(-time.Minute),
	}))
}

func (s *KVSuite) TestSetAndGet() {
	s.Require().NoError(s.store.Set(s.ctx, "name", "mongos"))
	v, err := s.store.Get(s.ctx, "name")
	s.Require().NoError(err)
	s.Equal("mongos", v)

	s.Require().NoError(s.store.Set(s.ctx, "name", "renamed"))
	v, err = s.store.Get(s.ctx, "name")
	s.Require().NoError(err)
	s.Equal("renamed", v)

	entry, err := s.store.GetEntry(s.ctx, "name")
	s.Require().NoError(err)
	s.False(entry.CreatedAt.IsZero())
	s.False(entry.UpdatedAt.Before(entry.CreatedAt))
	s.True(entry.ExpiresAt.IsZero())

	_, err = s.store.Get(s.ctx, "missing")
	s.True(IsNotFound(err))
	s.ErrorIs(err, ErrNotFound)
}

func (s *KVSuite) TestGetInto() {
	type settings struct {
		Theme string   `bson:"theme"`
		Size  int      `bson:"size"`
		Tags  []string `bson:"tags"`
	}
	s.Require().NoError(s.store.Set(s.ctx, "ui", settings{Theme: "dark", Size: 12, Tags: []string{"a", "b"}}))

	var out settings
	s.Require().NoError(s.store.GetInto(s.ctx, "ui", &out))
	s.Equal(settings{Theme: "dark", Size: 12, Tags: []string{"a", "b"}}, out)

	generic, err := GetAs[settings](s.ctx, s.store, "ui")
	s.Require().NoError(err)
	s.Equal(out, generic)

	_, err = GetAs[settings](s.ctx, s.store, "missing")
	s.True(IsNotFound(err))
}

func (s *KVSuite) TestTypedGetters() {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.store.SetMany(s.ctx, map[string]any{
		"str":      "hello",
		"int":      42,
		"numstr":   "17",
		"float":    2.5,
		"wholeflt": 3.0,
		"bool":     true,
		"boolstr":  "false",
		"time":     now,
		"list":     []string{"x", "y"},
	}))

	str, err := s.store.GetString(s.ctx, "str")
	s.NoError(err)
	s.Equal("hello", str)

	str, err = s.store.GetString(s.ctx, "int")
	s.NoError(err)
	s.Equal("42", str)

	i, err := s.store.GetInt(s.ctx, "int")
	s.NoError(err)
	s.Equal(42, i)

	i64, err := s.store.GetInt64(s.ctx, "numstr")
	s.NoError(err)
	s.EqualValues(17, i64)

	i64, err = s.store.GetInt64(s.ctx, "wholeflt")
	s.NoError(err)
	s.EqualValues(3, i64)

	_, err = s.store.GetInt(s.ctx, "float")
	s.Error(err)

	_, err = s.store.GetInt(s.ctx, "str")
	s.Error(err)

	f, err := s.store.GetFloat64(s.ctx, "float")
	s.NoError(err)
	s.Equal(2.5, f)

	b, err := s.store.GetBool(s.ctx, "bool")
	s.NoError(err)
	s.True(b)

	b, err = s.store.GetBool(s.ctx, "boolstr")
	s.NoError(err)
	s.False(b)

	ts, err := s.store.GetTime(s.ctx, "time")
	s.NoError(err)
	s.True(now.Equal(ts))

	list, err := s.store.GetStrings(s.ctx, "list")
	s.NoError(err)
	s.Equal([]string{"x", "y"}, list)

	_, err = s.store.GetString(s.ctx, "missing")
	s.True(IsNotFound(err))

	v, err := s.store.GetOrDefault(s.ctx, "missing", "fallback")
	s.NoError(err)
	s.Equal("fallback", v)

	v, err = s.store.GetOrDefault(s.ctx, "str", "fallback")
	s.NoError(err)
	s.Equal("hello", v)
}

func (s *KVSuite) TestSetIfAbsent() {
	ok, err := s.store.SetIfAbsent(s.ctx, "lock", "first")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.SetIfAbsent(s.ctx, "lock", "second")
	s.Require().NoError(err)
	s.False(ok)

	v, err := s.store.Get(s.ctx, "lock")
	s.Require().NoError(err)
	s.Equal("first", v)

	s.insertExpired("stale", "old")
	ok, err = s.store.SetIfAbsent(s.ctx, "stale", "fresh")
	s.Require().NoError(err)
	s.True(ok)

	v, err = s.store.Get(s.ctx, "stale")
	s.Require().NoError(err)
	s.Equal("fresh", v)
}

func (s *KVSuite) TestExpiry() {
	s.insertExpired("gone", "value")
	s.Require().NoError(s.store.Set(s.ctx, "here", "value"))

	_, err := s.store.Get(s.ctx, "gone")
	s.True(IsNotFound(err))

	exists, err := s.store.Exists(s.ctx, "gone")
	s.NoError(err)
	s.False(exists)

	exists, err = s.store.Exists(s.ctx, "here")
	s.NoError(err)
	s.True(exists)

	n, err := s.store.Count(s.ctx)
	s.NoError(err)
	s.Equal(1, n)

	keys, err := s.store.Keys(s.ctx, "")
	s.NoError(err)
	s.Equal([]string{"here"}, keys)

	all, err := s.store.All(s.ctx)
	s.NoError(err)
	s.Equal(map[string]any{"here": "value"}, all)

	s.True(IsNotFound(s.store.Delete(s.ctx, "gone")))

	s.Require().NoError(s.store.Set(s.ctx, "gone", "again"))
	entry, err := s.store.GetEntry(s.ctx, "gone")
	s.Require().NoError(err)
	s.Equal("again", entry.Value.StringValue())
	s.WithinDuration(time.Now(), entry.CreatedAt, time.Minute)
}

func (s *KVSuite) TestTTL() {
	store := New(testCollection, WithTTL(time.Hour))
	s.Require().NoError(store.Set(s.ctx, "session", "abc"))

	entry, err := store.GetEntry(s.ctx, "session")
	s.Require().NoError(err)
	s.WithinDuration(time.Now().Add(time.Hour), entry.ExpiresAt, time.Minute)

	s.Require().NoError(store.SetWithTTL(s.ctx, "session", "abc", 0))
	entry, err = store.GetEntry(s.ctx, "session")
	s.Require().NoError(err)
	s.True(entry.ExpiresAt.IsZero())

	s.Require().NoError(store.SetWithTTL(s.ctx, "short", "x", time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	_, err = store.Get(s.ctx, "short")
	s.True(IsNotFound(err))
}

func (s *KVSuite) TestEnsureIndexes() {
	s.Require().NoError(s.store.EnsureIndexes(s.ctx))
	s.Require().NoError(s.store.EnsureIndexes(s.ctx))

	indexes, err := db.ListIndexes(s.ctx, testCollection)
	s.Require().NoError(err)

	var found bool
	for _, idx := range indexes {
		if idx.Name == "expires_at_ttl" {
			found = true
			s.Equal(bson.D{{Key: ExpiresAtKey, Value: int32(1)}}, idx.Keys)
			s.Zero(idx.TTL)
		}
	}
	s.True(found)
}

func (s *KVSuite) TestManyAndKeys() {
	s.Require().NoError(s.store.SetMany(s.ctx, map[string]any{
		"user:2":  "b",
		"user:1":  "a",
		"user:3":  "c",
		"group:1": "g",
		"user.*":  "literal",
	}))

	keys, err := s.store.Keys(s.ctx, "user:")
	s.Require().NoError(err)
	s.Equal([]string{"user:1", "user:2", "user:3"}, keys)

	keys, err = s.store.Keys(s.ctx, "user.")
	s.Require().NoError(err)
	s.Equal([]string{"user.*"}, keys)

	values, err := s.store.GetMany(s.ctx, []string{"user:1", "user:3", "nope"})
	s.Require().NoError(err)
	s.Equal(map[string]any{"user:1": "a", "user:3": "c"}, values)

	empty, err := s.store.GetMany(s.ctx, nil)
	s.NoError(err)
	s.Empty(empty)

	n, err := s.store.DeleteMany(s.ctx, []string{"user:1", "user:2", "nope"})
	s.Require().NoError(err)
	s.Equal(2, n)

	n, err = s.store.Count(s.ctx)
	s.NoError(err)
	s.Equal(3, n)

	s.NoError(s.store.Delete(s.ctx, "group:1"))
	s.True(IsNotFound(s.store.Delete(s.ctx, "group:1")))

	s.Require().NoError(s.store.Clear(s.ctx))
	n, err = s.store.Count(s.ctx)
	s.NoError(err)
	s.Zero(n)
}

func (s *KVSuite) TestManyOverExpiredKeys() {
	s.insertExpired("stale", "old")
	start := time.Now().Add(-time.Second)

	s.Require().NoError(s.store.SetMany(s.ctx, map[string]any{"stale": "new", "other": 1}))
	entry, err := s.store.GetEntry(s.ctx, "stale")
	s.Require().NoError(err)
	s.True(entry.CreatedAt.After(start), "created_at %s should be after %s", entry.CreatedAt, start)
	v, err := entry.Interface()
	s.Require().NoError(err)
	s.Equal("new", v)

	s.insertExpired("gone", "old")
	n, err := s.store.DeleteMany(s.ctx, []string{"gone", "other"})
	s.Require().NoError(err)
	s.Equal(1, n)

	raw, err := db.Count(s.ctx, testCollection, db.Eq(KeyKey, "gone"))
	s.NoError(err)
	s.Zero(raw)
}

func (s *KVSuite) TestIncrement() {
	v, err := s.store.Increment(s.ctx, "counter", 1)
	s.Require().NoError(err)
	s.EqualValues(1, v)

	v, err = s.store.Increment(s.ctx, "counter", 10)
	s.Require().NoError(err)
	s.EqualValues(11, v)

	v, err = s.store.Increment(s.ctx, "counter", -12)
	s.Require().NoError(err)
	s.EqualValues(-1, v)

	n, err := s.store.GetInt(s.ctx, "counter")
	s.NoError(err)
	s.Equal(-1, n)

	s.insertExpired("stale_counter", int64(100))
	v, err = s.store.Increment(s.ctx, "stale_counter", 5)
	s.Require().NoError(err)
	s.EqualValues(5, v)

	s.Require().NoError(s.store.Set(s.ctx, "text", "abc"))
	_, err = s.store.Increment(s.ctx, "text", 1)
	s.Error(err)
}

func (s *KVSuite) TestConcurrentIncrement() {
	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := s.store.Increment(s.ctx, "hits", 1)
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		s.NoError(<-errs)
	}

	n, err := s.store.GetInt64(s.ctx, "hits")
	s.NoError(err)
	s.EqualValues(workers, n)
}
