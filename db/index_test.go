package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestIndexBuilder(t *testing.T) {
	t.Run("KeyDirections", func(t *testing.T) {
		b := Index("a", "-b", "+c", "$text:body", "$2dsphere:loc", "$hashed:h", "", "-", "$bad")
		assert.Equal(t, bson.D{
			{Key: "a", Value: 1},
			{Key: "b", Value: -1},
			{Key: "c", Value: 1},
			{Key: "body", Value: "text"},
			{Key: "loc", Value: "2dsphere"},
			{Key: "h", Value: "hashed"},
		}, b.Keys())
	})
	t.Run("Options", func(t *testing.T) {
		partial := bson.M{"a": bson.M{"$exists": true}}
		model := Index("a").Unique().Sparse().Name("a_idx").TTL(90 * time.Minute).Partial(partial).Model()

		require.NotNil(t, model.Options)
		opts := model.Options
		require.NotNil(t, opts.Unique)
		assert.True(t, *opts.Unique)
		require.NotNil(t, opts.Sparse)
		assert.True(t, *opts.Sparse)
		require.NotNil(t, opts.Name)
		assert.Equal(t, "a_idx", *opts.Name)
		require.NotNil(t, opts.ExpireAfterSeconds)
		assert.EqualValues(t, 5400, *opts.ExpireAfterSeconds)
		assert.Equal(t, partial, opts.PartialFilterExpression)
	})
	t.Run("KeysAreCopied", func(t *testing.T) {
		b := Index("a")
		keys := b.Keys()
		keys[0].Key = "z"
		assert.Equal(t, "a", b.Keys()[0].Key)
	})
	t.Run("ModelKeysMarshal", func(t *testing.T) {
		model := Index("-created").Model()
		assert.Equal(t, bson.D{{Key: "created", Value: -1}}, toKeys(model.Keys))
		assert.Equal(t, bson.D{{Key: "x", Value: int32(1)}}, toKeys(bson.M{"x": 1}))
		assert.Nil(t, toKeys(nil))
	})
	t.Run("DefaultOptionsAreEmpty", func(t *testing.T) {
		assert.Equal(t, options.Index(), Index("a").Model().Options)
	})
}
