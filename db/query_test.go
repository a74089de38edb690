package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestQueryBuilder(t *testing.T) {
	for tName, tCase := range map[string]func(t *testing.T){
		"EmptyQueryHasEmptyFilter": func(t *testing.T) {
			q := Query(nil)
			assert.Equal(t, bson.M{}, q.GetFilter())
			opts := q.FindOptions()
			assert.Nil(t, opts.Projection)
			assert.Nil(t, opts.Sort)
			assert.Nil(t, opts.Skip)
			assert.Nil(t, opts.Limit)
		},
		"BuilderMethodsDoNotMutateReceiver": func(t *testing.T) {
			base := Query(bson.M{"a": 1})
			limited := base.Limit(5).Skip(2).Sort([]string{"-b"})

			assert.Nil(t, base.FindOptions().Limit)
			assert.Nil(t, base.FindOptions().Sort)
			assert.EqualValues(t, 5, *limited.FindOptions().Limit)
			assert.EqualValues(t, 2, *limited.FindOptions().Skip)
		},
		"SortSliceIsCopied": func(t *testing.T) {
			keys := []string{"a", "b"}
			q := Query(nil).Sort(keys)
			keys[0] = "z"
			assert.Equal(t, bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 1}}, q.FindOptions().Sort)
		},
		"WithFieldsProjectsIncludedFields": func(t *testing.T) {
			q := Query(nil).WithFields("a", "b")
			assert.Equal(t, bson.M{"a": 1, "b": 1}, q.FindOptions().Projection)
		},
		"WithoutFieldsProjectsExcludedFields": func(t *testing.T) {
			q := Query(nil).WithoutFields("secret")
			assert.Equal(t, bson.M{"secret": 0}, q.FindOneOptions().Projection)
		},
		"EmptyProjectionIsOmitted": func(t *testing.T) {
			q := Query(nil).Project(bson.M{})
			assert.Nil(t, q.FindOptions().Projection)
		},
		"FindOneOptionsIgnoreLimit": func(t *testing.T) {
			q := Query(nil).Limit(10).Skip(3).Hint("a_1")
			opts := q.FindOneOptions()
			assert.EqualValues(t, 3, *opts.Skip)
			assert.Equal(t, "a_1", opts.Hint)
		},
		"MaxTimeIsKept": func(t *testing.T) {
			q := Query(nil).MaxTime(time.Second)
			assert.Equal(t, time.Second, q.maxTime)
		},
		"FilterReplacesFilter": func(t *testing.T) {
			q := Query(bson.M{"a": 1}).Filter(bson.M{"b": 2})
			assert.Equal(t, bson.M{"b": 2}, q.GetFilter())
		},
	} {
		t.Run(tName, tCase)
	}
}

func TestSortDoc(t *testing.T) {
	for name, test := range map[string]struct {
		keys     []string
		expected bson.D
	}{
		"Empty": {
			keys:     nil,
			expected: bson.D{},
		},
		"AscendingAndDescending": {
			keys:     []string{"a", "-b", "+c"},
			expected: bson.D{{Key: "a", Value: 1}, {Key: "b", Value: -1}, {Key: "c", Value: 1}},
		},
		"BlankKeysSkipped": {
			keys:     []string{"", " ", "-", "d"},
			expected: bson.D{{Key: "d", Value: 1}},
		},
		"OrderPreserved": {
			keys:     []string{"z", "a", "-m"},
			expected: bson.D{{Key: "z", Value: 1}, {Key: "a", Value: 1}, {Key: "m", Value: -1}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, sortDoc(test.keys))
		})
	}
}

func TestGetIDFromQuery(t *testing.T) {
	for name, test := range map[string]struct {
		query any
		id    string
		found bool
	}{
		"BsonM":          {query: bson.M{"_id": "abc"}, id: "abc", found: true},
		"BsonD":          {query: bson.D{{Key: "_id", Value: "abc"}}, id: "abc", found: true},
		"Q":              {query: Query(bson.M{"_id": "abc"}), id: "abc", found: true},
		"QWithSort":      {query: Query(bson.M{"_id": "abc"}).Sort([]string{"a"})},
		"QWithFields":    {query: Query(bson.M{"_id": "abc"}).WithFields("a")},
		"ExtraKey":       {query: bson.M{"_id": "abc", "a": 1}},
		"OperatorValue":  {query: bson.M{"_id": bson.M{"$in": bson.A{"a"}}}},
		"OtherKey":       {query: bson.M{"name": "abc"}},
		"UnsupportedNil": {query: nil},
	} {
		t.Run(name, func(t *testing.T) {
			id, found := getIDFromQuery(test.query)
			assert.Equal(t, test.found, found)
			assert.Equal(t, test.id, id)
		})
	}
}
