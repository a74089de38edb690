package db

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Q holds the parameters of a find. It is a value type: every builder
// method returns a modified copy and leaves the receiver untouched.
type Q struct {
	filter     any
	projection any
	sort       []string
	skip       int
	limit      int
	hint       any
	maxTime    time.Duration
}

// Query creates a db.Q for the given MongoDB query. The filter can be a
// struct, bson.D, bson.M, nested bson.M, or any other type that
// marshals to a BSON document.
func Query(filter any) Q {
	return Q{filter: filter}
}

// Filter sets the filter document.
func (q Q) Filter(filter any) Q {
	q.filter = filter
	return q
}

// Project sets the projection document.
func (q Q) Project(projection any) Q {
	q.projection = projection
	return q
}

// WithFields projects only the given fields.
func (q Q) WithFields(fields ...string) Q {
	projection := bson.M{}
	for _, f := range fields {
		projection[f] = 1
	}
	q.projection = projection
	return q
}

// WithoutFields projects everything but the given fields.
func (q Q) WithoutFields(fields ...string) Q {
	projection := bson.M{}
	for _, f := range fields {
		projection[f] = 0
	}
	q.projection = projection
	return q
}

// Sort sets the sort order. A field prefixed with "-" sorts descending.
func (q Q) Sort(sort []string) Q {
	q.sort = append([]string{}, sort...)
	return q
}

func (q Q) Skip(skip int) Q {
	q.skip = skip
	return q
}

func (q Q) Limit(limit int) Q {
	q.limit = limit
	return q
}

func (q Q) Hint(hint any) Q {
	q.hint = hint
	return q
}

// MaxTime bounds the runtime of the query on the client side.
func (q Q) MaxTime(d time.Duration) Q {
	q.maxTime = d
	return q
}

// GetFilter returns the filter document, or an empty document when none
// was set.
func (q Q) GetFilter() any {
	if q.filter == nil {
		return bson.M{}
	}
	return q.filter
}

// FindOptions translates the query into driver options.
func (q Q) FindOptions() *options.FindOptions {
	opts := options.Find()
	if hasProjection(q.projection) {
		opts.SetProjection(q.projection)
	}
	if len(q.sort) > 0 {
		opts.SetSort(sortDoc(q.sort))
	}
	if q.skip > 0 {
		opts.SetSkip(int64(q.skip))
	}
	if q.limit > 0 {
		opts.SetLimit(int64(q.limit))
	}
	if q.hint != nil {
		opts.SetHint(q.hint)
	}
	return opts
}

// FindOneOptions translates the query into driver options for a single
// document lookup; the limit is ignored.
func (q Q) FindOneOptions() *options.FindOneOptions {
	opts := options.FindOne()
	if hasProjection(q.projection) {
		opts.SetProjection(q.projection)
	}
	if len(q.sort) > 0 {
		opts.SetSort(sortDoc(q.sort))
	}
	if q.skip > 0 {
		opts.SetSkip(int64(q.skip))
	}
	if q.hint != nil {
		opts.SetHint(q.hint)
	}
	return opts
}

func hasProjection(projection any) bool {
	switch p := projection.(type) {
	case nil:
		return false
	case bson.M:
		return len(p) > 0
	case map[string]any:
		return len(p) > 0
	case bson.D:
		return len(p) > 0
	default:
		return true
	}
}

// sortDoc converts mgo-style sort keys into an ordered sort document.
func sortDoc(keys []string) bson.D {
	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		dir := 1
		switch k[0] {
		case '-':
			dir = -1
			k = k[1:]
		case '+':
			k = k[1:]
		}
		if k == "" {
			continue
		}
		doc = append(doc, bson.E{Key: k, Value: dir})
	}
	return doc
}
