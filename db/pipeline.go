package db

import (
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Pipeline builds an aggregation pipeline. Like Q it is a value type and
// each stage method returns a new Pipeline. The first invalid stage is
// remembered and reported by Err; Aggregate refuses such pipelines.
type Pipeline struct {
	stages []bson.M
	err    error
}

// NewPipeline starts a pipeline, optionally from existing stages.
func NewPipeline(stages ...bson.M) Pipeline {
	return Pipeline{stages: append([]bson.M{}, stages...)}
}

func (p Pipeline) add(name string, value any) Pipeline {
	if p.err != nil {
		return p
	}
	next := make([]bson.M, len(p.stages), len(p.stages)+1)
	copy(next, p.stages)
	return Pipeline{stages: append(next, bson.M{name: value})}
}

func (p Pipeline) fail(err error) Pipeline {
	if p.err != nil {
		return p
	}
	return Pipeline{stages: p.stages, err: err}
}

func (p Pipeline) Match(filter any) Pipeline {
	if filter == nil {
		filter = bson.M{}
	}
	return p.add("$match", filter)
}

func (p Pipeline) Project(projection any) Pipeline {
	return p.add("$project", projection)
}

// Group adds a $group stage. fields maps output names to accumulator
// expressions, e.g. {"total": Sum("$amount")}.
func (p Pipeline) Group(id any, fields bson.M) Pipeline {
	group := bson.M{"_id": id}
	for k, v := range fields {
		if k == "_id" {
			return p.fail(errors.New("group fields must not redefine _id"))
		}
		group[k] = v
	}
	return p.add("$group", group)
}

// Sort adds a $sort stage using the same "-field" convention as Q.Sort.
func (p Pipeline) Sort(keys []string) Pipeline {
	doc := sortDoc(keys)
	if len(doc) == 0 {
		return p.fail(errors.New("sort stage requires at least one key"))
	}
	return p.add("$sort", doc)
}

func (p Pipeline) Skip(n int) Pipeline {
	if n < 0 {
		return p.fail(errors.Errorf("invalid skip %d", n))
	}
	return p.add("$skip", n)
}

func (p Pipeline) Limit(n int) Pipeline {
	if n <= 0 {
		return p.fail(errors.Errorf("invalid limit %d", n))
	}
	return p.add("$limit", n)
}

// Unwind deconstructs an array field. The "$" prefix is added when missing.
func (p Pipeline) Unwind(path string, preserveEmpty bool) Pipeline {
	if strings.TrimPrefix(path, "$") == "" {
		return p.fail(errors.New("unwind requires a field path"))
	}
	if !strings.HasPrefix(path, "$") {
		path = "$" + path
	}
	if !preserveEmpty {
		return p.add("$unwind", path)
	}
	return p.add("$unwind", bson.M{
		"path":                       path,
		"preserveNullAndEmptyArrays": true,
	})
}

func (p Pipeline) Lookup(from, localField, foreignField, as string) Pipeline {
	if from == "" || as == "" {
		return p.fail(errors.New("lookup requires 'from' and 'as'"))
	}
	return p.add("$lookup", bson.M{
		"from":         from,
		"localField":   localField,
		"foreignField": foreignField,
		"as":           as,
	})
}

func (p Pipeline) AddFields(fields bson.M) Pipeline {
	return p.add("$addFields", fields)
}

func (p Pipeline) Count(field string) Pipeline {
	if field == "" || strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
		return p.fail(errors.Errorf("invalid count field '%s'", field))
	}
	return p.add("$count", field)
}

func (p Pipeline) ReplaceRoot(newRoot any) Pipeline {
	return p.add("$replaceRoot", bson.M{"newRoot": newRoot})
}

func (p Pipeline) Sample(size int) Pipeline {
	if size <= 0 {
		return p.fail(errors.Errorf("invalid sample size %d", size))
	}
	return p.add("$sample", bson.M{"size": size})
}

// Facet runs several sub-pipelines over the same input.
func (p Pipeline) Facet(facets map[string]Pipeline) Pipeline {
	doc := bson.M{}
	for name, sub := range facets {
		if sub.err != nil {
			return p.fail(errors.Wrapf(sub.err, "facet '%s'", name))
		}
		doc[name] = sub.Build()
	}
	return p.add("$facet", doc)
}

// Stage appends an arbitrary stage such as "$bucket".
func (p Pipeline) Stage(name string, value any) Pipeline {
	if !strings.HasPrefix(name, "$") {
		return p.fail(errors.Errorf("stage name '%s' must start with '$'", name))
	}
	return p.add(name, value)
}

// Build returns a copy of the stages.
func (p Pipeline) Build() []bson.M {
	return append([]bson.M{}, p.stages...)
}

func (p Pipeline) Len() int { return len(p.stages) }

func (p Pipeline) Err() error { return p.err }

func Sum(expr any) bson.M      { return bson.M{"$sum": expr} }
func Avg(expr any) bson.M      { return bson.M{"$avg": expr} }
func Min(expr any) bson.M      { return bson.M{"$min": expr} }
func Max(expr any) bson.M      { return bson.M{"$max": expr} }
func Push(expr any) bson.M     { return bson.M{"$push": expr} }
func AddToSet(expr any) bson.M { return bson.M{"$addToSet": expr} }
func First(expr any) bson.M    { return bson.M{"$first": expr} }
func Last(expr any) bson.M     { return bson.M{"$last": expr} }
