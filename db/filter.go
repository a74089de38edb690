package db

import (
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
)

func Eq(key string, value any) bson.M  { return bson.M{key: value} }
func Ne(key string, value any) bson.M  { return bson.M{key: bson.M{"$ne": value}} }
func Gt(key string, value any) bson.M  { return bson.M{key: bson.M{"$gt": value}} }
func Gte(key string, value any) bson.M { return bson.M{key: bson.M{"$gte": value}} }
func Lt(key string, value any) bson.M  { return bson.M{key: bson.M{"$lt": value}} }
func Lte(key string, value any) bson.M { return bson.M{key: bson.M{"$lte": value}} }

// In matches documents whose key holds any of the values. values must be a
// slice; a nil slice is sent as an empty array so the filter matches nothing.
func In(key string, values any) bson.M {
	if values == nil {
		values = bson.A{}
	}
	return bson.M{key: bson.M{"$in": values}}
}

func Nin(key string, values any) bson.M {
	if values == nil {
		values = bson.A{}
	}
	return bson.M{key: bson.M{"$nin": values}}
}

func Exists(key string, exists bool) bson.M {
	return bson.M{key: bson.M{"$exists": exists}}
}

func Size(key string, n int) bson.M {
	return bson.M{key: bson.M{"$size": n}}
}

func ElemMatch(key string, filter any) bson.M {
	return bson.M{key: bson.M{"$elemMatch": filter}}
}

// Regex matches the key against pattern, which is used verbatim. Use
// EscapeRegex to match a literal string.
func Regex(key, pattern string, caseInsensitive bool) bson.M {
	expr := bson.M{"$regex": pattern}
	if caseInsensitive {
		expr["$options"] = "i"
	}
	return bson.M{key: expr}
}

// EscapeRegex quotes every regular expression metacharacter in s.
func EscapeRegex(s string) string {
	return regexp.QuoteMeta(s)
}

// Not negates an operator expression such as bson.M{"$gt": 5}.
func Not(key string, op any) bson.M {
	return bson.M{key: bson.M{"$not": op}}
}

// And combines clauses. A single clause is returned as is and no clauses
// produce an empty filter.
func And(clauses ...bson.M) bson.M {
	clauses = nonEmpty(clauses)
	switch len(clauses) {
	case 0:
		return bson.M{}
	case 1:
		return clauses[0]
	}
	return bson.M{"$and": clauses}
}

// Or matches documents matching any clause. An empty clause matches
// everything, so it makes the whole filter empty. No clauses match
// nothing.
func Or(clauses ...bson.M) bson.M {
	switch len(clauses) {
	case 0:
		return matchNothing()
	case 1:
		if clauses[0] == nil {
			return bson.M{}
		}
		return clauses[0]
	}
	for _, c := range clauses {
		if len(c) == 0 {
			return bson.M{}
		}
	}
	return bson.M{"$or": clauses}
}

// Nor matches documents matching none of the clauses. An empty clause
// matches everything and is kept, so the filter matches nothing. No
// clauses is an empty filter.
func Nor(clauses ...bson.M) bson.M {
	if len(clauses) == 0 {
		return bson.M{}
	}
	out := make([]bson.M, 0, len(clauses))
	for _, c := range clauses {
		if c == nil {
			c = bson.M{}
		}
		out = append(out, c)
	}
	return bson.M{"$nor": out}
}

func matchNothing() bson.M {
	return bson.M{"_id": bson.M{"$in": bson.A{}}}
}

func nonEmpty(clauses []bson.M) []bson.M {
	out := make([]bson.M, 0, len(clauses))
	for _, c := range clauses {
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}
