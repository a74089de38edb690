package kv

import (
	"context"
	"time"

	"github.com/guneyilmaz0/mongos/db"
	"github.com/pkg/errors"
)

// GetAs decodes the value stored under key into a T.
func GetAs[T any](ctx context.Context, s *Store, key string) (T, error) {
	var out T
	if err := s.GetInto(ctx, key, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// GetOrDefault returns the stored value, or def when the key is missing or
// expired. Other errors are returned as is.
func (s *Store) GetOrDefault(ctx context.Context, key string, def any) (any, error) {
	v, err := s.Get(ctx, key)
	if IsNotFound(err) {
		return def, nil
	}
	return v, err
}

func getConverted[T any](ctx context.Context, s *Store, key string, convert func(any) (T, error)) (T, error) {
	var zero T
	v, err := s.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	out, err := convert(v)
	if err != nil {
		return zero, errors.Wrapf(err, "converting value of '%s'", key)
	}
	return out, nil
}

// GetString returns the value under key rendered as a string. Numbers,
// booleans, dates and ObjectIDs are converted.
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	return getConverted(ctx, s, key, db.ToString)
}

// GetInt accepts any stored integer, a whole float or a numeric string.
func (s *Store) GetInt(ctx context.Context, key string) (int, error) {
	return getConverted(ctx, s, key, db.ToInt)
}

func (s *Store) GetInt64(ctx context.Context, key string) (int64, error) {
	return getConverted(ctx, s, key, db.ToInt64)
}

func (s *Store) GetFloat64(ctx context.Context, key string) (float64, error) {
	return getConverted(ctx, s, key, db.ToFloat64)
}

func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	return getConverted(ctx, s, key, db.ToBool)
}

func (s *Store) GetTime(ctx context.Context, key string) (time.Time, error) {
	return getConverted(ctx, s, key, db.ToTime)
}

func (s *Store) GetStrings(ctx context.Context, key string) ([]string, error) {
	return getConverted(ctx, s, key, db.ToStringSlice)
}
