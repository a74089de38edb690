// Package kv provides a key/value store on top of a single collection.
//
// Each entry is one document keyed by its _id. Entries may carry an expiry
// time; expired entries are hidden from every read and are removed by the
// server's TTL monitor once EnsureIndexes has been called.
package kv

import (
	"strings"
	"time"

	"github.com/mongodb/anser/bsonutil"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const maxKeyLength = 1024

var (
	// ErrNotFound is returned when a key is missing or has expired.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidKey is returned for keys that cannot be stored.
	ErrInvalidKey = errors.New("invalid key")
)

// Entry is a stored key/value pair.
type Entry struct {
	Key       string        `bson:"_id" json:"key"`
	Value     bson.RawValue `bson:"value" json:"-"`
	CreatedAt time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updated_at"`
	ExpiresAt time.Time     `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

var (
	KeyKey       = bsonutil.MustHaveTag(Entry{}, "Key")
	ValueKey     = bsonutil.MustHaveTag(Entry{}, "Value")
	CreatedAtKey = bsonutil.MustHaveTag(Entry{}, "CreatedAt")
	UpdatedAtKey = bsonutil.MustHaveTag(Entry{}, "UpdatedAt")
	ExpiresAtKey = bsonutil.MustHaveTag(Entry{}, "ExpiresAt")
)

// Decode unmarshals the stored value into out.
func (e *Entry) Decode(out any) error {
	if e.Value.Type == 0 {
		return errors.Errorf("entry '%s' has no value", e.Key)
	}
	return errors.Wrapf(e.Value.Unmarshal(out), "decoding value of '%s'", e.Key)
}

// Interface returns the stored value as a plain Go value: documents come
// back as bson.D and arrays as bson.A.
func (e *Entry) Interface() (any, error) {
	var out any
	if err := e.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Store is a key/value store bound to one collection. The package level
// db helpers must have a session provider installed.
type Store struct {
	collection string
	defaultTTL time.Duration
}

type Option func(*Store)

// WithTTL sets the expiry applied by Set, SetMany, SetIfAbsent and new
// counters created by Increment. Zero means entries never expire.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

func New(collection string, opts ...Option) *Store {
	s := &Store{collection: collection}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Collection() string { return s.collection }

func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

// ValidateKey rejects empty keys, keys over 1024 bytes and keys starting
// with '$'.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return errors.Wrap(ErrInvalidKey, "key cannot be empty")
	case len(key) > maxKeyLength:
		return errors.Wrapf(ErrInvalidKey, "key is %d bytes, limit is %d", len(key), maxKeyLength)
	case strings.HasPrefix(key, "$"):
		return errors.Wrapf(ErrInvalidKey, "key '%s' cannot start with '$'", key)
	}
	return nil
}

func validateKeys(keys []string) error {
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			return err
		}
	}
	return nil
}

// IsNotFound reports whether err means the key is missing or expired.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}
