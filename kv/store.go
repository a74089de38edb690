package kv

import (
	"context"
	"sort"
	"time"

	"github.com/guneyilmaz0/mongos/db"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// live matches entries that have not expired at now.
func live(now time.Time) bson.M {
	return db.Or(db.Exists(ExpiresAtKey, false), db.Gt(ExpiresAtKey, now))
}

func byKey(key string, now time.Time) bson.M {
	return db.And(db.Eq(KeyKey, key), live(now))
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func setUpdate(value any, now, expiresAt time.Time) bson.M {
	update := bson.M{
		"$set":         bson.M{ValueKey: value, UpdatedAtKey: now},
		"$setOnInsert": bson.M{CreatedAtKey: now},
	}
	if expiresAt.IsZero() {
		update["$unset"] = bson.M{ExpiresAtKey: 1}
	} else {
		update["$set"].(bson.M)[ExpiresAtKey] = expiresAt
	}
	return update
}

// EnsureIndexes creates the TTL index on the expiry field.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := db.EnsureIndex(ctx, s.collection, db.Index(ExpiresAtKey).TTL(0).Name("expires_at_ttl").Model())
	return errors.Wrapf(err, "ensuring TTL index on '%s'", s.collection)
}

// Set stores value under key using the store's default TTL.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.SetWithTTL(ctx, key, value, s.defaultTTL)
}

// SetWithTTL stores value under key. A non-positive ttl stores an entry
// that never expires.
func (s *Store) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	now := time.Now()
	if err := s.purgeExpired(ctx, key, now); err != nil {
		return err
	}
	if _, err := db.Upsert(ctx, s.collection, db.Eq(KeyKey, key), setUpdate(value, now, expiry(now, ttl))); err != nil {
		return errors.Wrapf(err, "setting key '%s'", key)
	}

	return nil
}

// SetMany stores every pair in one unordered bulk write.
func (s *Store) SetMany(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	if err := validateKeys(keys); err != nil {
		return err
	}
	sort.Strings(keys)

	now := time.Now()
	if err := s.purgeExpiredKeys(ctx, keys, now); err != nil {
		return err
	}
	expiresAt := expiry(now, s.defaultTTL)
	bulk := db.NewBulk(s.collection).Unordered()
	for _, k := range keys {
		bulk.Upsert(db.Eq(KeyKey, k), setUpdate(values[k], now, expiresAt))
	}

	res, err := bulk.Run(ctx)
	if err != nil {
		return errors.Wrapf(err, "setting %d keys", len(keys))
	}

	grip.Debug(message.Fields{
		"message":    "set many keys",
		"collection": s.collection,
		"keys":       len(keys),
		"upserted":   res.Upserted,
		"modified":   res.Modified,
	})

	return nil
}

// SetIfAbsent stores value only when key is missing or expired. It
// reports whether the value was written.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value any) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	now := time.Now()
	entry := bson.M{
		KeyKey:       key,
		ValueKey:     value,
		CreatedAtKey: now,
		UpdatedAtKey: now,
	}
	if exp := expiry(now, s.defaultTTL); !exp.IsZero() {
		entry[ExpiresAtKey] = exp
	}

	// Only an expired entry matches; a live one makes the upsert collide
	// on _id.
	expired := db.And(db.Eq(KeyKey, key), db.Lte(ExpiresAtKey, now))
	if _, err := db.Replace(ctx, s.collection, expired, entry); err != nil {
		if db.IsDuplicateKey(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "setting key '%s'", key)
	}

	return true, nil
}

// GetEntry returns the full entry for key.
func (s *Store) GetEntry(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	entry := &Entry{}
	if err := db.FindOneQ(ctx, s.collection, db.Query(byKey(key, time.Now())), entry); err != nil {
		if db.ResultsNotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "key '%s'", key)
		}
		return nil, errors.Wrapf(err, "getting key '%s'", key)
	}

	return entry, nil
}

// Get returns the value stored under key as a plain Go value.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	entry, err := s.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Interface()
}

// GetInto decodes the value stored under key into out.
func (s *Store) GetInto(ctx context.Context, key string, out any) error {
	entry, err := s.GetEntry(ctx, key)
	if err != nil {
		return err
	}
	return entry.Decode(out)
}

// GetMany returns the values of the keys that exist. Missing and expired
// keys are left out of the map.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := map[string]any{}
	if len(keys) == 0 {
		return out, nil
	}
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	entries, err := s.find(ctx, db.And(db.In(KeyKey, keys), live(time.Now())), nil)
	if err != nil {
		return nil, err
	}

	return entriesToMap(entries)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	n, err := db.Count(ctx, s.collection, byKey(key, time.Now()))
	if err != nil {
		return false, errors.Wrapf(err, "checking key '%s'", key)
	}
	return n > 0, nil
}

// Delete removes key, returning ErrNotFound if it was missing or expired.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	entry := &Entry{}
	if _, err := db.FindOneAndModify(ctx, s.collection, byKey(key, time.Now()), nil, db.Change{Remove: true}, entry); err != nil {
		if db.ResultsNotFound(err) {
			return errors.Wrapf(ErrNotFound, "key '%s'", key)
		}
		return errors.Wrapf(err, "deleting key '%s'", key)
	}

	return nil
}

// DeleteMany removes the given keys and returns how many live entries
// were deleted. Expired entries are removed too but not counted.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if err := validateKeys(keys); err != nil {
		return 0, err
	}

	now := time.Now()
	if err := s.purgeExpiredKeys(ctx, keys, now); err != nil {
		return 0, err
	}
	res, err := db.NewBulk(s.collection).DeleteMany(db.And(db.In(KeyKey, keys), live(now))).Run(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting %d keys", len(keys))
	}
	return int(res.Deleted), nil
}

// Keys returns the live keys starting with prefix in ascending order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	filter := live(time.Now())
	if prefix != "" {
		filter = db.And(db.Regex(KeyKey, "^"+db.EscapeRegex(prefix), false), filter)
	}

	entries, err := s.find(ctx, filter, []string{KeyKey})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// All returns every live entry as a map of key to value.
func (s *Store) All(ctx context.Context) (map[string]any, error) {
	entries, err := s.find(ctx, live(time.Now()), nil)
	if err != nil {
		return nil, err
	}
	return entriesToMap(entries)
}

// Count returns the number of live entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := db.Count(ctx, s.collection, live(time.Now()))
	return n, errors.Wrapf(err, "counting entries in '%s'", s.collection)
}

// Clear removes every entry, expired or not.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Wrapf(db.Clear(ctx, s.collection), "clearing '%s'", s.collection)
}

// Increment atomically adds delta to the integer stored under key and
// returns the new value. A missing or expired key starts from zero.
func (s *Store) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	now := time.Now()
	if err := s.purgeExpired(ctx, key, now); err != nil {
		return 0, err
	}

	onInsert := bson.M{CreatedAtKey: now}
	if exp := expiry(now, s.defaultTTL); !exp.IsZero() {
		onInsert[ExpiresAtKey] = exp
	}
	change := db.Change{
		Update: bson.M{
			"$inc":         bson.M{ValueKey: delta},
			"$set":         bson.M{UpdatedAtKey: now},
			"$setOnInsert": onInsert,
		},
		Upsert:    true,
		ReturnNew: true,
	}

	entry := &Entry{}
	if _, err := db.FindOneAndModify(ctx, s.collection, db.Eq(KeyKey, key), nil, change, entry); err != nil {
		return 0, errors.Wrapf(err, "incrementing key '%s'", key)
	}

	value, err := entry.Interface()
	if err != nil {
		return 0, err
	}
	return db.ToInt64(value)
}

// purgeExpired removes key if it expired before now so that a following
// upsert starts a fresh entry.
func (s *Store) purgeExpired(ctx context.Context, key string, now time.Time) error {
	err := db.RemoveAll(ctx, s.collection, db.And(db.Eq(KeyKey, key), db.Lte(ExpiresAtKey, now)))
	return errors.Wrapf(err, "removing expired key '%s'", key)
}

func (s *Store) purgeExpiredKeys(ctx context.Context, keys []string, now time.Time) error {
	err := db.RemoveAll(ctx, s.collection, db.And(db.In(KeyKey, keys), db.Lte(ExpiresAtKey, now)))
	return errors.Wrapf(err, "removing %d expired keys", len(keys))
}

func (s *Store) find(ctx context.Context, filter bson.M, fields []string) ([]Entry, error) {
	q := db.Query(filter).Sort([]string{KeyKey})
	if len(fields) > 0 {
		q = q.WithFields(fields...)
	}

	entries := []Entry{}
	if err := db.FindAllQ(ctx, s.collection, q, &entries); err != nil {
		return nil, errors.Wrapf(err, "finding entries in '%s'", s.collection)
	}
	return entries, nil
}

func entriesToMap(entries []Entry) (map[string]any, error) {
	out := make(map[string]any, len(entries))
	for i := range entries {
		v, err := entries[i].Interface()
		if err != nil {
			return nil, err
		}
		out[entries[i].Key] = v
	}
	return out, nil
}
