package db

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Decode converts src into out by marshalling it to BSON and back. Field
// types must match exactly.
func Decode(src, out any) error {
	return setObject(src, out)
}

// DecodeLoose converts src into out using bson tags but tolerating type
// drift: numbers stored as strings, int32 where the struct wants int64,
// single values where it wants slices, and so on.
func DecodeLoose(src, out any) error {
	in, err := normalize(src)
	if err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "bson",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			bsonValueHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return errors.Wrap(err, "constructing decoder")
	}

	return errors.Wrap(decoder.Decode(in), "decoding document")
}

// normalize turns driver document types into plain maps and slices that
// mapstructure can walk.
func normalize(src any) (any, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case bson.Raw:
		var m bson.M
		if err := bson.Unmarshal(v, &m); err != nil {
			return nil, errors.Wrap(err, "unmarshalling raw document")
		}
		return normalize(m)
	case bson.D:
		m := make(map[string]any, len(v))
		for _, e := range v {
			nv, err := normalize(e.Value)
			if err != nil {
				return nil, err
			}
			m[e.Key] = nv
		}
		return m, nil
	case bson.M:
		return normalize(map[string]any(v))
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			m[k] = nv
		}
		return m, nil
	case bson.A:
		return normalize([]any(v))
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case primitive.ObjectID:
		return v.Hex(), nil
	case primitive.Decimal128:
		return v.String(), nil
	default:
		return v, nil
	}
}

func bsonValueHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to == reflect.TypeOf(time.Time{}) {
		switch v := data.(type) {
		case int64:
			return time.UnixMilli(v).UTC(), nil
		case int32:
			return time.UnixMilli(int64(v)).UTC(), nil
		}
	}
	return data, nil
}

// ToString renders a scalar BSON value as a string.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", errors.New("value is nil")
	case string:
		return t, nil
	case primitive.ObjectID:
		return t.Hex(), nil
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return t.String(), nil
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(t), nil
	}
	return "", errors.Errorf("cannot convert %T to string", v)
}

func ToInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if ferr != nil {
				return 0, errors.Wrapf(err, "parsing '%s' as integer", t)
			}
			return floatToInt(f)
		}
		return i, nil
	case primitive.Decimal128:
		return ToInt64(t.String())
	}
	return 0, errors.Errorf("cannot convert %T to integer", v)
}

func floatToInt(f float64) (int64, error) {
	if f != float64(int64(f)) {
		return 0, errors.Errorf("%v is not a whole number", f)
	}
	return int64(f), nil
}

func ToInt(v any) (int, error) {
	i, err := ToInt64(v)
	return int(i), err
}

func ToFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, errors.Wrapf(err, "parsing '%s' as float", t)
	case primitive.Decimal128:
		return ToFloat64(t.String())
	}
	return 0, errors.Errorf("cannot convert %T to float", v)
}

func ToBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, errors.Wrapf(err, "parsing '%s' as bool", t)
	case int, int32, int64:
		i, _ := ToInt64(t)
		return i != 0, nil
	}
	return false, errors.Errorf("cannot convert %T to bool", v)
}

func ToTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case primitive.DateTime:
		return t.Time().UTC(), nil
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		return ts, errors.Wrapf(err, "parsing '%s' as time", t)
	}
	return time.Time{}, errors.Errorf("cannot convert %T to time", v)
}

func ToStringSlice(v any) ([]string, error) {
	var items []any
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...), nil
	case bson.A:
		items = t
	case []any:
		items = t
	case string:
		return []string{t}, nil
	default:
		return nil, errors.Errorf("cannot convert %T to string slice", v)
	}

	out := make([]string, 0, len(items))
	for i, item := range items {
		s, err := ToString(item)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out = append(out, s)
	}
	return out, nil
}
