package operations

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/guneyilmaz0/mongos/db"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// parseDocument reads an extended JSON document. An empty string is an
// empty document.
func parseDocument(in string) (bson.D, error) {
	doc := bson.D{}
	if strings.TrimSpace(in) == "" {
		return doc, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(in), false, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing '%s' as extended JSON", in)
	}
	return doc, nil
}

// parsePipeline reads an extended JSON array of stages.
func parsePipeline(in string) ([]bson.D, error) {
	var wrapper struct {
		Stages []bson.D `bson:"stages"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"stages":`+in+`}`), false, &wrapper); err != nil {
		return nil, errors.Wrapf(err, "parsing '%s' as an aggregation pipeline", in)
	}
	if len(wrapper.Stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	return wrapper.Stages, nil
}

// parseValue reads a single extended JSON value. Anything else, including
// several comma separated values, is kept as a string, so
// 'set greeting hello' stores "hello".
func parseValue(in string) any {
	var wrapper struct {
		Values bson.A `bson:"v"`
	}
	if err := bson.UnmarshalExtJSON([]byte(`{"v":[`+in+`]}`), false, &wrapper); err != nil {
		return in
	}
	if len(wrapper.Values) != 1 {
		return in
	}
	return wrapper.Values[0]
}

func printDocument(w io.Writer, doc any) error {
	out, err := bson.MarshalExtJSONIndent(doc, false, false, "", "  ")
	if err != nil {
		return errors.Wrap(err, "rendering document")
	}
	_, err = fmt.Fprintln(w, string(out))
	return errors.WithStack(err)
}

func printDocuments(w io.Writer, docs []bson.Raw) error {
	for _, doc := range docs {
		if err := printDocument(w, doc); err != nil {
			return err
		}
	}
	return nil
}

// printValue renders a kv value: documents and arrays as extended JSON,
// scalars as text.
func printValue(w io.Writer, v any) error {
	switch t := v.(type) {
	case bson.D, bson.M, bson.Raw:
		return printDocument(w, t)
	case bson.A:
		return printDocument(w, bson.D{{Key: "value", Value: t}})
	}
	_, err := fmt.Fprintln(w, v)
	return errors.WithStack(err)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "rendering output")
	}
	_, err = fmt.Fprintln(w, string(out))
	return errors.WithStack(err)
}

func parseInt(in string) (int64, error) {
	n, err := db.ToInt64(in)
	return n, errors.Wrapf(err, "'%s' is not an integer", in)
}
