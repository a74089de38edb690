package mongos

import (
	"context"
	"reflect"
	"time"

	"github.com/mongodb/anser/bsonutil"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// DBSettings configures the client connection.
type DBSettings struct {
	Url                    string        `yaml:"url" bson:"url" json:"url" env:"URL"`
	DB                     string        `yaml:"db" bson:"db" json:"db" env:"NAME"`
	AppName                string        `yaml:"app_name" bson:"app_name" json:"app_name" env:"APP_NAME"`
	WriteConcernSettings   WriteConcern  `yaml:"write_concern" bson:"write_concern" json:"write_concern" envPrefix:"WRITE_CONCERN_"`
	ReadConcernSettings    ReadConcern   `yaml:"read_concern" bson:"read_concern" json:"read_concern" envPrefix:"READ_CONCERN_"`
	ReadPreference         string        `yaml:"read_preference" bson:"read_preference" json:"read_preference" env:"READ_PREFERENCE"`
	OperationTimeout       time.Duration `yaml:"operation_timeout" bson:"operation_timeout" json:"operation_timeout" env:"OPERATION_TIMEOUT"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout" bson:"connect_timeout" json:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout" bson:"server_selection_timeout" json:"server_selection_timeout" env:"SERVER_SELECTION_TIMEOUT"`
	MaxPoolSize            uint64        `yaml:"max_pool_size" bson:"max_pool_size" json:"max_pool_size" env:"MAX_POOL_SIZE"`
	CommandMonitor         bool          `yaml:"command_monitor" bson:"command_monitor" json:"command_monitor" env:"COMMAND_MONITOR"`
	MonitorInterval        time.Duration `yaml:"monitor_interval" bson:"monitor_interval" json:"monitor_interval" env:"MONITOR_INTERVAL"`
}

// WriteConcern mirrors the driver's write concern. WMode takes precedence
// over W when set, e.g. "majority".
type WriteConcern struct {
	W        int           `yaml:"w" bson:"w" json:"w" env:"W"`
	WMode    string        `yaml:"wmode" bson:"wmode" json:"wmode" env:"WMODE"`
	WTimeout time.Duration `yaml:"wtimeout" bson:"wtimeout" json:"wtimeout" env:"WTIMEOUT"`
	J        bool          `yaml:"j" bson:"j" json:"j" env:"J"`
}

func (wc WriteConcern) Resolve() *writeconcern.WriteConcern {
	if wc.W == 0 && wc.WMode == "" && !wc.J && wc.WTimeout == 0 {
		return nil
	}

	out := &writeconcern.WriteConcern{WTimeout: wc.WTimeout}
	switch {
	case wc.WMode != "":
		out.W = wc.WMode
	case wc.W > 0:
		out.W = wc.W
	}
	if wc.J {
		j := true
		out.Journal = &j
	}
	return out
}

type ReadConcern struct {
	Level string `yaml:"level" bson:"level" json:"level" env:"LEVEL"`
}

func (rc ReadConcern) Resolve() *readconcern.ReadConcern {
	if rc.Level == "" {
		return nil
	}
	return &readconcern.ReadConcern{Level: rc.Level}
}

var validReadConcerns = []string{"local", "available", "majority", "linearizable", "snapshot"}

func (c *DBSettings) SectionId() string { return "database" }

func (c *DBSettings) ValidateAndDefault() error {
	if c.Url == "" {
		c.Url = DefaultDatabaseURL
	}
	if c.DB == "" {
		c.DB = DefaultDatabaseName
	}
	if c.AppName == "" {
		c.AppName = "mongos"
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout * time.Second
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = time.Minute
	}

	catcher := grip.NewBasicCatcher()
	_, err := connstring.ParseAndValidate(c.Url)
	catcher.Wrapf(err, "invalid database url '%s'", c.Url)
	catcher.NewWhen(c.OperationTimeout < 0, "operation timeout cannot be negative")
	catcher.NewWhen(c.ConnectTimeout < 0, "connect timeout cannot be negative")
	catcher.NewWhen(c.ServerSelectionTimeout < 0, "server selection timeout cannot be negative")
	catcher.NewWhen(c.WriteConcernSettings.W < 0, "write concern w cannot be negative")
	catcher.ErrorfWhen(c.ReadConcernSettings.Level != "" && !contains(validReadConcerns, c.ReadConcernSettings.Level),
		"invalid read concern level '%s'", c.ReadConcernSettings.Level)
	if c.ReadPreference != "" {
		_, err := readpref.ModeFromString(c.ReadPreference)
		catcher.Wrapf(err, "invalid read preference '%s'", c.ReadPreference)
	}

	return catcher.Resolve()
}

// ClientOptions translates the settings into driver client options.
func (c *DBSettings) ClientOptions() (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(c.Url).SetAppName(c.AppName)
	if wc := c.WriteConcernSettings.Resolve(); wc != nil {
		opts.SetWriteConcern(wc)
	}
	if rc := c.ReadConcernSettings.Resolve(); rc != nil {
		opts.SetReadConcern(rc)
	}
	if c.ReadPreference != "" {
		mode, err := readpref.ModeFromString(c.ReadPreference)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing read preference '%s'", c.ReadPreference)
		}
		rp, err := readpref.New(mode)
		if err != nil {
			return nil, errors.Wrap(err, "building read preference")
		}
		opts.SetReadPreference(rp)
	}
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	if c.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(c.ServerSelectionTimeout)
	}
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}

	return opts, errors.Wrap(opts.Validate(), "validating client options")
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

var sectionIDKey = bsonutil.MustHaveTag(storedSection{}, "ID")

// storedSection wraps a section document in the config collection.
type storedSection struct {
	ID      string    `bson:"_id"`
	Section bson.Raw  `bson:"section"`
	Updated time.Time `bson:"updated_at"`
}

// GetConfigSection loads a section saved with SetConfigSection. A missing
// document resets the section to its zero value.
func GetConfigSection(ctx context.Context, db *mongo.Database, section ConfigSection) error {
	res := db.Collection(ConfigCollection).FindOne(ctx, bson.M{sectionIDKey: section.SectionId()})
	if err := res.Err(); err != nil {
		if err != mongo.ErrNoDocuments {
			return errors.Wrapf(err, "getting config section '%s'", section.SectionId())
		}
		reflect.ValueOf(section).Elem().Set(reflect.New(reflect.ValueOf(section).Elem().Type()).Elem())
		return nil
	}

	var doc storedSection
	if err := res.Decode(&doc); err != nil {
		return errors.Wrapf(err, "decoding config section '%s'", section.SectionId())
	}
	if err := bson.Unmarshal(doc.Section, section); err != nil {
		return errors.Wrapf(err, "unmarshalling config section '%s'", section.SectionId())
	}

	return nil
}

// SetConfigSection validates the section and upserts it into the config
// collection.
func SetConfigSection(ctx context.Context, db *mongo.Database, section ConfigSection) error {
	if err := section.ValidateAndDefault(); err != nil {
		return errors.Wrapf(err, "validating config section '%s'", section.SectionId())
	}
	raw, err := bson.Marshal(section)
	if err != nil {
		return errors.Wrapf(err, "marshalling config section '%s'", section.SectionId())
	}

	_, err = db.Collection(ConfigCollection).ReplaceOne(ctx,
		bson.M{sectionIDKey: section.SectionId()},
		storedSection{ID: section.SectionId(), Section: raw, Updated: time.Now()},
		options.Replace().SetUpsert(true),
	)

	return errors.Wrapf(err, "updating config section '%s'", section.SectionId())
}
