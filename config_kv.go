package mongos

import (
	"strings"
	"time"

	"github.com/mongodb/grip"
)

// KVConfig configures the default key/value store.
type KVConfig struct {
	Collection string        `yaml:"collection" bson:"collection" json:"collection" env:"COLLECTION"`
	DefaultTTL time.Duration `yaml:"default_ttl" bson:"default_ttl" json:"default_ttl" env:"DEFAULT_TTL"`
}

func (c *KVConfig) SectionId() string { return "kv" }

func (c *KVConfig) ValidateAndDefault() error {
	if c.Collection == "" {
		c.Collection = DefaultKVCollection
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(strings.HasPrefix(c.Collection, "system."), "kv collection cannot be a system collection")
	catcher.NewWhen(strings.ContainsAny(c.Collection, "$\x00"), "kv collection name contains invalid characters")
	catcher.NewWhen(c.DefaultTTL < 0, "default TTL cannot be negative")
	return catcher.Resolve()
}
