package mongos

import (
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
)

// LoggerConfig controls the process wide grip sender.
type LoggerConfig struct {
	DefaultLevel   string `yaml:"default_level" bson:"default_level" json:"default_level" env:"DEFAULT_LEVEL"`
	ThresholdLevel string `yaml:"threshold_level" bson:"threshold_level" json:"threshold_level" env:"LEVEL"`
	Name           string `yaml:"name" bson:"name" json:"name" env:"NAME"`
}

func (c *LoggerConfig) SectionId() string { return "logger" }

func (c *LoggerConfig) ValidateAndDefault() error {
	if c.DefaultLevel == "" {
		c.DefaultLevel = DefaultLogLevel
	}
	if c.ThresholdLevel == "" {
		c.ThresholdLevel = DefaultLogLevel
	}
	if c.Name == "" {
		c.Name = "mongos"
	}

	catcher := grip.NewBasicCatcher()
	catcher.ErrorfWhen(!level.FromString(c.DefaultLevel).IsValid(), "invalid default level '%s'", c.DefaultLevel)
	catcher.ErrorfWhen(!level.FromString(c.ThresholdLevel).IsValid(), "invalid threshold level '%s'", c.ThresholdLevel)
	return catcher.Resolve()
}

func (c *LoggerConfig) Info() send.LevelInfo {
	return send.LevelInfo{
		Default:   level.FromString(c.DefaultLevel),
		Threshold: level.FromString(c.ThresholdLevel),
	}
}

// Configure applies the levels and name to the global sender.
func (c *LoggerConfig) Configure() error {
	sender := grip.GetSender()
	sender.SetName(c.Name)
	return sender.SetLevel(c.Info())
}
