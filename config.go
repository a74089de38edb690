package mongos

import (
	"os"

	"github.com/caarlos0/env/v10"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ConfigSection is a part of Settings that validates itself and can be
// stored in the config collection.
type ConfigSection interface {
	SectionId() string
	ValidateAndDefault() error
}

// Settings contains all configuration for the process. It is read from a
// YAML file and then overridden from MONGOS_* environment variables.
type Settings struct {
	Database DBSettings   `yaml:"database" bson:"database" json:"database" envPrefix:"DB_"`
	KV       KVConfig     `yaml:"kv" bson:"kv" json:"kv" envPrefix:"KV_"`
	Backup   BackupConfig `yaml:"backup" bson:"backup" json:"backup" envPrefix:"BACKUP_"`
	Logger   LoggerConfig `yaml:"logger" bson:"logger" json:"logger" envPrefix:"LOG_"`
}

// NewSettings builds settings from the YAML file at path, applies
// environment overrides and fills in defaults. An empty path skips the
// file.
func NewSettings(path string) (*Settings, error) {
	settings := &Settings{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading settings file '%s'", path)
		}
		if err = yaml.Unmarshal(data, settings); err != nil {
			return nil, errors.Wrapf(err, "parsing settings file '%s'", path)
		}
	}

	if err := settings.ApplyEnvironment(); err != nil {
		return nil, err
	}

	return settings, nil
}

// ApplyEnvironment overrides fields from MONGOS_* environment variables.
// Unset variables leave the current values alone.
func (s *Settings) ApplyEnvironment() error {
	return errors.Wrap(env.ParseWithOptions(s, env.Options{Prefix: EnvPrefix}), "parsing environment overrides")
}

// Sections returns every section of the settings.
func (s *Settings) Sections() []ConfigSection {
	return []ConfigSection{&s.Database, &s.KV, &s.Backup, &s.Logger}
}

// Validate checks and defaults every section, reporting all problems at
// once.
func (s *Settings) Validate() error {
	catcher := grip.NewBasicCatcher()
	for _, section := range s.Sections() {
		catcher.Wrapf(section.ValidateAndDefault(), "validating section '%s'", section.SectionId())
	}
	return catcher.Resolve()
}
