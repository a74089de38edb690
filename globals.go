package mongos

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const (
	PackageName = "github.com/guneyilmaz0/mongos"

	// MongosHome names the environment variable holding the directory
	// that relative configuration paths are resolved against.
	MongosHome = "MONGOS_HOME"

	// EnvPrefix is prepended to every environment override, for example
	// MONGOS_DB_URL.
	EnvPrefix = "MONGOS_"

	DefaultConfigFile = "mongos.yml"

	DefaultDatabaseURL      = "mongodb://localhost:27017"
	DefaultDatabaseName     = "mongos"
	DefaultKVCollection     = "mongos_kv"
	DefaultOperationTimeout = 30
	DefaultBackupPath       = "backups"
	DefaultBackupWorkers    = 2
	DefaultBackupQueueSize  = 1024
	DefaultLogLevel         = "info"

	// ConfigCollection stores settings sections saved with SetConfigSection.
	ConfigCollection = "mongos_config"
)

// BuildRevision is set at link time.
var BuildRevision = ""

// FindMongosHome returns the value of MONGOS_HOME, or the working
// directory when it is unset.
func FindMongosHome() string {
	if root := os.Getenv(MongosHome); root != "" {
		return root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// FindConfig resolves a settings path. An empty path means the default
// file in the home directory; relative paths are taken relative to home.
// A leading "~" is the user's home directory.
func FindConfig(path string) string {
	if path == "" {
		path = DefaultConfigFile
	}
	if expanded, err := homedir.Expand(path); err == nil {
		path = expanded
	}
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(FindMongosHome(), path)
}
