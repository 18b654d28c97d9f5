package lib

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds the engine's runtime settings: where the database lives and how the logger behaves
type Config struct {
	DataDirPath string `json:"dataDirPath"` // the directory holding the database and log files
	DBName      string `json:"dbName"`      // the name of the database directory
	InMemory    bool   `json:"inMemory"`    // if true, the byte store never touches disk
	LogLevel    int32  `json:"logLevel"`    // minimum level the logger emits
}

// DefaultConfig() returns the engine defaults: on-disk store under the default data dir
func DefaultConfig() Config {
	return Config{
		DataDirPath: DefaultDataDirPath(),
		DBName:      "grovekv",
		InMemory:    false,
		LogLevel:    InfoLevel,
	}
}

// DefaultDataDirPath() is $USERHOME/.grovekv
func DefaultDataDirPath() string {
	// get the user home
	home, err := os.UserHomeDir()
	// if unable to get the user home
	if err != nil {
		// fatal error
		panic(err)
	}
	// exit with full default data directory path
	return filepath.Join(home, ".grovekv")
}

// NewConfigFromFile() loads a Config from a JSON file on disk
func NewConfigFromFile(filePath string) (c Config, err error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	err = json.Unmarshal(bz, &c)
	return
}
