// Package config provides the collector's configuration provider: a
// thin, concrete stand-in for the external "Options" collaborator the
// specification treats as out of core, reading the same key names from
// a config file or environment and falling back to compiled-in
// defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DatabaseType selects the persistence backend.
type DatabaseType string

const (
	DatabaseSQLite     DatabaseType = "sqlite3"
	DatabasePostgreSQL DatabaseType = "postgresql"
)

// Options holds every named configuration value the collector and its
// components read at startup. Field names match the configuration keys
// listed in the specification's external-interfaces section.
type Options struct {
	DatabaseType     DatabaseType
	RuntimeDirectory string
	DBFilePath       string
	DBName           string
	DBUserName       string
	DBUserPassword   string
	DBServerAddress  string
	DBServerPort     uint16
	ControlSocket    string
}

// Defaults mirrors the original implementation's compiled-in fallback
// table, used whenever a key is absent from the file/environment.
func Defaults() Options {
	return Options{
		DatabaseType:     DatabaseSQLite,
		RuntimeDirectory: "/var/run/tkmcollector",
		DBFilePath:       "/var/lib/tkmcollector/tkmcollector.db",
		DBName:           "tkmcollector",
		DBUserName:       "tkmcollector",
		DBUserPassword:   "",
		DBServerAddress:  "127.0.0.1",
		DBServerPort:     5432,
		ControlSocket:    "tkmcollector.sock",
	}
}

// Load reads configuration from the named file (if non-empty) and from
// environment variables prefixed TKM_, overlaying Defaults() for any
// key left unset by either source.
func Load(path string) (Options, error) {
	def := Defaults()

	v := viper.New()
	v.SetEnvPrefix("TKM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("DatabaseType", string(def.DatabaseType))
	v.SetDefault("RuntimeDirectory", def.RuntimeDirectory)
	v.SetDefault("DBFilePath", def.DBFilePath)
	v.SetDefault("DBName", def.DBName)
	v.SetDefault("DBUserName", def.DBUserName)
	v.SetDefault("DBUserPassword", def.DBUserPassword)
	v.SetDefault("DBServerAddress", def.DBServerAddress)
	v.SetDefault("DBServerPort", def.DBServerPort)
	v.SetDefault("ControlSocket", def.ControlSocket)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	opts := Options{
		DatabaseType:     DatabaseType(v.GetString("DatabaseType")),
		RuntimeDirectory: v.GetString("RuntimeDirectory"),
		DBFilePath:       v.GetString("DBFilePath"),
		DBName:           v.GetString("DBName"),
		DBUserName:       v.GetString("DBUserName"),
		DBUserPassword:   v.GetString("DBUserPassword"),
		DBServerAddress:  v.GetString("DBServerAddress"),
		DBServerPort:     uint16(v.GetUint32("DBServerPort")),
		ControlSocket:    v.GetString("ControlSocket"),
	}

	if opts.DatabaseType != DatabaseSQLite && opts.DatabaseType != DatabasePostgreSQL {
		return Options{}, fmt.Errorf("config: unknown DatabaseType %q", opts.DatabaseType)
	}
	return opts, nil
}
