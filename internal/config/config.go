// Package config loads the indexer's two configuration surfaces: the
// koanf-backed TOML/env settings (service-level knobs) and the JSON
// descriptor file (chains, contracts, factories, crons) — following the
// teacher's split between config.toml and chains.json.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// SchemaNames holds the three schema names the indexer writes to, with
// the defaults from spec §6.
type SchemaNames struct {
	Sync  string
	App   string
	Crons string
}

func DefaultSchemaNames() SchemaNames {
	return SchemaNames{Sync: "kyomei_sync", App: "kyomei_app", Crons: "kyomei_crons"}
}

// Settings is the service-level configuration surface (spec §6):
// database connection, schema names, API port/path, log level, pool
// size, and bus endpoint.
type Settings struct {
	DatabaseConnectionString string
	Schemas                  SchemaNames
	APIPort                  int
	APIGraphQLPath           string
	LogLevel                 string
	DBPoolMaxConns           int
	NATSURL                  string
	DescriptorsPath          string
	// LeaseStorePath is the bbolt file backing internal/leasestore, the
	// local accelerant cache in front of the authoritative Postgres
	// worker rows.
	LeaseStorePath string
	// MetricsAddress and HealthAddress follow the teacher's split
	// metrics/health servers (cmd/indexer/main.go).
	MetricsAddress string
	HealthAddress  string
}

// Load reads config.toml (with env-var overrides, as the teacher does)
// into a Settings value.
func Load(logger *zerolog.Logger, configPath string) (*Settings, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, err
	}

	// Environment variables like DATABASE_CONNECTION_STRING override
	// database.connection.string (every underscore becomes a dot).
	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment overrides")
	}

	s := &Settings{
		DatabaseConnectionString: ko.String("database.connection.string"),
		Schemas: SchemaNames{
			Sync:  orDefault(ko.String("schemas.sync"), "kyomei_sync"),
			App:   orDefault(ko.String("schemas.app"), "kyomei_app"),
			Crons: orDefault(ko.String("schemas.crons"), "kyomei_crons"),
		},
		APIPort:         intOrDefault(ko.Int("api.port"), 42069),
		APIGraphQLPath:  orDefault(ko.String("api.graphql.path"), "/graphql"),
		LogLevel:        orDefault(ko.String("logging.level"), "info"),
		DBPoolMaxConns:  intOrDefault(ko.Int("database.pool.max.conns"), 20),
		NATSURL:         orDefault(ko.String("nats.url"), "nats://127.0.0.1:4222"),
		DescriptorsPath: orDefault(ko.String("descriptors.path"), "config/descriptors.json"),
		LeaseStorePath:  orDefault(ko.String("db.lease.store.path"), "./data/lease.db"),
		MetricsAddress:  orDefault(ko.String("metrics.address"), ":9090"),
		HealthAddress:   orDefault(ko.String("health.address"), ":9091"),
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded")
	return s, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
