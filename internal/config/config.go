// Package config loads service configuration from the environment,
// with an optional YAML file overlay validated via struct tags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type InvalidationCfg struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"omitempty,min=1,dive,hostname_port"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupId"`
}

type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`

	// StoreDriver selects the aggregation engine: "mongo" or the
	// fixture-backed "memory" demo mode.
	StoreDriver   string `yaml:"storeDriver" validate:"omitempty,oneof=mongo memory"`
	MongoURI      string `yaml:"mongoUri"`
	MongoDatabase string `yaml:"mongoDatabase"`
	FixturePath   string `yaml:"fixturePath"`

	StoreOpTimeout time.Duration `yaml:"storeOpTimeout" validate:"gte=0"`

	RedisAddr    string        `yaml:"redisAddr"`
	CacheEnabled bool          `yaml:"cacheEnabled"`
	CacheTTL     time.Duration `yaml:"cacheTTL" validate:"gte=0"`
	CellRes      int           `yaml:"cellRes" validate:"gte=0,lte=15"`

	// AgeReferenceYear anchors the age buckets of the BirthYear facet.
	// The default matches the capture year of the ride dataset; see
	// the builder docs before changing it.
	AgeReferenceYear  int `yaml:"ageReferenceYear" validate:"gt=0"`
	RecentRideLimit   int `yaml:"recentRideLimit" validate:"gt=0"`
	MaxTraversalDepth int `yaml:"maxTraversalDepth" validate:"gt=0"`
	StationLRUSize    int `yaml:"stationLruSize" validate:"gt=0"`

	Invalidation InvalidationCfg `yaml:"invalidation"`
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8081"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		StoreDriver:   getenv("STORE_DRIVER", "mongo"),
		MongoURI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getenv("MONGO_DATABASE", "citibike"),
		FixturePath:   getenv("FIXTURE_PATH", ""),

		StoreOpTimeout: getduration("STORE_OP_TIMEOUT", 10*time.Second),

		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		CacheEnabled: getbool("CACHE_ENABLED", false),
		CacheTTL:     getduration("CACHE_TTL", 5*time.Minute),
		CellRes:      getint("CELL_RES", 7),

		AgeReferenceYear:  getint("AGE_REFERENCE_YEAR", 2016),
		RecentRideLimit:   getint("RECENT_RIDE_LIMIT", 3),
		MaxTraversalDepth: getint("MAX_TRAVERSAL_DEPTH", 64),
		StationLRUSize:    getint("STATION_LRU_SIZE", 1024),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "ride-events"),
			GroupID: getenv("KAFKA_GROUP_ID", "ridestats-invalidator"),
		},
	}
}

// Load combines the environment config with an optional YAML file and
// validates the result. An empty path means env only.
func Load(path string) (Config, error) {
	cfg := FromEnv()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
