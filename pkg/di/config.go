package di

import (
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-relational-cache/cache"
	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/internal/notify"
	"github.com/goliatone/go-relational-cache/internal/sqlstore"
	"github.com/goliatone/go-relational-cache/internal/worker"
	"github.com/goliatone/go-relational-cache/relationalcache"
	"github.com/goliatone/go-relational-cache/sequencer"
)

// Config is the YAML configuration of a container.
//
//	data_sources:
//	  - name: main
//	    driver: postgres
//	    dsn: postgres://app@localhost/app?sslmode=disable
//	entities:
//	  user:
//	    read_data_source: replica
//	    write_data_source: main
//	    keys:
//	      email: [email]
//	cache:
//	  capacity: 50000
//	  ttl: 10m
//	get_retry_backoff: 1s
//	sequencer:
//	  implementation: redis
//	  redis:
//	    addr: localhost:6379
type Config struct {
	DataSources     []sqlstore.DataSource   `yaml:"data_sources"`
	Entities        map[string]EntityConfig `yaml:"entities"`
	Cache           cache.Config            `yaml:"cache"`
	Workers         int                     `yaml:"workers"`
	GetRetryBackoff time.Duration           `yaml:"get_retry_backoff"`
	Sequencer       SequencerConfig         `yaml:"sequencer"`
	Notifications   NotificationsConfig     `yaml:"notifications"`
	Metrics         MetricsConfig           `yaml:"metrics"`
}

// EntityConfig overrides the defaults of one entity's cache.
type EntityConfig struct {
	ReadDataSource  string              `yaml:"read_data_source"`
	WriteDataSource string              `yaml:"write_data_source"`
	PrimaryKey      []string            `yaml:"primary_key"`
	Keys            map[string][]string `yaml:"keys"`
	Joins           []string            `yaml:"joins"`
	Translation     string              `yaml:"translation"`
}

func (e EntityConfig) Validate() error {
	_, err := descriptor.ParseTranslationMode(e.Translation)
	return err
}

// SequencerConfig selects the sequencer implementation and its backing store.
// With no implementation, Create relies on keys generated by the store.
type SequencerConfig struct {
	Implementation string `yaml:"implementation"`
	// DataSource is the data source the database implementation keeps its
	// table in. Defaults to the default data source.
	DataSource string         `yaml:"data_source"`
	BoltPath   string         `yaml:"bolt_path"`
	Redis      RedisConfig    `yaml:"redis"`
	DynamoDB   DynamoDBConfig `yaml:"dynamodb"`
}

func (s SequencerConfig) Validate() error {
	impls := sequencer.Implementations()
	allowed := make([]interface{}, len(impls))
	for i, name := range impls {
		allowed[i] = name
	}
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Implementation, validation.In(allowed...)),
		validation.Field(&s.BoltPath, validation.When(s.Implementation == "bolt", validation.Required)),
	)
	if err != nil {
		return err
	}
	// backend settings only matter for the selected implementation
	switch s.Implementation {
	case "redis":
		return s.Redis.validate()
	case "dynamodb":
		return s.DynamoDB.validate()
	}
	return nil
}

// RedisConfig holds the redis sequencer connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (r RedisConfig) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Addr, validation.Required),
		validation.Field(&r.DB, validation.Min(0)),
	)
}

// DynamoDBConfig holds the dynamodb sequencer settings. Credentials fall back
// to the default AWS chain when the static keys are empty.
type DynamoDBConfig struct {
	Table           string `yaml:"table"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func (d DynamoDBConfig) validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Table, validation.Required),
		validation.Field(&d.Region, validation.Required),
	)
}

// NotificationsConfig enables cross-process change notifications.
type NotificationsConfig struct {
	Kafka *notify.Config `yaml:"kafka"`
}

func (n NotificationsConfig) Validate() error {
	if n.Kafka == nil {
		return nil
	}
	return n.Kafka.Validate()
}

// MetricsConfig enables the facade counters.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used for every unset field.
func DefaultConfig() Config {
	return Config{
		Cache:           cache.DefaultConfig(),
		Workers:         worker.DefaultSize,
		GetRetryBackoff: relationalcache.DefaultRetryBackoff,
	}
}

// LoadConfig reads and validates the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Mark(err, errors.Validation, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the whole configuration, including that every entity and
// the database sequencer name configured data sources.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.DataSources, validation.Required),
		validation.Field(&c.Entities),
		validation.Field(&c.Cache),
		validation.Field(&c.Workers, validation.Min(0)),
		validation.Field(&c.GetRetryBackoff, validation.Min(time.Duration(0))),
		validation.Field(&c.Sequencer),
		validation.Field(&c.Notifications),
	)
	if err != nil {
		return errors.Mark(err, errors.Validation, "invalid config")
	}

	known := make(map[string]bool, len(c.DataSources))
	for _, ds := range c.DataSources {
		if known[ds.Name] {
			return errors.Newf(errors.Validation, "invalid config: data source %q defined twice", ds.Name)
		}
		known[ds.Name] = true
	}
	for entity, ec := range c.Entities {
		for _, name := range []string{ec.ReadDataSource, ec.WriteDataSource} {
			if name != "" && !known[name] {
				return errors.Newf(errors.Validation, "invalid config: entity %q uses unknown data source %q", entity, name)
			}
		}
	}
	if name := c.Sequencer.DataSource; name != "" && !known[name] {
		return errors.Newf(errors.Validation, "invalid config: sequencer uses unknown data source %q", name)
	}
	return nil
}

// DataSource returns the data source named name.
func (c Config) DataSource(name string) (sqlstore.DataSource, bool) {
	for _, ds := range c.DataSources {
		if ds.Name == name {
			return ds, true
		}
	}
	return sqlstore.DataSource{}, false
}

// defaultDataSource is the data source entities without their own settings
// use: "default" when configured, the first one otherwise.
func (c Config) defaultDataSource() string {
	if _, ok := c.DataSource(relationalcache.DefaultDataSource); ok {
		return relationalcache.DefaultDataSource
	}
	if len(c.DataSources) > 0 {
		return c.DataSources[0].Name
	}
	return relationalcache.DefaultDataSource
}
