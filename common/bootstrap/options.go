package bootstrap

import (
	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/logger"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipDB       bool
	skipRedis    bool
	skipNATS     bool
	customLogger *logger.Logger
	customConfig *config.Config
	dbInits      []db.InitFunc
}

// WithoutDB skips database initialization
func WithoutDB() Option {
	return func(o *options) {
		o.skipDB = true
	}
}

// WithoutRedis skips redis initialization
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithNATS forces a NATS connection even when the nats_kv result store
// is not the default
func WithNATS() Option {
	return func(o *options) {
		o.skipNATS = false
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithDBInit registers an init func the pool runs before it is handed
// out. Useful for applying schema, seeding data, etc.
func WithDBInit(init db.InitFunc) Option {
	return func(o *options) {
		o.dbInits = append(o.dbInits, init)
	}
}

func defaultOptions() *options {
	return &options{
		skipDB:    false,
		skipRedis: false,
		skipNATS:  true,
	}
}
