package tributary

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgedlt/tributary/chain"
	"github.com/edgedlt/tributary/internal/crypto"
	"github.com/edgedlt/tributary/p2p"
	"github.com/edgedlt/tributary/storage"
	"github.com/edgedlt/tributary/tendermint"
	"github.com/edgedlt/tributary/timer"
	"github.com/edgedlt/tributary/transaction"
)

const (
	// DefaultSeenCacheSize is how many consensus message ids are kept in
	// memory for de-duplication.
	DefaultSeenCacheSize = 4096

	// DefaultSeenTTL is how long consensus message ids persist.
	DefaultSeenTTL = 10 * time.Minute
)

// Config holds the configuration for one Tributary chain.
type Config struct {
	// Genesis uniquely identifies the chain.
	Genesis [32]byte

	// StartTime is the canonical time (Unix milliseconds) block 1's first
	// round starts at.
	StartTime uint64

	// Key signs our messages. If it isn't one of the validators, the chain is
	// followed without voting.
	Key *crypto.PrivateKey

	// Validators are the chain's validators with their weights.
	Validators map[crypto.PublicKey]uint64

	// DB stores the chain. It may be shared by several chains.
	DB *storage.DB

	// Reader decodes application transactions.
	Reader transaction.Reader

	// P2P carries our messages to the other validators.
	P2P p2p.P2P

	// Timing configures the round timeouts.
	// If zero, tendermint.DefaultTiming() is used.
	Timing tendermint.Timing

	// Timer drives the machine's timeouts. If nil, a real timer is used.
	Timer timer.Timer

	// Logger for structured logging.
	Logger *zap.Logger

	// Registerer, if set, receives the chain's consensus metrics.
	Registerer prometheus.Registerer

	// BlockCacheSize is how many decoded blocks are cached.
	BlockCacheSize int

	// SeenCacheSize and SeenTTL bound consensus message de-duplication.
	SeenCacheSize int
	SeenTTL       time.Duration
}

// Option is a functional option for configuring a Tributary.
type Option func(*Config) error

// NewConfig creates a new Config with the given options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		Timing:         tendermint.DefaultTiming(),
		Logger:         zap.NewNop(),
		BlockCacheSize: chain.DefaultBlockCacheSize,
		SeenCacheSize:  DefaultSeenCacheSize,
		SeenTTL:        DefaultSeenTTL,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// validate checks that all required configuration fields are set.
func (c *Config) validate() error {
	if c.Genesis == ([32]byte{}) {
		return wrapConfig("genesis is required")
	}
	if c.Key == nil {
		return wrapConfig("key is required")
	}
	if len(c.Validators) == 0 {
		return wrapConfig("validators are required")
	}
	for validator, weight := range c.Validators {
		if weight == 0 {
			return wrapConfigf("validator %s has no weight", validator)
		}
	}
	if c.DB == nil {
		return wrapConfig("database is required")
	}
	if c.Reader == nil {
		return wrapConfig("transaction reader is required")
	}
	if c.P2P == nil {
		return wrapConfig("p2p is required")
	}
	if c.Timing.BlockProcessingTime <= 0 || c.Timing.LatencyTime <= 0 {
		return wrapConfig("timing must be positive")
	}
	if c.Logger == nil {
		return wrapConfig("logger is required")
	}
	if c.SeenCacheSize <= 0 || c.SeenTTL <= 0 {
		return wrapConfig("seen cache must be positive")
	}
	return nil
}

// WithGenesis sets the chain's genesis.
func WithGenesis(genesis [32]byte) Option {
	return func(c *Config) error {
		c.Genesis = genesis
		return nil
	}
}

// WithStartTime sets the canonical start time, in Unix milliseconds.
func WithStartTime(ms uint64) Option {
	return func(c *Config) error {
		c.StartTime = ms
		return nil
	}
}

// WithKey sets our signing key.
func WithKey(key *crypto.PrivateKey) Option {
	return func(c *Config) error {
		if key == nil {
			return fmt.Errorf("key cannot be nil")
		}
		c.Key = key
		return nil
	}
}

// WithValidators sets the validators and their weights.
func WithValidators(validators map[crypto.PublicKey]uint64) Option {
	return func(c *Config) error {
		c.Validators = validators
		return nil
	}
}

// WithDB sets the database.
func WithDB(db *storage.DB) Option {
	return func(c *Config) error {
		if db == nil {
			return fmt.Errorf("db cannot be nil")
		}
		c.DB = db
		return nil
	}
}

// WithReader sets the application transaction decoder.
func WithReader(reader transaction.Reader) Option {
	return func(c *Config) error {
		if reader == nil {
			return fmt.Errorf("reader cannot be nil")
		}
		c.Reader = reader
		return nil
	}
}

// WithP2P sets the transport.
func WithP2P(p p2p.P2P) Option {
	return func(c *Config) error {
		if p == nil {
			return fmt.Errorf("p2p cannot be nil")
		}
		c.P2P = p
		return nil
	}
}

// WithTiming sets the round timing.
func WithTiming(timing tendermint.Timing) Option {
	return func(c *Config) error {
		c.Timing = timing
		return nil
	}
}

// WithTimer sets the timer implementation.
func WithTimer(t timer.Timer) Option {
	return func(c *Config) error {
		if t == nil {
			return fmt.Errorf("timer cannot be nil")
		}
		c.Timer = t
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithMetrics registers the chain's metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) error {
		c.Registerer = reg
		return nil
	}
}

// WithBlockCacheSize sets how many decoded blocks are cached.
func WithBlockCacheSize(size int) Option {
	return func(c *Config) error {
		c.BlockCacheSize = size
		return nil
	}
}

// WithSeenCache bounds how many consensus message ids are remembered in
// memory, and for how long they persist.
func WithSeenCache(size int, ttl time.Duration) Option {
	return func(c *Config) error {
		c.SeenCacheSize = size
		c.SeenTTL = ttl
		return nil
	}
}
