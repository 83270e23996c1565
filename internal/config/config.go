package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendCRDB   = "crdb"
)

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	CRDBDSN      string `envconfig:"CRDB_DSN"`
	MongoURI     string `envconfig:"MONGO_URI"`
	MongoDB      string `envconfig:"MONGO_DB" default:"courts"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RabbitURL    string `envconfig:"RABBIT_URL"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	WalletURL    string `envconfig:"WALLET_URL"`
	// CourtsFile is a YAML court list used when no MONGO_URI is set.
	CourtsFile string `envconfig:"COURTS_FILE"`
	InstanceID string `envconfig:"INSTANCE_ID"`

	LockBackend  string `envconfig:"LOCK_BACKEND" default:"memory"`
	StoreBackend string `envconfig:"STORE_BACKEND" default:"memory"`
	// RelayEvents mirrors slot events through the broker so every API
	// instance's subscribers see them.
	RelayEvents bool `envconfig:"RELAY_EVENTS" default:"false"`
	// SweepInProcess runs the expiry sweep inside the API process. Turn it
	// off when cmd/expiry-worker owns the sweep.
	SweepInProcess bool `envconfig:"SWEEP_IN_PROCESS" default:"true"`

	HoldTTL          time.Duration `envconfig:"HOLD_TTL" default:"5m"`
	PaymentWindow    time.Duration `envconfig:"PAYMENT_WINDOW" default:"5m"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"2s"`
	SweepBatch       int           `envconfig:"SWEEP_BATCH" default:"500"`
	SweepLeaseTTL    time.Duration `envconfig:"SWEEP_LEASE_TTL" default:"15s"`
	StoreRetryMax    time.Duration `envconfig:"STORE_RETRY_MAX_ELAPSED" default:"3s"`
	Timezone         string        `envconfig:"TIMEZONE" default:"UTC"`
	RefundPolicyFile string        `envconfig:"REFUND_POLICY_FILE"`
	FanoutBuffer     int           `envconfig:"FANOUT_BUFFER" default:"64"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"1h"`
	OutboxInterval   time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`

	Location *time.Location `ignored:"true"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and resolves Location.
func (c *Config) Validate() error {
	if c.HoldTTL <= 0 || c.PaymentWindow <= 0 {
		return errors.New("HOLD_TTL and PAYMENT_WINDOW must be positive")
	}
	if c.SweepInterval < time.Second || c.SweepInterval > 5*time.Second {
		return errors.Newf("SWEEP_INTERVAL %s outside 1s-5s", c.SweepInterval)
	}
	if c.SweepBatch <= 0 || c.FanoutBuffer <= 0 {
		return errors.New("SWEEP_BATCH and FANOUT_BUFFER must be positive")
	}
	switch c.LockBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("LOCK_BACKEND=redis needs REDIS_ADDR")
		}
	default:
		return errors.Newf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendCRDB:
		if c.CRDBDSN == "" {
			return errors.New("STORE_BACKEND=crdb needs CRDB_DSN")
		}
	default:
		return errors.Newf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RelayEvents && c.RabbitURL == "" {
		return errors.New("RELAY_EVENTS needs RABBIT_URL")
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return errors.Wrapf(err, "TIMEZONE %q", c.Timezone)
	}
	c.Location = loc
	return nil
}

// Shared reports whether lock state lives outside this process.
func (c *Config) Shared() bool {
	return c.LockBackend == BackendRedis
}
