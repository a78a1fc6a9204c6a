package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// General server level configuration.
type coreSettings struct {
	Debug bool `env:"DEBUG"`

	DBURI    string `env:"DB_URI" envDefault:"file:mta.sqlite3?_foreign_keys=on"`
	SeedFile string `env:"SEED_FILE"`

	// Enables locking deliveries across processes sharing the same database.
	RedisURL string `env:"REDIS_URL"`

	MetricsBindAddr string `env:"METRICS_BIND_ADDR"`

	InboundEnabled bool `env:"INBOUND_ENABLED"`
}

// Settings related to the outbound queue.
type queueSettings struct {
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	BatchSize    int           `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	MaxAttempts  int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	BaseBackoff  time.Duration `env:"QUEUE_BASE_BACKOFF" envDefault:"30s"`
	Workers      int           `env:"QUEUE_WORKERS" envDefault:"1"`
	LockTTL      time.Duration `env:"QUEUE_LOCK_TTL" envDefault:"15m"`
}

// Settings related to direct delivery to remote exchangers.
type deliverySettings struct {
	HeloHostname   string        `env:"HELO_HOSTNAME"`
	SMTPPort       int           `env:"SMTP_PORT" envDefault:"25"`
	DialTimeout    time.Duration `env:"SMTP_DIAL_TIMEOUT" envDefault:"30s"`
	CommandTimeout time.Duration `env:"SMTP_COMMAND_TIMEOUT" envDefault:"5m"`

	DNSTimeout        time.Duration `env:"DNS_TIMEOUT" envDefault:"5s"`
	DNSServers        []string      `env:"DNS_SERVERS" envSeparator:","`
	PublicIPResolvers []string      `env:"PUBLIC_IP_RESOLVERS" envSeparator:"," envDefault:"208.67.222.222,208.67.220.220"`

	DefaultFromEmail string `env:"DEFAULT_FROM_EMAIL" envDefault:"noreply@example.com"`
	DefaultFromName  string `env:"DEFAULT_FROM_NAME" envDefault:"Mailer"`
}

// Settings related to the inbound listener.
type inboundSettings struct {
	BindAddr         string `env:"INBOUND_BIND_ADDR" envDefault:":25"`
	Hostname         string `env:"INBOUND_HOSTNAME" envDefault:"localhost"`
	MaxMessageBytes  int64  `env:"INBOUND_MAX_MESSAGE_BYTES" envDefault:"10485760"`
	ForwardLocalPart string `env:"INBOUND_FORWARD_LOCAL_PART" envDefault:"forward"`
}

// Settings related to the dns health verifier.
type verifySettings struct {
	ServerIP string        `env:"SERVER_IP"`
	Interval time.Duration `env:"VERIFY_INTERVAL" envDefault:"6h"`
}

func init() {
	if err := Load(); err != nil {
		panic(err.Error())
	}
}

// Parses all the settings from the environment.
func Load() error {
	Core, Queue, Delivery, Verify = coreSettings{}, queueSettings{}, deliverySettings{}, verifySettings{}

	if err := env.Parse(&Core); err != nil {
		return fmt.Errorf("could not parse core configuration: %v", err)
	}
	if err := env.Parse(&Queue); err != nil {
		return fmt.Errorf("could not parse queue configuration: %v", err)
	}
	if err := env.Parse(&Delivery); err != nil {
		return fmt.Errorf("could not parse delivery configuration: %v", err)
	}

	// The inbound listener is optional, we don't need to bother with
	// its settings unless it is turned on.
	Inbound = inboundSettings{}
	if Core.InboundEnabled {
		if err := env.Parse(&Inbound); err != nil {
			return fmt.Errorf("could not parse inbound configuration: %v", err)
		}
	}

	if err := env.Parse(&Verify); err != nil {
		return fmt.Errorf("could not parse verify configuration: %v", err)
	}

	return nil
}

var Core coreSettings
var Queue queueSettings
var Delivery deliverySettings
var Verify verifySettings

// While it would be nicer to not have a global reference to these settings so
// we don't accidentally read it when the listener is disabled, having it be global
// makes our life slightly easier for now.
var Inbound inboundSettings
