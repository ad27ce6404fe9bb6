package websub

import (
	"time"

	"github.com/jpillora/backoff"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// MinLease is the smallest hub.lease_seconds a subscriber may request.
const MinLease = 60 * time.Second

// Config holds the tunable hub settings. The zero value is not usable,
// start from DefaultConfig.
type Config struct {
	// Hasher is the signature algorithm for notifications to
	// subscriptions created with a secret.
	Hasher string `yaml:"hasher" mapstructure:"hasher"`

	// URL is the public hub URL, advertised in the Link header of
	// delivered notifications.
	URL string `yaml:"url" mapstructure:"url"`

	// DefaultLease applies when a subscriber sends no hub.lease_seconds.
	DefaultLease time.Duration `yaml:"default_lease" mapstructure:"default_lease"`

	// MaxLease caps requested leases. Zero means no cap.
	MaxLease time.Duration `yaml:"max_lease" mapstructure:"max_lease"`

	// RemotePublish allows publishers to push content over HTTP with
	// hub.mode=publish. When disabled, only the Publish method accepts
	// content.
	RemotePublish bool `yaml:"remote_publish" mapstructure:"remote_publish"`

	// SweepInterval is how often expired leases and stale records are
	// collected.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// Retention is how long records that can no longer become active are
	// kept for inspection before the sweeper drops them.
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`

	Verify  RetryConfig   `yaml:"verify" mapstructure:"verify"`
	Deliver DeliverConfig `yaml:"deliver" mapstructure:"deliver"`
}

// RetryConfig controls one class of outgoing callback requests.
type RetryConfig struct {
	// Timeout applies per request.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Attempts is the total number of tries, including the first.
	Attempts int `yaml:"attempts" mapstructure:"attempts"`

	// Min, Max and Factor shape the backoff between tries.
	Min    time.Duration `yaml:"min" mapstructure:"min"`
	Max    time.Duration `yaml:"max" mapstructure:"max"`
	Factor float64       `yaml:"factor" mapstructure:"factor"`
}

// Backoff builds a fresh backoff source. Each retrying operation needs
// its own, the source is stateful.
func (c RetryConfig) Backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.Min,
		Max:    c.Max,
		Factor: c.Factor,
		Jitter: false,
	}
}

// DeliverConfig controls notification delivery.
type DeliverConfig struct {
	RetryConfig `yaml:",inline" mapstructure:",squash"`

	// QueueSize bounds each callback's pending notification queue.
	// Notifications past the bound are dropped.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// DefaultConfig returns the stock hub configuration.
func DefaultConfig() Config {
	return Config{
		Hasher:        "sha256",
		DefaultLease:  240 * time.Hour,
		MaxLease:      0,
		RemotePublish: false,
		SweepInterval: time.Minute,
		Retention:     time.Hour,
		Verify: RetryConfig{
			Timeout:  30 * time.Second,
			Attempts: 3,
			Min:      100 * time.Millisecond,
			Max:      10 * time.Minute,
			Factor:   2,
		},
		Deliver: DeliverConfig{
			RetryConfig: RetryConfig{
				Timeout:  30 * time.Second,
				Attempts: 3,
				Min:      100 * time.Millisecond,
				Max:      10 * time.Minute,
				Factor:   2,
			},
			QueueSize: 64,
		},
	}
}

// Merge applies override values onto the config. Keys follow the yaml
// names, nested sections as nested maps. String values are coerced, so
// durations like "30s" work.
func (c *Config) Merge(values map[string]interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           c,
	})

	if err != nil {
		return err
	}

	return dec.Decode(values)
}

// Validate checks the config for values the hub cannot run with.
func (c Config) Validate() error {
	if _, ok := NewHasher(c.Hasher); !ok {
		return errors.Errorf("unknown hasher %q", c.Hasher)
	}

	if c.DefaultLease < MinLease {
		return errors.Errorf("default_lease must be at least %s", MinLease)
	}

	if c.MaxLease != 0 && c.MaxLease < c.DefaultLease {
		return errors.New("max_lease must be at least default_lease")
	}

	if c.Verify.Attempts < 1 || c.Deliver.Attempts < 1 {
		return errors.New("attempts must be at least 1")
	}

	if c.Deliver.QueueSize < 1 {
		return errors.New("deliver queue_size must be at least 1")
	}

	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}

	return nil
}
