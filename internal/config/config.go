// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"telemetry-gateway/internal/alerting"
	"telemetry-gateway/internal/anomaly"
	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/data"
	"telemetry-gateway/internal/dispatch"
	"telemetry-gateway/internal/ingress"
	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/pipeline"
	"telemetry-gateway/internal/storage"
)

const EnvPrefix = "GATEWAY"

type Config struct {
	Server struct {
		DataAddr   string `mapstructure:"data_addr"`
		UIAddr     string `mapstructure:"ui_addr"`
		SocketAddr string `mapstructure:"socket_addr"`
	} `mapstructure:"server"`
	Log           logging.Config         `mapstructure:"log"`
	DatabaseURL   string                 `mapstructure:"database_url"`
	DefaultTenant string                 `mapstructure:"default_tenant"`
	Sensors       []storage.SensorConfig `mapstructure:"sensors"`
	State         storage.Config         `mapstructure:"state"`
	Anomaly       anomaly.Config         `mapstructure:"anomaly"`
	Rules         RulesConfig            `mapstructure:"rules"`
	Alerting      alerting.Config        `mapstructure:"alerting"`
	Dispatch      dispatch.Config        `mapstructure:"dispatch"`
	Audit         audit.Config           `mapstructure:"audit"`
	Auth          auth.Config            `mapstructure:"auth"`
	Pipeline      pipeline.Config        `mapstructure:"pipeline"`
	MQTT          ingress.MQTTConfig     `mapstructure:"mqtt"`

	// File is the config file that was read, empty when running on
	// defaults and environment only.
	File string `mapstructure:"-"`
}

type RulesConfig struct {
	Source          string        `mapstructure:"source"` // file, postgres, none
	Path            string        `mapstructure:"path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads config.yaml from dir, then GATEWAY_* environment variables.
// A .env file in dir is loaded into the environment first when present.
func Load(dir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_addr", ":8080")
	v.SetDefault("server.ui_addr", ":8081")
	v.SetDefault("server.socket_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("database_url", "")
	v.SetDefault("default_tenant", "default")

	state := storage.DefaultConfig()
	v.SetDefault("state.window_size", state.WindowSize)
	v.SetDefault("state.retention", state.Retention)
	v.SetDefault("state.shards", state.Shards)
	v.SetDefault("state.max_sensors", state.MaxSensors)

	an := anomaly.DefaultConfig()
	v.SetDefault("anomaly.z_max", an.ZMax)
	v.SetDefault("anomaly.rate_max", an.RateMax)
	v.SetDefault("anomaly.min_samples", an.MinSamples)
	v.SetDefault("anomaly.epsilon", an.Epsilon)
	v.SetDefault("anomaly.leak_threshold", an.LeakThreshold)
	v.SetDefault("anomaly.ml.endpoint", an.ML.Endpoint)
	v.SetDefault("anomaly.ml.timeout", an.ML.Timeout)

	v.SetDefault("rules.source", "none")
	v.SetDefault("rules.path", "rules.yaml")
	v.SetDefault("rules.refresh_interval", 30*time.Second)

	al := alerting.DefaultConfig()
	v.SetDefault("alerting.threshold", al.Threshold)
	v.SetDefault("alerting.cooldowns.critical", al.Cooldowns.Critical)
	v.SetDefault("alerting.cooldowns.high", al.Cooldowns.High)
	v.SetDefault("alerting.cooldowns.medium", al.Cooldowns.Medium)
	v.SetDefault("alerting.cooldowns.low", al.Cooldowns.Low)
	v.SetDefault("alerting.cooldowns.info", al.Cooldowns.Info)
	v.SetDefault("alerting.auto_resolve_after", al.AutoResolveAfter)
	v.SetDefault("alerting.comms_loss_after", al.CommsLossAfter)
	v.SetDefault("alerting.persist_attempts", al.PersistAttempts)
	v.SetDefault("alerting.persist_backoff", al.PersistBackoff)
	v.SetDefault("alerting.shards", al.Shards)

	d := dispatch.DefaultConfig()
	v.SetDefault("dispatch.queue_size", d.QueueSize)
	v.SetDefault("dispatch.enqueue_timeout", d.EnqueueTimeout)
	v.SetDefault("dispatch.publish_retries", d.PublishRetries)
	v.SetDefault("dispatch.retry_backoff", d.RetryBackoff)
	v.SetDefault("dispatch.brokers", []string{})
	v.SetDefault("dispatch.topic", d.Topic)

	au := audit.DefaultConfig()
	v.SetDefault("audit.dir", au.Dir)
	v.SetDefault("audit.buffer", au.Buffer)
	v.SetDefault("audit.batch_size", au.BatchSize)
	v.SetDefault("audit.flush_interval", au.FlushInterval)
	v.SetDefault("audit.compact_bytes", au.CompactBytes)
	v.SetDefault("audit.writer", au.Writer)
	v.SetDefault("audit.database_url", au.DatabaseURL)
	v.SetDefault("audit.table", au.Table)
	v.SetDefault("audit.nats_url", au.NATSURL)
	v.SetDefault("audit.subject", au.Subject)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)
	v.SetDefault("auth.cache_ttl", 5*time.Minute)
	v.SetDefault("auth.redis_addr", "")

	p := pipeline.DefaultConfig()
	v.SetDefault("pipeline.workers", p.Workers)
	v.SetDefault("pipeline.queue_size", p.QueueSize)
	v.SetDefault("pipeline.submit_timeout", p.SubmitTimeout)
	v.SetDefault("pipeline.sweep_interval", p.SweepInterval)

	mq := ingress.DefaultMQTTConfig()
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic", mq.Topic)
	v.SetDefault("mqtt.qos", mq.QoS)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.tls", false)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.DataAddr == "" {
		fail("server.data_addr is required")
	}
	if c.Server.UIAddr == "" {
		fail("server.ui_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		fail("auth.jwt_secret is required")
	}
	if c.State.WindowSize <= 0 {
		fail("state.window_size must be positive")
	}
	if c.Anomaly.ZMax <= 0 || c.Anomaly.RateMax <= 0 {
		fail("anomaly.z_max and anomaly.rate_max must be positive")
	}
	if c.Alerting.Threshold <= 0 || c.Alerting.Threshold > 1 {
		fail("alerting.threshold must be in (0, 1]")
	}
	if c.MQTT.QoS > 2 {
		fail("mqtt.qos must be 0, 1 or 2")
	}

	switch c.Rules.Source {
	case "file":
		if c.Rules.Path == "" {
			fail("rules.path is required for the file source")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			fail("database_url is required for the postgres rule source")
		}
	case "none":
	default:
		fail("rules.source %q is not one of file, postgres, none", c.Rules.Source)
	}

	switch c.Audit.Writer {
	case "log":
	case "postgres":
		if c.Audit.DatabaseURL == "" && c.DatabaseURL == "" {
			fail("audit.database_url or database_url is required for the postgres audit writer")
		}
	case "nats":
		if c.Audit.NATSURL == "" {
			fail("audit.nats_url is required for the nats audit writer")
		}
	default:
		fail("audit.writer %q is not one of log, postgres, nats", c.Audit.Writer)
	}

	for tenant, channels := range c.Dispatch.Tenants {
		for _, ch := range channels {
			if ch.Name == "" {
				fail("dispatch.tenants.%s: channel without name", tenant)
			}
			if ch.MinSeverity == "" {
				continue
			}
			if _, err := data.ParseSeverity(ch.MinSeverity); err != nil {
				fail("dispatch.tenants.%s.%s: %v", tenant, ch.Name, err)
			}
		}
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.SensorID == "" {
			fail("sensors[%d]: sensor_id is required", i)
			continue
		}
		if seen[s.SensorID] {
			fail("sensors[%d]: duplicate sensor_id %q", i, s.SensorID)
		}
		seen[s.SensorID] = true
	}

	return errors.Join(errs...)
}
