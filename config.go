package cloudguard

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML either as a duration
// string ("2s", "1m30s") or as a bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Config is the full service configuration, loaded from a single YAML file.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	RateLimit     RateLimitConfig    `yaml:"rateLimit"`
	Detection     DetectionConfig    `yaml:"detection"`
	Baseline      BaselineConfig     `yaml:"baseline"`
	Remediation   RemediationConfig  `yaml:"remediation"`
	Notifications NotificationConfig `yaml:"notifications"`
	Storage       StorageConfig      `yaml:"storage"`
	Logging       LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Address         string   `yaml:"address"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	GracefulTimeout Duration `yaml:"gracefulTimeout"`
}

// RateLimitConfig is the hot-reloadable part of the config. The limiter never
// reads it directly; it is turned into an immutable LimiterSnapshot first.
type RateLimitConfig struct {
	Limit     int      `yaml:"limit"`
	Window    Duration `yaml:"window"`
	Whitelist []string `yaml:"whitelist"`
}

type DetectionConfig struct {
	Scorer           string   `yaml:"scorer"` // "statistical" or "ensemble"
	ZScoreThreshold  float64  `yaml:"zScoreThreshold"`
	Contamination    float64  `yaml:"contamination"`
	Trees            int      `yaml:"trees"`
	EvaluatorTimeout Duration `yaml:"evaluatorTimeout"`
	FreezeBaseline   bool     `yaml:"freezeBaseline"`
}

type BaselineConfig struct {
	Capacity              int      `yaml:"capacity"`
	AllowedInstanceTypes  []string `yaml:"allowedInstanceTypes"`
	AllowedSecurityGroups []string `yaml:"allowedSecurityGroups"`
	MaxInstances          int      `yaml:"maxInstances"`
}

type RemediationConfig struct {
	Workers   int      `yaml:"workers"`
	QueueSize int      `yaml:"queueSize"`
	DrainWait Duration `yaml:"drainWait"`
}

type NotificationConfig struct {
	Channel    string            `yaml:"channel"` // "log", "webhook" or "email"
	Topic      string            `yaml:"topic"`
	WebhookURL string            `yaml:"webhookURL"`
	Email      EmailConfig       `yaml:"email"`
	Details    map[string]string `yaml:"details"`
}

type EmailConfig struct {
	SMTPHost string `yaml:"smtpHost"`
	SMTPPort int    `yaml:"smtpPort"`
	Username string `yaml:"username"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

type StorageConfig struct {
	// Counter store driver: "memory" or "redis".
	Counter string      `yaml:"counter"`
	Redis   RedisConfig `yaml:"redis"`
	// Audit driver: "memory" or "sqlite".
	Audit     string `yaml:"audit"`
	SQLiteDSN string `yaml:"sqliteDSN"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is supplied:
// 10 requests per 60s window and the statistical scorer.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":5000",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			GracefulTimeout: Duration(15 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Limit:     10,
			Window:    Duration(60 * time.Second),
			Whitelist: []string{"192.168.1.1", "127.0.0.1"},
		},
		Detection: DetectionConfig{
			Scorer:           "statistical",
			ZScoreThreshold:  3.0,
			Contamination:    0.05,
			Trees:            100,
			EvaluatorTimeout: Duration(2 * time.Second),
		},
		Baseline: BaselineConfig{
			Capacity:              512,
			AllowedInstanceTypes:  []string{"t2.micro", "t2.small", "t2.medium"},
			AllowedSecurityGroups: []string{"sg-01234", "sg-56789"},
			MaxInstances:          3,
		},
		Remediation: RemediationConfig{
			Workers:   2,
			QueueSize: 256,
			DrainWait: Duration(5 * time.Second),
		},
		Notifications: NotificationConfig{
			Channel: "log",
			Topic:   "security-alerts",
		},
		Storage: StorageConfig{
			Counter:   "memory",
			Audit:     "sqlite",
			SQLiteDSN: "cloudguard.db",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads path, overlays it onto the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rateLimit.limit must be positive, got %d", c.RateLimit.Limit)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be positive, got %s", c.RateLimit.Window)
	}
	switch c.Detection.Scorer {
	case "", "statistical", "ensemble":
	default:
		return fmt.Errorf("detection.scorer must be statistical or ensemble, got %q", c.Detection.Scorer)
	}
	if c.Detection.ZScoreThreshold < 0 {
		return fmt.Errorf("detection.zScoreThreshold must not be negative")
	}
	if c.Detection.Contamination < 0 || c.Detection.Contamination >= 0.5 {
		return fmt.Errorf("detection.contamination must be in [0, 0.5), got %f", c.Detection.Contamination)
	}
	if c.Baseline.Capacity <= 0 {
		return fmt.Errorf("baseline.capacity must be positive, got %d", c.Baseline.Capacity)
	}
	if c.Remediation.Workers <= 0 {
		return fmt.Errorf("remediation.workers must be positive, got %d", c.Remediation.Workers)
	}
	if c.Remediation.QueueSize <= 0 {
		return fmt.Errorf("remediation.queueSize must be positive, got %d", c.Remediation.QueueSize)
	}
	switch c.Storage.Counter {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("storage.counter must be memory or redis, got %q", c.Storage.Counter)
	}
	switch c.Storage.Audit {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("storage.audit must be memory or sqlite, got %q", c.Storage.Audit)
	}
	return nil
}

// ConfigWatcher reloads the rate-limit section when the config file changes on
// disk. Only the limiter snapshot is swapped live; everything else requires a
// restart.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchConfig starts a watcher on path that pushes updated limiter snapshots
// into limiter whenever the file is rewritten.
func WatchConfig(path string, limiter *RateLimiter, logger zerolog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on the
	// file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	cw := &ConfigWatcher{watcher: watcher, done: make(chan struct{})}
	go func() {
		defer close(cw.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping previous settings")
					continue
				}
				limiter.Update(cfg.RateLimit)
				logger.Info().
					Int("limit", cfg.RateLimit.Limit).
					Dur("window", cfg.RateLimit.Window.Std()).
					Msg("rate limit config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return cw, nil
}

// Stop closes the watcher and waits for the reload loop to exit.
func (cw *ConfigWatcher) Stop() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
