// Package config loads IAER's YAML configuration, one section per
// component, and republishes validated snapshots on change so components
// never read a mutable global.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// StoreConfig tunes the durable Store's degraded-path backoff.
type StoreConfig struct {
	DSN                 string        `yaml:"dsn"`
	UnavailableThreshold int          `yaml:"unavailable_threshold" validate:"min=1"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
}

// SuppressionConfig tunes the Suppression Index.
type SuppressionConfig struct {
	RedisAddr             string                   `yaml:"redis_addr"`
	DefaultCooldownPerSeverity map[string]time.Duration `yaml:"default_cooldown_per_severity"`
}

// OnCallConfig tunes the On-Call Resolver.
type OnCallConfig struct {
	DefaultContactID string `yaml:"default_contact_id"`
}

// DispatcherConfig tunes the Notification Dispatcher.
type DispatcherConfig struct {
	Workers                              int           `yaml:"dispatcher_workers" validate:"min=1"`
	ConstitutionalChannelPartitionFraction float64     `yaml:"constitutional_channel_partition_fraction" validate:"min=0,max=1"`
	MaxAttempts                          int           `yaml:"max_attempts" validate:"min=1"`
	BaseBackoff                          time.Duration `yaml:"base_backoff"`
	MaxBackoff                           time.Duration `yaml:"max_backoff"`
	PerJobDeadline                       time.Duration `yaml:"per_job_deadline"`
	ChannelSendTimeout                   time.Duration `yaml:"channel_send_timeout"`
}

// EscalationConfig tunes the Escalation Engine.
type EscalationConfig struct {
	Partitions             int    `yaml:"partitions" validate:"min=1"`
	IngressQueueCapacity   int    `yaml:"ingress_queue_capacity" validate:"min=1"`
	DefaultPolicyID        string `yaml:"default_policy_id" validate:"required"`
	ConstitutionalPolicyID string `yaml:"constitutional_policy_id" validate:"required"`
	MaxEscalationLevel     int    `yaml:"max_escalation_level" validate:"min=1"`
	PolicyModule           string `yaml:"policy_module"`
}

// ExecutorConfig tunes the Remediation Executor.
type ExecutorConfig struct {
	Workers                  int           `yaml:"executor_workers" validate:"min=1"`
	BaseBackoff              time.Duration `yaml:"base_backoff"`
	MaxBackoff               time.Duration `yaml:"max_backoff"`
	RemediationGlobalKillswitch bool       `yaml:"remediation_global_killswitch"`
}

// ChannelsConfig configures the concrete Channel adapters.
type ChannelsConfig struct {
	SlackToken   string            `yaml:"slack_token"`
	WebhookTimeout time.Duration   `yaml:"webhook_timeout"`
	FileDir      string            `yaml:"file_dir"`
	Templates    map[string]string `yaml:"templates"`
}

// RemediationMappingConfig statically binds a (rule_name, severity) pair to
// the RemediationAction the Escalation Engine should launch for it. The Action itself is
// still stored and versioned in the Store; this only says which one applies.
type RemediationMappingConfig struct {
	RuleName string `yaml:"rule_name" validate:"required"`
	Severity string `yaml:"severity" validate:"required"`
	ActionID string `yaml:"action_id" validate:"required"`
	// AllowedLabelKeys extends the action's command-template placeholder
	// vocabulary with these alert label keys; anything else in the template
	// is rejected at load time.
	AllowedLabelKeys []string `yaml:"allowed_label_keys"`
}

// RetentionConfig tunes the periodic expiry sweep.
type RetentionConfig struct {
	Schedule                  string `yaml:"schedule" validate:"required"`
	AlertRetentionDays        int    `yaml:"alert_retention_days" validate:"min=1"`
	ConstitutionalRetentionDays int  `yaml:"constitutional_retention_days" validate:"min=1"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Config is the root document; each field is a self-contained component
// section.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Suppression SuppressionConfig `yaml:"suppression"`
	OnCall      OnCallConfig      `yaml:"oncall"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Channels    ChannelsConfig    `yaml:"channels"`
	RemediationMappings []RemediationMappingConfig `yaml:"remediation_mappings"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
}

var validate = validator.New()

func defaults() *Config {
	return &Config{
		Store: StoreConfig{
			UnavailableThreshold: 5,
			BackoffBase:          500 * time.Millisecond,
			BackoffMax:           30 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Workers:                                8,
			ConstitutionalChannelPartitionFraction: 0.2,
			MaxAttempts:                            5,
			BaseBackoff:                            500 * time.Millisecond,
			MaxBackoff:                             30 * time.Second,
			PerJobDeadline:                         5 * time.Minute,
			ChannelSendTimeout:                     10 * time.Second,
		},
		Escalation: EscalationConfig{
			Partitions:             16,
			IngressQueueCapacity:   1024,
			DefaultPolicyID:        "default",
			ConstitutionalPolicyID: "constitutional",
			MaxEscalationLevel:     3,
		},
		Executor: ExecutorConfig{
			Workers:     4,
			BaseBackoff: time.Second,
			MaxBackoff:  time.Minute,
		},
		Channels: ChannelsConfig{
			WebhookTimeout: 10 * time.Second,
			FileDir:        "/var/lib/iaer/notifications",
		},
		Retention: RetentionConfig{
			Schedule:                    "0 3 * * *",
			AlertRetentionDays:          30,
			ConstitutionalRetentionDays: 2555,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path, decodes it over the defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watcher holds the current validated snapshot, swapped atomically whenever
// path changes on disk.
type Watcher struct {
	path string
	log  *zap.Logger

	cur atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
	fw        *fsnotify.Watcher
}

// NewWatcher loads path once and prepares to watch it for changes. Call
// Start to begin watching.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log}
	w.cur.Store(cfg)
	return w, nil
}

// Current returns the latest validated snapshot.
func (w *Watcher) Current() *Config { return w.cur.Load() }

// OnChange registers a callback invoked with each newly validated snapshot.
// A config file that fails to parse or validate is logged and ignored; the
// previous snapshot remains current.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start launches the fsnotify watch loop; it runs until ctx-equivalent Stop
// is called or the process exits.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	w.fw = fw
	go w.loop()
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	if w.fw == nil {
		return nil
	}
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config: reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			w.cur.Store(cfg)
			w.mu.Lock()
			listeners := append([]func(*Config){}, w.listeners...)
			w.mu.Unlock()
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config: watcher error", zap.Error(err))
		}
	}
}
