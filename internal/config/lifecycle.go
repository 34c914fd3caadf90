package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LifecycleConfig tunes the entitlement notification queue and its worker.
type LifecycleConfig struct {
	ServiceName  string        `mapstructure:"serviceName"`
	QueueName    string        `mapstructure:"queueName"`
	RunInterval  time.Duration `mapstructure:"runInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	JobTimeout   time.Duration `mapstructure:"jobTimeout"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	RetryBackoff time.Duration `mapstructure:"retryBackoff"`
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		ServiceName:  "entitlement-service",
		QueueName:    "entitlement-events",
		RunInterval:  30 * time.Second,
		BatchSize:    50,
		JobTimeout:   30 * time.Second,
		MaxAttempts:  5,
		RetryBackoff: time.Minute,
	}
}

type LifecycleConfigHolder struct {
	current atomic.Value // holds LifecycleConfig
}

// NewStaticLifecycleConfigHolder returns a holder that never reloads.
func NewStaticLifecycleConfigHolder(cfg LifecycleConfig) *LifecycleConfigHolder {
	holder := &LifecycleConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewLifecycleConfigHolder(appCfg Config) (*LifecycleConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("lifecycle")
	v.SetConfigType("yml")
	if appCfg.LifecycleConfigPath != "" {
		v.AddConfigPath(appCfg.LifecycleConfigPath)
	}
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLifecycleConfig()
	v.SetDefault("lifecycle.serviceName", defaults.ServiceName)
	v.SetDefault("lifecycle.queueName", defaults.QueueName)
	v.SetDefault("lifecycle.runInterval", defaults.RunInterval)
	v.SetDefault("lifecycle.batchSize", defaults.BatchSize)
	v.SetDefault("lifecycle.jobTimeout", defaults.JobTimeout)
	v.SetDefault("lifecycle.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("lifecycle.retryBackoff", defaults.RetryBackoff)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg LifecycleConfig
	if err := v.UnmarshalKey("lifecycle", &cfg); err != nil {
		return nil, err
	}
	if err := validateLifecycleConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticLifecycleConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LifecycleConfig
		if err := v.UnmarshalKey("lifecycle", &updated); err != nil {
			log.Printf("[lifecycle-config] reload failed: %v", err)
			return
		}
		if err := validateLifecycleConfig(updated); err != nil {
			log.Printf("[lifecycle-config] invalid config ignored: %v", err)
			return
		}
		// Queue registration happens once at startup.
		updated.QueueName = holder.Get().QueueName
		holder.current.Store(updated)
		log.Printf("[lifecycle-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LifecycleConfigHolder) Get() LifecycleConfig {
	return h.current.Load().(LifecycleConfig)
}

func validateLifecycleConfig(cfg LifecycleConfig) error {
	if strings.TrimSpace(cfg.QueueName) == "" {
		return errors.New("lifecycle.queueName cannot be empty")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("lifecycle.serviceName cannot be empty")
	}
	if cfg.RunInterval <= 0 {
		return errors.New("lifecycle.runInterval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("lifecycle.batchSize must be positive")
	}
	if cfg.JobTimeout <= 0 {
		return errors.New("lifecycle.jobTimeout must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("lifecycle.maxAttempts must be positive")
	}
	if cfg.RetryBackoff <= 0 {
		return errors.New("lifecycle.retryBackoff must be positive")
	}
	return nil
}
