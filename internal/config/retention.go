package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/tenantvault/internal/retention"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RetentionSettings is the content of retention.yml:
//
//	retention:
//	  default:
//	    last_n: 3
//	    grace_days: 30
//	  products:
//	    "1790000000000000000":
//	      monthly_months: 12
type RetentionSettings struct {
	Default  retention.Override            `mapstructure:"default"`
	Products map[string]retention.Override `mapstructure:"products"`
}

// Global is the built-in policy with the file default applied.
func (s RetentionSettings) Global() retention.Policy {
	return retention.Resolve(retention.DefaultPolicy(), s.Default)
}

// Product returns the override for productID, or an empty override.
func (s RetentionSettings) Product(productID int64) retention.Override {
	if s.Products == nil {
		return retention.Override{}
	}
	return s.Products[strconv.FormatInt(productID, 10)]
}

type RetentionPolicyHolder struct {
	current atomic.Value // holds RetentionSettings
}

// NewStaticRetentionPolicyHolder returns a holder that never reloads.
func NewStaticRetentionPolicyHolder(settings RetentionSettings) *RetentionPolicyHolder {
	holder := &RetentionPolicyHolder{}
	holder.current.Store(settings)
	return holder
}

func NewRetentionPolicyHolder(cfg Config, log *zap.Logger) (*RetentionPolicyHolder, error) {
	log = log.Named("config.retention")
	v := viper.New()

	if cfg.RetentionConfigPath != "" {
		v.SetConfigFile(cfg.RetentionConfigPath)
	} else {
		v.SetConfigName("retention")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/tenantvault/config")
		v.AddConfigPath("/etc/tenantvault")
		v.AddConfigPath(".")
	}

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
		log.Info("retention config not found, using built-in defaults")
	}

	settings, err := decodeRetentionSettings(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticRetentionPolicyHolder(settings)
	if !fileFound {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRetentionSettings(v)
		if err != nil {
			log.Warn("invalid retention config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("retention config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *RetentionPolicyHolder) Get() RetentionSettings {
	return h.current.Load().(RetentionSettings)
}

func decodeRetentionSettings(v *viper.Viper) (RetentionSettings, error) {
	var settings RetentionSettings
	if err := v.UnmarshalKey("retention", &settings); err != nil {
		return RetentionSettings{}, err
	}
	if err := validateRetentionSettings(settings); err != nil {
		return RetentionSettings{}, err
	}
	return settings, nil
}

func validateRetentionSettings(settings RetentionSettings) error {
	if err := settings.Default.Validate(); err != nil {
		return fmt.Errorf("retention.default: %w", err)
	}
	for key, override := range settings.Products {
		if _, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64); err != nil {
			return fmt.Errorf("retention.products: key %q is not a product id", key)
		}
		if err := override.Validate(); err != nil {
			return fmt.Errorf("retention.products.%s: %w", key, err)
		}
	}
	return nil
}
