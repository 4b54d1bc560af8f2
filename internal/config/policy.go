package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcilePolicy tunes drift classification and self-healing without a
// process restart.
type ReconcilePolicy struct {
	Epsilon           float64 `mapstructure:"epsilon"`
	MinCorrection     float64 `mapstructure:"minCorrection"`
	AlertCooldownDays int     `mapstructure:"alertCooldownDays"`
}

func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{
		Epsilon:           0.005,
		MinCorrection:     0.01,
		AlertCooldownDays: 7,
	}
}

// ReconcilePolicyHolder serves the current policy and hot-reloads it when the
// backing file changes.
type ReconcilePolicyHolder struct {
	current atomic.Value // holds ReconcilePolicy
}

func NewReconcilePolicyHolder(log *zap.Logger) (*ReconcilePolicyHolder, error) {
	log = log.Named("reconcile.policy")
	v := viper.New()

	v.SetConfigName("metersync")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metersync/config")
	v.AddConfigPath("/etc/metersync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultReconcilePolicy()
		v.SetDefault("reconcile.epsilon", defaults.Epsilon)
		v.SetDefault("reconcile.minCorrection", defaults.MinCorrection)
		v.SetDefault("reconcile.alertCooldownDays", defaults.AlertCooldownDays)
	}

	var policy ReconcilePolicy
	if err := v.UnmarshalKey("reconcile", &policy); err != nil {
		return nil, err
	}
	if err := validateReconcilePolicy(policy); err != nil {
		return nil, err
	}

	holder := &ReconcilePolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReconcilePolicy
		if err := v.UnmarshalKey("reconcile", &updated); err != nil {
			log.Error("reload failed", zap.Error(err))
			return
		}
		if err := validateReconcilePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded",
			zap.String("file", e.Name),
			zap.Float64("epsilon", updated.Epsilon),
			zap.Float64("min_correction", updated.MinCorrection),
			zap.Int("alert_cooldown_days", updated.AlertCooldownDays),
		)
	})

	return holder, nil
}

// NewStaticReconcilePolicyHolder returns a holder pinned to the given policy.
// No file watching; intended for tests and embedded use.
func NewStaticReconcilePolicyHolder(policy ReconcilePolicy) *ReconcilePolicyHolder {
	holder := &ReconcilePolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *ReconcilePolicyHolder) Get() ReconcilePolicy {
	return h.current.Load().(ReconcilePolicy)
}

func validateReconcilePolicy(policy ReconcilePolicy) error {
	if policy.Epsilon < 0 || policy.Epsilon >= 1 {
		return errors.New("reconcile.epsilon must be in [0, 1)")
	}
	if policy.MinCorrection < 0 {
		return errors.New("reconcile.minCorrection cannot be negative")
	}
	if policy.AlertCooldownDays <= 0 {
		return errors.New("reconcile.alertCooldownDays must be positive")
	}
	return nil
}
