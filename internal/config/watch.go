package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/infersched/internal/logging"
)

// ReloadFunc receives a configuration that passed validation.
type ReloadFunc func(*Config)

// Watch re-reads v's config file whenever it changes and hands every valid
// result to apply. Invalid or unreadable files are logged and ignored, so
// the previous configuration stays in effect. It does nothing when v was
// not loaded from a file.
func Watch(v *viper.Viper, logger *logging.Logger, apply ReloadFunc) {
	log := logging.OrNop(logger).WithComponent("config")
	if v.ConfigFileUsed() == "" {
		log.Debug("no config file in use, hot reload disabled")
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		handleChange(v, log, e, apply)
	})
	v.WatchConfig()
	log.Info("watching config file", "path", v.ConfigFileUsed())
}

func handleChange(v *viper.Viper, log *logging.Logger, e fsnotify.Event, apply ReloadFunc) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := LoadFrom(v)
	if err != nil {
		log.Warn("config reload rejected", "path", e.Name, "error", err)
		return
	}
	log.Info("config reloaded", "path", e.Name)
	apply(cfg)
}
