// Package config loads OMS settings, mirroring original_source's
// Settings/_flatten_sectioned_config/load_settings: flat keys keep working,
// sectioned keys (app.*, database.*, worker.*, logging.*, security.*)
// override or define the same fields.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Settings is the fully-resolved OMS configuration.
type Settings struct {
	AppName string `mapstructure:"app_name"`
	AppEnv  string `mapstructure:"app_env"`

	DBEngine          string `mapstructure:"db_engine"`
	MySQLHost         string `mapstructure:"mysql_host"`
	MySQLPort         int    `mapstructure:"mysql_port"`
	MySQLUser         string `mapstructure:"mysql_user"`
	MySQLPassword     string `mapstructure:"mysql_password"`
	MySQLDatabase     string `mapstructure:"mysql_database"`
	MySQLMinPoolSize  int    `mapstructure:"mysql_min_pool_size"`
	MySQLMaxPoolSize  int    `mapstructure:"mysql_max_pool_size"`

	WorkerID                          string `mapstructure:"worker_id"`
	WorkerPoolID                      int    `mapstructure:"worker_pool_id"`
	WorkerPollIntervalMs              int    `mapstructure:"worker_poll_interval_ms"`
	WorkerMaxAttempts                 int    `mapstructure:"worker_max_attempts"`
	WorkerReconciliationIntervalSeconds int  `mapstructure:"worker_reconciliation_interval_seconds"`

	DisableAccessLog bool `mapstructure:"disable_uvicorn_access_log"`
	AppRequestLog    bool `mapstructure:"app_request_log"`

	EncryptionMasterKey       string `mapstructure:"encryption_master_key"`
	RequireEncryptedCredentials bool `mapstructure:"require_encrypted_credentials"`

	LogDir string `mapstructure:"log_dir"`

	DispatcherPoolSize       int `mapstructure:"dispatcher_pool_size"`
	DispatcherListenAddr     string `mapstructure:"dispatcher_listen_addr"`
	SessionTTLSeconds        int `mapstructure:"session_ttl_seconds"`
	CloseLockTTLSeconds      int `mapstructure:"close_lock_ttl_seconds"`
	WSEventBufferLimit       int `mapstructure:"ws_event_buffer_limit"`
	ReconcileLookbackSeconds int `mapstructure:"reconcile_lookback_seconds"`
}

func defaults() *Settings {
	return &Settings{
		AppName:                  "oms-position",
		AppEnv:                   "dev",
		DBEngine:                 "mysql",
		MySQLHost:                "127.0.0.1",
		MySQLPort:                3306,
		MySQLUser:                "root",
		MySQLDatabase:            "oms_position",
		MySQLMinPoolSize:         1,
		MySQLMaxPoolSize:         10,
		WorkerID:                 "worker-position-0",
		WorkerPoolID:             0,
		WorkerPollIntervalMs:     1000,
		WorkerMaxAttempts:        5,
		WorkerReconciliationIntervalSeconds: 30,
		DisableAccessLog:         true,
		AppRequestLog:            true,
		RequireEncryptedCredentials: true,
		LogDir:                   "logs",
		DispatcherPoolSize:       4,
		DispatcherListenAddr:     "127.0.0.1:8781",
		SessionTTLSeconds:        300,
		CloseLockTTLSeconds:      30,
		WSEventBufferLimit:       5000,
		ReconcileLookbackSeconds: 3600,
	}
}

// sectionKeyMap maps a sectioned viper key to the flat key it overrides,
// reproducing config.py's _flatten_sectioned_config table.
var sectionKeyMap = map[string]string{
	"app.name":                                "app_name",
	"app.env":                                 "app_env",
	"app.db_engine":                           "db_engine",
	"database.engine":                         "db_engine",
	"database.mysql_host":                     "mysql_host",
	"database.mysql_port":                     "mysql_port",
	"database.mysql_user":                     "mysql_user",
	"database.mysql_password":                 "mysql_password",
	"database.mysql_database":                 "mysql_database",
	"database.mysql_min_pool_size":            "mysql_min_pool_size",
	"database.mysql_max_pool_size":             "mysql_max_pool_size",
	"api.disable_uvicorn_access_log":          "disable_uvicorn_access_log",
	"api.app_request_log":                     "app_request_log",
	"worker.worker_id":                        "worker_id",
	"worker.pool_id":                          "worker_pool_id",
	"worker.poll_interval_ms":                 "worker_poll_interval_ms",
	"worker.max_attempts":                     "worker_max_attempts",
	"worker.reconciliation_interval_seconds":  "worker_reconciliation_interval_seconds",
	"logging.log_dir":                         "log_dir",
	"logging.disable_uvicorn_access_log":      "disable_uvicorn_access_log",
	"logging.app_request_log":                 "app_request_log",
	"security.encryption_master_key":          "encryption_master_key",
	"security.require_encrypted_credentials":  "require_encrypted_credentials",
}

// Load reads settings from the JSON file at CONFIG_JSON_PATH (default
// "config.json"), applying sectioned-key flattening, then overlays
// environment variables (prefix OMS_), then returns the fully-resolved
// Settings.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetConfigType("json")

	s := defaults()
	v.SetDefault("app_name", s.AppName)
	v.SetDefault("app_env", s.AppEnv)
	v.SetDefault("db_engine", s.DBEngine)
	v.SetDefault("mysql_host", s.MySQLHost)
	v.SetDefault("mysql_port", s.MySQLPort)
	v.SetDefault("mysql_user", s.MySQLUser)
	v.SetDefault("mysql_database", s.MySQLDatabase)
	v.SetDefault("mysql_min_pool_size", s.MySQLMinPoolSize)
	v.SetDefault("mysql_max_pool_size", s.MySQLMaxPoolSize)
	v.SetDefault("worker_id", s.WorkerID)
	v.SetDefault("worker_pool_id", s.WorkerPoolID)
	v.SetDefault("worker_poll_interval_ms", s.WorkerPollIntervalMs)
	v.SetDefault("worker_max_attempts", s.WorkerMaxAttempts)
	v.SetDefault("worker_reconciliation_interval_seconds", s.WorkerReconciliationIntervalSeconds)
	v.SetDefault("disable_uvicorn_access_log", s.DisableAccessLog)
	v.SetDefault("app_request_log", s.AppRequestLog)
	v.SetDefault("require_encrypted_credentials", s.RequireEncryptedCredentials)
	v.SetDefault("log_dir", s.LogDir)
	v.SetDefault("dispatcher_pool_size", s.DispatcherPoolSize)
	v.SetDefault("dispatcher_listen_addr", s.DispatcherListenAddr)
	v.SetDefault("session_ttl_seconds", s.SessionTTLSeconds)
	v.SetDefault("close_lock_ttl_seconds", s.CloseLockTTLSeconds)
	v.SetDefault("ws_event_buffer_limit", s.WSEventBufferLimit)
	v.SetDefault("reconcile_lookback_seconds", s.ReconcileLookbackSeconds)

	configPath := os.Getenv("CONFIG_JSON_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		for sectioned, flat := range sectionKeyMap {
			if v.IsSet(sectioned) {
				v.Set(flat, v.Get(sectioned))
			}
		}
	}

	v.SetEnvPrefix("OMS")
	v.AutomaticEnv()

	out := defaults()
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return out, nil
}
