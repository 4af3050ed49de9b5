// Package config loads the optional pilot configuration file and
// environment overrides: logger settings plus connection details for the
// optional postgres store, redis run registry and rabbitmq event stream.
package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type (
	// AppConfig is the root of the pilot's file/env configuration. Engine
	// parameters (cores, workers, task file) come from CLI flags, not from
	// here.
	AppConfig struct {
		App    *App    `mapstructure:"app"`
		Logger *Logger `mapstructure:"logger"`
		DB     *DB     `mapstructure:"db"`
		Redis  *Redis  `mapstructure:"redis"`
		AMQP   *AMQP   `mapstructure:"amqp"`
	}

	// App identifies the deployment.
	App struct {
		Name string `mapstructure:"name"`
		Env  string `mapstructure:"env"`
	}

	// DB configures the optional PostgreSQL state store. Leave Host and
	// URL empty to use the sqlite store selected by the --db flag.
	DB struct {
		URL      string `mapstructure:"url"`
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
	}

	// Redis configures the optional run registry.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// AMQP configures the optional lifecycle event stream.
	AMQP struct {
		URL string `mapstructure:"url"`
	}

	// Logger holds the zap configuration.
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types that cannot
// come from the config file.
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	if cfg.MessageKey == "" {
		cfg.MessageKey = "msg"
	}
	if cfg.LevelKey == "" {
		cfg.LevelKey = "level"
	}
	if cfg.TimeKey == "" {
		cfg.TimeKey = "ts"
	}
}

// New reads config.yaml (working directory or /etc/pilot/) plus PILOT_*
// environment variables. A missing file is fine: every section has a
// usable default.
func New() *AppConfig {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/pilot/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("pilot")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("app.name", "pilot")
	viper.SetDefault("app.env", "production")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "console")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	viper.BindEnv("db.url", "PILOT_DB_URL")
	viper.BindEnv("redis.addr", "PILOT_REDIS_ADDR")
	viper.BindEnv("redis.password", "PILOT_REDIS_PASSWORD")
	viper.BindEnv("amqp.url", "PILOT_AMQP_URL")

	var cfg *AppConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("unable to decode config into struct: %v", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = &Logger{Level: "info", Encoding: "console"}
	}
	addZapEncoderConfig(&cfg.Logger.EncoderConfig)

	return cfg
}
