// Package config loads the configuration of the example programs from
// atsh.yaml and ATSH_* environment variables.
package config

import (
	"errors"
	"strings"

	"github.com/embeddedgo/atsock"
	"github.com/embeddedgo/atsock/mw31"
	"github.com/spf13/viper"
)

type Config struct {
	Serial SerialConfig  `mapstructure:"serial"`
	Device DeviceConfig  `mapstructure:"device"`
	Log    LogConfig     `mapstructure:"log"`
	AT     atsock.Config `mapstructure:"at"`
	MW31   mw31.Options  `mapstructure:"mw31"`
}

type SerialConfig struct {
	Port   string `mapstructure:"port"`
	Baud   int    `mapstructure:"baud"`
	Driver string `mapstructure:"driver"` // "ziutek" or "bugst"
}

type DeviceConfig struct {
	Name  string `mapstructure:"name"`
	Class string `mapstructure:"class"` // "rw007" or "mw31"
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the configuration file path or, if path is empty, atsh.yaml
// from the working directory. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("atsh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("ATSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.driver", "ziutek")
	v.SetDefault("device.name", "wifi0")
	v.SetDefault("device.class", "rw007")
	v.SetDefault("log.level", "info")
	// AutomaticEnv only sees keys that viper knows about.
	v.SetDefault("serial.port", "")
	v.SetDefault("mw31.ssid", "")
	v.SetDefault("mw31.password", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
