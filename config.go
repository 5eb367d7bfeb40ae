package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nzlov/medsync/protocol"
)

type Config struct {
	Host        string `json:"host"`
	PprofHost   string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`
	Secret      string `json:"secret"`
	AdminSecret string `json:"adminsecret"`
	DB          string `json:"db"`
	DBLog       bool   `json:"dblog"`

	GlobalCollections []string `json:"global_collections" yaml:"global_collections" mapstructure:"global_collections"`
	ShareReferenced   bool     `json:"share_referenced" yaml:"share_referenced" mapstructure:"share_referenced"`

	Redis  RedisConfig  `json:"redis" yaml:"redis" mapstructure:"redis"`
	Client ClientConfig `json:"client" yaml:"client" mapstructure:"client"`
}

type RedisConfig struct {
	Enable  bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Host    string `json:"host" yaml:"host" mapstructure:"host"`
	Name    string `json:"name" yaml:"name" mapstructure:"name"`
	Channel string `json:"channel" yaml:"channel" mapstructure:"channel"`
}

type ClientConfig struct {
	ReadMessageSizeLimit int64 `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool  `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int   `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int   `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int   `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	SendQueueSize        int   `json:"send_queue_size" yaml:"send_queue_size" mapstructure:"send_queue_size"`

	// Time allowed to write a message to the peer.
	WriteWait time.Duration `json:"write_wait" yaml:"write_wait" mapstructure:"write_wait"`
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration `json:"pong_wait" yaml:"pong_wait" mapstructure:"pong_wait"`
	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration `json:"ping_period" yaml:"ping_period" mapstructure:"ping_period"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", ":8080")
	v.SetDefault("pprof_host", "")
	v.SetDefault("secret", "")
	v.SetDefault("adminsecret", "")
	v.SetDefault("db", "")
	v.SetDefault("dblog", false)
	v.SetDefault("global_collections", []string{protocol.Doctors})
	v.SetDefault("share_referenced", true)
	v.SetDefault("redis.enable", false)
	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.name", "")
	v.SetDefault("redis.channel", "medsync")
	v.SetDefault("client.read_message_size_limit", 1<<20)
	v.SetDefault("client.compression", false)
	v.SetDefault("client.compression_level", 1)
	v.SetDefault("client.read_buffer_size", 1024)
	v.SetDefault("client.write_buffer_size", 1024)
	v.SetDefault("client.send_queue_size", 256)
	v.SetDefault("client.write_wait", 10*time.Second)
	v.SetDefault("client.pong_wait", 60*time.Second)
	v.SetDefault("client.ping_period", 54*time.Second)
}

// defaultConfig is the configuration used when no file or environment
// overrides anything.
func defaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return c
}

// loadConfig reads config.yaml from dir (when present) and the environment,
// e.g. REDIS_HOST overrides redis.host. Every key needs a default for the
// environment to reach it.
func loadConfig(dir string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
