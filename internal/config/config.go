// Package config loads broker configuration via viper, the way the
// rest of the pack's CLI tools (hlindberg-mezquit) layer viper under a
// cobra command tree instead of the teacher's bare yaml.Unmarshal. YAML
// stays the file format the teacher already uses; viper adds env-var
// overrides on top. No command-line flag is bound to a config key.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nilsen/cindermq/pkg/er"
)

// Listener describes one configured transport the broker should bind.
type Listener struct {
	Transport string `mapstructure:"transport" yaml:"transport"` // "tcp", "ws", or "udp"
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Path      string `mapstructure:"path" yaml:"path"` // WebSocket upgrade path
	Mount     string `mapstructure:"mount_point" yaml:"mount_point"`
	MaxConns  int    `mapstructure:"max_connections" yaml:"max_connections"`
}

// BridgeTopic mirrors bridge.TopicRule in a yaml-friendly shape.
type BridgeTopic struct {
	Filter       string `mapstructure:"filter" yaml:"filter"`
	Direction    string `mapstructure:"direction" yaml:"direction"` // "out", "in", "both"
	LocalPrefix  string `mapstructure:"local_prefix" yaml:"local_prefix"`
	RemotePrefix string `mapstructure:"remote_prefix" yaml:"remote_prefix"`
}

// Bridge mirrors bridge.Config in a yaml-friendly shape.
type Bridge struct {
	Name       string        `mapstructure:"name" yaml:"name"`
	Addresses  []string      `mapstructure:"addresses" yaml:"addresses"`
	ClientID   string        `mapstructure:"client_id" yaml:"client_id"`
	CleanStart bool          `mapstructure:"clean_start" yaml:"clean_start"`
	KeepAlive  uint16        `mapstructure:"keepalive" yaml:"keepalive"`
	TryPrivate bool          `mapstructure:"try_private" yaml:"try_private"`
	// StartType is one of "automatic" (default), "manual", "lazy", "once".
	StartType   string        `mapstructure:"start_type" yaml:"start_type,omitempty"`
	NotifyTopic string        `mapstructure:"notify_topic" yaml:"notify_topic,omitempty"`
	Topics      []BridgeTopic `mapstructure:"topics" yaml:"topics"`
}

// Config is the broker's full configuration tree.
type Config struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Version string `mapstructure:"version" yaml:"version"`

	Listeners []Listener `mapstructure:"listeners" yaml:"listeners"`
	Bridges   []Bridge   `mapstructure:"bridges" yaml:"bridges,omitempty"`

	ACLFile        string `mapstructure:"acl_file" yaml:"acl_file,omitempty"`
	AuthDB         string `mapstructure:"auth_db" yaml:"auth_db,omitempty"`
	PersistenceDir string `mapstructure:"persistence_dir" yaml:"persistence_dir"`

	// AllowAnonymous admits CONNECTs that carry no username even when an
	// auth database is configured. Defaults to true; set false to turn
	// the credential check into a hard requirement.
	AllowAnonymous bool `mapstructure:"allow_anonymous" yaml:"allow_anonymous"`
	// ClientIDPrefixes, when non-empty, restricts connections to client
	// ids starting with one of the listed prefixes; a mismatch is
	// dropped without a CONNACK.
	ClientIDPrefixes []string `mapstructure:"clientid_prefixes" yaml:"clientid_prefixes,omitempty"`

	AutosaveInterval time.Duration `mapstructure:"autosave_interval" yaml:"autosave_interval"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// Default returns the configuration used when no config file and no
// flags override it: one TCP listener on :1883, one UDP listener on
// :1884 for MQTT-SN, autosave every minute.
func Default() Config {
	return Config{
		Name:    "cindermq",
		Version: "1",
		Listeners: []Listener{
			{Transport: "tcp", Addr: ":1883", MaxConns: 1000},
			{Transport: "udp", Addr: ":1884"},
		},
		PersistenceDir:   "./data",
		AllowAnonymous:   true,
		AutosaveInterval: time.Minute,
		RetryInterval:    10 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads configuration from path (if non-empty) and from environment
// variables prefixed CINDERMQ_, over the built-in defaults. Under viper's
// own merge rules an environment variable overrides the file, and the
// file overrides the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("cindermq")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("name", def.Name)
	v.SetDefault("version", def.Version)
	v.SetDefault("persistence_dir", def.PersistenceDir)
	v.SetDefault("allow_anonymous", def.AllowAnonymous)
	v.SetDefault("autosave_interval", def.AutosaveInterval)
	v.SetDefault("retry_interval", def.RetryInterval)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &er.Err{Context: "config.Load", Message: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &er.Err{Context: "config.Load", Message: err}
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = def.Listeners
	}
	return cfg, nil
}
