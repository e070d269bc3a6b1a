// Package fixconfig defines the engine and client configuration
// records and loads them from YAML/env via github.com/spf13/viper,
// validating the result with github.com/go-playground/validator/v10.
package fixconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EngineConfig configures an acceptor (Engine).
type EngineConfig struct {
	// SenderID is this side's CompID, sent as SenderCompID(49) to peers.
	SenderID string `mapstructure:"sender_id" validate:"required" yaml:"sender_id"`

	// ListenAddr is the TCP address to listen on, e.g. ":6161".
	ListenAddr string `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`

	// StoreDir is the directory acceptor-side session stores are
	// created under, named "<target_id>-YYYYMMDD.hhmmss.fix".
	StoreDir string `mapstructure:"store_dir" validate:"required" yaml:"store_dir"`

	// HeartbeatInterval is this side's default HeartBtInt(108); it is
	// sent on the wire as whole seconds.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0" yaml:"heartbeat_interval"`

	// MaxFrameSize caps the frame reader's grow-on-demand buffer,
	// bounding memory use against an oversized or malformed frame.
	MaxFrameSize int `mapstructure:"max_frame_size" validate:"required,gt=0" yaml:"max_frame_size"`

	// AcceptDrainTimeout bounds how long Destroy waits for each
	// session's reader to observe done and report closed.
	AcceptDrainTimeout time.Duration `mapstructure:"accept_drain_timeout" validate:"required,gt=0" yaml:"accept_drain_timeout"`
}

// ClientConfig configures an initiator (Client).
type ClientConfig struct {
	SenderID string `mapstructure:"sender_id" validate:"required" yaml:"sender_id"`
	TargetID string `mapstructure:"target_id" validate:"required" yaml:"target_id"`

	Host string `mapstructure:"host" validate:"required" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lt=65536" yaml:"port"`

	StorePath string `mapstructure:"store_path" validate:"required" yaml:"store_path"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0" yaml:"heartbeat_interval"`
	MaxFrameSize      int           `mapstructure:"max_frame_size" validate:"required,gt=0" yaml:"max_frame_size"`

	// ConnectTimeout bounds dialing plus waiting for the peer's Logon.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// DefaultEngineConfig returns an EngineConfig with sensible defaults
// (30s heartbeat) filled in.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HeartbeatInterval:  30 * time.Second,
		MaxFrameSize:       4096,
		AcceptDrainTimeout: 2 * time.Second,
	}
}

// DefaultClientConfig returns a ClientConfig with sensible defaults
// filled in.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 30 * time.Second,
		MaxFrameSize:      4096,
		ConnectTimeout:    2 * time.Second,
	}
}

var validate = validator.New()

// LoadEngineConfig reads EngineConfig from the given file path (YAML)
// overlaid with FIX_ENGINE_* environment variables, via viper, starting
// from DefaultEngineConfig and validating the merged result.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FIX_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("fixconfig: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("fixconfig: unmarshal: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("fixconfig: invalid engine config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads ClientConfig from path the same way
// LoadEngineConfig does.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FIX_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("fixconfig: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("fixconfig: unmarshal: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("fixconfig: invalid client config: %w", err)
	}
	return cfg, nil
}
