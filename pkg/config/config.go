package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEmptyTimeout   = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultPingInterval   = 10 * time.Second
)

var ErrNoSuchKey = errors.New("auth key not found")

type Config struct {
	Port          uint32   `yaml:"port,omitempty"`
	BindAddresses []string `yaml:"bind_addresses,omitempty"`

	Room    RoomConfig    `yaml:"room,omitempty"`
	Signal  SignalConfig  `yaml:"signal,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// token -> auth grant for pre-authenticated peers
	Keys map[string]AuthGrant `yaml:"keys,omitempty"`

	PrometheusPort uint32 `yaml:"prometheus_port,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RoomConfig struct {
	// how long a room stays up with no peers in room or lobby
	EmptyTimeout time.Duration `yaml:"empty_timeout,omitempty"`
	// when set, unauthenticated peers are parked in the lobby
	RequireSignIn bool `yaml:"require_sign_in,omitempty"`
	// when set, the first peer of an empty room is admitted even if sign-in
	// is required
	ActivateOnHostJoin bool   `yaml:"activate_on_host_join,omitempty"`
	MaxPeers           uint32 `yaml:"max_peers,omitempty"`
	LastN              int    `yaml:"last_n,omitempty"`
	DefaultAccessCode  string `yaml:"default_access_code,omitempty"`
}

type SignalConfig struct {
	// timeout for server-initiated requests to a peer
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	PingInterval   time.Duration `yaml:"ping_interval,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

type AuthGrant struct {
	Identity string   `yaml:"identity,omitempty"`
	Roles    []string `yaml:"roles,omitempty"`
}

func NewConfig(confString string, c *cli.Context) (*Config, error) {
	conf := &Config{
		Port: 8880,
		Room: RoomConfig{
			EmptyTimeout: DefaultEmptyTimeout,
		},
		Signal: SignalConfig{
			RequestTimeout: DefaultRequestTimeout,
			PingInterval:   DefaultPingInterval,
		},
	}

	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (conf *Config) Validate() error {
	if conf.Room.EmptyTimeout <= 0 {
		return fmt.Errorf("room.empty_timeout must be positive, got %v", conf.Room.EmptyTimeout)
	}
	if conf.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be positive, got %v", conf.Signal.RequestTimeout)
	}
	return nil
}

func (conf *Config) updateFromCLI(c *cli.Context) error {
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint("port"))
	}
	if c.Bool("dev") {
		conf.Development = true
		if conf.Logging.Level == "" {
			conf.Logging.Level = "debug"
		}
	}
	return nil
}

// GetConfigString reads from --config-body or the file given by --config
func GetConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}
	return string(outConfigBody), nil
}
