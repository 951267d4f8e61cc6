package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nm-morais/waterme/pkg/client"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/radio"
	"github.com/nm-morais/waterme/pkg/sensor"
	"github.com/nm-morais/waterme/pkg/server"
	"gopkg.in/yaml.v2"
)

const (
	TransportUDP  = "udp"
	TransportTCP  = "tcp"
	TransportHTTP = "http"
)

// Duration reads Go duration strings such as "30m" or "100ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Logging logs.Config   `yaml:"logging"`
	Sensor  SensorConfig  `yaml:"sensor"`
	Display DisplayConfig `yaml:"display"`
}

// SensorConfig configures the device side.
type SensorConfig struct {
	Port              uint16   `yaml:"port"`
	ReceiveTimeout    Duration `yaml:"receiveTimeout"`
	IdleRefresh       Duration `yaml:"idleRefresh"`
	SessionWindow     Duration `yaml:"sessionWindow"`
	RetryBackoff      Duration `yaml:"retryBackoff"`
	MaxRetryBackoff   Duration `yaml:"maxRetryBackoff"`
	MaxSensorFailures int      `yaml:"maxSensorFailures"`

	Samples    int    `yaml:"samples"`
	Simulated  bool   `yaml:"simulated"`
	I2CAddress int    `yaml:"i2cAddress"`
	Settings   string `yaml:"settings"`

	Interface      string   `yaml:"interface"`
	NetworkManager bool     `yaml:"networkManager"`
	AddressWait    Duration `yaml:"addressWait"`

	TCP  TCPConfig  `yaml:"tcp"`
	HTTP HTTPConfig `yaml:"http"`
}

type TCPConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Port        uint16   `yaml:"port"`
	Workers     int      `yaml:"workers"`
	IdleTimeout Duration `yaml:"idleTimeout"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`
}

// DisplayConfig configures the polling side.
type DisplayConfig struct {
	Host                 string   `yaml:"host"`
	Port                 uint16   `yaml:"port"`
	Transport            string   `yaml:"transport"`
	Timeout              Duration `yaml:"timeout"`
	HTTPTimeout          Duration `yaml:"httpTimeout"`
	ResetThreshold       int      `yaml:"resetThreshold"`
	SocketResetThreshold int      `yaml:"socketResetThreshold"`
	SessionWindow        Duration `yaml:"sessionWindow"`
	PollInterval         Duration `yaml:"pollInterval"`
	ResetCooldown        Duration `yaml:"resetCooldown"`
}

func Default() *Config {
	srv := server.DefaultConf()
	cli := client.DefaultConf()
	poll := client.DefaultPollerConf()
	return &Config{
		Logging: logs.Config{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sensor: SensorConfig{
			Port:              srv.Port,
			ReceiveTimeout:    Duration(srv.ReceiveTimeout),
			IdleRefresh:       Duration(srv.IdleRefresh),
			SessionWindow:     Duration(srv.SessionWindow),
			RetryBackoff:      Duration(srv.RetryBackoff),
			MaxRetryBackoff:   Duration(srv.MaxRetryBackoff),
			MaxSensorFailures: srv.MaxSensorFailures,
			Samples:           sensor.DefaultSamples,
			I2CAddress:        int(sensor.DefaultSeesawAddress),
			Settings:          "settings.toml",
			AddressWait:       Duration(15 * time.Second),
			TCP: TCPConfig{
				Port:        srv.TCPPort,
				Workers:     srv.WorkerPoolSize,
				IdleTimeout: Duration(srv.ConnIdleTimeout),
			},
			HTTP: HTTPConfig{
				Port: srv.HTTPPort,
			},
		},
		Display: DisplayConfig{
			Host:                 cli.Host,
			Port:                 cli.Port,
			Transport:            TransportUDP,
			Timeout:              Duration(cli.Timeout),
			HTTPTimeout:          Duration(client.DefaultHTTPTimeout),
			ResetThreshold:       cli.ResetThreshold,
			SocketResetThreshold: cli.SocketResetThreshold,
			PollInterval:         Duration(poll.Interval),
			ResetCooldown:        Duration(poll.ResetCooldown),
		},
	}
}

// Load applies, in order: defaults, the YAML file at path (or
// $WATERME_CONFIG when path is empty), environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("WATERME_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %v", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if level := os.Getenv("WATERME_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if host := os.Getenv("WATERME_SENSOR_HOST"); host != "" {
		cfg.Display.Host = host
	}
	if port := os.Getenv("WATERME_SENSOR_PORT"); port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return fmt.Errorf("WATERME_SENSOR_PORT: %v", err)
		}
		cfg.Display.Port = uint16(p)
		cfg.Sensor.Port = uint16(p)
	}
	if transport := os.Getenv("WATERME_TRANSPORT"); transport != "" {
		cfg.Display.Transport = strings.ToLower(transport)
	}
	return nil
}

func Validate(cfg *Config) error {
	s, d := cfg.Sensor, cfg.Display

	if s.ReceiveTimeout <= 0 {
		return fmt.Errorf("sensor receive timeout must be positive")
	}
	if s.SessionWindow < 0 || s.IdleRefresh < 0 {
		return fmt.Errorf("sensor session window and idle refresh cannot be negative")
	}
	if s.RetryBackoff <= 0 || s.MaxRetryBackoff < s.RetryBackoff {
		return fmt.Errorf("invalid retry backoff %s..%s", s.RetryBackoff.D(), s.MaxRetryBackoff.D())
	}
	if s.Samples < 1 {
		return fmt.Errorf("sample count %d must be at least 1", s.Samples)
	}
	if s.I2CAddress < 0x08 || s.I2CAddress > 0x77 {
		return fmt.Errorf("i2c address %#x outside 0x08..0x77", s.I2CAddress)
	}
	if s.TCP.Enabled && s.TCP.Workers < 1 {
		return fmt.Errorf("tcp workers %d must be at least 1", s.TCP.Workers)
	}

	if d.Port == 0 {
		return fmt.Errorf("display port must be in 1..65535")
	}
	if d.Host == "" {
		return fmt.Errorf("display host is required")
	}
	switch d.Transport {
	case TransportUDP, TransportTCP, TransportHTTP:
	default:
		return fmt.Errorf("invalid transport %s, must be one of: %v", d.Transport, []string{TransportUDP, TransportTCP, TransportHTTP})
	}
	if d.Timeout <= 0 || d.HTTPTimeout <= 0 {
		return fmt.Errorf("display timeouts must be positive")
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if d.ResetThreshold < 1 {
		return fmt.Errorf("reset threshold %d must be at least 1", d.ResetThreshold)
	}
	if d.SocketResetThreshold <= d.ResetThreshold {
		return fmt.Errorf("socket reset threshold %d must exceed reset threshold %d", d.SocketResetThreshold, d.ResetThreshold)
	}
	return nil
}

func (s SensorConfig) ServerConf() server.Conf {
	return server.Conf{
		Port:              s.Port,
		ReceiveTimeout:    s.ReceiveTimeout.D(),
		IdleRefresh:       s.IdleRefresh.D(),
		SessionWindow:     s.SessionWindow.D(),
		RetryBackoff:      s.RetryBackoff.D(),
		MaxRetryBackoff:   s.MaxRetryBackoff.D(),
		MaxSensorFailures: s.MaxSensorFailures,
		TCP:               s.TCP.Enabled,
		TCPPort:           s.TCP.Port,
		WorkerPoolSize:    s.TCP.Workers,
		ConnIdleTimeout:   s.TCP.IdleTimeout.D(),
		HTTP:              s.HTTP.Enabled,
		HTTPPort:          s.HTTP.Port,
	}
}

func (s SensorConfig) RadioConf() radio.HostConf {
	return radio.HostConf{
		Interface:      s.Interface,
		NetworkManager: s.NetworkManager,
		AddressWait:    s.AddressWait.D(),
	}
}

func (d DisplayConfig) ClientConf() client.Conf {
	return client.Conf{
		Host:                 d.Host,
		Port:                 d.Port,
		Timeout:              d.Timeout.D(),
		ResetThreshold:       d.ResetThreshold,
		SocketResetThreshold: d.SocketResetThreshold,
		SessionWindow:        d.SessionWindow.D(),
	}
}

func (d DisplayConfig) PollerConf() client.PollerConf {
	return client.PollerConf{
		Interval:      d.PollInterval.D(),
		ResetCooldown: d.ResetCooldown.D(),
	}
}

// Credentials mirrors the keys of a CircuitPython settings.toml.
type Credentials struct {
	SSID       string `toml:"CIRCUITPY_WIFI_SSID"`
	Password   string `toml:"CIRCUITPY_WIFI_PASSWORD"`
	I2CAddress int    `toml:"I2C_ADDRESS"`
}

func (c Credentials) Radio() radio.Credentials {
	return radio.Credentials{SSID: c.SSID, Password: c.Password}
}

// LoadCredentials reads a settings.toml. A missing file is not an error;
// environment variables with the same names win over the file.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	if path != "" {
		if _, err := toml.DecodeFile(path, &creds); err != nil && !os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("failed to load credentials from %s: %v", path, err)
		}
	}
	if ssid := os.Getenv("CIRCUITPY_WIFI_SSID"); ssid != "" {
		creds.SSID = ssid
	}
	if password := os.Getenv("CIRCUITPY_WIFI_PASSWORD"); password != "" {
		creds.Password = password
	}
	if addr := os.Getenv("I2C_ADDRESS"); addr != "" {
		v, err := strconv.ParseInt(addr, 0, 16)
		if err != nil {
			return Credentials{}, fmt.Errorf("I2C_ADDRESS: %v", err)
		}
		creds.I2CAddress = int(v)
	}
	return creds, nil
}
