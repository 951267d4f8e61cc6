package configs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if cfg.Sensor.Port != 5000 || cfg.Display.Port != 5000 {
		t.Errorf("ports = %d/%d", cfg.Sensor.Port, cfg.Display.Port)
	}
	if cfg.Sensor.SessionWindow.D() != 30*time.Minute {
		t.Errorf("session window = %s", cfg.Sensor.SessionWindow.D())
	}
	if cfg.Display.Timeout.D() != 100*time.Millisecond || cfg.Display.HTTPTimeout.D() != 60*time.Millisecond {
		t.Errorf("timeouts = %s/%s", cfg.Display.Timeout.D(), cfg.Display.HTTPTimeout.D())
	}
	if cfg.Display.ResetThreshold != 20 || cfg.Display.SocketResetThreshold != 100 {
		t.Errorf("thresholds = %d/%d", cfg.Display.ResetThreshold, cfg.Display.SocketResetThreshold)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "waterme.yaml", `
logging:
  level: debug
sensor:
  port: 1900
  sessionWindow: 10m
  tcp:
    enabled: true
    port: 1901
display:
  host: 192.168.1.40
  port: 1900
  transport: tcp
  timeout: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || cfg.Sensor.Port != 1900 || !cfg.Sensor.TCP.Enabled {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Sensor.SessionWindow.D() != 10*time.Minute || cfg.Display.Timeout.D() != 250*time.Millisecond {
		t.Errorf("durations = %s/%s", cfg.Sensor.SessionWindow.D(), cfg.Display.Timeout.D())
	}
	if cfg.Sensor.TCP.Workers != Default().Sensor.TCP.Workers {
		t.Error("unset fields must keep their defaults")
	}
	srv := cfg.Sensor.ServerConf()
	if srv.Port != 1900 || srv.TCPPort != 1901 || !srv.TCP {
		t.Errorf("server conf = %+v", srv)
	}
	cli := cfg.Display.ClientConf()
	if cli.Host != "192.168.1.40" || cli.Timeout != 250*time.Millisecond {
		t.Errorf("client conf = %+v", cli)
	}
}

func TestLoadRejectsUnknownKeysAndBadDurations(t *testing.T) {
	for name, content := range map[string]string{
		"unknown":  "display:\n  hots: x\n",
		"duration": "display:\n  timeout: soon\n",
	} {
		if _, err := Load(writeFile(t, name+".yaml", content)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing explicit file must fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "waterme.yaml", "display:\n  host: 10.0.0.2\n")
	t.Setenv("WATERME_CONFIG", path)
	t.Setenv("WATERME_LOG_LEVEL", "warn")
	t.Setenv("WATERME_SENSOR_HOST", "10.0.0.9")
	t.Setenv("WATERME_SENSOR_PORT", "1900")
	t.Setenv("WATERME_TRANSPORT", "HTTP")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "warn" || cfg.Display.Host != "10.0.0.9" || cfg.Display.Port != 1900 ||
		cfg.Sensor.Port != 1900 || cfg.Display.Transport != TransportHTTP {
		t.Errorf("env not applied: %+v", cfg)
	}

	t.Setenv("WATERME_SENSOR_PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Error("out of range port accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero display port", func(c *Config) { c.Display.Port = 0 }, "display port"},
		{"ephemeral sensor port", func(c *Config) { c.Sensor.Port = 0 }, ""},
		{"zero timeout", func(c *Config) { c.Display.Timeout = 0 }, "timeouts"},
		{"negative receive timeout", func(c *Config) { c.Sensor.ReceiveTimeout = -1 }, "receive timeout"},
		{"socket threshold too low", func(c *Config) { c.Display.SocketResetThreshold = 20 }, "socket reset threshold"},
		{"unknown transport", func(c *Config) { c.Display.Transport = "carrier-pigeon" }, "invalid transport"},
		{"no samples", func(c *Config) { c.Sensor.Samples = 0 }, "sample count"},
		{"bad i2c address", func(c *Config) { c.Sensor.I2CAddress = 0x90 }, "i2c address"},
		{"backoff inverted", func(c *Config) { c.Sensor.MaxRetryBackoff = Duration(time.Millisecond) }, "retry backoff"},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(cfg)
		err := Validate(cfg)
		if c.want == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", c.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: got %v, want error containing %q", c.name, err, c.want)
		}
	}
}

func TestLoadCredentials(t *testing.T) {
	path := writeFile(t, "settings.toml", `
CIRCUITPY_WIFI_SSID = "garden"
CIRCUITPY_WIFI_PASSWORD = "tomato"
I2C_ADDRESS = 54
`)
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if creds.SSID != "garden" || creds.Password != "tomato" || creds.I2CAddress != 0x36 {
		t.Errorf("creds = %+v", creds)
	}

	t.Setenv("CIRCUITPY_WIFI_SSID", "balcony")
	t.Setenv("I2C_ADDRESS", "0x37")
	creds, err = LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if r := creds.Radio(); r.SSID != "balcony" || r.Password != "tomato" || creds.I2CAddress != 0x37 {
		t.Errorf("env did not win: %+v", creds)
	}

	if _, err := LoadCredentials(filepath.Join(t.TempDir(), "absent.toml")); err != nil {
		t.Errorf("missing settings file: %v", err)
	}
	if _, err := LoadCredentials(writeFile(t, "bad.toml", "CIRCUITPY_WIFI_SSID = \n")); err == nil {
		t.Error("malformed settings accepted")
	}
}
