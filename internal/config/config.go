package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/bmcpi/uefivars/internal/firmware/varstore"
)

// DefaultConfigPaths are searched in order for config.yaml.
var DefaultConfigPaths = []string{"/config/", "/etc/uefivars/", "."}

type FirmwareConfig struct {
	// ImagePath is a local path or http(s) URL of the variable store image.
	ImagePath string `yaml:"image_path" mapstructure:"image_path"`
	// ImageMember names the image inside a zip or tar archive.
	ImageMember      string `yaml:"image_member"       mapstructure:"image_member"`
	MaxNameLength    int    `yaml:"max_name_length"    mapstructure:"max_name_length"`
	MaxDataLength    int    `yaml:"max_data_length"    mapstructure:"max_data_length"`
	ExitBootServices bool   `yaml:"exit_boot_services" mapstructure:"exit_boot_services"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool   `yaml:"insecure" mapstructure:"insecure"`
}

type Config struct {
	Address  string `yaml:"address"   mapstructure:"address"`
	Port     int    `yaml:"port"      mapstructure:"port"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// TrustedProxies is a comma separated list of CIDRs allowed to set
	// X-Forwarded-For.
	TrustedProxies string         `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
	Firmware       FirmwareConfig `yaml:"firmware"        mapstructure:"firmware"`
	Otel           OtelConfig     `yaml:"otel"            mapstructure:"otel"`
	Log            logr.Logger    `yaml:"-"               mapstructure:"-"`

	level *slog.LevelVar
}

func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// TrustedProxyList splits TrustedProxies, dropping empty entries.
func (c *Config) TrustedProxyList() []string {
	var out []string
	for _, p := range strings.Split(c.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	for _, p := range c.TrustedProxyList() {
		if _, _, err := net.ParseCIDR(p); err != nil {
			errs = append(errs, fmt.Errorf("trusted_proxies: %w", err))
		}
	}
	if c.Firmware.ImagePath == "" {
		errs = append(errs, errors.New("firmware.image_path is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Firmware.MaxNameLength < 0 || c.Firmware.MaxDataLength < 0 {
		errs = append(errs, errors.New("firmware limits must not be negative"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("trusted_proxies", "")

	v.SetDefault("firmware.image_path", "")
	v.SetDefault("firmware.image_member", "")
	v.SetDefault("firmware.max_name_length", varstore.DefaultMaxNameLength)
	v.SetDefault("firmware.max_data_length", varstore.DefaultMaxDataLength)
	v.SetDefault("firmware.exit_boot_services", false)

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", true)
}

// NewConfig reads config.yaml from DefaultConfigPaths and the environment.
func NewConfig() (*Config, error) {
	return NewConfigFrom(viper.GetViper(), DefaultConfigPaths...)
}

// NewConfigFrom reads config.yaml from paths into v. A missing file leaves
// the defaults in place. Every key can be overridden by its upper-case
// environment variable, e.g. FIRMWARE_IMAGE_PATH. Changes to the file are
// picked up while running.
func NewConfigFrom(v *viper.Viper, paths ...string) (*Config, error) {
	conf := &Config{level: new(slog.LevelVar)}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
		fileFound = false
	}

	for _, key := range v.AllKeys() {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey); err != nil {
			return nil, fmt.Errorf("config: unable to bind env: %w", err)
		}
	}

	if err := loadConfig(v, conf); err != nil {
		return nil, err
	}
	conf.Log = defaultLogger(conf.level)
	if fileFound {
		conf.Log.V(1).Info("read config file", "path", v.ConfigFileUsed())
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := loadConfig(v, conf); err != nil {
				conf.Log.Error(err, "failed to reload config", "path", e.Name)
				return
			}
			conf.Log.Info("config reloaded", "path", e.Name, "log_level", conf.LogLevel)
		})
		v.WatchConfig()
	}

	return conf, nil
}

func loadConfig(v *viper.Viper, conf *Config) error {
	if err := v.Unmarshal(conf); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	conf.level.Set(parseLevel(conf.LogLevel))
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// defaultLogger uses the slog logr implementation.
func defaultLogger(level slog.Leveler) logr.Logger {
	// source file and function can be long. This makes the logs less readable.
	// truncate source file and function to last 3 parts for improved readability.
	customAttr := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			ss, ok := a.Value.Any().(*slog.Source)
			if !ok || ss == nil {
				return a
			}
			f := strings.Split(ss.Function, "/")
			if len(f) > 3 {
				ss.Function = filepath.Join(f[len(f)-3:]...)
			}
			p := strings.Split(ss.File, "/")
			if len(p) > 3 {
				ss.File = filepath.Join(p[len(p)-3:]...)
			}
		}
		return a
	}
	opts := &slog.HandlerOptions{AddSource: true, ReplaceAttr: customAttr, Level: level}
	log := slog.New(slog.NewJSONHandler(os.Stdout, opts))

	return logr.FromSlogHandler(log.Handler())
}

// Slog returns a slog logger writing through the same handler as c.Log.
func (c *Config) Slog() *slog.Logger {
	return slog.New(logr.ToSlogHandler(c.Log))
}
