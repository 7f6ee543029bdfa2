package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	// Register compiled defaults for all known options.
	for _, o := range ServerOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tunneld/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with TUNNELD_ and use
	// underscores in place of dots (e.g. TUNNELD_SERVER_CONTROL_ADDRESS).
	v.SetEnvPrefix("TUNNELD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ControlAddress returns the listen address for the control channel.
func (c *Config) ControlAddress() string {
	return c.v.GetString(keyControlAddress)
}

// VHTTPAddress returns the listen address for the shared virtual-host
// HTTP listener.
func (c *Config) VHTTPAddress() string {
	return c.v.GetString(keyVHTTPAddress)
}

// Domains returns the domains this server may route HTTP tunnels
// under. The first entry is used as the default domain for bare
// subdomain registrations.
func (c *Config) Domains() []string {
	return c.v.GetStringSlice(keyDomains)
}

// AdvertiseIPs returns the server IPs to advertise to clients for
// TCP/UDP tunnels.
func (c *Config) AdvertiseIPs() []string {
	return c.v.GetStringSlice(keyAdvertiseIPs)
}

// VHTTPBehindProxyTLS reports whether the server sits behind an
// external TLS-terminating proxy, so vhttp requests should be treated
// as HTTPS when inferring scheme for forwarded headers.
func (c *Config) VHTTPBehindProxyTLS() bool {
	return c.v.GetBool(keyVHTTPBehindProxyTLS)
}

// PortRangeLow returns the lowest port available for dynamic
// allocation.
func (c *Config) PortRangeLow() uint16 {
	return uint16(c.v.GetUint32(keyPortRangeLow))
}

// PortRangeHigh returns the highest port available for dynamic
// allocation.
func (c *Config) PortRangeHigh() uint16 {
	return uint16(c.v.GetUint32(keyPortRangeHigh))
}

// MetricsAddress returns the listen address for the Prometheus
// /metrics endpoint.
func (c *Config) MetricsAddress() string {
	return c.v.GetString(keyMetricsAddress)
}

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string {
	return c.v.GetString(keyLogLevel)
}
