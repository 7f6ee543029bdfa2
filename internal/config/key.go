// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix TUNNELD_)
//  3. Config file (config.yaml in . or /etc/tunneld/)
//  4. Compiled defaults
package config

// Viper keys for server configuration.
const (
	keyControlAddress      = "server.control_address"
	keyVHTTPAddress        = "server.vhttp_address"
	keyDomains             = "server.domains"
	keyAdvertiseIPs        = "server.advertise_ips"
	keyVHTTPBehindProxyTLS = "server.vhttp_behind_proxy_tls"
	keyPortRangeLow        = "server.port_range.low"
	keyPortRangeHigh       = "server.port_range.high"
	keyMetricsAddress      = "server.metrics_address"
	keyLogLevel            = "server.log_level"
)
