package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// ServerOptions defines every configuration entry the tunnel server
// reads. Each entry is registered as a viper default and a CLI flag.
var ServerOptions = []Option{
	{Key: keyControlAddress, Flag: toFlag(keyControlAddress), Default: ":7000", Description: "Control channel listen address"},
	{Key: keyVHTTPAddress, Flag: toFlag(keyVHTTPAddress), Default: ":7001", Description: "Shared virtual-host HTTP listen address"},
	{Key: keyDomains, Flag: toFlag(keyDomains), Default: []string{}, Description: "Domains this server may route HTTP tunnels under"},
	{Key: keyAdvertiseIPs, Flag: toFlag(keyAdvertiseIPs), Default: []string{}, Description: "Server IPs to advertise to clients for TCP/UDP tunnels"},
	{Key: keyVHTTPBehindProxyTLS, Flag: toFlag(keyVHTTPBehindProxyTLS), Default: false, Description: "Treat vhttp requests as HTTPS for forwarded headers (server sits behind a TLS-terminating proxy)"},
	{Key: keyPortRangeLow, Flag: toFlag(keyPortRangeLow), Default: 40000, Description: "Lowest port available for dynamic TCP/UDP tunnel allocation"},
	{Key: keyPortRangeHigh, Flag: toFlag(keyPortRangeHigh), Default: 40099, Description: "Highest port available for dynamic TCP/UDP tunnel allocation"},
	{Key: keyMetricsAddress, Flag: toFlag(keyMetricsAddress), Default: ":7002", Description: "Prometheus /metrics listen address"},
	{Key: keyLogLevel, Flag: toFlag(keyLogLevel), Default: "info", Description: "Log level (debug, info, warn, error)"},
}

// toFlag converts a viper key like "server.port_range.low" into a CLI
// flag like "port-range-low" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the "server-" prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	return flag
}
