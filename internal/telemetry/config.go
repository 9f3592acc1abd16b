package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Config holds OTLP export settings.
type Config struct {
	// Enabled turns export on. When false the rest of the config is
	// ignored and New returns an inert instance.
	Enabled bool

	// Endpoint is the collector address as host:port.
	Endpoint string

	// Protocol selects the exporter transport, grpc or http.
	Protocol string

	// ServiceName identifies this process in exported telemetry.
	ServiceName string

	// Insecure disables TLS. Only permitted for local endpoints.
	Insecure bool

	// ExportInterval is the metric push period.
	ExportInterval time.Duration

	// ShutdownTimeout bounds the final flush when Shutdown is called
	// without a deadline.
	ShutdownTimeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.Protocol == "" {
		c.Protocol = "grpc"
	}
	if c.ServiceName == "" {
		c.ServiceName = "pattern-store"
	}
	if c.ExportInterval == 0 {
		c.ExportInterval = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks the config. Disabled configs always pass.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http" {
		return fmt.Errorf("protocol must be grpc or http, got %q", c.Protocol)
	}
	if c.Insecure && !c.isLocalEndpoint() {
		return fmt.Errorf("insecure connections are only permitted to local endpoints, got %q", c.Endpoint)
	}
	if c.ExportInterval <= 0 {
		return fmt.Errorf("export interval must be positive, got %s", c.ExportInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// isLocalEndpoint reports whether the endpoint points at this host.
func (c *Config) isLocalEndpoint() bool {
	host := c.Endpoint

	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6, [::1]:4317 or [::1].
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		// IPv4 or hostname with port.
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}

	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(c.Endpoint, "::1")
}
