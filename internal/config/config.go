// Package config defines the dataplane configuration and loads it from flags,
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	ServiceVirtualIP = "service.virtual_ip"
	ServiceBackendIP = "service.backend_ip"
	ServicePort      = "service.port"

	ConntrackMaxEntries = "conntrack.max_entries"
	ConntrackEntryTTL   = "conntrack.entry_ttl"

	InterfacesClient           = "interfaces.client"
	InterfacesBackend          = "interfaces.backend"
	InterfacesDriver           = "interfaces.driver"
	InterfacesResolveNeighbors = "interfaces.resolve_neighbors"
	InterfacesClientGateway    = "interfaces.client_gateway"

	LogLevel       = "log.level"
	LogDevelopment = "log.development"

	MetricsAddress = "metrics.address"

	EnvPrefix = "LBNAT"
)

const (
	DriverPcap = "pcap"
	DriverTUN  = "tun"
)

const (
	DefaultServicePort         = 8080
	DefaultConntrackMaxEntries = 65536
	// MinConntrackEntries holds one translated flow, which takes a forward
	// and a reply record.
	MinConntrackEntries = 2
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Service    Service    `mapstructure:"service"`
	Conntrack  Conntrack  `mapstructure:"conntrack"`
	Interfaces Interfaces `mapstructure:"interfaces"`
	Log        Log        `mapstructure:"log"`
	Metrics    Metrics    `mapstructure:"metrics"`
}

type Service struct {
	VirtualIP string `mapstructure:"virtual_ip"`
	BackendIP string `mapstructure:"backend_ip"`
	Port      int    `mapstructure:"port"`

	virtualAddr netip.Addr
	backendAddr netip.Addr
}

// VirtualAddr is the parsed VirtualIP. It is only valid after Validate.
func (s Service) VirtualAddr() netip.Addr { return s.virtualAddr }

// BackendAddr is the parsed BackendIP. It is only valid after Validate.
func (s Service) BackendAddr() netip.Addr { return s.backendAddr }

type Conntrack struct {
	// MaxEntries counts records, not flows. Every translated flow uses two.
	MaxEntries int           `mapstructure:"max_entries"`
	EntryTTL   time.Duration `mapstructure:"entry_ttl"`
}

type Interfaces struct {
	// Client receives traffic from clients and carries replies back to them.
	Client string `mapstructure:"client"`
	// Backend carries translated traffic to the backend and receives its replies.
	Backend          string `mapstructure:"backend"`
	Driver           string `mapstructure:"driver"`
	ResolveNeighbors bool   `mapstructure:"resolve_neighbors"`
	ClientGateway    string `mapstructure:"client_gateway"`

	clientGatewayAddr netip.Addr
}

// ClientGatewayAddr is the parsed ClientGateway. It is only valid after Validate
// and only set when ResolveNeighbors is enabled.
func (i Interfaces) ClientGatewayAddr() netip.Addr { return i.clientGatewayAddr }

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Metrics struct {
	// Address is the listen address of the prometheus endpoint. Empty disables it.
	Address string `mapstructure:"address"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(ServiceVirtualIP, "")
	v.SetDefault(ServiceBackendIP, "")
	v.SetDefault(ServicePort, DefaultServicePort)
	v.SetDefault(ConntrackMaxEntries, DefaultConntrackMaxEntries)
	v.SetDefault(ConntrackEntryTTL, time.Duration(0))
	v.SetDefault(InterfacesClient, "")
	v.SetDefault(InterfacesBackend, "")
	v.SetDefault(InterfacesDriver, DriverPcap)
	v.SetDefault(InterfacesResolveNeighbors, false)
	v.SetDefault(InterfacesClientGateway, "")
	v.SetDefault(LogLevel, "info")
	v.SetDefault(LogDevelopment, false)
	v.SetDefault(MetricsAddress, "")
}

// AddFlags registers command line flags on cmd and binds them to their keys on v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()

	flags.String("virtual-ip", "", "Virtual IPv4 address clients connect to")
	flags.String("backend-ip", "", "IPv4 address of the backend")
	flags.Int("port", DefaultServicePort, "TCP port of the virtual service")
	flags.Int("conntrack-max-entries", DefaultConntrackMaxEntries, "Capacity of the connection table in records, two per flow")
	flags.Duration("conntrack-entry-ttl", 0, "Expire connection records after this long without an update (0 disables)")
	flags.String("client-interface", "", "Interface facing the clients")
	flags.String("backend-interface", "", "Interface facing the backend")
	flags.String("driver", DriverPcap, "Packet endpoint driver: pcap or tun")
	flags.Bool("resolve-neighbors", false, "Rewrite Ethernet addresses of forwarded frames from the ARP cache")
	flags.String("client-gateway", "", "Next hop toward clients, used with --resolve-neighbors")
	flags.String("log-level", "info", "Log level")
	flags.Bool("log-development", false, "Use the development logger")
	flags.String("metrics-address", "", "Listen address for prometheus metrics (empty disables)")

	bindings := map[string]string{
		ServiceVirtualIP:           "virtual-ip",
		ServiceBackendIP:           "backend-ip",
		ServicePort:                "port",
		ConntrackMaxEntries:        "conntrack-max-entries",
		ConntrackEntryTTL:          "conntrack-entry-ttl",
		InterfacesClient:           "client-interface",
		InterfacesBackend:          "backend-interface",
		InterfacesDriver:           "driver",
		InterfacesResolveNeighbors: "resolve-neighbors",
		InterfacesClientGateway:    "client-gateway",
		LogLevel:                   "log-level",
		LogDevelopment:             "log-development",
		MetricsAddress:             "metrics-address",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads the optional config file at path, applies LBNAT_* environment
// overrides and returns the validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and parses the addresses it holds.
func (c *Config) Validate() error {
	var err error
	if c.Service.virtualAddr, err = parseIPv4(ServiceVirtualIP, c.Service.VirtualIP); err != nil {
		return err
	}
	if c.Service.backendAddr, err = parseIPv4(ServiceBackendIP, c.Service.BackendIP); err != nil {
		return err
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return invalid(ServicePort, "must be between 1 and 65535, got %d", c.Service.Port)
	}

	if c.Conntrack.MaxEntries < MinConntrackEntries {
		return invalid(ConntrackMaxEntries, "must be at least %d, got %d", MinConntrackEntries, c.Conntrack.MaxEntries)
	}
	if c.Conntrack.EntryTTL < 0 {
		return invalid(ConntrackEntryTTL, "must not be negative, got %v", c.Conntrack.EntryTTL)
	}

	switch c.Interfaces.Driver {
	case DriverPcap, DriverTUN:
	default:
		return invalid(InterfacesDriver, "unknown driver %q", c.Interfaces.Driver)
	}
	if c.Interfaces.Client == "" {
		return invalid(InterfacesClient, "is required")
	}
	if c.Interfaces.Backend == "" {
		return invalid(InterfacesBackend, "is required")
	}
	if c.Interfaces.Client == c.Interfaces.Backend {
		return invalid(InterfacesBackend, "must differ from %s", InterfacesClient)
	}
	if c.Interfaces.ResolveNeighbors {
		if c.Interfaces.Driver != DriverPcap {
			return invalid(InterfacesResolveNeighbors, "requires the %s driver", DriverPcap)
		}
		if c.Interfaces.clientGatewayAddr, err = parseIPv4(InterfacesClientGateway, c.Interfaces.ClientGateway); err != nil {
			return err
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid(LogLevel, "%v", err)
	}
	return nil
}

func parseIPv4(key, value string) (netip.Addr, error) {
	if value == "" {
		return netip.Addr{}, invalid(key, "is required")
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, invalid(key, "%v", err)
	}
	if !addr.Is4() {
		return netip.Addr{}, invalid(key, "%v is not an IPv4 address", addr)
	}
	return addr, nil
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidConfig, key, fmt.Sprintf(format, args...))
}
