package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v2"
)

type Subnet struct {
	Network    string   `yaml:"network"`
	RangeStart string   `yaml:"range_start"`
	RangeEnd   string   `yaml:"range_end"`
	Router     string   `yaml:"router"`
	DNSServers []string `yaml:"dns_servers"`
	DomainName string   `yaml:"domain_name"`
}

type Config struct {
	Server struct {
		Interface     string `yaml:"interface"`
		ListenAddress string `yaml:"listen_address" default:"0.0.0.0"`
		Port          int    `yaml:"port" default:"67"`
		ClientPort    int    `yaml:"client_port" default:"68"`
		ServerIP      string `yaml:"server_ip"`
		ARPCheck      bool   `yaml:"arp_check" default:"false"`
		ARPTimeoutMS  int    `yaml:"arp_timeout_ms" default:"500"`
	} `yaml:"server"`
	Subnets []Subnet `yaml:"subnets"`
	Leases  struct {
		OfferDefault    int `yaml:"offer_default" default:"300"`
		OfferMax        int `yaml:"offer_max" default:"600"`
		LeaseDefault    int `yaml:"lease_default" default:"3600"`
		LeaseMax        int `yaml:"lease_max" default:"86400"`
		DeclineHold     int `yaml:"decline_hold" default:"600"`
		CleanupInterval int `yaml:"cleanup_interval" default:"120"`
	} `yaml:"leases"`
	Logging struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"text"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled       bool   `yaml:"enabled" default:"true"`
		ListenAddress string `yaml:"listen_address" default:":9100"`
	} `yaml:"metrics"`
	Database struct {
		Type string `yaml:"type" default:"memory"`
		Bolt struct {
			Path string `yaml:"path"`
		} `yaml:"bolt"`
		Sqlite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Redis struct {
			Addr     string `yaml:"addr" default:"localhost:6379"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db" default:"0"`
		} `yaml:"redis"`
	} `yaml:"database"`
}

// SampleSubnet is the bootstrap subnet used when a configuration lists none.
var SampleSubnet = Subnet{
	Network:    "192.168.168.0/24",
	RangeStart: "192.168.168.159",
	RangeEnd:   "192.168.168.179",
}

// Default returns a configuration with all defaults applied and the sample subnet.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Subnets = []Subnet{SampleSubnet}
	return cfg
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration YAML: %w", err)
	}
	if len(cfg.Subnets) == 0 {
		cfg.Subnets = []Subnet{SampleSubnet}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	for i, s := range c.Subnets {
		_, network, err := net.ParseCIDR(s.Network)
		if err != nil || network.IP.To4() == nil {
			return fmt.Errorf("subnet %d: invalid IPv4 network %q", i, s.Network)
		}
		start, end := net.ParseIP(s.RangeStart).To4(), net.ParseIP(s.RangeEnd).To4()
		if start == nil || end == nil {
			return fmt.Errorf("subnet %d: invalid range %q-%q", i, s.RangeStart, s.RangeEnd)
		}
		if !network.Contains(start) || !network.Contains(end) {
			return fmt.Errorf("subnet %d: range %s-%s outside %s", i, start, end, network)
		}
		if s.Router != "" && net.ParseIP(s.Router).To4() == nil {
			return fmt.Errorf("subnet %d: invalid router %q", i, s.Router)
		}
		for _, dns := range s.DNSServers {
			if net.ParseIP(dns).To4() == nil {
				return fmt.Errorf("subnet %d: invalid dns server %q", i, dns)
			}
		}
	}
	if c.Server.ServerIP != "" && net.ParseIP(c.Server.ServerIP).To4() == nil {
		return fmt.Errorf("invalid server_ip %q", c.Server.ServerIP)
	}

	l := c.Leases
	if l.OfferMax <= 0 || l.LeaseMax <= 0 {
		return errors.New("lease ceilings must be positive")
	}
	if l.OfferDefault <= 0 || l.OfferDefault > l.OfferMax {
		return fmt.Errorf("offer_default %d must be in (0, offer_max=%d]", l.OfferDefault, l.OfferMax)
	}
	if l.LeaseDefault <= 0 || l.LeaseDefault > l.LeaseMax {
		return fmt.Errorf("lease_default %d must be in (0, lease_max=%d]", l.LeaseDefault, l.LeaseMax)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// IdleTimeout is how long an untouched lease stays in the store: twice the
// longest lease the server will grant.
func (c *Config) IdleTimeout() time.Duration {
	return 2 * seconds(c.Leases.LeaseMax)
}

func (c *Config) CleanupInterval() time.Duration {
	return seconds(c.Leases.CleanupInterval)
}

func (c *Config) DeclineHold() time.Duration {
	return seconds(c.Leases.DeclineHold)
}

func (c *Config) ARPTimeout() time.Duration {
	return time.Duration(c.Server.ARPTimeoutMS) * time.Millisecond
}
