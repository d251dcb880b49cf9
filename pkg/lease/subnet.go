package lease

import (
	"fmt"
	"net"
	"strings"

	"github.com/umegbewe/dhcplease/internal/config"
	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

// Subnet is a configured network and the pool of addresses it may hand out.
type Subnet struct {
	Network    *net.IPNet
	RangeStart net.IP
	RangeEnd   net.IP
	// Options are attached to every lease granted from this subnet.
	Options map[dhcp.OptionCode][]byte

	pool *Pool
}

func NewSubnet(network, rangeStart, rangeEnd string) (*Subnet, error) {
	_, ipnet, err := net.ParseCIDR(network)
	if err != nil {
		return nil, fmt.Errorf("invalid network %q: %w", network, err)
	}
	if ipnet.IP.To4() == nil {
		return nil, fmt.Errorf("network %q is not IPv4", network)
	}

	start, end := net.ParseIP(rangeStart).To4(), net.ParseIP(rangeEnd).To4()
	if start == nil || end == nil {
		return nil, fmt.Errorf("invalid ip range %q-%q", rangeStart, rangeEnd)
	}
	if !ipnet.Contains(start) || !ipnet.Contains(end) {
		return nil, fmt.Errorf("range %s-%s is outside %s", start, end, ipnet)
	}

	pool, err := NewPool(ipnet.String(), start, end)
	if err != nil {
		return nil, err
	}

	return &Subnet{
		Network:    ipnet,
		RangeStart: start,
		RangeEnd:   end,
		Options: map[dhcp.OptionCode][]byte{
			dhcp.OptionSubnetMask: append([]byte(nil), ipnet.Mask...),
		},
		pool: pool,
	}, nil
}

// SubnetFromConfig builds a subnet with its router, DNS and domain options.
func SubnetFromConfig(c config.Subnet) (*Subnet, error) {
	s, err := NewSubnet(c.Network, c.RangeStart, c.RangeEnd)
	if err != nil {
		return nil, err
	}
	if c.Router != "" {
		s.Options[dhcp.OptionRouterAddress] = []byte(net.ParseIP(c.Router).To4())
	}
	if len(c.DNSServers) > 0 {
		var dns []byte
		for _, d := range c.DNSServers {
			dns = append(dns, net.ParseIP(d).To4()...)
		}
		s.Options[dhcp.OptionDNSServers] = dns
	}
	if c.DomainName != "" {
		s.Options[dhcp.OptionDomainName] = []byte(c.DomainName)
	}
	return s, nil
}

func (s *Subnet) Contains(ip net.IP) bool {
	return ip != nil && s.Network.Contains(ip)
}

func (s *Subnet) Pool() *Pool {
	return s.pool
}

func (s *Subnet) String() string {
	return fmt.Sprintf("%s [%s-%s]", s.Network, s.RangeStart, s.RangeEnd)
}

// SubnetTable holds subnets in configuration order.
type SubnetTable struct {
	subnets []*Subnet
}

func NewSubnetTable(subnets ...*Subnet) *SubnetTable {
	return &SubnetTable{subnets: subnets}
}

func SubnetTableFromConfig(subnets []config.Subnet) (*SubnetTable, error) {
	t := &SubnetTable{}
	for i, c := range subnets {
		s, err := SubnetFromConfig(c)
		if err != nil {
			return nil, fmt.Errorf("subnet %d: %w", i, err)
		}
		t.subnets = append(t.subnets, s)
	}
	return t, nil
}

// Resolve returns the subnet serving a request that arrived on an interface
// bound to addrs. Addresses are tried in order and, for each, subnets in
// configuration order; the first match wins. nil means the request cannot be
// serviced.
func (t *SubnetTable) Resolve(addrs []net.IP) *Subnet {
	for _, addr := range addrs {
		for _, s := range t.subnets {
			if s.Contains(addr) {
				return s
			}
		}
	}
	return nil
}

// ForAddress returns the subnet whose pool contains ip.
func (t *SubnetTable) ForAddress(ip net.IP) *Subnet {
	for _, s := range t.subnets {
		if s.pool.Contains(ip) {
			return s
		}
	}
	return nil
}

func (t *SubnetTable) Subnets() []*Subnet {
	return t.subnets
}

func (t *SubnetTable) String() string {
	parts := make([]string, len(t.subnets))
	for i, s := range t.subnets {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", ")
}
