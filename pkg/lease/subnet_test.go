package lease

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umegbewe/dhcplease/internal/config"
	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

func TestSubnetTableResolveFirstMatch(t *testing.T) {
	wide, err := NewSubnet("10.0.0.0/16", "10.0.1.10", "10.0.1.20")
	require.NoError(t, err)
	narrow, err := NewSubnet("10.0.0.0/24", "10.0.0.10", "10.0.0.20")
	require.NoError(t, err)
	other, err := NewSubnet("172.16.0.0/24", "172.16.0.10", "172.16.0.20")
	require.NoError(t, err)

	table := NewSubnetTable(wide, narrow, other)

	assert.Same(t, wide, table.Resolve([]net.IP{net.ParseIP("10.0.0.1")}))
	assert.Same(t, other, table.Resolve([]net.IP{net.ParseIP("192.168.1.1"), net.ParseIP("172.16.0.1")}))
	assert.Nil(t, table.Resolve([]net.IP{net.ParseIP("192.168.1.1")}))
	assert.Nil(t, table.Resolve(nil))
}

func TestSubnetTableForAddress(t *testing.T) {
	a, _ := NewSubnet("10.0.0.0/24", "10.0.0.10", "10.0.0.20")
	b, _ := NewSubnet("10.0.1.0/24", "10.0.1.10", "10.0.1.20")
	table := NewSubnetTable(a, b)

	assert.Same(t, b, table.ForAddress(net.ParseIP("10.0.1.15")))
	// inside the network but outside the pool
	assert.Nil(t, table.ForAddress(net.ParseIP("10.0.0.5")))
}

func TestNewSubnetValidation(t *testing.T) {
	_, err := NewSubnet("bogus", "10.0.0.1", "10.0.0.2")
	assert.Error(t, err)
	_, err = NewSubnet("10.0.0.0/24", "10.0.1.1", "10.0.1.2")
	assert.Error(t, err)
	_, err = NewSubnet("fd00::/64", "fd00::1", "fd00::2")
	assert.Error(t, err)
}

func TestSubnetFromConfig(t *testing.T) {
	s, err := SubnetFromConfig(config.Subnet{
		Network:    "192.168.168.0/24",
		RangeStart: "192.168.168.159",
		RangeEnd:   "192.168.168.179",
		Router:     "192.168.168.1",
		DNSServers: []string{"1.1.1.1", "8.8.8.8"},
		DomainName: "lan",
	})
	require.NoError(t, err)

	assert.Equal(t, []byte{255, 255, 255, 0}, s.Options[dhcp.OptionSubnetMask])
	assert.Equal(t, []byte{192, 168, 168, 1}, s.Options[dhcp.OptionRouterAddress])
	assert.Equal(t, []byte{1, 1, 1, 1, 8, 8, 8, 8}, s.Options[dhcp.OptionDNSServers])
	assert.Equal(t, []byte("lan"), s.Options[dhcp.OptionDomainName])
	assert.Equal(t, 21, s.Pool().Size())
}
