package lease

import (
	"fmt"
	"net"
	"time"

	"github.com/j-keck/arping"
)

// Prober checks whether an address is already in use on the wire before it
// is offered.
type Prober interface {
	InUse(ip net.IP) (bool, error)
}

// ARPProber sends an ARP request for the candidate over a given interface.
type ARPProber struct {
	iface *net.Interface
}

func NewARPProber(iface *net.Interface, timeout time.Duration) *ARPProber {
	if timeout > 0 {
		arping.SetTimeout(timeout)
	}
	return &ARPProber{iface: iface}
}

func (a *ARPProber) InUse(ip net.IP) (bool, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return false, fmt.Errorf("ARP check only valid for IPv4, got: %v", ip)
	}

	// loopback interfaces should never do arp resolution
	if a.iface == nil || a.iface.Flags&net.FlagLoopback != 0 {
		return false, nil
	}

	_, _, err := arping.PingOverIface(ip4, *a.iface)
	switch err {
	case nil:
		// `nil` error => got a reply => IP in use
		return true, nil
	case arping.ErrTimeout:
		// timed out => IP not in use
		return false, nil
	default:
		return false, err
	}
}
