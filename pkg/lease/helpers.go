package lease

import (
	"encoding/binary"
	"net"
)

func ipToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func offsetToIP(base net.IP, offset int) net.IP {
	ipBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(ipBytes, ipToUint32(base)+uint32(offset))
	return net.IP(ipBytes)
}
