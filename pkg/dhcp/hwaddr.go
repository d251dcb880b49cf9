package dhcp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HTypeEthernet is the ARP hardware type for 10Mb ethernet (RFC 1700).
const HTypeEthernet = 1

// MaxHardwareAddrLen is the width of the chaddr field.
const MaxHardwareAddrLen = 16

// HardwareAddress identifies a client by link-layer type and address. Unlike
// net.HardwareAddr it is comparable and can be used as a map key.
type HardwareAddress struct {
	Type uint8
	Len  uint8
	Addr [MaxHardwareAddrLen]byte
}

func NewHardwareAddress(htype uint8, addr net.HardwareAddr) HardwareAddress {
	h := HardwareAddress{Type: htype}
	n := copy(h.Addr[:], addr)
	h.Len = uint8(n)
	return h
}

// ParseHardwareAddress accepts either a bare MAC ("aa:bb:cc:dd:ee:ff") or the
// key form produced by Key ("1/aa:bb:cc:dd:ee:ff").
func ParseHardwareAddress(s string) (HardwareAddress, error) {
	htype := uint8(HTypeEthernet)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		t, err := strconv.ParseUint(s[:i], 10, 8)
		if err != nil {
			return HardwareAddress{}, fmt.Errorf("invalid hardware type %q: %w", s[:i], err)
		}
		htype = uint8(t)
		s = s[i+1:]
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return HardwareAddress{}, err
	}
	if len(mac) > MaxHardwareAddrLen {
		return HardwareAddress{}, fmt.Errorf("hardware address too long: %s", s)
	}
	return NewHardwareAddress(htype, mac), nil
}

func (h HardwareAddress) Bytes() net.HardwareAddr {
	return append(net.HardwareAddr(nil), h.Addr[:h.Len]...)
}

func (h HardwareAddress) IsZero() bool {
	return h == HardwareAddress{}
}

func (h HardwareAddress) String() string {
	return h.Bytes().String()
}

// Key is a stable textual form including the hardware type, used by stores.
func (h HardwareAddress) Key() string {
	return fmt.Sprintf("%d/%s", h.Type, h.String())
}

func (h HardwareAddress) MarshalText() ([]byte, error) {
	return []byte(h.Key()), nil
}

func (h *HardwareAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseHardwareAddress(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// MarshalBinary encodes type, length and address bytes.
func (h HardwareAddress) MarshalBinary() ([]byte, error) {
	out := make([]byte, 2+int(h.Len))
	out[0] = h.Type
	out[1] = h.Len
	copy(out[2:], h.Addr[:h.Len])
	return out, nil
}

func (h *HardwareAddress) UnmarshalBinary(data []byte) error {
	if len(data) < 2 || int(data[1]) > MaxHardwareAddrLen || len(data) < 2+int(data[1]) {
		return fmt.Errorf("invalid hardware address encoding (%d bytes)", len(data))
	}
	*h = HardwareAddress{Type: data[0], Len: data[1]}
	copy(h.Addr[:], data[2:2+int(data[1])])
	return nil
}
