package dhcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

type OptionCode uint8

const (
	OptionPad                   OptionCode = 0
	OptionSubnetMask            OptionCode = 1
	OptionRouterAddress         OptionCode = 3
	OptionDNSServers            OptionCode = 6
	OptionHostName              OptionCode = 12
	OptionDomainName            OptionCode = 15
	OptionRequestedIPAddress    OptionCode = 50
	OptionIPAddressLeaseTime    OptionCode = 51
	OptionOverload              OptionCode = 52
	OptionDHCPMessageType       OptionCode = 53
	OptionServerIdentifier      OptionCode = 54
	OptionParameterRequestList  OptionCode = 55
	OptionMessage               OptionCode = 56
	OptionMaxMessageSize        OptionCode = 57
	OptionRenewalTimeValue      OptionCode = 58
	OptionRebindingTimeValue    OptionCode = 59
	OptionVendorClassIdentifier OptionCode = 60
	OptionClientIdentifier      OptionCode = 61
	OptionTFTPServerName        OptionCode = 66
	OptionBootfileName          OptionCode = 67
	OptionEndOption             OptionCode = 255
)

// MaxOptionLen is the largest value a single (code, length, value) triple can carry.
const MaxOptionLen = 255

type Option struct {
	Code  OptionCode
	Value []byte
}

// Options keeps options in wire order. Codes the server does not interpret
// are carried as raw bytes so a decoded message re-encodes without loss.
type Options []Option

func (o Options) Encode() ([]byte, error) {
	var buf bytes.Buffer

	for _, opt := range o {
		if opt.Code == OptionPad || opt.Code == OptionEndOption {
			continue
		}
		if len(opt.Value) > MaxOptionLen {
			return nil, fmt.Errorf("option %d value too long: %d bytes", opt.Code, len(opt.Value))
		}

		buf.WriteByte(byte(opt.Code))
		buf.WriteByte(byte(len(opt.Value)))
		buf.Write(opt.Value)
	}

	buf.WriteByte(byte(OptionEndOption))

	return buf.Bytes(), nil
}

func DecodeOptions(data []byte) (Options, error) {
	options := make(Options, 0)
	i := 0
	for i < len(data) {
		code := OptionCode(data[i])
		i++
		if code == OptionEndOption {
			break
		}
		if code == OptionPad {
			continue
		}
		if i >= len(data) {
			return nil, malformed("missing length for option %d", code)
		}
		length := int(data[i])
		i++
		if i+length > len(data) {
			return nil, malformed("option %d length %d overruns buffer", code, length)
		}
		value := make([]byte, length)
		copy(value, data[i:i+length])
		i += length
		options = append(options, Option{Code: code, Value: value})
	}
	return options, nil
}

// Add appends an option, converting value to its wire form. Integers are
// written in network byte order; durations are written as whole seconds.
func (o *Options) Add(code OptionCode, value interface{}) {
	val, ok := optionBytes(value)
	if !ok {
		log.Errorf("Unknown option type: %T with value: %v", value, value)
		return
	}
	*o = append(*o, Option{Code: code, Value: val})
}

// Set replaces the first option with the given code, or appends one.
func (o *Options) Set(code OptionCode, value interface{}) {
	val, ok := optionBytes(value)
	if !ok {
		log.Errorf("Unknown option type: %T with value: %v", value, value)
		return
	}
	for i := range *o {
		if (*o)[i].Code == code {
			(*o)[i].Value = val
			return
		}
	}
	*o = append(*o, Option{Code: code, Value: val})
}

// Get returns the value of the first option with the given code.
func (o Options) Get(code OptionCode) ([]byte, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Value, true
		}
	}
	return nil, false
}

func (o Options) GetMessageType() uint8 {
	if v, ok := o.Get(OptionDHCPMessageType); ok && len(v) == 1 {
		return v[0]
	}
	return 0
}

func (o Options) GetRequestedIP() net.IP {
	return o.GetIP(OptionRequestedIPAddress)
}

func (o Options) GetServerIdentifier() net.IP {
	return o.GetIP(OptionServerIdentifier)
}

// GetIP returns a single IPv4 address option, or nil when absent or malformed.
func (o Options) GetIP(code OptionCode) net.IP {
	if v, ok := o.Get(code); ok && len(v) == 4 {
		return net.IP(append([]byte(nil), v...))
	}
	return nil
}

// GetLeaseTime returns the requested lease time in seconds.
func (o Options) GetLeaseTime() (uint32, bool) {
	if v, ok := o.Get(OptionIPAddressLeaseTime); ok && len(v) == 4 {
		return binary.BigEndian.Uint32(v), true
	}
	return 0, false
}

func (o Options) GetParameterRequestList() []OptionCode {
	v, ok := o.Get(OptionParameterRequestList)
	if !ok {
		return nil
	}
	codes := make([]OptionCode, len(v))
	for i, c := range v {
		codes[i] = OptionCode(c)
	}
	return codes
}

func optionBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case uint8:
		return []byte{v}, true
	case uint16:
		val := make([]byte, 2)
		binary.BigEndian.PutUint16(val, v)
		return val, true
	case uint32:
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, v)
		return val, true
	case int:
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, uint32(v))
		return val, true
	case time.Duration:
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, uint32(v/time.Second))
		return val, true
	case []byte:
		val := make([]byte, len(v))
		copy(val, v)
		return val, true
	case string:
		return []byte(v), true
	case net.IP:
		if ip4 := v.To4(); ip4 != nil {
			return append([]byte(nil), ip4...), true
		}
		return append([]byte(nil), v.To16()...), true
	case net.IPMask:
		return append([]byte(nil), v...), true
	case []net.IP:
		var buf bytes.Buffer
		for _, ip := range v {
			if ip4 := ip.To4(); ip4 != nil {
				buf.Write(ip4)
			} else {
				buf.Write(ip.To16())
			}
		}
		return buf.Bytes(), true
	default:
		return nil, false
	}
}
