package dhcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	OpRequest = 1
	OpReply   = 2
)

const (
	MessageTypeDiscover = 1
	MessageTypeOffer    = 2
	MessageTypeRequest  = 3
	MessageTypeDecline  = 4
	MessageTypeAck      = 5
	MessageTypeNak      = 6
	MessageTypeRelease  = 7
	MessageTypeInform   = 8
)

// FlagBroadcast is the high bit of the flags field (RFC 2131 figure 2).
const FlagBroadcast uint16 = 0x8000

const (
	// HeaderLen is the size of the fixed BOOTP header, up to and excluding the magic cookie.
	HeaderLen = 236
	// OptionsOffset is where the option stream starts, right after the magic cookie.
	OptionsOffset = HeaderLen + 4
	// MinPacketLen is the minimum BOOTP message size; shorter replies are padded.
	MinPacketLen = 300
)

var MagicCookie = []byte{0x63, 0x82, 0x53, 0x63}

type Message struct {
	OpCode  uint8
	HType   uint8
	HLen    uint8
	Hops    uint8
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr
	SName   [64]byte
	File    [128]byte
	Options Options
}

// NewMessage returns an empty ethernet reply with all addresses zeroed.
func NewMessage() *Message {
	return &Message{
		OpCode:  OpReply,
		HType:   HTypeEthernet,
		HLen:    6,
		CIAddr:  net.IPv4zero.To4(),
		YIAddr:  net.IPv4zero.To4(),
		SIAddr:  net.IPv4zero.To4(),
		GIAddr:  net.IPv4zero.To4(),
		CHAddr:  make(net.HardwareAddr, 6),
		Options: make(Options, 0),
	}
}

// NewReply prepares a BOOTREPLY for req, carrying over the fields a client uses
// to match the answer to its request. The options list is empty.
func NewReply(req *Message, msgType uint8) *Message {
	reply := NewMessage()
	reply.HType = req.HType
	reply.HLen = req.HLen
	reply.XID = req.XID
	reply.Flags = req.Flags
	if req.GIAddr != nil {
		reply.GIAddr = copyIP4(req.GIAddr)
	}
	reply.CHAddr = append(net.HardwareAddr(nil), req.CHAddr...)
	reply.Options.Add(OptionDHCPMessageType, msgType)
	return reply
}

// HardwareAddress returns the client hardware address as a comparable key.
func (m *Message) HardwareAddress() HardwareAddress {
	return NewHardwareAddress(m.HType, m.CHAddr)
}

func (m *Message) MessageType() uint8 {
	return m.Options.GetMessageType()
}

func (m *Message) IsBroadcast() bool {
	return m.Flags&FlagBroadcast != 0
}

func (m *Message) Encode() ([]byte, error) {
	if len(m.CHAddr) > MaxHardwareAddrLen {
		return nil, fmt.Errorf("hardware address too long: %d bytes", len(m.CHAddr))
	}

	options, err := m.Options.Encode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(OptionsOffset + len(options))

	buf.WriteByte(m.OpCode)
	buf.WriteByte(m.HType)
	buf.WriteByte(m.HLen)
	buf.WriteByte(m.Hops)

	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], m.XID)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint16(scratch[:2], m.Secs)
	buf.Write(scratch[:2])
	binary.BigEndian.PutUint16(scratch[:2], m.Flags)
	buf.Write(scratch[:2])

	writeIP4(&buf, m.CIAddr)
	writeIP4(&buf, m.YIAddr)
	writeIP4(&buf, m.SIAddr)
	writeIP4(&buf, m.GIAddr)

	var chaddr [MaxHardwareAddrLen]byte
	copy(chaddr[:], m.CHAddr)
	buf.Write(chaddr[:])
	buf.Write(m.SName[:])
	buf.Write(m.File[:])

	buf.Write(MagicCookie)
	buf.Write(options)

	if pad := MinPacketLen - buf.Len(); pad > 0 {
		buf.Write(make([]byte, pad))
	}

	return buf.Bytes(), nil
}

func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, malformed("message too short: %d bytes", len(data))
	}
	if len(data) < OptionsOffset || !bytes.Equal(data[HeaderLen:OptionsOffset], MagicCookie) {
		return nil, malformed("invalid or missing magic cookie")
	}

	m := &Message{
		OpCode: data[0],
		HType:  data[1],
		HLen:   data[2],
		Hops:   data[3],
		XID:    binary.BigEndian.Uint32(data[4:8]),
		Secs:   binary.BigEndian.Uint16(data[8:10]),
		Flags:  binary.BigEndian.Uint16(data[10:12]),
		CIAddr: copyIP4(data[12:16]),
		YIAddr: copyIP4(data[16:20]),
		SIAddr: copyIP4(data[20:24]),
		GIAddr: copyIP4(data[24:28]),
	}

	if m.HLen > MaxHardwareAddrLen {
		return nil, malformed("invalid hardware address length: %d", m.HLen)
	}
	m.CHAddr = make(net.HardwareAddr, m.HLen)
	copy(m.CHAddr, data[28:28+int(m.HLen)])

	copy(m.SName[:], data[44:108])
	copy(m.File[:], data[108:236])

	options, err := DecodeOptions(data[OptionsOffset:])
	if err != nil {
		return nil, err
	}
	m.Options, err = appendOverloaded(options, m)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Values of option 52 (RFC 2132 section 9.3).
const (
	OverloadFile  = 1
	OverloadSName = 2
	OverloadBoth  = 3
)

// appendOverloaded appends the options carried in the file and sname fields
// when option 52 says so, file first. The raw fields are left as received.
func appendOverloaded(options Options, m *Message) (Options, error) {
	v, ok := options.Get(OptionOverload)
	if !ok {
		return options, nil
	}
	if len(v) != 1 || v[0] < OverloadFile || v[0] > OverloadBoth {
		return nil, malformed("invalid option overload value %v", v)
	}

	var fields [][]byte
	if v[0]&OverloadFile != 0 {
		fields = append(fields, m.File[:])
	}
	if v[0]&OverloadSName != 0 {
		fields = append(fields, m.SName[:])
	}
	for _, field := range fields {
		extra, err := DecodeOptions(field)
		if err != nil {
			return nil, err
		}
		for _, opt := range extra {
			if opt.Code == OptionOverload {
				return nil, malformed("option overload inside an overloaded field")
			}
			options = append(options, opt)
		}
	}
	return options, nil
}

// MessageTypeName is the lower-case name used in logs and metric labels.
func MessageTypeName(msgType uint8) string {
	switch msgType {
	case MessageTypeDiscover:
		return "discover"
	case MessageTypeOffer:
		return "offer"
	case MessageTypeRequest:
		return "request"
	case MessageTypeDecline:
		return "decline"
	case MessageTypeAck:
		return "ack"
	case MessageTypeNak:
		return "nak"
	case MessageTypeRelease:
		return "release"
	case MessageTypeInform:
		return "inform"
	default:
		return "unknown"
	}
}

func writeIP4(buf *bytes.Buffer, ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		buf.Write(ip4)
	} else {
		buf.Write([]byte{0, 0, 0, 0})
	}
}

func copyIP4(ip net.IP) net.IP {
	out := make(net.IP, 4)
	if ip4 := ip.To4(); ip4 != nil {
		copy(out, ip4)
	}
	return out
}
