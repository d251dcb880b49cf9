package dhcp_test

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

func TestMessageEncodeDecode(t *testing.T) {
	msg := dhcp.NewMessage()
	msg.XID = 0xABCD1234
	msg.CIAddr = net.IPv4(192, 168, 0, 10)
	msg.Options.Add(dhcp.OptionDHCPMessageType, uint8(dhcp.MessageTypeDiscover))

	encoded, err := msg.Encode()
	if err != nil {
		t.Errorf("Encoded DHCP message failed %v", err)
	}

	if len(encoded) < dhcp.MinPacketLen {
		t.Errorf("Encoded DHCP message is too short: %d bytes", len(encoded))
	}

	decoded, err := dhcp.DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}

	if decoded.XID != msg.XID {
		t.Errorf("Expected XID=%08x, got=%08x", msg.XID, decoded.XID)
	}
	if !decoded.CIAddr.Equal(msg.CIAddr) {
		t.Errorf("Expected CIAddr=%s, got=%s", msg.CIAddr, decoded.CIAddr)
	}

	expectedType := msg.Options.GetMessageType()
	gotType := decoded.Options.GetMessageType()
	if gotType != expectedType {
		t.Errorf("Expected DHCPMessageType=%d, got=%d", expectedType, gotType)
	}
}

func TestMessageRoundTripAllFields(t *testing.T) {
	msg := &dhcp.Message{
		OpCode:  dhcp.OpRequest,
		HType:   dhcp.HTypeEthernet,
		HLen:    6,
		Hops:    2,
		XID:     0xDEADBEEF,
		Secs:    17,
		Flags:   dhcp.FlagBroadcast,
		CIAddr:  net.IPv4(10, 0, 0, 1).To4(),
		YIAddr:  net.IPv4(10, 0, 0, 2).To4(),
		SIAddr:  net.IPv4(10, 0, 0, 3).To4(),
		GIAddr:  net.IPv4(10, 0, 0, 4).To4(),
		CHAddr:  net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		Options: dhcp.Options{},
	}
	copy(msg.SName[:], "boot-server")
	copy(msg.File[:], "pxelinux.0")
	msg.Options.Add(dhcp.OptionDHCPMessageType, uint8(dhcp.MessageTypeRequest))
	msg.Options.Add(dhcp.OptionRequestedIPAddress, net.IPv4(192, 168, 168, 160))
	msg.Options.Add(dhcp.OptionIPAddressLeaseTime, uint32(7200))
	msg.Options.Add(dhcp.OptionCode(224), []byte{0x01, 0x02, 0x03})
	msg.Options.Add(dhcp.OptionCode(224), []byte{})
	msg.Options.Add(dhcp.OptionHostName, "client-1")

	encoded, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := dhcp.DecodeMessage(encoded)
	require.NoError(t, err)

	assert.Equal(t, msg, decoded)
}

func TestMessageHeaderLayout(t *testing.T) {
	msg := dhcp.NewMessage()
	msg.XID = 0x01020304
	msg.Secs = 0x0506
	msg.Flags = dhcp.FlagBroadcast
	msg.YIAddr = net.IPv4(192, 168, 168, 159)
	msg.CHAddr = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	raw, err := msg.Encode()
	require.NoError(t, err)

	assert.Equal(t, byte(dhcp.OpReply), raw[0])
	assert.Equal(t, byte(1), raw[1])
	assert.Equal(t, byte(6), raw[2])
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(raw[4:8]))
	assert.Equal(t, uint16(0x0506), binary.BigEndian.Uint16(raw[8:10]))
	assert.Equal(t, uint16(0x8000), binary.BigEndian.Uint16(raw[10:12]))
	assert.Equal(t, []byte{192, 168, 168, 159}, raw[16:20])
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, raw[28:34])
	assert.Equal(t, make([]byte, 10), raw[34:44])
	assert.Equal(t, dhcp.MagicCookie, raw[236:240])
	assert.Equal(t, byte(dhcp.OptionEndOption), raw[240])
	assert.Len(t, raw, dhcp.MinPacketLen)
	assert.Equal(t, make([]byte, dhcp.MinPacketLen-241), raw[241:])
}

func TestInvalidMessageData(t *testing.T) {
	var malformed *dhcp.MalformedMessageError

	shortData := []byte{0x01, 0x01, 0x06}
	_, err := dhcp.DecodeMessage(shortData)
	if !errors.As(err, &malformed) {
		t.Errorf("Expected MalformedMessageError when decoding short data, got %v", err)
	}

	data := make([]byte, 240)
	_, err = dhcp.DecodeMessage(data)
	if !errors.As(err, &malformed) {
		t.Errorf("Expected MalformedMessageError due to missing magic cookie, got %v", err)
	}

	headerOnly := make([]byte, dhcp.HeaderLen)
	_, err = dhcp.DecodeMessage(headerOnly)
	if !errors.As(err, &malformed) {
		t.Errorf("Expected MalformedMessageError for header without cookie, got %v", err)
	}

	overrun := make([]byte, 240, 244)
	copy(overrun[236:], dhcp.MagicCookie)
	overrun = append(overrun, byte(dhcp.OptionHostName), 10, 'a', 'b')
	_, err = dhcp.DecodeMessage(overrun)
	if !errors.As(err, &malformed) {
		t.Errorf("Expected MalformedMessageError for overrunning option, got %v", err)
	}

	badHLen := make([]byte, 241)
	badHLen[2] = 17
	copy(badHLen[236:], dhcp.MagicCookie)
	badHLen[240] = byte(dhcp.OptionEndOption)
	_, err = dhcp.DecodeMessage(badHLen)
	if !errors.As(err, &malformed) {
		t.Errorf("Expected MalformedMessageError for hlen=17, got %v", err)
	}
}

func TestDecodeToleratesMissingEndAndPadding(t *testing.T) {
	data := make([]byte, 240)
	data[0] = dhcp.OpRequest
	data[2] = 6
	copy(data[236:], dhcp.MagicCookie)
	data = append(data, byte(dhcp.OptionPad), byte(dhcp.OptionDHCPMessageType), 1, dhcp.MessageTypeDiscover)

	msg, err := dhcp.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(dhcp.MessageTypeDiscover), msg.MessageType())
	assert.Len(t, msg.Options, 1)
}

func TestDecodeOverloadedFields(t *testing.T) {
	build := func(overload byte, file, sname []byte) []byte {
		data := make([]byte, 240)
		data[0] = dhcp.OpRequest
		data[2] = 6
		copy(data[44:108], sname)
		copy(data[108:236], file)
		copy(data[236:], dhcp.MagicCookie)
		return append(data,
			byte(dhcp.OptionDHCPMessageType), 1, dhcp.MessageTypeRequest,
			byte(dhcp.OptionOverload), 1, overload,
			byte(dhcp.OptionEndOption))
	}
	file := []byte{byte(dhcp.OptionRequestedIPAddress), 4, 192, 168, 168, 170, byte(dhcp.OptionEndOption)}
	sname := []byte{byte(dhcp.OptionHostName), 3, 'p', 'x', 'e', byte(dhcp.OptionEndOption)}

	msg, err := dhcp.DecodeMessage(build(dhcp.OverloadBoth, file, sname))
	require.NoError(t, err)
	assert.Equal(t, "192.168.168.170", msg.Options.GetRequestedIP().String())
	host, ok := msg.Options.Get(dhcp.OptionHostName)
	require.True(t, ok)
	assert.Equal(t, []byte("pxe"), host)
	require.Len(t, msg.Options, 4)
	assert.Equal(t, dhcp.OptionRequestedIPAddress, msg.Options[2].Code, "file is read before sname")

	msg, err = dhcp.DecodeMessage(build(dhcp.OverloadFile, file, sname))
	require.NoError(t, err)
	assert.NotNil(t, msg.Options.GetRequestedIP())
	_, ok = msg.Options.Get(dhcp.OptionHostName)
	assert.False(t, ok, "sname is not overloaded")

	var malformed *dhcp.MalformedMessageError
	_, err = dhcp.DecodeMessage(build(7, file, sname))
	assert.True(t, errors.As(err, &malformed), "overload value 7: %v", err)

	_, err = dhcp.DecodeMessage(build(dhcp.OverloadFile, append(make([]byte, 125), byte(dhcp.OptionHostName), 40, 'x'), nil))
	assert.True(t, errors.As(err, &malformed), "overrun in file: %v", err)
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	msg := dhcp.NewMessage()
	msg.Options.Add(dhcp.OptionCode(224), make([]byte, 256))
	_, err := msg.Encode()
	assert.Error(t, err)

	msg = dhcp.NewMessage()
	msg.CHAddr = make(net.HardwareAddr, 17)
	_, err = msg.Encode()
	assert.Error(t, err)
}

func TestNewReplyCopiesRequestFields(t *testing.T) {
	req := dhcp.NewMessage()
	req.OpCode = dhcp.OpRequest
	req.XID = 42
	req.Flags = dhcp.FlagBroadcast
	req.GIAddr = net.IPv4(10, 1, 1, 1)
	req.CHAddr = net.HardwareAddr{1, 2, 3, 4, 5, 6}

	reply := dhcp.NewReply(req, dhcp.MessageTypeOffer)
	assert.Equal(t, uint8(dhcp.OpReply), reply.OpCode)
	assert.Equal(t, uint32(42), reply.XID)
	assert.True(t, reply.IsBroadcast())
	assert.True(t, reply.GIAddr.Equal(req.GIAddr))
	assert.Equal(t, req.CHAddr, reply.CHAddr)
	assert.Equal(t, uint8(dhcp.MessageTypeOffer), reply.MessageType())

	req.CHAddr[0] = 9
	assert.Equal(t, byte(1), reply.CHAddr[0])
}

func TestMessageOptions(t *testing.T) {
	msg := dhcp.NewMessage()
	msg.Options.Add(dhcp.OptionDHCPMessageType, uint8(dhcp.MessageTypeRequest))
	msg.Options.Add(dhcp.OptionRequestedIPAddress, net.IPv4(192, 168, 0, 50))

	if msg.Options.GetMessageType() != dhcp.MessageTypeRequest {
		t.Errorf("Expected message type=%d, got=%d", dhcp.MessageTypeRequest, msg.Options.GetMessageType())
	}

	reqIP := msg.Options.GetRequestedIP()
	if reqIP == nil || !reqIP.Equal(net.IPv4(192, 168, 0, 50)) {
		t.Errorf("Expected requested IP=192.168.0.50, got=%v", reqIP)
	}
}
