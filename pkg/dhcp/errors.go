package dhcp

import "fmt"

// MalformedMessageError is returned by the decoder when a datagram cannot be
// a DHCP message: truncated header, bad magic cookie or an option overrunning
// the buffer. The datagram should be dropped.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "malformed DHCP message: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
}
