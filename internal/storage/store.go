package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/umegbewe/dhcplease/internal/metrics"
	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

type State uint8

const (
	StateOffered State = iota + 1
	StateActive
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Lease binds a client address to a hardware address. Released and expired
// leases are not represented; they are simply absent from the store.
type Lease struct {
	HardwareAddr dhcp.HardwareAddress       `json:"hardware_address"`
	ClientAddr   net.IP                     `json:"client_address"`
	State        State                      `json:"state"`
	Expires      int64                      `json:"expires"`
	Options      map[dhcp.OptionCode][]byte `json:"options,omitempty"`
}

// Clone returns a deep copy. Stores hand out clones only, so callers never
// share memory with a stored record.
func (l *Lease) Clone() *Lease {
	if l == nil {
		return nil
	}
	c := *l
	c.ClientAddr = append(net.IP(nil), l.ClientAddr...)
	if l.Options != nil {
		c.Options = make(map[dhcp.OptionCode][]byte, len(l.Options))
		for k, v := range l.Options {
			c.Options[k] = append([]byte(nil), v...)
		}
	}
	return &c
}

func (l *Lease) ExpiresAt() time.Time {
	return time.Unix(l.Expires, 0)
}

// Remaining is the lease time left at now, never negative.
func (l *Lease) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

// Store is a concurrent map from hardware address to lease. Every method is
// atomic with respect to other calls on the same hardware address. Entries not
// read or written for the store's idle window are evicted.
//
// Absent entries are reported as a nil lease and a nil error; errors are
// reserved for backend failures.
type Store interface {
	// Get returns a copy of the lease and counts as an access.
	Get(hw dhcp.HardwareAddress) (*Lease, error)
	// Peek returns a copy of the lease without refreshing its idle timer.
	Peek(hw dhcp.HardwareAddress) (*Lease, error)
	// Put inserts or replaces the lease keyed by lease.HardwareAddr.
	Put(lease *Lease) error
	// Create inserts lease only when no live entry exists for its hardware
	// address. It returns nil on insert, or a copy of the entry that is
	// already stored, which is left untouched.
	Create(lease *Lease) (*Lease, error)
	// Remove deletes the entry and returns what was removed.
	Remove(hw dhcp.HardwareAddress) (*Lease, error)
	// RemoveIf deletes the entry only when match accepts it, returning the
	// removed lease. A rejected entry is left untouched and nil is returned.
	RemoveIf(hw dhcp.HardwareAddress, match func(*Lease) bool) (*Lease, error)
	// Update hands fn a mutable copy of the stored lease; the copy replaces
	// the stored one when fn returns true. It returns the committed lease, or
	// nil when the entry is absent or fn declined.
	Update(hw dhcp.HardwareAddress, fn func(*Lease) bool) (*Lease, error)
	// List returns copies of all live leases without refreshing them.
	List() ([]*Lease, error)
	// Sweep evicts idle entries and reports how many were removed.
	Sweep() (int, error)
	Close() error
}

type Option func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		o.now = now
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func idleExpired(accessed, now time.Time, idle time.Duration) bool {
	return idle > 0 && now.Sub(accessed) > idle
}

// StartCleanup sweeps the store on every tick until ctx is done. It runs on
// its own goroutine and never holds up request handling.
func StartCleanup(ctx context.Context, store Store, interval time.Duration) {
	log.Infof("[INIT] Set to sweep idle leases every %s", interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Sweep()
				if err != nil {
					log.Errorf("Lease cleanup: %v", err)
					continue
				}
				if n > 0 {
					log.Debugf("Lease cleanup evicted %d idle leases", n)
				}
			}
		}
	}()
}

func recordEvictions(n int) {
	if n > 0 {
		metrics.LeaseExpirations.Add(float64(n))
	}
}

// encodeOptions writes options as sorted (code, length, value) triples.
func encodeOptions(opts map[dhcp.OptionCode][]byte) ([]byte, error) {
	codes := make([]int, 0, len(opts))
	for code := range opts {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	var buf bytes.Buffer
	for _, code := range codes {
		v := opts[dhcp.OptionCode(code)]
		if len(v) > dhcp.MaxOptionLen {
			return nil, fmt.Errorf("lease option %d too long: %d bytes", code, len(v))
		}
		buf.WriteByte(byte(code))
		buf.WriteByte(byte(len(v)))
		buf.Write(v)
	}
	return buf.Bytes(), nil
}

func decodeOptions(data []byte) (map[dhcp.OptionCode][]byte, error) {
	opts := make(map[dhcp.OptionCode][]byte)
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			return nil, fmt.Errorf("truncated lease option at offset %d", i)
		}
		code, length := dhcp.OptionCode(data[i]), int(data[i+1])
		i += 2
		if i+length > len(data) {
			return nil, fmt.Errorf("lease option %d overruns record", code)
		}
		opts[code] = append([]byte{}, data[i:i+length]...)
		i += length
	}
	return opts, nil
}

// serializeLease produces the binary record shared by the bolt and sqlite
// backends: ip(4) state(1) expires(8) hwaddr(2+n) options.
func serializeLease(l *Lease) ([]byte, error) {
	ip := l.ClientAddr.To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IP: %v", l.ClientAddr)
	}
	hw, err := l.HardwareAddr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	opts, err := encodeOptions(l.Options)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 13, 13+len(hw)+len(opts))
	copy(out[0:4], ip)
	out[4] = byte(l.State)
	binary.BigEndian.PutUint64(out[5:13], uint64(l.Expires))
	out = append(out, hw...)
	out = append(out, opts...)
	return out, nil
}

func deserializeLease(data []byte) (*Lease, error) {
	if len(data) < 15 {
		return nil, fmt.Errorf("invalid data length for lease, want >=15, got %d", len(data))
	}

	l := &Lease{
		ClientAddr: net.IPv4(data[0], data[1], data[2], data[3]).To4(),
		State:      State(data[4]),
		Expires:    int64(binary.BigEndian.Uint64(data[5:13])),
	}
	if err := l.HardwareAddr.UnmarshalBinary(data[13:]); err != nil {
		return nil, err
	}
	opts, err := decodeOptions(data[15+int(l.HardwareAddr.Len):])
	if err != nil {
		return nil, err
	}
	l.Options = opts
	return l, nil
}
