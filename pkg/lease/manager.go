package lease

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/umegbewe/dhcplease/internal/metrics"
	"github.com/umegbewe/dhcplease/internal/storage"
	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

// NoExpiryRequested is passed as the requested lease time when the client
// did not send option 51.
const NoExpiryRequested int64 = -1

// maxProbeAttempts bounds how many candidates are ARP-probed per offer.
const maxProbeAttempts = 4

// RequestContext describes where a request came from.
type RequestContext struct {
	// InterfaceAddrs are the addresses bound to the interface the request
	// arrived on, in the order they should be matched against subnets.
	InterfaceAddrs []net.IP
	// LocalAddr is the address the datagram was delivered to, if known.
	LocalAddr  net.IP
	ClientAddr *net.UDPAddr
}

func NewRequestContext(client *net.UDPAddr, local net.IP, ifaceAddrs ...net.IP) *RequestContext {
	addrs := ifaceAddrs
	if len(addrs) == 0 && local != nil {
		addrs = []net.IP{local}
	}
	return &RequestContext{InterfaceAddrs: addrs, LocalAddr: local, ClientAddr: client}
}

// Manager runs the DHCP lease state machine. A nil reply or false result
// means the request could not be serviced; errors are backend failures only.
type Manager interface {
	LeaseOffer(rc *RequestContext, req *dhcp.Message, requested net.IP, requestedExpiry int64) (*dhcp.Message, error)
	LeaseRequest(rc *RequestContext, req *dhcp.Message, requested net.IP, requestedExpiry int64) (*dhcp.Message, error)
	LeaseDecline(rc *RequestContext, req *dhcp.Message, clientAddr net.IP) (bool, error)
	LeaseRelease(rc *RequestContext, req *dhcp.Message, clientAddr net.IP) (bool, error)
}

// LeaseTimeRange is the default and ceiling applied to client requests.
type LeaseTimeRange struct {
	Default time.Duration
	Max     time.Duration
}

// LeaseTime caps the requested lease time at Max. A client that asked for
// nothing gets Default, itself capped.
func (r LeaseTimeRange) LeaseTime(requestedSecs int64) time.Duration {
	want := r.Default
	if requestedSecs > 0 {
		if requestedSecs > int64(r.Max/time.Second) {
			return r.Max
		}
		want = time.Duration(requestedSecs) * time.Second
	}
	if want > r.Max {
		return r.Max
	}
	return want
}

// StoreManager is the Manager backed by a storage.Store. Leases live only in
// the store; every read hands back a copy, so replies are built from values
// no other request can mutate.
type StoreManager struct {
	subnets     *SubnetTable
	store       storage.Store
	offerTTL    LeaseTimeRange
	leaseTTL    LeaseTimeRange
	declineHold time.Duration
	prober      Prober
	now         func() time.Time
}

type ManagerOption func(*StoreManager)

// WithProber enables conflict probing of candidate addresses.
func WithProber(p Prober) ManagerOption {
	return func(m *StoreManager) {
		m.prober = p
	}
}

// WithDeclineHold sets how long a declined address stays out of the pool.
func WithDeclineHold(d time.Duration) ManagerOption {
	return func(m *StoreManager) {
		m.declineHold = d
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *StoreManager) {
		m.now = now
	}
}

// NewStoreManager creates the manager and seeds subnet pools with any leases
// already present in store.
func NewStoreManager(subnets *SubnetTable, store storage.Store, offer, lease LeaseTimeRange, opts ...ManagerOption) (*StoreManager, error) {
	m := &StoreManager{
		subnets:     subnets,
		store:       store,
		offerTTL:    offer,
		leaseTTL:    lease,
		declineHold: 10 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, s := range subnets.Subnets() {
		s.pool.now = m.now
	}

	leases, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load leases: %w", err)
	}
	for _, l := range leases {
		if s := subnets.ForAddress(l.ClientAddr); s != nil {
			s.pool.Claim(l.HardwareAddr, l.ClientAddr)
		}
	}
	if len(leases) > 0 {
		log.Infof("[INIT] Restored %d leases from store", len(leases))
	}

	return m, nil
}

func (m *StoreManager) Store() storage.Store {
	return m.store
}

func (m *StoreManager) Subnets() *SubnetTable {
	return m.subnets
}

func (m *StoreManager) LeaseOffer(rc *RequestContext, req *dhcp.Message, requested net.IP, requestedExpiry int64) (*dhcp.Message, error) {
	hw := req.HardwareAddress()
	now := m.now()
	offerTime := m.offerTTL.LeaseTime(requestedExpiry)

	existing, err := m.reoffer(hw, now, offerTime)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.WithFields(log.Fields{"mac": hw, "ip": existing.ClientAddr}).Debug("Re-offering existing lease")
		return m.newReply(req, dhcp.MessageTypeOffer, existing, now), nil
	}

	subnet := m.subnets.Resolve(rc.InterfaceAddrs)
	if subnet == nil {
		log.WithField("mac", hw).Debugf("No subnet serves interface addresses %v", rc.InterfaceAddrs)
		return nil, nil
	}

	ip, err := m.allocate(subnet, hw, requested)
	if errors.Is(err, ErrPoolExhausted) {
		log.Warnf("Pool %s exhausted, cannot offer to MAC=%s", subnet.Network, hw)
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	lease := &storage.Lease{
		HardwareAddr: hw,
		ClientAddr:   ip,
		State:        storage.StateOffered,
		Expires:      now.Add(offerTime).Unix(),
		Options:      copyOptions(subnet.Options),
	}
	winner, err := m.store.Create(lease)
	if err != nil {
		subnet.pool.Release(hw, ip)
		return nil, err
	}
	if winner == nil {
		subnet.pool.Confirm(hw, ip)
		return m.newReply(req, dhcp.MessageTypeOffer, lease, now), nil
	}

	// A concurrent DISCOVER from hw stored its lease first. Both may have
	// reserved the same preferred address, which then stays with the winner.
	if winner.ClientAddr.Equal(ip) {
		subnet.pool.Confirm(hw, ip)
	} else {
		subnet.pool.Release(hw, ip)
	}
	log.WithFields(log.Fields{"mac": hw, "ip": winner.ClientAddr}).Debug("Lost offer race, offering stored lease")
	return m.newReply(req, dhcp.MessageTypeOffer, winner, now), nil
}

// reoffer moves an existing lease back to OFFERED, keeping its expiry unless
// it has run out. A lease whose address no longer lies in any configured pool
// is dropped instead, so the caller allocates afresh.
func (m *StoreManager) reoffer(hw dhcp.HardwareAddress, now time.Time, offerTime time.Duration) (*storage.Lease, error) {
	orphaned := false
	existing, err := m.store.Update(hw, func(l *storage.Lease) bool {
		if m.subnets.ForAddress(l.ClientAddr) == nil {
			orphaned = true
			return false
		}
		l.State = storage.StateOffered
		if l.Expires <= now.Unix() {
			l.Expires = now.Add(offerTime).Unix()
		}
		return true
	})
	if err != nil || !orphaned {
		return existing, err
	}

	removed, err := m.store.RemoveIf(hw, func(l *storage.Lease) bool {
		return m.subnets.ForAddress(l.ClientAddr) == nil
	})
	if removed != nil {
		log.WithFields(log.Fields{"mac": hw, "ip": removed.ClientAddr}).Info("Dropped lease outside every configured pool")
	}
	return nil, err
}

// allocate picks a pool address for hw, quarantining candidates that answer
// an ARP probe.
func (m *StoreManager) allocate(subnet *Subnet, hw dhcp.HardwareAddress, requested net.IP) (net.IP, error) {
	attempts := 1
	if m.prober != nil {
		attempts = maxProbeAttempts
	}

	for i := 0; i < attempts; i++ {
		ip, err := subnet.pool.Allocate(hw, requested, m.held)
		if err != nil {
			return nil, err
		}
		if m.prober == nil {
			return ip, nil
		}

		inUse, err := m.prober.InUse(ip)
		if err != nil {
			subnet.pool.Release(hw, ip)
			return nil, fmt.Errorf("arp check error: %w", err)
		}
		if !inUse {
			return ip, nil
		}

		metrics.ArpCheckFailures.Inc()
		log.Warnf("IP %s in use (ARP reply), skipping", ip)
		subnet.pool.Quarantine(ip, m.declineHold)
		requested = nil
	}
	return nil, ErrPoolExhausted
}

// held is the pool's view of the store: does hw still lease ip?
func (m *StoreManager) held(hw dhcp.HardwareAddress, ip net.IP) bool {
	l, err := m.store.Peek(hw)
	if err != nil {
		// keep the address reserved when the store cannot answer
		log.Warnf("Lease lookup for MAC=%s failed: %v", hw, err)
		return true
	}
	return l != nil && l.ClientAddr.Equal(ip)
}

func (m *StoreManager) LeaseRequest(rc *RequestContext, req *dhcp.Message, requested net.IP, requestedExpiry int64) (*dhcp.Message, error) {
	hw := req.HardwareAddress()
	now := m.now()

	lease, err := m.store.Update(hw, func(l *storage.Lease) bool {
		if requested == nil || !l.ClientAddr.Equal(requested) {
			return false
		}
		l.State = storage.StateActive
		l.Expires = now.Add(m.leaseTTL.LeaseTime(requestedExpiry)).Unix()
		return true
	})
	if err != nil || lease == nil {
		return nil, err
	}

	return m.newReply(req, dhcp.MessageTypeAck, lease, now), nil
}

func (m *StoreManager) LeaseDecline(rc *RequestContext, req *dhcp.Message, clientAddr net.IP) (bool, error) {
	removed, err := m.removeMatching(req.HardwareAddress(), clientAddr)
	if err != nil || removed == nil {
		return false, err
	}
	if s := m.subnets.ForAddress(removed.ClientAddr); s != nil {
		s.pool.Quarantine(removed.ClientAddr, m.declineHold)
	}
	return true, nil
}

func (m *StoreManager) LeaseRelease(rc *RequestContext, req *dhcp.Message, clientAddr net.IP) (bool, error) {
	removed, err := m.removeMatching(req.HardwareAddress(), clientAddr)
	if err != nil || removed == nil {
		return false, err
	}
	if s := m.subnets.ForAddress(removed.ClientAddr); s != nil {
		s.pool.Release(removed.HardwareAddr, removed.ClientAddr)
	}
	return true, nil
}

func (m *StoreManager) removeMatching(hw dhcp.HardwareAddress, clientAddr net.IP) (*storage.Lease, error) {
	if clientAddr == nil {
		return nil, nil
	}
	return m.store.RemoveIf(hw, func(l *storage.Lease) bool {
		return l.ClientAddr.Equal(clientAddr)
	})
}

// newReply builds an OFFER or ACK from a lease copy. The server identifier is
// left to the caller, which knows the local address.
func (m *StoreManager) newReply(req *dhcp.Message, msgType uint8, lease *storage.Lease, now time.Time) *dhcp.Message {
	reply := dhcp.NewReply(req, msgType)
	reply.YIAddr = append(net.IP(nil), lease.ClientAddr.To4()...)

	remaining := lease.Remaining(now)
	reply.Options.Add(dhcp.OptionIPAddressLeaseTime, remaining)
	reply.Options.Add(dhcp.OptionRenewalTimeValue, remaining/2)
	reply.Options.Add(dhcp.OptionRebindingTimeValue, remaining*7/8)

	AppendOptions(&reply.Options, lease.Options)
	return reply
}

// AppendOptions adds opts to dst in ascending code order.
func AppendOptions(dst *dhcp.Options, opts map[dhcp.OptionCode][]byte) {
	codes := make([]int, 0, len(opts))
	for code := range opts {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)
	for _, code := range codes {
		dst.Add(dhcp.OptionCode(code), opts[dhcp.OptionCode(code)])
	}
}

func copyOptions(opts map[dhcp.OptionCode][]byte) map[dhcp.OptionCode][]byte {
	out := make(map[dhcp.OptionCode][]byte, len(opts))
	for k, v := range opts {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
