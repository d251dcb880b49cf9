package server

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/umegbewe/dhcplease/internal/metrics"
	"github.com/umegbewe/dhcplease/pkg/dhcp"
	"github.com/umegbewe/dhcplease/pkg/lease"
)

const (
	ServerPort = 67
	ClientPort = 68
)

// Service turns decoded requests into replies. It runs no sockets of its own;
// the transport hands it datagrams and sends whatever comes back.
type Service struct {
	manager  lease.Manager
	subnets  *lease.SubnetTable
	serverID net.IP

	clientPort int
}

type ServiceOption func(*Service)

// WithClientPort changes the port replies to clients are sent to.
func WithClientPort(port int) ServiceOption {
	return func(s *Service) {
		s.clientPort = port
	}
}

// NewService creates the façade. serverID is advertised as option 54; when nil
// the address the request arrived on is used instead.
func NewService(manager lease.Manager, subnets *lease.SubnetTable, serverID net.IP, opts ...ServiceOption) *Service {
	s := &Service{
		manager:    manager,
		subnets:    subnets,
		serverID:   serverID.To4(),
		clientPort: ClientPort,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReplyFor dispatches req on its message type. A nil reply means nothing is
// to be sent; errors come from the lease store only.
func (s *Service) ReplyFor(rc *lease.RequestContext, req *dhcp.Message) (*dhcp.Message, error) {
	if req.OpCode != dhcp.OpRequest {
		log.Debugf("Ignoring BOOTP op=%d from MAC=%s", req.OpCode, req.CHAddr)
		return nil, nil
	}

	start := time.Now()
	msgType := req.MessageType()
	name := dhcp.MessageTypeName(msgType)
	metrics.MessageTypeCount.WithLabelValues(name).Inc()
	defer func() {
		metrics.MessageLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	var (
		reply    *dhcp.Message
		serviced bool
		err      error
	)
	switch msgType {
	case dhcp.MessageTypeDiscover:
		reply, err = s.handleDiscover(rc, req)
	case dhcp.MessageTypeRequest:
		reply, err = s.handleRequest(rc, req)
	case dhcp.MessageTypeDecline:
		serviced, err = s.handleDecline(rc, req)
	case dhcp.MessageTypeRelease:
		serviced, err = s.handleRelease(rc, req)
	case dhcp.MessageTypeInform:
		reply = s.handleInform(rc, req)
	default:
		log.Infof("Ignoring unsupported DHCP message type=%d", msgType)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if reply == nil {
		if !serviced {
			metrics.Unserviced.WithLabelValues(name).Inc()
		}
		return nil, nil
	}

	if id := s.serverIdentifier(rc); id != nil {
		reply.Options.Set(dhcp.OptionServerIdentifier, id)
	}
	metrics.RepliesSent.WithLabelValues(dhcp.MessageTypeName(reply.MessageType())).Inc()
	return reply, nil
}

func (s *Service) handleDiscover(rc *lease.RequestContext, req *dhcp.Message) (*dhcp.Message, error) {
	requested := req.Options.GetRequestedIP()
	log.Infof("[DHCPDISCOVER] from MAC=%s requested=%v", req.CHAddr, requested)

	reply, err := s.manager.LeaseOffer(rc, req, requested, requestedExpiry(req))
	if reply != nil {
		log.Infof("[DHCPOFFER] IP=%s to MAC=%s", reply.YIAddr, req.CHAddr)
	}
	return reply, err
}

func (s *Service) handleRequest(rc *lease.RequestContext, req *dhcp.Message) (*dhcp.Message, error) {
	log.Infof("[DHCPREQUEST] from MAC=%s", req.CHAddr)

	// a client that selected another server's offer is not ours to answer
	if id := req.Options.GetServerIdentifier(); id != nil {
		if ours := s.serverIdentifier(rc); ours != nil && !id.Equal(ours) {
			log.Debugf("REQUEST from MAC=%s is for server %s", req.CHAddr, id)
			return nil, nil
		}
	}

	requested := req.Options.GetRequestedIP()
	if requested == nil && !isZero(req.CIAddr) {
		requested = req.CIAddr
	}

	reply, err := s.manager.LeaseRequest(rc, req, requested, requestedExpiry(req))
	if err != nil {
		return nil, err
	}
	if reply == nil {
		log.Warnf("No matching lease for MAC=%s IP=%v", req.CHAddr, requested)
		return nil, nil
	}
	log.Infof("[DHCPACK] IP=%s to MAC=%s", reply.YIAddr, req.CHAddr)
	return reply, nil
}

func (s *Service) handleDecline(rc *lease.RequestContext, req *dhcp.Message) (bool, error) {
	ip := req.Options.GetRequestedIP()
	log.Infof("[DHCPDECLINE] from MAC=%s IP=%v", req.CHAddr, ip)
	return s.manager.LeaseDecline(rc, req, ip)
}

func (s *Service) handleRelease(rc *lease.RequestContext, req *dhcp.Message) (bool, error) {
	log.Infof("[DHCPRELEASE] from MAC=%s IP=%s", req.CHAddr, req.CIAddr)
	if isZero(req.CIAddr) {
		return false, nil
	}
	return s.manager.LeaseRelease(rc, req, req.CIAddr)
}

// handleInform answers with the subnet's configuration only; no lease is
// created and no lease time is sent.
func (s *Service) handleInform(rc *lease.RequestContext, req *dhcp.Message) *dhcp.Message {
	log.Infof("[DHCPINFORM] from MAC=%s IP=%s", req.CHAddr, req.CIAddr)

	subnet := s.subnets.Resolve(rc.InterfaceAddrs)
	if subnet == nil {
		return nil
	}
	reply := dhcp.NewReply(req, dhcp.MessageTypeAck)
	reply.CIAddr = append(net.IP(nil), req.CIAddr.To4()...)
	lease.AppendOptions(&reply.Options, subnet.Options)
	return reply
}

func (s *Service) serverIdentifier(rc *lease.RequestContext) net.IP {
	if s.serverID != nil {
		return s.serverID
	}
	if rc == nil {
		return nil
	}
	if ip := rc.LocalAddr.To4(); ip != nil && !ip.IsUnspecified() && !ip.Equal(net.IPv4bcast) {
		return ip
	}
	for _, ip := range rc.InterfaceAddrs {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}

// Handle decodes a datagram, dispatches it and encodes the reply. It returns
// a nil payload when nothing is to be sent, along with where the reply goes.
func (s *Service) Handle(rc *lease.RequestContext, data []byte) ([]byte, *net.UDPAddr, error) {
	req, err := dhcp.DecodeMessage(data)
	if err != nil {
		metrics.MalformedMessages.Inc()
		return nil, nil, err
	}

	reply, err := s.ReplyFor(rc, req)
	if err != nil || reply == nil {
		return nil, nil, err
	}

	raw, err := reply.Encode()
	if err != nil {
		return nil, nil, err
	}
	return raw, s.replyDestination(req), nil
}

// replyDestination follows RFC 2131 section 4.1: relayed requests go back to
// the relay, clients that cannot receive unicast get a broadcast.
func (s *Service) replyDestination(req *dhcp.Message) *net.UDPAddr {
	if !isZero(req.GIAddr) {
		return &net.UDPAddr{IP: req.GIAddr, Port: ServerPort}
	}
	if req.IsBroadcast() {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: s.clientPort}
	}
	if !isZero(req.CIAddr) {
		return &net.UDPAddr{IP: req.CIAddr, Port: s.clientPort}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: s.clientPort}
}

func requestedExpiry(req *dhcp.Message) int64 {
	if secs, ok := req.Options.GetLeaseTime(); ok {
		return int64(secs)
	}
	return lease.NoExpiryRequested
}

func isZero(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}
