package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/umegbewe/dhcplease/internal/config"
	"github.com/umegbewe/dhcplease/internal/logging"
	"github.com/umegbewe/dhcplease/internal/metrics"
	"github.com/umegbewe/dhcplease/internal/storage"
	"github.com/umegbewe/dhcplease/pkg/lease"
)

const maxDatagramSize = 1500

type Server struct {
	Config    *config.Config
	Service   *Service
	Manager   *lease.StoreManager
	Store     storage.Store
	Interface *net.Interface

	mu            sync.Mutex
	conn          *ipv4.PacketConn
	localAddr     net.Addr
	metricsServer *http.Server
	handlers      sync.WaitGroup
}

func InitServer(cfg *config.Config) (*Server, error) {
	err := logging.SetupLogging(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lease store: %w", err)
	}

	subnets, err := lease.SubnetTableFromConfig(cfg.Subnets)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build subnet table: %w", err)
	}
	log.Infof("[INIT] Serving subnets %s", subnets)

	var iface *net.Interface
	if cfg.Server.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Server.Interface)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("could not find interface %s: %w", cfg.Server.Interface, err)
		}
	}

	opts := []lease.ManagerOption{lease.WithDeclineHold(cfg.DeclineHold())}
	if cfg.Server.ARPCheck {
		if iface == nil {
			store.Close()
			return nil, errors.New("arp_check requires server.interface")
		}
		opts = append(opts, lease.WithProber(lease.NewARPProber(iface, cfg.ARPTimeout())))
		log.Infof("[INIT] ARP conflict check enabled on %s", iface.Name)
	}

	manager, err := lease.NewStoreManager(subnets, store,
		lease.LeaseTimeRange{Default: time.Duration(cfg.Leases.OfferDefault) * time.Second, Max: time.Duration(cfg.Leases.OfferMax) * time.Second},
		lease.LeaseTimeRange{Default: time.Duration(cfg.Leases.LeaseDefault) * time.Second, Max: time.Duration(cfg.Leases.LeaseMax) * time.Second},
		opts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	server := &Server{
		Config:    cfg,
		Service:   NewService(manager, subnets, net.ParseIP(cfg.Server.ServerIP), WithClientPort(cfg.Server.ClientPort)),
		Manager:   manager,
		Store:     store,
		Interface: iface,
	}

	if cfg.Metrics.Enabled {
		server.metricsServer = metrics.StartMetricsServer(cfg.Metrics.ListenAddress)
		log.Infof("[INIT] Metrics server listening on %s", cfg.Metrics.ListenAddress)
	}

	return server, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	idle := cfg.IdleTimeout()
	log.Infof("[INIT] Using %s lease store, idle window %s", cfg.Database.Type, idle)

	switch cfg.Database.Type {
	case "memory", "":
		return storage.NewMemoryStore(idle), nil
	case "bolt":
		if cfg.Database.Bolt.Path == "" {
			return nil, fmt.Errorf("bolt database path is required")
		}
		return storage.NewBoltStore(cfg.Database.Bolt.Path, idle)
	case "sqlite":
		if cfg.Database.Sqlite.Path == "" {
			return nil, fmt.Errorf("sqlite database path is required")
		}
		return storage.NewSqliteStore(cfg.Database.Sqlite.Path, idle)
	case "redis":
		return storage.NewRedisStore(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB, idle)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

func (s *Server) listen(ctx context.Context) (*ipv4.PacketConn, error) {
	addr := net.JoinHostPort(s.Config.Server.ListenAddress, strconv.Itoa(s.Config.Server.Port))
	lc := net.ListenConfig{Control: setSocketOptions}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP socket: %w", err)
	}

	conn := ipv4.NewPacketConn(pc)
	if err := conn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		// without control messages every request is matched against the
		// configured interface or listen address
		log.Warnf("Control messages unavailable: %v", err)
	}
	return conn, nil
}

// Start serves requests until ctx is cancelled, then waits for in-flight
// handlers before returning.
func (s *Server) Start(ctx context.Context) error {
	conn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.localAddr = conn.LocalAddr()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if interval := s.Config.CleanupInterval(); interval > 0 {
		storage.StartCleanup(ctx, s.Store, interval)
	}

	name := "any"
	if s.Interface != nil {
		name = s.Interface.Name
	}
	log.Infof("[INIT] DHCP server listening on %s (interface: %s)", conn.LocalAddr(), name)

	for {
		buffer := make([]byte, maxDatagramSize)
		n, cm, src, err := conn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Infof("Server shutting down")
				break
			}
			log.Errorf("Error reading from UDP: %v", err)
			continue
		}
		if s.Interface != nil && cm != nil && cm.IfIndex != 0 && cm.IfIndex != s.Interface.Index {
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.HandleMessage(buffer[:n], cm, src)
		}()
	}

	s.handlers.Wait()
	return nil
}

// LocalAddr is the bound socket address, or nil before Start has listened.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

func (s *Server) HandleMessage(data []byte, cm *ipv4.ControlMessage, src net.Addr) {
	client, _ := src.(*net.UDPAddr)
	rc := s.requestContext(cm, client)

	raw, dest, err := s.Service.Handle(rc, data)
	if err != nil {
		log.Warnf("Dropping datagram from %v: %v", src, err)
		return
	}
	if raw == nil {
		return
	}

	var out *ipv4.ControlMessage
	if cm != nil && cm.IfIndex != 0 {
		out = &ipv4.ControlMessage{IfIndex: cm.IfIndex}
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if _, err := conn.WriteTo(raw, out, dest); err != nil {
		log.Warnf("Could not send reply to %v: %v", dest, err)
	}
}

// requestContext works out which local addresses a datagram arrived on: the
// receiving interface when the kernel reports it, else the configured
// interface, else the listen address.
func (s *Server) requestContext(cm *ipv4.ControlMessage, client *net.UDPAddr) *lease.RequestContext {
	var local net.IP
	iface := s.Interface
	if cm != nil {
		if ip := cm.Dst.To4(); ip != nil && !ip.IsUnspecified() && !ip.Equal(net.IPv4bcast) {
			local = ip
		}
		if cm.IfIndex != 0 {
			if i, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				iface = i
			} else {
				log.Errorf("Error looking up interface index %d: %v", cm.IfIndex, err)
			}
		}
	}

	addrs := interfaceAddrs(iface)
	if len(addrs) == 0 {
		if ip := net.ParseIP(s.Config.Server.ListenAddress).To4(); ip != nil && !ip.IsUnspecified() {
			addrs = []net.IP{ip}
		}
	}
	if local == nil && len(addrs) > 0 {
		local = addrs[0]
	}
	return lease.NewRequestContext(client, local, addrs...)
}

func interfaceAddrs(iface *net.Interface) []net.IP {
	if iface == nil {
		return nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		log.Errorf("Could not get addresses for interface %s: %v", iface.Name, err)
		return nil
	}
	var ips []net.IP
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.To4())
		}
	}
	return ips
}

// Shutdown releases what InitServer opened. Call it after Start returns.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			log.Warnf("Metrics server shutdown: %v", err)
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warnf("Closing lease store: %v", err)
		}
	}
}
