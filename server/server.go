package main

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"babiling/server/store"
)

// ServerConfig holds the tunables main.go wires from flags.
type ServerConfig struct {
	MaxConnections    int
	PerIPLimit        int
	RateLimitPerSec   float64
	RateLimitBurst    int
	IdleSweepInterval time.Duration
	IdleThreshold     time.Duration
}

// Server owns the listener, the player registry, and per-IP admission
// bookkeeping. Each accepted connection runs in its own goroutine,
// matching a connection-per-peer model translated from the
// original single-threaded event loop to Go's concurrency idiom.
type Server struct {
	addr     string
	registry *Registry
	admStore *store.Store
	logger   *log.Logger
	cfg      ServerConfig

	mu         sync.Mutex
	connsByIP  map[string]int
	totalConns int
}

func NewServer(addr string, registry *Registry, admStore *store.Store, logger *log.Logger, cfg ServerConfig) *Server {
	return &Server{
		addr:      addr,
		registry:  registry,
		admStore:  admStore,
		logger:    logger,
		cfg:       cfg,
		connsByIP: make(map[string]int),
	}
}

// Run accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Printf("[server] listening on %s", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.sweepLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.handleAccept(conn)
	}
}

func (s *Server) handleAccept(conn net.Conn) {
	ip := hostOf(conn.RemoteAddr())

	if s.admStore != nil {
		if banned, err := s.admStore.IsBanned(ip); err != nil {
			s.logger.Printf("[server] ban check for %s: %v", ip, err)
		} else if banned {
			s.refuse(conn, ip, "banned")
			return
		}
	}

	s.mu.Lock()
	if s.cfg.MaxConnections > 0 && s.totalConns >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.refuse(conn, ip, "max_connections")
		return
	}
	if s.cfg.PerIPLimit > 0 && s.connsByIP[ip] >= s.cfg.PerIPLimit {
		s.mu.Unlock()
		s.refuse(conn, ip, "per_ip_limit")
		return
	}
	s.totalConns++
	s.connsByIP[ip]++
	s.mu.Unlock()

	var limiter *rate.Limiter
	if s.cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)
	}

	c := NewConnection(conn, s.registry, limiter, s.logger)
	go func() {
		c.Serve()
		s.mu.Lock()
		s.totalConns--
		s.connsByIP[ip]--
		if s.connsByIP[ip] <= 0 {
			delete(s.connsByIP, ip)
		}
		s.mu.Unlock()
	}()
}

func (s *Server) refuse(conn net.Conn, ip, reason string) {
	conn.Close()
	s.logger.Printf("[server] refused %s: %s", ip, reason)
	if s.admStore != nil {
		if err := s.admStore.InsertAuditLog(ip, "connection_refused", reason); err != nil {
			s.logger.Printf("[server] audit log: %v", err)
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.cfg.IdleSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := s.registry.Sweep(s.cfg.IdleThreshold)
			if len(swept) > 0 {
				s.logger.Printf("[registry] swept %d idle player(s)", len(swept))
			}
			if s.admStore != nil {
				if n, err := s.admStore.PurgeExpiredBans(); err != nil {
					s.logger.Printf("[store] purge expired bans: %v", err)
				} else if n > 0 {
					s.logger.Printf("[store] purged %d expired ban(s)", n)
				}
			}
		}
	}
}

// Stats is a snapshot for the operator HTTP surface.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	DistinctIPs      int `json:"distinct_ips"`
	KnownPlayers     int `json:"known_players"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalConnections: s.totalConns,
		DistinctIPs:      len(s.connsByIP),
		KnownPlayers:     s.registry.Count(),
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return strings.TrimSpace(addr.String())
	}
	return host
}
