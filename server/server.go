// Package server wires the UDP, TCP and optional DoH listeners to the query
// processor, one dns.Server per transport sharing a single handler.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dohfwd/accesslist"
	"github.com/semihalev/dohfwd/dohserver"
	"github.com/semihalev/dohfwd/processor"
)

// Server owns the protocol listeners.
type Server struct {
	udpAddr        string
	tcpAddr        string
	httpAddr       string
	requestTimeout time.Duration

	proc *processor.Processor
	acl  *accesslist.AccessList

	udpServer  *dns.Server
	tcpServer  *dns.Server
	httpServer *http.Server
}

// New builds a Server. httpAddr may be empty, in which case no DoH listener
// is started. requestTimeout bounds every query's deadline: when it fires,
// any in-flight upstream call for that query is canceled and the client
// gets SERVFAIL.
func New(udpAddr, tcpAddr, httpAddr string, tcpTimeout, requestTimeout time.Duration, proc *processor.Processor, acl *accesslist.AccessList, onJSONUnsupported func(rtype uint16), rps float64, burst int) *Server {
	s := &Server{
		udpAddr:        udpAddr,
		tcpAddr:        tcpAddr,
		httpAddr:       httpAddr,
		requestTimeout: requestTimeout,
		proc:           proc,
		acl:            acl,
	}

	s.udpServer = &dns.Server{Addr: udpAddr, Net: "udp", Handler: s, UDPSize: dns.DefaultMsgSize}
	s.tcpServer = &dns.Server{Addr: tcpAddr, Net: "tcp", Handler: s, ReadTimeout: tcpTimeout, WriteTimeout: tcpTimeout}

	if httpAddr != "" {
		doh := dohserver.New(s.handleHTTP, acl, onJSONUnsupported, rps, burst)
		s.httpServer = &http.Server{Addr: httpAddr, Handler: doh}
	}

	return s
}

// ServeDNS implements dns.Handler for the UDP/TCP listeners. A client
// outside the access list gets no reply at all.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if !s.acl.Allowed(w.RemoteAddr().String()) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	resp := s.proc.Process(ctx, r)
	if isUDP(w) {
		resp.Truncate(udpSize(r))
	}
	_ = w.WriteMsg(resp)
}

// udpSize returns the client's advertised EDNS0 UDP payload size, floored at
// the 512-byte RFC 1035 minimum when no OPT record is present.
func udpSize(r *dns.Msg) int {
	if opt := r.IsEdns0(); opt != nil {
		if size := int(opt.UDPSize()); size > dns.MinMsgSize {
			return size
		}
	}
	return dns.MinMsgSize
}

func (s *Server) handleHTTP(r *http.Request, req *dns.Msg) *dns.Msg {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	return s.proc.Process(ctx, req)
}

func isUDP(w dns.ResponseWriter) bool {
	_, ok := w.RemoteAddr().(*net.UDPAddr)
	return ok
}

// Run starts every configured listener and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() {
		zlog.Info("starting udp listener", "addr", s.udpAddr)
		errCh <- s.udpServer.ListenAndServe()
	}()
	go func() {
		zlog.Info("starting tcp listener", "addr", s.tcpAddr)
		errCh <- s.tcpServer.ListenAndServe()
	}()
	if s.httpServer != nil {
		go func() {
			zlog.Info("starting doh listener", "addr", s.httpAddr)
			errCh <- s.httpServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops every listener.
func (s *Server) Shutdown() error {
	_ = s.udpServer.Shutdown()
	_ = s.tcpServer.Shutdown()
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
