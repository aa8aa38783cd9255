// Package dohserver implements the optional inbound DNS-over-HTTPS listener,
// accepting both the application/dns-message and application/dns-json
// dialects per RFC 8484 and the de-facto JSON API.
package dohserver

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/semihalev/dohfwd/accesslist"
	"github.com/semihalev/dohfwd/wire"
)

// Handler processes a single decoded DNS query and returns the response to
// serve, tying the listener to the query processor without an import cycle.
type Handler func(r *http.Request, req *dns.Msg) *dns.Msg

// maxLimiters bounds the per-remote-address limiter map so an address-
// spraying client cannot grow it without limit; when full, one arbitrary
// entry is dropped to make room (its owner simply restarts with a fresh
// burst allowance).
const maxLimiters = 16384

// Server is the inbound DoH HTTP handler.
type Server struct {
	handle        Handler
	acl           *accesslist.AccessList
	onUnsupported func(rtype uint16)

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	rps        rate.Limit
	burst      int
}

// New builds a dohserver.Server that dispatches decoded queries to handle.
// Clients outside acl receive 401 before any decoding happens; a nil acl
// allows everyone. Per-remote-address requests are capped at rps with the
// given burst; a
// non-positive rps disables the limiter. onUnsupported, if non-nil, is
// invoked once per record dropped from a JSON-dialect response
// because its type has no JSON encoding.
func New(handle Handler, acl *accesslist.AccessList, onUnsupported func(rtype uint16), rps float64, burst int) *Server {
	return &Server{
		handle:        handle,
		acl:           acl,
		onUnsupported: onUnsupported,
		limiters:      make(map[string]*rate.Limiter),
		rps:           rate.Limit(rps),
		burst:         burst,
	}
}

func (s *Server) allow(remoteAddr string) bool {
	if s.rps <= 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.limitersMu.Lock()
	lim, ok := s.limiters[host]
	if !ok {
		if len(s.limiters) >= maxLimiters {
			for k := range s.limiters {
				delete(s.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[host] = lim
	}
	s.limitersMu.Unlock()

	return lim.Allow()
}

// ServeHTTP dispatches GET/POST wire-format and JSON-dialect requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.acl.Allowed(r.RemoteAddr) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if !s.allow(r.RemoteAddr) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	accept := r.Header.Get("Accept")
	ct := r.Header.Get("Content-Type")

	if strings.Contains(accept, "application/dns-json") || r.URL.Query().Get("name") != "" {
		s.handleJSON(w, r)
		return
	}
	if r.Method == http.MethodPost && !strings.Contains(ct, "application/dns-message") {
		http.Error(w, "unsupported content-type", http.StatusUnsupportedMediaType)
		return
	}
	s.handleWireFormat(w, r)
}

func (s *Server) handleWireFormat(w http.ResponseWriter, r *http.Request) {
	var buf []byte
	var err error

	switch r.Method {
	case http.MethodGet:
		buf, err = wire.DecodeGETParam(r.URL.Query().Get("dns"))
	case http.MethodPost:
		buf, err = io.ReadAll(io.LimitReader(r.Body, 65535))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil || len(buf) < wire.MinMessageSize {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	req, err := wire.Unpack(buf)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := s.handle(r, req)
	if resp == nil {
		http.Error(w, "server failure", http.StatusInternalServerError)
		return
	}
	wire.SetReplyID(resp, req)

	packed, err := wire.Pack(resp)
	if err != nil {
		http.Error(w, "server failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	_, _ = w.Write(packed)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	qtypeStr := r.URL.Query().Get("type")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	if qtypeStr == "" {
		qtypeStr = "A"
	}

	qtype, ok := dns.StringToType[strings.ToUpper(qtypeStr)]
	if !ok {
		http.Error(w, "unknown type", http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	resp := s.handle(r, req)
	if resp == nil {
		http.Error(w, "server failure", http.StatusInternalServerError)
		return
	}

	jm := wire.NewMessage(resp, s.onUnsupported)

	contentType := "application/dns-json"
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		contentType = "application/x-javascript"
	}
	w.Header().Set("Content-Type", contentType)

	_ = json.NewEncoder(w).Encode(jm)
}
