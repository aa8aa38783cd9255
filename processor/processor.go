// Package processor implements the query-processing pipeline:
// Received -> Parsed -> Routed -> {Block|Forward|Drop} -> Done.
package processor

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dohfwd/cache"
	"github.com/semihalev/dohfwd/dohclient"
	"github.com/semihalev/dohfwd/metrics"
	"github.com/semihalev/dohfwd/router"
	"github.com/semihalev/dohfwd/upstream"
	"github.com/semihalev/dohfwd/wire"
)

// Processor ties the cache, router and upstream manager together behind a
// single Process call. The pipeline is a fixed linear sequence (cache,
// router, upstream) rather than a pluggable chain.
type Processor struct {
	cache    *cache.Cache
	router   *router.Router
	upstream *upstream.Manager
	metrics  *metrics.Metrics

	nullrouteV4 net.IP
	nullrouteV6 net.IP

	onJSONUnsupported func(rtype uint16)
}

// New builds a Processor. onJSONUnsupported, if non-nil, is invoked once per
// record dropped from a JSON-dialect upstream response because its type
// cannot be reconstructed.
func New(c *cache.Cache, r *router.Router, u *upstream.Manager, m *metrics.Metrics, nullrouteV4, nullrouteV6 net.IP, onJSONUnsupported func(rtype uint16)) *Processor {
	return &Processor{
		cache:             c,
		router:            r,
		upstream:          u,
		metrics:           m,
		nullrouteV4:       nullrouteV4,
		nullrouteV6:       nullrouteV6,
		onJSONUnsupported: onJSONUnsupported,
	}
}

// Process resolves a single inbound query, returning the response to write
// back to the client. It never returns nil: on every failure path it
// synthesizes a response carrying the appropriate RCODE.
func (p *Processor) Process(ctx context.Context, req *dns.Msg) *dns.Msg {
	if len(req.Question) != 1 {
		return p.fail(req, dns.RcodeFormatError)
	}
	q := req.Question[0]

	if cached, ok := p.cache.Get(q, req.CheckingDisabled); ok {
		resp := cached.Msg.Copy()
		wire.SetReplyID(resp, req)
		rewriteTTLs(resp, cached.RemainingTTL(time.Now()))
		if q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA {
			cache.ShuffleAnswers(resp.Answer)
		}
		p.recordResponse(resp)
		return resp
	}

	rule, matched := p.router.Resolve(q.Name)
	if !matched {
		// Drop: no rule matched either phase and no global forward
		// wildcard was configured. SERVFAIL, never cached.
		resp := p.fail(req, dns.RcodeServerFailure)
		p.recordResponse(resp)
		return resp
	}

	p.recordTierMatch(rule)

	if rule.Action == router.ActionBlock {
		resp := p.block(req, q)
		if p.cache.Cap() > 0 {
			p.cache.SetNegative(q, req.CheckingDisabled, resp)
		}
		p.recordResponse(resp)
		return resp
	}

	resp, err := p.forward(ctx, req, q, rule.Target)
	if err != nil {
		zlog.Error("upstream forward failed", "group", rule.Target, "qname", q.Name, "error", err)
		resp = p.fail(req, dns.RcodeServerFailure)
		p.recordResponse(resp)
		return resp
	}

	p.cacheResponse(q, req.CheckingDisabled, resp)
	p.recordResponse(resp)
	return resp
}

func (p *Processor) forward(ctx context.Context, req *dns.Msg, q dns.Question, groupName string) (*dns.Msg, error) {
	group := p.upstream.Group(groupName)
	if group == nil {
		return p.fail(req, dns.RcodeServerFailure), nil
	}

	var resp *dns.Msg
	start := time.Now()

	err := group.Do(ctx, func(ctx context.Context, s *upstream.Server) error {
		p.metrics.UpstreamRequests.WithLabelValues(groupName).Inc()
		r, err := dohclient.Exchange(ctx, group.HTTPClient(), s, req, p.onJSONUnsupported)
		if err != nil {
			p.metrics.UpstreamErrors.WithLabelValues(groupName).Inc()
			return err
		}
		resp = r
		return nil
	})
	p.metrics.UpstreamLatency.WithLabelValues(groupName).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}

	wire.SetReplyID(resp, req)
	return resp, nil
}

func (p *Processor) block(req *dns.Msg, q dns.Question) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	switch q.Qtype {
	case dns.TypeA:
		if p.nullrouteV4 != nil {
			rr := &dns.A{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600}, A: p.nullrouteV4}
			resp.Answer = append(resp.Answer, rr)
			return resp
		}
	case dns.TypeAAAA:
		if p.nullrouteV6 != nil {
			rr := &dns.AAAA{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 3600}, AAAA: p.nullrouteV6}
			resp.Answer = append(resp.Answer, rr)
			return resp
		}
	}

	resp.Rcode = dns.RcodeNameError
	return resp
}

func (p *Processor) fail(req *dns.Msg, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, rcode)
	return resp
}

func (p *Processor) cacheResponse(q dns.Question, cd bool, resp *dns.Msg) {
	if p.cache.Cap() == 0 {
		return
	}
	if cache.IsNegative(resp) {
		p.cache.SetNegative(q, cd, resp)
		return
	}
	if ttl, ok := cache.MinRecordTTL(resp); ok {
		p.cache.SetPositive(q, cd, resp, time.Duration(ttl)*time.Second)
	}
}

func (p *Processor) recordTierMatch(r router.Rule) {
	if p.metrics == nil {
		return
	}
	phase := "forward"
	if r.Action == router.ActionBlock {
		phase = "block"
	}
	p.metrics.RuleTierMatches.WithLabelValues(tierName(r.Tier), phase).Inc()
}

func (p *Processor) recordResponse(resp *dns.Msg) {
	if p.metrics == nil {
		return
	}
	p.metrics.Responses.WithLabelValues(dns.RcodeToString[resp.Rcode]).Inc()
}

func tierName(t router.Tier) string {
	switch t {
	case router.TierExact:
		return "exact"
	case router.TierWildcard:
		return "wildcard"
	case router.TierRegex:
		return "regex"
	case router.TierGlobalWildcard:
		return "global"
	default:
		return "unknown"
	}
}

func rewriteTTLs(m *dns.Msg, ttl uint32) {
	for _, rr := range m.Answer {
		rr.Header().Ttl = ttl
	}
	for _, rr := range m.Ns {
		rr.Header().Ttl = ttl
	}
}
