package cache

import "github.com/miekg/dns"

// MinRecordTTL scans the answer, authority and additional sections (skipping
// OPT pseudo-records) and returns the smallest TTL present, or 0 if the
// message carries no records.
func MinRecordTTL(m *dns.Msg) (uint32, bool) {
	var min uint32
	found := false

	scan := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			ttl := rr.Header().Ttl
			if !found || ttl < min {
				min = ttl
				found = true
			}
		}
	}

	scan(m.Answer)
	scan(m.Ns)
	scan(m.Extra)

	return min, found
}

// IsNegative reports whether m represents an NXDOMAIN, SERVFAIL or NODATA
// response that should be cached under the negative TTL rather than the
// record TTL.
func IsNegative(m *dns.Msg) bool {
	if m.Rcode == dns.RcodeNameError || m.Rcode == dns.RcodeServerFailure {
		return true
	}
	return m.Rcode == dns.RcodeSuccess && len(m.Answer) == 0
}
