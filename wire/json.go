package wire

import (
	"fmt"

	"github.com/miekg/dns"
)

// JSONMessage is the application/dns-json response shape used by both the
// inbound DoH JSON endpoint and the outbound DoH JSON client, matching the
// de-facto dialect (Google/Cloudflare DoH JSON API).
type JSONMessage struct {
	Status   int          `json:"Status"`
	TC       bool         `json:"TC"`
	RD       bool         `json:"RD"`
	RA       bool         `json:"RA"`
	AD       bool         `json:"AD"`
	CD       bool         `json:"CD"`
	Question   []JSONQName  `json:"Question"`
	Answer     []JSONRecord `json:"Answer,omitempty"`
	Authority  []JSONRecord `json:"Authority,omitempty"`
	Additional []JSONRecord `json:"Additional,omitempty"`
}

// JSONQName is one question-section entry.
type JSONQName struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

// JSONRecord is one answer-section record.
type JSONRecord struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// unsupportedJSONRTypeCounter lets callers observe skipped record types
// without this package depending on the metrics package directly.
type unsupportedJSONRTypeCounter func(rtype uint16)

// NewMessage builds the JSON dialect representation of a DNS message.
// Record types outside the supported set (A, AAAA, MX, TXT, CNAME, NS, SOA)
// are omitted from Answer, Authority and Additional but the RCODE is
// preserved; onUnsupported, if
// non-nil, is invoked once per skipped record.
func NewMessage(m *dns.Msg, onUnsupported unsupportedJSONRTypeCounter) *JSONMessage {
	jm := &JSONMessage{
		Status: m.Rcode,
		TC:     m.Truncated,
		RD:     m.RecursionDesired,
		RA:     m.RecursionAvailable,
		AD:     m.AuthenticatedData,
		CD:     m.CheckingDisabled,
	}

	for _, q := range m.Question {
		jm.Question = append(jm.Question, JSONQName{Name: q.Name, Type: q.Qtype})
	}

	jm.Answer = sectionToJSON(m.Answer, onUnsupported)
	jm.Authority = sectionToJSON(m.Ns, onUnsupported)
	jm.Additional = sectionToJSON(m.Extra, onUnsupported)

	return jm
}

func sectionToJSON(rrs []dns.RR, onUnsupported unsupportedJSONRTypeCounter) []JSONRecord {
	var out []JSONRecord
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		rec, ok := rrToJSON(rr)
		if !ok {
			if onUnsupported != nil {
				onUnsupported(rr.Header().Rrtype)
			}
			continue
		}
		out = append(out, rec)
	}
	return out
}

func rrToJSON(rr dns.RR) (JSONRecord, bool) {
	h := rr.Header()
	rec := JSONRecord{Name: h.Name, Type: h.Rrtype, TTL: h.Ttl}

	switch v := rr.(type) {
	case *dns.A:
		rec.Data = v.A.String()
	case *dns.AAAA:
		rec.Data = v.AAAA.String()
	case *dns.CNAME:
		rec.Data = v.Target
	case *dns.NS:
		rec.Data = v.Ns
	case *dns.TXT:
		for i, s := range v.Txt {
			if i > 0 {
				rec.Data += " "
			}
			rec.Data += s
		}
	case *dns.MX:
		rec.Data = fmt.Sprintf("%d %s", v.Preference, v.Mx)
	case *dns.SOA:
		rec.Data = fmt.Sprintf("%s %s %d %d %d %d %d", v.Ns, v.Mbox, v.Serial, v.Refresh, v.Retry, v.Expire, v.Minttl)
	default:
		return JSONRecord{}, false
	}

	return rec, true
}

// RecordFromJSON reconstructs a dns.RR from a JSONRecord for the subset of
// types the client recognizes. Used when parsing an upstream's
// application/dns-json response.
func RecordFromJSON(rec JSONRecord) (dns.RR, error) {
	hdr := fmt.Sprintf("%s %d IN %s", dns.Fqdn(rec.Name), rec.TTL, dns.TypeToString[rec.Type])

	switch rec.Type {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeNS, dns.TypeMX, dns.TypeSOA:
		rr, err := dns.NewRR(hdr + " " + rec.Data)
		if err != nil {
			return nil, fmt.Errorf("wire: cannot reconstruct %s record: %w", dns.TypeToString[rec.Type], err)
		}
		return rr, nil
	case dns.TypeTXT:
		rr, err := dns.NewRR(hdr + " " + fmt.Sprintf("%q", rec.Data))
		if err != nil {
			return nil, fmt.Errorf("wire: cannot reconstruct TXT record: %w", err)
		}
		return rr, nil
	default:
		return nil, fmt.Errorf("wire: unsupported json record type %d", rec.Type)
	}
}
