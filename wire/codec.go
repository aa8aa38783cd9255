// Package wire implements the DNS wire-format and DoH JSON codecs shared by
// the inbound listeners and the outbound upstream client.
package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/miekg/dns"
)

// MinMessageSize is the smallest possible valid DNS message (a 12-byte
// header with no further sections).
const MinMessageSize = 12

// Unpack parses a raw wire-format DNS message.
func Unpack(buf []byte) (*dns.Msg, error) {
	if len(buf) < MinMessageSize {
		return nil, fmt.Errorf("wire: message too short (%d bytes)", len(buf))
	}
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, fmt.Errorf("wire: unpack failed: %w", err)
	}
	return m, nil
}

// Pack serializes a DNS message to wire format.
func Pack(m *dns.Msg) ([]byte, error) {
	buf, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("wire: pack failed: %w", err)
	}
	return buf, nil
}

// EncodeGETParam base64url (no padding) encodes a packed message for use as
// the "dns" query parameter of a DoH GET request, per RFC 8484 §4.1.1.
func EncodeGETParam(packed []byte) string {
	return base64.RawURLEncoding.EncodeToString(packed)
}

// DecodeGETParam reverses EncodeGETParam.
func DecodeGETParam(s string) ([]byte, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid dns param: %w", err)
	}
	return buf, nil
}

// SetReplyID copies the transaction ID of req into resp, the way
// a forwarded response must carry the inbound transaction ID regardless of
// what the upstream assigned it.
func SetReplyID(resp, req *dns.Msg) {
	resp.Id = req.Id
}
