// Package accesslist restricts which client addresses the listeners answer,
// backed by a CIDR trie so membership checks stay cheap on the query path.
package accesslist

import (
	"fmt"
	"net"

	"github.com/yl2chen/cidranger"
)

// AccessList answers whether a client address is allowed to query.
// A nil *AccessList allows everyone, so callers can hold one
// unconditionally.
type AccessList struct {
	ranger cidranger.Ranger
}

// New builds an AccessList from CIDR strings. An empty list returns nil,
// which allows all clients.
func New(cidrs []string) (*AccessList, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}

	a := &AccessList{ranger: cidranger.NewPCTrieRanger()}
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("accesslist: parse cidr %q: %w", cidr, err)
		}
		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, fmt.Errorf("accesslist: insert cidr %q: %w", cidr, err)
		}
	}

	return a, nil
}

// Allowed reports whether remoteAddr (a host:port pair, or a bare host) is
// inside one of the configured ranges.
func (a *AccessList) Allowed(remoteAddr string) bool {
	if a == nil {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	allowed, _ := a.ranger.Contains(ip)
	return allowed
}
