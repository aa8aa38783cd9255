package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// keyBuf is a pooled scratch buffer for building cache keys without
// allocating on the hot path.
type keyBuf struct {
	buf [256]byte
}

var keyBufPool = sync.Pool{
	New: func() interface{} { return new(keyBuf) },
}

// Key hashes a question (plus the checking-disabled bit, which participates
// in the cache key because DNSSEC-aware and DNSSEC-unaware clients must not
// share a cached answer) into a single uint64.
func Key(q dns.Question, cd bool) uint64 {
	kb := keyBufPool.Get().(*keyBuf)
	defer keyBufPool.Put(kb)

	name := q.Name
	need := 5 + len(name)

	var buf []byte
	if need <= len(kb.buf) {
		buf = kb.buf[:0]
	} else {
		buf = make([]byte, 0, need)
	}

	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))
	if cd {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return xxhash.Sum64(buf)
}
