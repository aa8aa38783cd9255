// Package upstream implements the upstream group manager: server selection
// strategies, per-request retry and per-group transport configuration.
package upstream

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
)

// Server is one upstream DoH endpoint inside a Group.
type Server struct {
	URL         string
	Method      string
	ContentType string
	Weight      int
	AuthHeader  string // precomputed "Basic ..." / "Bearer ..." value, empty if none
	Agent       string // User-Agent sent with every request, empty for Go's default
}

// StatusError reports a non-200 HTTP response from an upstream DoH call.
// HTTP 4xx other than 429 is a final answer and must not be retried;
// transport errors, 5xx and 429 are.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned status %d", e.URL, e.Code)
}

// Retryable reports whether a fresh attempt against a (possibly different)
// server is worth making.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Balancer selects the next server to try within a group.
type Balancer interface {
	Next() *Server
}

// NewBalancer builds the Balancer for the named strategy.
func NewBalancer(strategy string, servers []*Server) Balancer {
	switch strategy {
	case "weighted":
		return newWeightedBalancer(servers)
	case "random":
		return &randomBalancer{servers: servers}
	default:
		return &rrBalancer{servers: servers}
	}
}

type rrBalancer struct {
	servers []*Server
	current uint64
}

func (b *rrBalancer) Next() *Server {
	if len(b.servers) == 0 {
		return nil
	}
	i := atomic.AddUint64(&b.current, 1) - 1
	return b.servers[i%uint64(len(b.servers))]
}

type randomBalancer struct {
	servers []*Server
}

func (b *randomBalancer) Next() *Server {
	if len(b.servers) == 0 {
		return nil
	}
	return b.servers[rand.Intn(len(b.servers))]
}

// weightedBalancer implements Nginx-style smooth weighted round-robin:
// each server accumulates current += weight on every pick, the server with
// the highest current wins and then has total subtracted from it. This
// converges on each server being selected weight/total of the time while
// avoiding picking the same heaviest server repeatedly in a row.
type weightedBalancer struct {
	servers []*Server
	current []int64
	total   int64
	mu      sync.Mutex
}

func newWeightedBalancer(servers []*Server) *weightedBalancer {
	b := &weightedBalancer{
		servers: servers,
		current: make([]int64, len(servers)),
	}
	for _, s := range servers {
		b.total += int64(s.Weight)
	}
	return b
}

func (b *weightedBalancer) Next() *Server {
	if len(b.servers) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	best := -1
	var bestWeight int64
	for i, s := range b.servers {
		b.current[i] += int64(s.Weight)
		if best == -1 || b.current[i] > bestWeight {
			best = i
			bestWeight = b.current[i]
		}
	}
	b.current[best] -= b.total
	return b.servers[best]
}
