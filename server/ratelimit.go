package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ipeknurercan/mintelligence/failure"
)

// maxTrackedClients bounds the limiter table; the least recently seen client is evicted.
const maxTrackedClients = 10000

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newClientLimiter(perSecond float64, burst, size int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	if size < 1 {
		size = maxTrackedClients
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *rate.Limiter](size)
	return &clientLimiter{
		limiters: cache,
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters.Get(client)
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters.Add(client, l)
	}
	return l.Allow()
}

// clientAddress is the peer address, unless the peer is a trusted proxy. Then it is
// the right-most X-Forwarded-For hop that is not itself a trusted proxy; hops to the
// left of it are whatever the client chose to send.
func clientAddress(r *http.Request, trusted []netip.Prefix) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !isTrusted(remote, trusted) {
		return remote
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !isTrusted(hops[i], trusted) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return remote
}

func isTrusted(addr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// limitIssuance rejects a client's issuance requests beyond the configured rate. A nil
// limiter lets everything through.
func (s *Server) limitIssuance(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientAddress(r, s.opts.TrustedProxies)) {
			w.Header().Set("Retry-After", "1")
			respondJSON(w, http.StatusTooManyRequests, errorResponse{
				Error: "Too many issuance requests, please slow down",
				Kind:  failure.KindTransientNetwork,
			})
			return
		}
		next(w, r)
	}
}
