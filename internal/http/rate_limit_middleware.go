package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/splax/bothost/internal/domain"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts hits per bucket in fixed windows.
type RateLimiter interface {
	Allow(bucket string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// decide turns a bucket's hit count into a decision. Both limiters count
// rejected hits too, so a client hammering a full bucket stays rejected
// until the window rolls over.
func decide(count, limit int, windowEnd time.Time) rateDecision {
	return rateDecision{allowed: count <= limit, count: count, windowEnd: windowEnd}
}

type rateScope string

const (
	scopeClient     rateScope = "client"
	scopeServer     rateScope = "server"
	scopeDeployment rateScope = "deployment"
)

// ratePolicy is the request budget of one class of route.
type ratePolicy struct {
	class  string
	limit  int
	window time.Duration
	scope  rateScope
}

var (
	// Uploads are charged to the hosted server: one bot, one upload budget.
	deployPolicy = ratePolicy{class: "deploy", limit: 10, window: time.Minute, scope: scopeServer}
	// Lifecycle commands and input are charged to the deployment they act on.
	commandPolicy = ratePolicy{class: "command", limit: 120, window: time.Minute, scope: scopeDeployment}
	readPolicy    = ratePolicy{class: "read", limit: 240, window: time.Minute, scope: scopeClient}
	streamPolicy  = ratePolicy{class: "stream", limit: 30, window: 30 * time.Second, scope: scopeClient}
)

// bucket names the counter req is charged to. Classes never share counters.
// Requests without the ids their scope needs fall back to the client address.
func (p ratePolicy) bucket(req *http.Request) string {
	serverID := strings.TrimSpace(req.PathValue("serverID"))
	switch p.scope {
	case scopeServer:
		if serverID != "" {
			return p.class + ":server:" + serverID
		}
	case scopeDeployment:
		key := domain.Key{ServerID: serverID, DeploymentID: strings.TrimSpace(req.PathValue("deploymentID"))}
		if key.ServerID != "" && key.DeploymentID != "" {
			return p.class + ":deployment:" + key.String()
		}
	}
	return p.class + ":client:" + remoteHost(req)
}

func (r *Router) withRateLimit(route string, policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if policy.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		decision := r.limiter.Allow(policy.bucket(req), policy.limit, policy.window)
		r.applyRateHeaders(w, policy.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, string(policy.scope))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

type memoryRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rateBucket
	now       func() time.Time
	lastSweep time.Time
}

type rateBucket struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. Expired buckets are
// dropped lazily while it is in use.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{buckets: make(map[string]*rateBucket), now: time.Now}
}

func (rl *memoryRateLimiter) Allow(bucket string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rateLimiterSweepInterval {
		rl.sweepLocked(now)
	}
	b, ok := rl.buckets[bucket]
	if !ok || !now.Before(b.windowEnd) {
		b = &rateBucket{windowEnd: now.Add(window)}
		rl.buckets[bucket] = b
	}
	b.count++
	return decide(b.count, limit, b.windowEnd)
}

func (rl *memoryRateLimiter) sweepLocked(now time.Time) {
	rl.lastSweep = now
	for name, b := range rl.buckets {
		if !now.Before(b.windowEnd) {
			delete(rl.buckets, name)
		}
	}
}

func (rl *memoryRateLimiter) Close() {}
