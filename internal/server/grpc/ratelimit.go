package grpc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	maxTrackedPeers = 10000
	peerIdleTTL     = 10 * time.Minute
)

// limitedMethods are the ones an attacker would hammer to guess passwords or
// refresh tokens.
var limitedMethods = map[string]bool{
	MethodRegister: true,
	MethodLogin:    true,
	MethodRefresh:  true,
}

type peerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// peerLimiter keeps one token bucket per remote host. A nil *peerLimiter
// allows everything.
type peerLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	peers map[string]*peerEntry
	now   func() time.Time
}

func newPeerLimiter(perSecond float64, burst int) *peerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &peerLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		peers: make(map[string]*peerEntry),
		now:   time.Now,
	}
}

func (l *peerLimiter) allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.peers[key]
	if !ok {
		if len(l.peers) >= maxTrackedPeers {
			l.evictIdle(now)
		}
		e = &peerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *peerLimiter) evictIdle(now time.Time) {
	for k, e := range l.peers {
		if now.Sub(e.lastSeen) > peerIdleTTL {
			delete(l.peers, k)
		}
	}
}

// rateLimitInterceptor keys on the connection peer, not on X-Forwarded-For,
// which the client controls.
func (s *GRPCServer) rateLimitInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if limitedMethods[info.FullMethod] && !s.limiter.allow(peerHost(ctx)) {
		s.logger.Warn(ctx, "rate limit exceeded", "method", info.FullMethod, "peer", peerHost(ctx))
		return nil, status.Error(codes.ResourceExhausted, "too many requests")
	}
	return handler(ctx, req)
}
