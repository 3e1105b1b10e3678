package outbound

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Resolver resolves a hostname to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// LookupIPAddr implements Resolver.
func (f ResolverFunc) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return f(ctx, host)
}

// StaticResolver answers from a fixed host table.
type StaticResolver map[string][]string

// LookupIPAddr implements Resolver.
func (s StaticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			out = append(out, net.IPAddr{IP: ip})
		}
	}
	return out, nil
}

// CachingResolver memoizes successful lookups for a fixed TTL. It is safe for
// concurrent use.
type CachingResolver struct {
	next  Resolver
	cache *expirable.LRU[string, []net.IPAddr]
}

const (
	defaultCacheTTL  = time.Minute
	defaultCacheSize = 1024
)

// NewCachingResolver wraps next. A nil next uses net.DefaultResolver.
func NewCachingResolver(next Resolver, size int, ttl time.Duration) *CachingResolver {
	if next == nil {
		next = net.DefaultResolver
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachingResolver{
		next:  next,
		cache: expirable.NewLRU[string, []net.IPAddr](size, nil, ttl),
	}
}

// LookupIPAddr implements Resolver.
func (r *CachingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}
	addrs, err := r.next.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	r.cache.Add(host, addrs)
	log.Debug().Str("host", host).Int("addrs", len(addrs)).Msg("outbound: resolved host")
	return addrs, nil
}
