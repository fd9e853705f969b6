package mta

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// ResolverConfig tunes the cached resolver's retry and TTL behavior.
type ResolverConfig struct {
	CacheTTL      time.Duration `toml:"cache_ttl"`
	LookupTimeout time.Duration `toml:"lookup_timeout"`
	Retries       int           `toml:"retries"`
}

// DefaultResolverConfig returns defaults matching the teacher's DNS cache
// posture.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		CacheTTL:      5 * time.Minute,
		LookupTimeout: 5 * time.Second,
		Retries:       3,
	}
}

type mxCacheEntry struct {
	records   []MXRecord
	expiresAt time.Time
}

// NetResolver implements Resolver over net.DefaultResolver, with a
// retry-with-timeout loop and a TTL cache, adapted from the teacher's DNS
// cache idiom.
type NetResolver struct {
	cfg    ResolverConfig
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]mxCacheEntry
}

// NewNetResolver constructs a NetResolver.
func NewNetResolver(cfg ResolverConfig) *NetResolver {
	return &NetResolver{
		cfg:    cfg,
		logger: slog.Default().With("component", "mx_resolver"),
		cache:  make(map[string]mxCacheEntry),
	}
}

// GetMX resolves host's mail exchangers, ascending by preference. An empty,
// nil-error result represents NXDOMAIN or no-MX, per the data model.
func (r *NetResolver) GetMX(ctx context.Context, host string) ([]MXRecord, error) {
	if cached, ok := r.fromCache(host); ok {
		return cached, nil
	}

	records, err := r.lookupWithRetry(ctx, host)
	if err != nil {
		// A lookup error that is not a clean "no such host" is logged but
		// still yields an empty sequence to the caller — the spec treats
		// NXDOMAIN and lookup failure alike as empty-MX permanent failure.
		r.logger.Warn("mx lookup failed", "host", host, "error", err)
		return nil, nil
	}

	r.putCache(host, records)
	return records, nil
}

func (r *NetResolver) lookupWithRetry(ctx context.Context, host string) ([]MXRecord, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.Retries; attempt++ {
		lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		mxs, err := net.DefaultResolver.LookupMX(lookupCtx, host)
		cancel()

		if err == nil {
			records := make([]MXRecord, 0, len(mxs))
			for _, mx := range mxs {
				records = append(records, MXRecord{
					Host:       trimTrailingDot(mx.Host),
					Preference: int(mx.Pref),
				})
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Preference < records[j].Preference })
			return records, nil
		}

		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, nil
		}

		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return nil, lastErr
}

func (r *NetResolver) fromCache(host string) ([]MXRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[host]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.records, true
}

func (r *NetResolver) putCache(host string, records []MXRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[host] = mxCacheEntry{records: records, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
}

func trimTrailingDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
