package mta

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// PoolConfig configures the SMTP Client Pool.
type PoolConfig struct {
	MaxConnectionsPerKey int           `toml:"max_connections_per_key"`
	IdleTimeout          time.Duration `toml:"idle_timeout"`
	ConnectPort          int           `toml:"connect_port"`
	HelloName            string        `toml:"hello_name"`

	// CircuitBreaker settings, one breaker per destination host.
	BreakerMaxRequests uint32        `toml:"breaker_max_requests"`
	BreakerInterval    time.Duration `toml:"breaker_interval"`
	BreakerTimeout     time.Duration `toml:"breaker_timeout"`
}

// DefaultPoolConfig returns sensible defaults, matching the teacher's
// connection-pool sizing posture.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnectionsPerKey: 10,
		IdleTimeout:          5 * time.Minute,
		ConnectPort:          25,
		HelloName:            "localhost",
		BreakerMaxRequests:   5,
		BreakerInterval:      1 * time.Minute,
		BreakerTimeout:       60 * time.Second,
	}
}

// pooledEntry mirrors the PooledClient lifecycle from the data model: a
// connection lent from the pool, active while leased, idle with a
// last-active timestamp once returned.
type pooledEntry struct {
	client     *smtpClient
	active     bool
	lastActive time.Time
}

// hostKey is (source IP, destination host): the pool's caching and
// concurrency unit. Circuit breakers are keyed by destination host alone.
type hostKey struct {
	sourceIP string
	host     string
}

func (k hostKey) String() string { return k.sourceIP + "->" + k.host }

// ClientPool caches open SMTP connections keyed by (source IP, destination
// host), enforces a per-key concurrency cap, consults the
// UnavailabilityRegistry before dialing, and wraps every dial attempt in a
// per-destination-host circuit breaker so a host in meltdown stops burning
// connect attempts across every sender using it.
type ClientPool struct {
	cfg      PoolConfig
	registry *UnavailabilityRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[hostKey][]*pooledEntry
	inFlight map[hostKey]int

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewClientPool constructs a ClientPool consulting the given registry.
func NewClientPool(cfg PoolConfig, registry *UnavailabilityRegistry) *ClientPool {
	return &ClientPool{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default().With("component", "smtp_client_pool"),
		entries:  make(map[hostKey][]*pooledEntry),
		inFlight: make(map[hostKey]int),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *ClientPool) breakerFor(host string) *gobreaker.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()

	if b, ok := p.breakers[host]; ok {
		return b
	}

	logger := p.logger
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pool-" + host,
		MaxRequests: p.cfg.BreakerMaxRequests,
		Interval:    p.cfg.BreakerInterval,
		Timeout:     p.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[host] = b
	return b
}

// Lease honors the contract in §4.3: it returns a tagged outcome, and a
// client only when that outcome is LeaseSuccess.
func (p *ClientPool) Lease(ctx context.Context, sourceIP string, mxRecords []MXRecord) (LeaseOutcome, Client, error) {
	if len(mxRecords) == 0 {
		return LeaseNoMxRecords, nil, nil
	}

	mx := mxRecords[0]
	key := hostKey{sourceIP: sourceIP, host: mx.Host}

	if p.registry.IsUnavailable(sourceIP, mx.Host, time.Now()) {
		return LeaseServiceUnavailable, nil, nil
	}

	if reused := p.tryReuse(key); reused != nil {
		return LeaseSuccess, reused, nil
	}

	p.mu.Lock()
	if p.inFlight[key] >= p.cfg.MaxConnectionsPerKey {
		p.mu.Unlock()
		return LeaseFailedMaxConnections, nil, nil
	}
	p.inFlight[key]++
	p.mu.Unlock()

	breaker := p.breakerFor(mx.Host)
	result, err := breaker.Execute(func() (interface{}, error) {
		return dialSMTP(ctx, sourceIP, mx.Host, p.connectPort(), p.cfg.HelloName)
	})

	if err != nil {
		p.mu.Lock()
		p.inFlight[key]--
		p.mu.Unlock()
		p.logger.Warn("failed to connect", "source_ip", sourceIP, "mx_host", mx.Host, "error", err)
		return LeaseFailedToConnect, nil, nil
	}

	client := result.(*smtpClient)
	return LeaseSuccess, client, nil
}

func (p *ClientPool) connectPort() int {
	if p.cfg.ConnectPort == 0 {
		return 25
	}
	return p.cfg.ConnectPort
}

// tryReuse scans the idle pool for this key and claims the first idle entry.
func (p *ClientPool) tryReuse(key hostKey) *smtpClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.entries[key] {
		if !entry.active {
			entry.active = true
			p.inFlight[key]++
			return entry.client
		}
	}
	return nil
}

// Return marks a client idle and available for reuse, per §4.3: "sets
// active=false and updates last-active". Called only on clean transaction
// completion.
func (p *ClientPool) Return(client Client) {
	sc, ok := client.(*smtpClient)
	if !ok {
		return
	}
	key := hostKey{sourceIP: sc.sourceIP, host: sc.host}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.inFlight[key]--
	for _, entry := range p.entries[key] {
		if entry.client == sc {
			entry.active = false
			entry.lastActive = time.Now()
			return
		}
	}
	p.entries[key] = append(p.entries[key], &pooledEntry{client: sc, active: false, lastActive: time.Now()})
}

// Discard closes and forgets a client after any protocol fault; it is never
// returned to the pool.
func (p *ClientPool) Discard(client Client) {
	sc, ok := client.(*smtpClient)
	if !ok {
		return
	}
	key := hostKey{sourceIP: sc.sourceIP, host: sc.host}

	p.mu.Lock()
	p.inFlight[key]--
	kept := p.entries[key][:0]
	for _, entry := range p.entries[key] {
		if entry.client != sc {
			kept = append(kept, entry)
		}
	}
	p.entries[key] = kept
	p.mu.Unlock()

	sc.quit()
	sc.close()
}

// Sweep closes idle connections older than IdleTimeout. The pool itself
// launches no background goroutine; cmd/elemta-outbound calls Sweep once a
// minute.
func (p *ClientPool) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	closed := 0
	for key, entries := range p.entries {
		kept := entries[:0]
		for _, entry := range entries {
			if !entry.active && now.Sub(entry.lastActive) > p.cfg.IdleTimeout {
				entry.client.quit()
				entry.client.close()
				closed++
				continue
			}
			kept = append(kept, entry)
		}
		p.entries[key] = kept
	}
	return closed
}

// Stats reports the number of pooled entries per key. Nothing in this tree
// feeds it to the outbound_pool_clients metrics gauge.
func (p *ClientPool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.entries))
	for key, entries := range p.entries {
		out[key.String()] = len(entries)
	}
	return out
}
