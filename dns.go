package go_pathtrace

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

var (
	googleServers     = []string{"8.8.8.8:53", "8.8.4.4:53"}
	cloudflareServers = []string{"1.1.1.1:53", "1.0.0.1:53"}
)

// ASInfo is the autonomous system announcing an address.
type ASInfo struct {
	Number    string
	Prefix    string
	Country   string
	Registry  string
	Allocated string
	Name      string
}

type HostInfo struct {
	Addr      net.IP
	Hostnames []string
	AS        *ASInfo
}

// Resolver is the DNS side of the tool: forward lookups for targets and
// reverse lookups for hops.
type Resolver interface {
	Lookup(ctx context.Context, host string) ([]net.IP, error)
	Reverse(ctx context.Context, ip net.IP) HostInfo
}

// NewResolver builds the resolver selected by method. Reverse results are
// cached for the life of the resolver.
func NewResolver(method DnsResolveMethod, timeout time.Duration, lookupAS bool, logger *slog.Logger) (Resolver, error) {
	logger = orDiscard(logger).With("resolver", method.String())
	switch method {
	case DnsResolveSystem:
		if lookupAS {
			return nil, fmt.Errorf("AS lookup not supported by resolver %v", method)
		}
		return newCachedResolver(&systemResolver{timeout: timeout, r: net.DefaultResolver}), nil
	case DnsResolveResolv:
		cc, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			return nil, fmt.Errorf("read %v: %w", resolvConfPath, err)
		}
		servers := make([]string, 0, len(cc.Servers))
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
		return newCachedResolver(newDNSResolver(servers, timeout, lookupAS, logger)), nil
	case DnsResolveGoogle:
		return newCachedResolver(newDNSResolver(googleServers, timeout, lookupAS, logger)), nil
	case DnsResolveCloudflare:
		return newCachedResolver(newDNSResolver(cloudflareServers, timeout, lookupAS, logger)), nil
	}
	return nil, fmt.Errorf("unknown dns resolve method (%v)", method)
}

// ResolveTarget returns the first IPv4 address of host.
func ResolveTarget(ctx context.Context, r Resolver, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return nil, fmt.Errorf("only ipv4 targets are supported (%v)", host)
		}
		return ip.To4(), nil
	}
	ips, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve (%v): %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no ipv4 address for (%v)", host)
}

type systemResolver struct {
	timeout time.Duration
	r       *net.Resolver
}

func (s *systemResolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.r.LookupIP(ctx, "ip4", host)
}

func (s *systemResolver) Reverse(ctx context.Context, ip net.IP) HostInfo {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	info := HostInfo{Addr: ip}
	names, err := s.r.LookupAddr(ctx, ip.String())
	if err != nil {
		return info
	}
	for _, n := range names {
		info.Hostnames = append(info.Hostnames, strings.TrimSuffix(n, "."))
	}
	return info
}

// dnsResolver talks to explicit servers and can query Team Cymru for AS
// information.
type dnsResolver struct {
	servers  []string
	client   *dns.Client
	lookupAS bool
	logger   *slog.Logger
}

func newDNSResolver(servers []string, timeout time.Duration, lookupAS bool, logger *slog.Logger) *dnsResolver {
	return &dnsResolver{
		servers:  servers,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		lookupAS: lookupAS,
		logger:   orDiscard(logger),
	}
}

func (d *dnsResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true
	var lastErr error
	for _, server := range d.servers {
		resp, _, err := d.client.ExchangeContext(ctx, req, server)
		if err != nil {
			lastErr = err
			d.logger.Debug("dns exchange failed", "server", server, "name", name, "error", err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%v for (%v) from (%v)", dns.RcodeToString[resp.Rcode], name, server)
			if resp.Rcode == dns.RcodeNameError {
				return nil, lastErr
			}
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no dns servers configured")
	}
	return nil, lastErr
}

func (d *dnsResolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	resp, err := d.exchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A records for (%v)", host)
	}
	return ips, nil
}

func (d *dnsResolver) Reverse(ctx context.Context, ip net.IP) HostInfo {
	info := HostInfo{Addr: ip}
	arpa, err := dns.ReverseAddr(ip.String())
	if err == nil {
		if resp, err := d.exchange(ctx, arpa, dns.TypePTR); err == nil {
			for _, rr := range resp.Answer {
				if ptr, ok := rr.(*dns.PTR); ok {
					info.Hostnames = append(info.Hostnames, strings.TrimSuffix(ptr.Ptr, "."))
				}
			}
		}
	}
	if d.lookupAS {
		as, err := d.lookupASInfo(ctx, ip)
		if err != nil {
			d.logger.Debug("as lookup failed", "addr", ip.String(), "error", err)
		} else {
			info.AS = as
		}
	}
	return info
}

// lookupASInfo queries origin.asn.cymru.com for the announcing AS and then
// asn.cymru.com for its name.
func (d *dnsResolver) lookupASInfo(ctx context.Context, ip net.IP) (*ASInfo, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("not an ipv4 addr (%v)", ip)
	}
	origin := fmt.Sprintf("%d.%d.%d.%d.origin.asn.cymru.com", ip4[3], ip4[2], ip4[1], ip4[0])
	fields, err := d.txtFields(ctx, origin)
	if err != nil {
		return nil, err
	}
	// "13335 | 1.1.1.0/24 | AU | apnic | 2011-08-11"
	if len(fields) < 5 {
		return nil, fmt.Errorf("malformed origin record (%v)", strings.Join(fields, "|"))
	}
	as := &ASInfo{
		Number:    strings.Fields(fields[0])[0],
		Prefix:    fields[1],
		Country:   fields[2],
		Registry:  fields[3],
		Allocated: fields[4],
	}
	// "13335 | US | arin | 2010-07-14 | CLOUDFLARENET, US"
	name, err := d.txtFields(ctx, "AS"+as.Number+".asn.cymru.com")
	if err == nil && len(name) >= 5 {
		as.Name = name[4]
	}
	return as, nil
}

func (d *dnsResolver) txtFields(ctx context.Context, name string) ([]string, error) {
	resp, err := d.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok || len(txt.Txt) == 0 {
			continue
		}
		parts := strings.Split(strings.Join(txt.Txt, ""), "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) == 0 || parts[0] == "" {
			continue
		}
		return parts, nil
	}
	return nil, fmt.Errorf("no TXT record for (%v)", name)
}

// failedLookupTTL is how long an empty reverse result is kept before the
// address is looked up again.
const failedLookupTTL = 30 * time.Second

type cacheEntry struct {
	info    HostInfo
	expires time.Time
}

type cachedResolver struct {
	Resolver
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

func newCachedResolver(r Resolver) *cachedResolver {
	return &cachedResolver{Resolver: r, cache: make(map[string]cacheEntry), now: time.Now}
}

// Reverse keeps answers with a hostname or AS info for the life of the
// resolver and empty answers for failedLookupTTL.
func (c *cachedResolver) Reverse(ctx context.Context, ip net.IP) HostInfo {
	key := ip.String()
	c.mu.Lock()
	e, ok := c.cache[key]
	c.mu.Unlock()
	if ok && (e.expires.IsZero() || c.now().Before(e.expires)) {
		return e.info
	}
	info := c.Resolver.Reverse(ctx, ip)
	e = cacheEntry{info: info}
	if len(info.Hostnames) == 0 && info.AS == nil {
		e.expires = c.now().Add(failedLookupTTL)
	}
	c.mu.Lock()
	c.cache[key] = e
	c.mu.Unlock()
	return info
}

// backgroundResolver answers Reverse from what is already known and looks
// up unknown addresses in the background, so callers never wait on DNS.
type backgroundResolver struct {
	Resolver
	mu      sync.Mutex
	known   map[string]HostInfo
	pending map[string]bool
}

// NewBackgroundResolver wraps r so that Reverse never blocks. Until an
// answer arrives the returned HostInfo only carries the address.
func NewBackgroundResolver(r Resolver) Resolver {
	return &backgroundResolver{
		Resolver: r,
		known:    make(map[string]HostInfo),
		pending:  make(map[string]bool),
	}
}

func (b *backgroundResolver) Reverse(ctx context.Context, ip net.IP) HostInfo {
	key := ip.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.known[key]; ok {
		return info
	}
	if !b.pending[key] {
		b.pending[key] = true
		go func() {
			info := b.Resolver.Reverse(ctx, ip)
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.pending, key)
			// empty answers are asked again on a later call
			if len(info.Hostnames) > 0 || info.AS != nil {
				b.known[key] = info
			}
		}()
	}
	return HostInfo{Addr: ip}
}
