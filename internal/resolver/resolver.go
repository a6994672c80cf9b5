package resolver

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/models"
)

// DefaultLookupTimeout bounds each DNS lookup when Options.LookupTimeout is zero
const DefaultLookupTimeout = 3 * time.Second

// Options configures a Resolver
type Options struct {
	DNS        DNSClient
	Geolocator Geolocator  // nil disables geolocation enrichment
	Cache      *GeoCache   // shared across workers; created when nil
	Known      *DomainList // known-bad domains; may be nil
	Logger     logrus.FieldLogger

	// LookupTimeout bounds each DNS query and each geolocation request
	LookupTimeout time.Duration
}

// Resolver classifies the hosting origin of a domain
type Resolver struct {
	dns           DNSClient
	geo           Geolocator
	cache         *GeoCache
	known         *DomainList
	logger        logrus.FieldLogger
	lookupTimeout time.Duration
}

// New creates a resolver
func New(opts Options) *Resolver {
	r := &Resolver{
		dns:           opts.DNS,
		geo:           opts.Geolocator,
		cache:         opts.Cache,
		known:         opts.Known,
		logger:        opts.Logger,
		lookupTimeout: opts.LookupTimeout,
	}
	if r.cache == nil {
		r.cache = NewGeoCache()
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	if r.lookupTimeout <= 0 {
		r.lookupTimeout = DefaultLookupTimeout
	}
	return r
}

// IsSuspicious reports whether domain is on the known-bad list or uses an abuse-prone TLD
func (r *Resolver) IsSuspicious(domain string) bool {
	suspicious, _ := ClassifyDomain(domain, r.known)
	return suspicious
}

// ResolveOrigin resolves and classifies the origin of domain.
//
// The input may be a bare host, host:port, an IP literal or a full URL.
// Every sub-lookup failure degrades the record; the call itself never fails.
func (r *Resolver) ResolveOrigin(ctx context.Context, domain string) *models.OriginRecord {
	host := hostFromInput(domain)
	record := &models.OriginRecord{Domain: host, ResolvedIPs: []string{}}
	if host == "" {
		record.Error = "invalid domain"
		return record
	}

	record.IsSuspiciousDomain, record.SuspiciousReason = ClassifyDomain(host, r.known)

	ips := r.resolveIPs(ctx, host)
	record.ResolvedIPs = ips
	if len(ips) == 0 {
		record.Error = "could not resolve domain to IP address"
		return record
	}

	for _, ip := range ips {
		record.Geolocations = append(record.Geolocations, r.enrich(ctx, ip))
	}

	first := record.Geolocations[0]
	record.Geolocation = first
	record.DataCenterMatch = first.DataCenter

	return record
}

// resolveIPs returns A records, falling back to AAAA; IP literals pass through
func (r *Resolver) resolveIPs(ctx context.Context, host string) []string {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []string{addr.Unmap().String()}
	}
	if r.dns == nil {
		return []string{}
	}

	ips, err := r.lookup(ctx, r.dns.LookupA, host)
	if err != nil {
		r.logger.WithError(err).WithField("domain", host).Warn("A lookup failed")
	}
	if len(ips) == 0 {
		ips, err = r.lookup(ctx, r.dns.LookupAAAA, host)
		if err != nil {
			r.logger.WithError(err).WithField("domain", host).Warn("AAAA lookup failed")
		}
	}
	return dedupe(ips)
}

func (r *Resolver) lookup(ctx context.Context, fn func(context.Context, string) ([]string, error), arg string) ([]string, error) {
	lctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	return fn(lctx, arg)
}

// enrich builds the per-IP record: geolocation, reverse DNS and datacenter
// attribution. Complete records go into the shared cache; records whose
// geolocation failed are returned but not cached.
func (r *Resolver) enrich(ctx context.Context, ip string) *models.Geolocation {
	if cached, ok := r.cache.Get(ip); ok {
		return cached
	}

	geo := r.geolocate(ctx, ip)

	if r.dns != nil {
		names, err := r.lookup(ctx, r.dns.LookupPTR, ip)
		if err != nil {
			r.logger.WithError(err).WithField("ip", ip).Debug("Reverse DNS lookup failed")
		} else if len(names) > 0 {
			geo.Hostname = names[0]
		}
	}

	geo.DataCenter = AttributeDataCenter(ip, geo.ASN, geo.Hostname)

	if geo.OK() {
		r.cache.Put(ip, geo)
	}
	return geo
}

func (r *Resolver) geolocate(ctx context.Context, ip string) *models.Geolocation {
	if r.geo == nil {
		return &models.Geolocation{IP: ip}
	}

	lctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	geo, err := r.geo.Lookup(lctx, ip)
	if err != nil {
		r.logger.WithError(err).WithField("ip", ip).Warn("Geolocation lookup failed")
		return &models.Geolocation{IP: ip, Error: err.Error()}
	}
	geo.IP = ip
	return geo
}

// hostFromInput strips scheme, path, userinfo and port
func hostFromInput(input string) string {
	s := strings.TrimSpace(input)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.Trim(s, "[]"), ".")
	return strings.ToLower(s)
}

func dedupe(ips []string) []string {
	seen := make(map[string]bool, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if !seen[ip] {
			seen[ip] = true
			out = append(out, ip)
		}
	}
	return out
}
