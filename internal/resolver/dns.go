package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/projectdiscovery/retryabledns"
)

// DNSClient performs the three lookups the resolver needs.
// Implementations return an empty slice, not an error, for NXDOMAIN/no-answer.
type DNSClient interface {
	LookupA(ctx context.Context, host string) ([]string, error)
	LookupAAAA(ctx context.Context, host string) ([]string, error)
	LookupPTR(ctx context.Context, ip string) ([]string, error)
}

// RetryableDNS is a DNSClient backed by retryabledns
type RetryableDNS struct {
	client  *retryabledns.Client
	timeout time.Duration
}

// NewRetryableDNS creates a client over the given resolvers ("ip:port")
func NewRetryableDNS(resolvers []string, retries int, timeout time.Duration) (*RetryableDNS, error) {
	if retries < 1 {
		retries = 1
	}
	client, err := retryabledns.NewWithOptions(retryabledns.Options{
		BaseResolvers: resolvers,
		MaxRetries:    retries,
		Timeout:       timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS client: %w", err)
	}
	return &RetryableDNS{client: client, timeout: timeout}, nil
}

// LookupA returns IPv4 addresses
func (r *RetryableDNS) LookupA(ctx context.Context, host string) ([]string, error) {
	data, err := r.query(ctx, host, dns.TypeA)
	if err != nil || data == nil {
		return nil, err
	}
	return data.A, nil
}

// LookupAAAA returns IPv6 addresses
func (r *RetryableDNS) LookupAAAA(ctx context.Context, host string) ([]string, error) {
	data, err := r.query(ctx, host, dns.TypeAAAA)
	if err != nil || data == nil {
		return nil, err
	}
	return data.AAAA, nil
}

// LookupPTR returns reverse-DNS names for ip
func (r *RetryableDNS) LookupPTR(ctx context.Context, ip string) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid IP %q: %w", ip, err)
	}
	data, err := r.query(ctx, arpa, dns.TypePTR)
	if err != nil || data == nil {
		return nil, err
	}
	names := make([]string, 0, len(data.PTR))
	for _, name := range data.PTR {
		names = append(names, strings.TrimSuffix(name, "."))
	}
	return names, nil
}

// query runs one lookup; the library call is not context-aware, so the
// caller stops waiting when ctx ends and the query finishes in the background
func (r *RetryableDNS) query(ctx context.Context, host string, qtype uint16) (*retryabledns.DNSData, error) {
	type result struct {
		data *retryabledns.DNSData
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := r.client.Query(host, qtype)
		ch <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s query for %s failed: %w", dns.TypeToString[qtype], host, res.err)
		}
		return res.data, nil
	}
}
