package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"url-sandbox/internal/models"
)

// fakeDNS answers from fixed tables
type fakeDNS struct {
	a    map[string][]string
	aaaa map[string][]string
	ptr  map[string][]string
	err  error
}

func (f *fakeDNS) LookupA(ctx context.Context, host string) ([]string, error) {
	return f.a[host], f.err
}

func (f *fakeDNS) LookupAAAA(ctx context.Context, host string) ([]string, error) {
	return f.aaaa[host], nil
}

func (f *fakeDNS) LookupPTR(ctx context.Context, ip string) ([]string, error) {
	return f.ptr[ip], nil
}

// fakeGeo returns canned records and counts calls
type fakeGeo struct {
	records map[string]*models.Geolocation
	calls   atomic.Int32
}

func (f *fakeGeo) Lookup(ctx context.Context, ip string) (*models.Geolocation, error) {
	f.calls.Add(1)
	g, ok := f.records[ip]
	if !ok {
		return nil, fmt.Errorf("no record for %s", ip)
	}
	out := *g
	return &out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestAttributeDataCenter(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		asn      string
		hostname string
		expected string
	}{
		{name: "ASN and CIDR match", ip: "3.5.140.2", asn: "16509", expected: "AWS - 3.0.0.0/8"},
		{name: "Prefixed ASN", ip: "3.5.140.2", asn: "AS16509", expected: "AWS - 3.0.0.0/8"},
		{name: "ASN with org suffix", ip: "104.16.1.1", asn: "AS13335 Cloudflare, Inc.", expected: "Cloudflare - 104.16.0.0/12"},
		{name: "ASN match without CIDR", ip: "99.99.99.99", asn: "AS16509", expected: "AWS"},
		{name: "ASN match beats hostname", ip: "99.99.99.99", asn: "AS15169", hostname: "x.linode.com", expected: "Google Cloud"},
		{name: "Unknown ASN and no hostname", ip: "8.8.4.4", asn: "AS99999", expected: ""},
		{name: "Hostname hint", ip: "10.0.0.1", hostname: "li123.members.linode.com", expected: "Linode"},
		{name: "AWS region from hostname", ip: "10.0.0.1", hostname: "ec2-1-2-3-4.eu-west-2.compute.amazonaws.com", expected: "AWS - eu-west-2"},
		{name: "CloudFront", ip: "10.0.0.1", hostname: "server-1.fra50.r.cloudfront.net.", expected: "AWS CloudFront"},
		{name: "No match", ip: "10.0.0.1", hostname: "mail.example.org", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AttributeDataCenter(tt.ip, tt.asn, tt.hostname); got != tt.expected {
				t.Errorf("AttributeDataCenter() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestClassifyDomain(t *testing.T) {
	known := NewDomainList("paypa1-secure.com")

	tests := []struct {
		domain     string
		suspicious bool
	}{
		{"freebank.xyz", true},
		{"bank.com", false},
		{"login.Secure-Bank.TOP.", true},
		{"paypa1-secure.com", true},
		{"www.paypa1-secure.com", true},
		{"notpaypa1-secure.com", false},
		{"example.co.uk", false},
		{"3.5.140.2", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			got, reason := ClassifyDomain(tt.domain, known)
			if got != tt.suspicious {
				t.Errorf("ClassifyDomain(%q) = %v (%s), want %v", tt.domain, got, reason, tt.suspicious)
			}
			if got && reason == "" {
				t.Errorf("ClassifyDomain(%q) returned no reason", tt.domain)
			}
		})
	}
}

func TestLoadDomainList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phishing_domains.txt")
	content := "# feed export\nevil.example\n\n  Bad.Example.  \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	list, err := LoadDomainList(path)
	if err != nil {
		t.Fatalf("LoadDomainList() error = %v", err)
	}
	if list.Len() != 2 {
		t.Errorf("Len() = %d, want 2", list.Len())
	}
	if !list.Contains("bad.example") || !list.Contains("a.evil.example") {
		t.Errorf("Contains() missed a listed domain")
	}

	if _, err := LoadDomainList(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Errorf("LoadDomainList() expected error for missing file")
	}
}

func TestResolveOrigin(t *testing.T) {
	dns := &fakeDNS{
		a: map[string][]string{
			"phish.example.xyz": {"3.5.140.2", "3.5.140.2", "54.1.1.1"},
		},
		aaaa: map[string][]string{
			"v6only.example": {"2606:4700::6810:84e5"},
		},
		ptr: map[string][]string{
			"3.5.140.2": {"s3-website.eu-west-1.amazonaws.com"},
		},
	}
	geo := &fakeGeo{records: map[string]*models.Geolocation{
		"3.5.140.2": {ASN: "AS16509", ISP: "Amazon.com", Location: &models.Location{Country: "Ireland"}},
		"54.1.1.1":  {ASN: "AS16509"},
	}}

	r := New(Options{DNS: dns, Geolocator: geo, Logger: quietLogger()})

	t.Run("Full URL input", func(t *testing.T) {
		rec := r.ResolveOrigin(context.Background(), "http://phish.example.xyz:8080/login")

		if rec.Domain != "phish.example.xyz" {
			t.Errorf("Domain = %q", rec.Domain)
		}
		if len(rec.ResolvedIPs) != 2 {
			t.Errorf("ResolvedIPs = %v, want 2 distinct", rec.ResolvedIPs)
		}
		if !rec.IsSuspiciousDomain {
			t.Errorf("IsSuspiciousDomain = false, want true")
		}
		if rec.DataCenterMatch != "AWS - 3.0.0.0/8" {
			t.Errorf("DataCenterMatch = %q", rec.DataCenterMatch)
		}
		if rec.Geolocation.Hostname != "s3-website.eu-west-1.amazonaws.com" {
			t.Errorf("Hostname = %q", rec.Geolocation.Hostname)
		}
		if rec.Geolocations[1].DataCenter != "AWS - 54.0.0.0/8" {
			t.Errorf("second IP DataCenter = %q", rec.Geolocations[1].DataCenter)
		}
	})

	t.Run("AAAA fallback", func(t *testing.T) {
		rec := r.ResolveOrigin(context.Background(), "v6only.example")
		if len(rec.ResolvedIPs) != 1 || rec.ResolvedIPs[0] != "2606:4700::6810:84e5" {
			t.Errorf("ResolvedIPs = %v", rec.ResolvedIPs)
		}
		if rec.Geolocation == nil || rec.Geolocation.OK() {
			t.Errorf("expected degraded geolocation record, got %+v", rec.Geolocation)
		}
	})

	t.Run("IP literal skips DNS", func(t *testing.T) {
		rec := r.ResolveOrigin(context.Background(), "3.5.140.2")
		if len(rec.ResolvedIPs) != 1 || rec.ResolvedIPs[0] != "3.5.140.2" {
			t.Errorf("ResolvedIPs = %v", rec.ResolvedIPs)
		}
	})

	t.Run("Unresolvable domain", func(t *testing.T) {
		rec := r.ResolveOrigin(context.Background(), "nxdomain.example")
		if len(rec.ResolvedIPs) != 0 || rec.Error == "" {
			t.Errorf("record = %+v, want empty IPs and an error", rec)
		}
	})

	// 3.5.140.2 and 54.1.1.1 were enriched once and then served from cache
	if calls := geo.calls.Load(); calls != 3 {
		t.Errorf("geolocation calls = %d, want 3 (two cached IPs + one failed v6 lookup)", calls)
	}
}

func TestResolveOrigin_DNSFailureDegrades(t *testing.T) {
	r := New(Options{DNS: &fakeDNS{err: errors.New("i/o timeout")}, Logger: quietLogger()})

	rec := r.ResolveOrigin(context.Background(), "bank.com")
	if rec.IsSuspiciousDomain {
		t.Errorf("bank.com flagged suspicious")
	}
	if len(rec.ResolvedIPs) != 0 {
		t.Errorf("ResolvedIPs = %v, want none", rec.ResolvedIPs)
	}
}

func TestResolveOrigin_GeolocationDisabled(t *testing.T) {
	dns := &fakeDNS{
		a:   map[string][]string{"shop.example": {"10.1.1.1"}},
		ptr: map[string][]string{"10.1.1.1": {"vps.hetzner.de"}},
	}
	r := New(Options{DNS: dns, Logger: quietLogger()})

	rec := r.ResolveOrigin(context.Background(), "shop.example")
	if rec.DataCenterMatch != "Hetzner" {
		t.Errorf("DataCenterMatch = %q, want Hetzner", rec.DataCenterMatch)
	}
	if rec.Geolocation.ASN != "" || rec.Geolocation.Error != "" {
		t.Errorf("Geolocation = %+v, want bare record", rec.Geolocation)
	}
}

func TestGeoCache_Concurrent(t *testing.T) {
	cache := NewGeoCache()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.0.%d", i%5)
			cache.Put(ip, &models.Geolocation{IP: ip, ASN: fmt.Sprintf("AS%d", i)})
			if g, ok := cache.Get(ip); ok && g.IP != ip {
				t.Errorf("Get(%s) returned record for %s", ip, g.IP)
			}
		}(i)
	}
	wg.Wait()

	if cache.Len() != 5 {
		t.Errorf("Len() = %d, want 5", cache.Len())
	}

	g, _ := cache.Get("10.0.0.1")
	g.ASN = "mutated"
	if again, _ := cache.Get("10.0.0.1"); again.ASN == "mutated" {
		t.Errorf("cache entry mutated through returned copy")
	}
}

func TestIPWhoClient_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "k" {
			t.Errorf("api_key = %q, want k", r.URL.Query().Get("api_key"))
		}
		switch r.URL.Path {
		case "/3.5.140.2":
			fmt.Fprint(w, `{"success":true,"city":"Dublin","region":"Leinster","country":"Ireland","country_code":"IE",
				"latitude":53.3,"longitude":-6.2,"timezone":{"id":"Europe/Dublin"},
				"connection":{"asn":16509,"isp":"Amazon.com, Inc.","org":"AWS EC2"}}`)
		case "/10.0.0.1":
			fmt.Fprint(w, `{"success":false,"message":"Reserved range"}`)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer server.Close()

	client := NewIPWhoClient("k", 100, time.Second)
	client.baseURL = server.URL + "/"

	geo, err := client.Lookup(context.Background(), "3.5.140.2")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if geo.ASN != "AS16509" || geo.Org != "AWS EC2" || geo.Location.Timezone != "Europe/Dublin" || geo.Location.CountryCode != "IE" {
		t.Errorf("Lookup() = %+v / %+v", geo, geo.Location)
	}

	if _, err := client.Lookup(context.Background(), "10.0.0.1"); err == nil {
		t.Errorf("Lookup() expected error for unsuccessful response")
	}
	if _, err := client.Lookup(context.Background(), "1.1.1.1"); err == nil {
		t.Errorf("Lookup() expected error for non-200 status")
	}
}
