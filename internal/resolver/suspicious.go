package resolver

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// abuseProneTLDs are top-level domains over-represented in phishing campaigns
var abuseProneTLDs = map[string]bool{
	"xyz": true, "top": true, "club": true, "online": true, "site": true,
	"icu": true, "vip": true, "work": true, "tk": true, "ml": true,
	"ga": true, "cf": true, "gq": true, "buzz": true, "fun": true,
	"monster": true, "rest": true,
}

// DomainList is a set of known-bad domains. A listed domain also covers
// its subdomains.
type DomainList struct {
	mu      sync.RWMutex
	domains map[string]bool
}

// NewDomainList creates a list from literal domains
func NewDomainList(domains ...string) *DomainList {
	l := &DomainList{domains: make(map[string]bool)}
	for _, d := range domains {
		l.Add(d)
	}
	return l
}

// LoadDomainList reads one domain per line; blank lines and # comments are skipped
func LoadDomainList(path string) (*DomainList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain list: %w", err)
	}
	defer f.Close()

	l := NewDomainList()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.Add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read domain list: %w", err)
	}
	return l, nil
}

// Add inserts a domain
func (l *DomainList) Add(domain string) {
	d := normalizeDomain(domain)
	if d == "" {
		return
	}
	l.mu.Lock()
	l.domains[d] = true
	l.mu.Unlock()
}

// Len returns the number of listed domains
func (l *DomainList) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.domains)
}

// Contains reports whether domain or one of its parents is listed
func (l *DomainList) Contains(domain string) bool {
	if l == nil {
		return false
	}
	d := normalizeDomain(domain)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for d != "" {
		if l.domains[d] {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return false
}

// SuspiciousTLD returns the abuse-prone TLD of domain, or ""
func SuspiciousTLD(domain string) string {
	d := normalizeDomain(domain)
	if d == "" {
		return ""
	}
	suffix, _ := publicsuffix.PublicSuffix(d)
	tld := suffix
	if i := strings.LastIndexByte(suffix, '.'); i >= 0 {
		tld = suffix[i+1:]
	}
	if abuseProneTLDs[tld] {
		return tld
	}
	return ""
}

// ClassifyDomain applies the known-bad list, then the TLD heuristic.
// The reason is empty when the domain is not suspicious.
func ClassifyDomain(domain string, known *DomainList) (bool, string) {
	if known.Contains(domain) {
		return true, "known phishing domain"
	}
	if tld := SuspiciousTLD(domain); tld != "" {
		return true, "suspicious TLD ." + tld
	}
	return false, ""
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
