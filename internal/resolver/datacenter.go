package resolver

import (
	"net/netip"
	"strings"
)

// dataCenter is a known cloud/hosting provider keyed by its ASN
type dataCenter struct {
	Provider string
	Ranges   []netip.Prefix
}

func prefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// dataCenters maps ASN numbers to providers and the ranges they announce
var dataCenters = map[string]dataCenter{
	"16509": {"AWS", prefixes("3.0.0.0/8", "13.32.0.0/12", "13.112.0.0/14", "18.32.0.0/11", "52.0.0.0/8", "54.0.0.0/8")},
	"15169": {"Google Cloud", prefixes("34.64.0.0/10", "34.128.0.0/10", "35.184.0.0/13", "35.192.0.0/14", "35.196.0.0/15", "35.198.0.0/16")},
	"8075":  {"Microsoft Azure", prefixes("13.64.0.0/11", "20.33.0.0/16", "20.34.0.0/15", "20.36.0.0/14", "20.40.0.0/13")},
	"13335": {"Cloudflare", prefixes("1.0.0.0/24", "1.1.1.0/24", "104.16.0.0/12", "162.158.0.0/15", "172.64.0.0/13")},
	"14061": {"DigitalOcean", prefixes("45.55.0.0/16", "67.205.0.0/17", "104.131.0.0/16", "128.199.0.0/16", "138.68.0.0/16", "159.65.0.0/16")},
	"63949": {"Linode", prefixes("23.92.16.0/20", "72.14.176.0/20", "97.107.128.0/20", "139.162.0.0/16", "173.230.128.0/20", "178.79.128.0/18")},
}

// hostnameHints are reverse-DNS substrings, checked in order
var hostnameHints = []struct {
	Pattern  string
	Provider string
}{
	{"amazonaws.com", "AWS"},
	{"compute.amazonaws.com", "AWS"},
	{"googleusercontent.com", "Google Cloud"},
	{"cloudfront.net", "AWS CloudFront"},
	{"azurewebsites.net", "Azure"},
	{"cloudflare.com", "Cloudflare"},
	{"digitalocean", "DigitalOcean"},
	{"linode", "Linode"},
	{"vultr", "Vultr"},
	{"hetzner", "Hetzner"},
}

var awsRegionPrefixes = []string{
	"us-east-", "us-west-", "eu-west-", "eu-central-",
	"ap-south-", "ap-northeast-", "ap-southeast-", "sa-east-", "ca-central-",
}

// normalizeASN accepts "16509", "AS16509" or "AS16509 Amazon.com, Inc."
func normalizeASN(asn string) string {
	fields := strings.Fields(asn)
	if len(fields) == 0 {
		return ""
	}
	n := strings.ToUpper(fields[0])
	return strings.TrimPrefix(n, "AS")
}

// matchASN attributes an IP by ASN table lookup. The second return is false
// when the ASN is not a known provider.
func matchASN(ip, asn string) (string, bool) {
	dc, ok := dataCenters[normalizeASN(asn)]
	if !ok {
		return "", false
	}

	addr, err := netip.ParseAddr(ip)
	if err == nil {
		addr = addr.Unmap()
		for _, p := range dc.Ranges {
			if p.Contains(addr) {
				return dc.Provider + " - " + p.String(), true
			}
		}
	}
	return dc.Provider, true
}

// matchHostname attributes a reverse-DNS name to a provider, with the region
// appended for AWS hostnames that carry one (e.g. "AWS - us-east-1")
func matchHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if h == "" {
		return ""
	}

	for _, hint := range hostnameHints {
		if !strings.Contains(h, hint.Pattern) {
			continue
		}
		if hint.Provider == "AWS" {
			for _, region := range awsRegionPrefixes {
				idx := strings.Index(h, region)
				if idx < 0 || idx+len(region) >= len(h) {
					continue
				}
				return hint.Provider + " - " + region + string(h[idx+len(region)])
			}
		}
		return hint.Provider
	}
	return ""
}

// AttributeDataCenter tries the ASN table first, then reverse-DNS hints.
// An empty string means no attribution.
func AttributeDataCenter(ip, asn, hostname string) string {
	if match, ok := matchASN(ip, asn); ok {
		return match
	}
	return matchHostname(hostname)
}
