package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// NormalizeURL normalizes a URL so the same target always hashes the same.
//
// Normalization rules:
// 1. Lowercase scheme and host
// 2. Drop userinfo (user:pass@) and fragment
// 3. Remove default ports (:80 for http, :443 for https)
// 4. Sort query parameters alphabetically
// 5. Remove trailing slash from path (unless path is just "/")
//
// Examples:
//
//	Input:  "HTTP://Bank.COM@Evil.Example:80/login/?b=2&a=1#x"
//	Output: "http://evil.example/login?a=1&b=2"
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Hostname()
	}

	if u.RawQuery != "" {
		u.RawQuery = sortQueryParams(u.Query())
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}

	return u.String(), nil
}

// sortQueryParams sorts query parameters by key, then by value
func sortQueryParams(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := q[k]
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// HashURL returns the 64-character hex SHA256 of a normalized URL
func HashURL(normalizedURL string) string {
	hash := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(hash[:])
}

// NormalizeAndHash combines NormalizeURL and HashURL
func NormalizeAndHash(rawURL string) (normalized string, hash string, err error) {
	normalized, err = NormalizeURL(rawURL)
	if err != nil {
		return "", "", err
	}
	return normalized, HashURL(normalized), nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ScreenshotName returns the screenshot file name for a job.
// Jobs without an ID (single-URL mode) are named after the URL hash.
func ScreenshotName(jobID, rawURL string) string {
	if id := unsafeFileChars.ReplaceAllString(jobID, "_"); id != "" && id != "_" {
		return id + ".png"
	}
	_, hash, err := NormalizeAndHash(rawURL)
	if err != nil {
		hash = HashURL(rawURL)
	}
	return hash[:16] + ".png"
}
