package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"url-sandbox/internal/models"
)

const (
	// IPWhoAPIURL is the base URL for the ipwho.is lookup API
	IPWhoAPIURL = "https://ipwho.is/"
	// DefaultGeoTimeout bounds one lookup, independent of the job deadline
	DefaultGeoTimeout = 5 * time.Second
)

// Geolocator looks up the network and geographic identity of an IP
type Geolocator interface {
	Lookup(ctx context.Context, ip string) (*models.Geolocation, error)
}

// IPWhoClient queries ipwho.is
type IPWhoClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
}

// NewIPWhoClient creates a client limited to ratePerSecond lookups
//
// Parameters:
//   - apiKey: appended as api_key when set
//   - ratePerSecond: sustained lookup rate shared by all workers
//   - timeout: per-request timeout (DefaultGeoTimeout when zero)
func NewIPWhoClient(apiKey string, ratePerSecond float64, timeout time.Duration) *IPWhoClient {
	if timeout <= 0 {
		timeout = DefaultGeoTimeout
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &IPWhoClient{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		baseURL:    IPWhoAPIURL,
		apiKey:     apiKey,
	}
}

// ipWhoResponse is the subset of the ipwho.is payload we read
type ipWhoResponse struct {
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	City        string  `json:"city"`
	Region      string  `json:"region"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    struct {
		ID string `json:"id"`
	} `json:"timezone"`
	Connection struct {
		ASN json.Number `json:"asn"`
		ISP string      `json:"isp"`
		Org string      `json:"org"`
	} `json:"connection"`
}

// Lookup queries the API for ip
func (c *IPWhoClient) Lookup(ctx context.Context, ip string) (*models.Geolocation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	reqURL := c.baseURL + url.PathEscape(ip)
	if c.apiKey != "" {
		reqURL += "?api_key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "url-sandbox/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var data ipWhoResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if !data.Success {
		msg := data.Message
		if msg == "" {
			msg = "lookup failed"
		}
		return nil, fmt.Errorf("ipwho.is: %s", msg)
	}

	geo := &models.Geolocation{
		IP:  ip,
		ISP: data.Connection.ISP,
		Org: data.Connection.Org,
		Location: &models.Location{
			City:        data.City,
			Region:      data.Region,
			Country:     data.Country,
			CountryCode: data.CountryCode,
			Latitude:    data.Latitude,
			Longitude:   data.Longitude,
			Timezone:    data.Timezone.ID,
		},
	}
	if n, err := strconv.ParseInt(data.Connection.ASN.String(), 10, 64); err == nil && n > 0 {
		geo.ASN = "AS" + strconv.FormatInt(n, 10)
	}
	return geo, nil
}
