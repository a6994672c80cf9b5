package models

// Location is the geographic part of a geolocation lookup
type Location struct {
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Latitude    float64 `json:"lat,omitempty"`
	Longitude   float64 `json:"lon,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

// Geolocation is the per-IP enrichment record. A failed lookup carries only IP and Error.
type Geolocation struct {
	IP         string    `json:"ip"`
	ASN        string    `json:"asn,omitempty"` // "AS16509"
	ISP        string    `json:"isp,omitempty"`
	Org        string    `json:"org,omitempty"`
	Location   *Location `json:"location,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	DataCenter string    `json:"data_center,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// OK reports whether the lookup succeeded
func (g *Geolocation) OK() bool {
	return g != nil && g.Error == ""
}

// OriginRecord is the hosting identity behind a domain
type OriginRecord struct {
	Domain       string         `json:"domain"`
	ResolvedIPs  []string       `json:"ips"`
	Geolocations []*Geolocation `json:"geolocation_data,omitempty"`

	// Geolocation and DataCenterMatch describe the first resolved IP
	Geolocation     *Geolocation `json:"geolocation,omitempty"`
	DataCenterMatch string       `json:"data_center,omitempty"`

	IsSuspiciousDomain bool   `json:"is_suspicious"`
	SuspiciousReason   string `json:"suspicious_reason,omitempty"`
	Error              string `json:"error,omitempty"`
}
