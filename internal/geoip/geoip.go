// Package geoip resolves an agent's public IP to a rough geographic summary
// for the operator's client-query surface: a single GET against ip-api.com's
// free JSON endpoint, decoded straight into the reply shape the dashboard
// expects.
package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/duskline/meridian/internal/errs"
)

// Reply mirrors ip-api.com's JSON response body.
type Reply struct {
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"countryCode,omitempty"`
	Region      string  `json:"region,omitempty"`
	RegionName  string  `json:"regionName,omitempty"`
	City        string  `json:"city,omitempty"`
	Zip         string  `json:"zip,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Org         string  `json:"org,omitempty"`
	AS          string  `json:"as,omitempty"`
	Query       string  `json:"query"`
}

// Client fetches geo-IP summaries. The zero value uses http.DefaultClient
// against ip-api.com; BaseURL is overridable so tests can point it at a
// local httptest.Server instead.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

// Default is the package-level client used by Lookup.
var Default = &Client{}

// Lookup resolves ip's geographic summary. A DNS failure resolving
// ip-api.com is reported as errs.DnsLookupError; any other transport or
// decode failure is reported as errs.RequestError.
func Lookup(ctx context.Context, ip string) (*Reply, *errs.Error) {
	return Default.Lookup(ctx, ip)
}

// Lookup resolves ip's geographic summary using c.
func (c *Client) Lookup(ctx context.Context, ip string) (*Reply, *errs.Error) {
	base := c.BaseURL
	if base == "" {
		base = "http://ip-api.com"
	}
	url := fmt.Sprintf("%s/json/%s", base, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.NewRequest(url, err.Error())
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, errs.New(errs.DnsLookupError, dnsErr.Error())
		}
		return nil, errs.NewRequest(url, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.NewRequest(url, fmt.Sprintf("unexpected status %s", resp.Status))
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, errs.NewRequest(url, err.Error())
	}
	if reply.Status != "success" && reply.Message != "" {
		return nil, errs.NewRequest(url, reply.Message)
	}
	return &reply, nil
}
