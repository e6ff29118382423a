package region

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultGeoIPURL is a public IP geolocation endpoint returning JSON with a country code.
const DefaultGeoIPURL = "https://ipapi.co/json/"

// DefaultGeoIPTimeout bounds the geolocation lookup.
const DefaultGeoIPTimeout = 3 * time.Second

// GeoLocator reports the caller's country from its IP address.
type GeoLocator interface {
	Country(ctx context.Context) (string, error)
}

// HTTPGeoLocator queries a JSON geolocation endpoint.
type HTTPGeoLocator struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPGeoLocator returns a locator for url; empty values take the defaults.
func NewHTTPGeoLocator(url string, timeout time.Duration) *HTTPGeoLocator {
	if url == "" {
		url = DefaultGeoIPURL
	}
	if timeout <= 0 {
		timeout = DefaultGeoIPTimeout
	}
	return &HTTPGeoLocator{URL: url, Timeout: timeout, Client: http.DefaultClient}
}

// countryPaths covers the field names used by common providers.
var countryPaths = []string{"country_code", "countryCode", "country"}

func (g *HTTPGeoLocator) Country(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geolocation lookup: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("geolocation lookup: invalid JSON")
	}
	for _, p := range countryPaths {
		if v := gjson.GetBytes(body, p); v.Type == gjson.String && len(v.Str) == 2 {
			return v.Str, nil
		}
	}
	return "", fmt.Errorf("geolocation lookup: no country code in response")
}
