// Package geocoding resolves place names to coordinates with the Open-Meteo
// geocoding API.
package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// DefaultBaseURL is the place search endpoint.
const DefaultBaseURL = "https://geocoding-api.open-meteo.com/v1/search"

// ErrPlaceNotFound is returned when the search has no match.
var ErrPlaceNotFound = errors.New("place not found")

// Resolver turns a place name into a site.
type Resolver interface {
	Resolve(ctx context.Context, name string) (domain.Location, error)
}

// Client implements Resolver against the Open-Meteo geocoding API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a geocoding client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		logger:  logger,
	}
}

// Resolve returns the best match for name. The location keeps the query as
// its name so runs are labelled the way the operator asked for them.
func (c *Client) Resolve(ctx context.Context, name string) (domain.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Location{}, errors.New("empty place name")
	}

	params := url.Values{
		"name":     {name},
		"count":    {"1"},
		"language": {"en"},
		"format":   {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return domain.Location{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Location{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Location{}, fmt.Errorf("geocoding API error: status %d: %s", resp.StatusCode, body)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return domain.Location{}, fmt.Errorf("decode response: %w", err)
	}
	if len(sr.Results) == 0 {
		return domain.Location{}, fmt.Errorf("%w: %q", ErrPlaceNotFound, name)
	}

	r := sr.Results[0]
	loc := domain.Location{Name: name, Latitude: r.Latitude, Longitude: r.Longitude}
	if err := loc.Validate(); err != nil {
		return domain.Location{}, fmt.Errorf("geocoded %q: %w", name, err)
	}
	c.logger.Info("resolved place",
		"query", name,
		"match", r.label(),
		"latitude", r.Latitude,
		"longitude", r.Longitude,
	)
	return loc, nil
}

// Geocoding API response types.

type searchResponse struct {
	Results []result `json:"results"`
}

type result struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Admin1    string  `json:"admin1"`
	Country   string  `json:"country"`
}

func (r result) label() string {
	parts := []string{r.Name}
	for _, p := range []string{r.Admin1, r.Country} {
		if p != "" && p != r.Name {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
