package openmeteo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/observability"
)

// DefaultBaseURL is the historical archive endpoint.
const DefaultBaseURL = "https://archive-api.open-meteo.com/v1/archive"

const (
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 5 * time.Second
)

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
	// ErrUnexpectedStatus is returned for non-retryable HTTP statuses.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// Archiver stores raw response bodies keyed by request URL.
type Archiver interface {
	Put(requestURL string, body []byte) (bool, error)
}

// Options configures the client. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	MaxDaysPerRequest int
	Concurrency       int
	RateLimit         float64 // requests per second shared by all chunk fetches
	MaxAttempts       int
}

// Client fetches hourly observations from the Open-Meteo archive API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	maxDays     int
	concurrency int
	maxAttempts int
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	newBackOff  func() backoff.BackOff
	archive     Archiver
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewClient creates an archive API client. archive may be nil.
func NewClient(opts Options, archive Archiver, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxDaysPerRequest <= 0 {
		opts.MaxDaysPerRequest = 92
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		baseURL:     opts.BaseURL,
		maxDays:     opts.MaxDaysPerRequest,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "openmeteo",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
		}),
		newBackOff: defaultBackOff,
		archive:    archive,
		logger:     logger,
		metrics:    metrics,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	return b
}

// Fetch returns a dense hourly grid over [start 00:00, end 23:00] UTC. Every
// declared variable is present in every row; values the API did not supply
// are invalid samples. The result is all-or-nothing: any chunk failure fails
// the whole fetch.
func (c *Client) Fetch(ctx context.Context, loc domain.Location, dr domain.DateRange) ([]domain.RawObservation, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if dr.Start.IsZero() || dr.End.Before(dr.Start) {
		return nil, fmt.Errorf("invalid date range %s", dr)
	}

	chunks := dr.Chunks(c.maxDays)
	results := make([][]domain.RawObservation, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ch := range chunks {
		g.Go(func() error {
			rows, err := c.fetchChunk(gctx, loc, ch)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.RawObservation, 0, dr.HourCount())
	for _, rows := range results {
		out = append(out, rows...)
	}
	c.logger.Info("fetched observations",
		"location", loc.String(),
		"range", dr.String(),
		"chunks", len(chunks),
		"rows", len(out),
	)
	return out, nil
}

func (c *Client) fetchChunk(ctx context.Context, loc domain.Location, ch domain.DateRange) ([]domain.RawObservation, error) {
	landParams := paramsFor(domain.Variables)
	land, err := c.fetchSeries(ctx, domain.FeedLand, loc.Latitude, loc.Longitude, ch, landParams)
	if err != nil {
		return nil, err
	}

	marine := land
	if loc.HasSeparateMarinePoint() {
		lat, lon := loc.MarinePoint()
		marine, err = c.fetchSeries(ctx, domain.FeedMarine, lat, lon, ch, paramsFor(domain.VariablesForFeed(domain.FeedMarine)))
		if err != nil {
			return nil, err
		}
	}

	hours := ch.Hours()
	rows := make([]domain.RawObservation, len(hours))
	for i, h := range hours {
		values := make(map[string]domain.Sample, len(domain.Variables))
		for _, v := range domain.Variables {
			s := land
			if v.Feed == domain.FeedMarine {
				s = marine
			}
			values[v.Name] = s.sample(v.Param, h)
		}
		rows[i] = domain.RawObservation{Time: h, Values: values}
	}
	return rows, nil
}

func (c *Client) fetchSeries(ctx context.Context, feed domain.Feed, lat, lon float64, ch domain.DateRange, params []string) (*series, error) {
	u := c.requestURL(lat, lon, ch, params)

	attempts := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempts++
		if attempts > 1 {
			c.metrics.SourceRequests.WithLabelValues(string(feed), "retry").Inc()
			c.logger.Warn("weather API request failed, retrying", "feed", feed, "range", ch.String(), "attempt", attempts)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return c.do(ctx, feed, u)
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(uint(c.maxAttempts)))
	if err != nil {
		c.metrics.SourceRequests.WithLabelValues(string(feed), "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch %s %s: %w", feed, ch, ctxErr)
		}
		return nil, &domain.SourceUnavailableError{Range: ch, Attempts: attempts, Err: err}
	}
	c.metrics.SourceRequests.WithLabelValues(string(feed), "success").Inc()

	if c.archive != nil {
		created, err := c.archive.Put(u, body)
		switch {
		case err != nil:
			c.logger.Warn("archive raw payload", "feed", feed, "range", ch.String(), "error", err)
		case created:
			c.metrics.SourceRequests.WithLabelValues(string(feed), "archived").Inc()
		}
	}

	return parseSeries(body, params)
}

type httpResult struct {
	status int
	body   []byte
}

// do performs one request through the circuit breaker. Transport errors,
// 429 and 5xx count against the breaker and are retried; other non-200
// statuses are permanent.
func (c *Client) do(ctx context.Context, feed domain.Feed, u string) ([]byte, error) {
	start := time.Now()
	defer func() {
		c.metrics.SourceRequestDuration.WithLabelValues(string(feed)).Observe(time.Since(start).Seconds())
	}()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request: %w", feed, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", feed, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return nil, backoff.RetryAfter(secs)
			}
			return nil, errRateLimited
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", errServerError, resp.StatusCode)
		}
		return &httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(fmt.Errorf("circuit breaker open: %w", err))
		}
		return nil, err
	}

	r, ok := res.(*httpResult)
	if !ok {
		return nil, backoff.Permanent(errors.New("unexpected result type from circuit breaker"))
	}
	if r.status != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, r.status, apiReason(r.body)))
	}
	return r.body, nil
}

// requestURL builds the canonical request URL; query keys are sorted so the
// same request always yields the same archive key.
func (c *Client) requestURL(lat, lon float64, ch domain.DateRange, params []string) string {
	q := url.Values{
		"latitude":   {strconv.FormatFloat(lat, 'f', 4, 64)},
		"longitude":  {strconv.FormatFloat(lon, 'f', 4, 64)},
		"start_date": {ch.Start.Format(domain.DateLayout)},
		"end_date":   {ch.End.Format(domain.DateLayout)},
		"hourly":     {strings.Join(params, ",")},
		"timezone":   {"UTC"},
	}
	return c.baseURL + "?" + q.Encode()
}

// paramsFor returns the distinct upstream parameters of vars in schema order.
func paramsFor(vars []domain.Variable) []string {
	seen := make(map[string]bool, len(vars))
	params := make([]string, 0, len(vars))
	for _, v := range vars {
		if !seen[v.Param] {
			seen[v.Param] = true
			params = append(params, v.Param)
		}
	}
	return params
}
