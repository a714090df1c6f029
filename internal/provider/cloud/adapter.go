// Package cloud implements the capability adapter for third-party fitness
// cloud accounts over their REST API.
//
// Cloud providers throttle aggressively, so every request passes a local
// rate limiter and a circuit breaker: the limiter keeps us under the
// documented quota, the breaker stops a flapping backend from eating the
// account's remaining quota with doomed requests.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
)

const (
	defaultPageSize  = 500
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 5 // requests per second
	defaultBurst     = 5

	// defaultRetryAfter is used when a 429 carries no Retry-After header.
	defaultRetryAfter = time.Minute

	sourceName = "cloud"
)

// Config holds the API endpoint and throttling knobs.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.fitcloud.example".
	BaseURL string

	// Token is the OAuth bearer token obtained by the host application's
	// consent flow.
	Token string

	// RateLimit is the request budget in requests per second.
	RateLimit float64

	// Burst is the limiter burst size.
	Burst int

	// PageSize is the number of samples requested per page.
	PageSize int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Adapter talks to one cloud provider; device IDs are account IDs.
type Adapter struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*http.Response]
	log     *slog.Logger
}

// New creates a cloud adapter. The limiter and breaker are shared across all
// accounts on this provider, matching how providers meter per-application.
func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "cloud-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cloud API circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker: breaker,
		log:     logger,
	}
}

// Kind returns [model.ProviderCloud].
func (a *Adapter) Kind() model.ProviderKind { return model.ProviderCloud }

// accountDoc is the provider's account resource.
type accountDoc struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Metrics []string `json:"metrics"`
}

// Connect verifies the token against the account resource and returns a
// session scoped to that account.
func (a *Adapter) Connect(ctx context.Context, device model.WearableDevice) (provider.Handle, error) {
	var doc accountDoc
	if err := a.getJSON(ctx, "/v1/accounts/"+url.PathEscape(device.ID), nil, &doc); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
				return nil, provider.NewConnectError(provider.Unauthorized, err)
			case se.code == http.StatusNotFound:
				return nil, provider.NewConnectError(provider.Unsupported,
					fmt.Errorf("account %q not found: %w", device.ID, err))
			}
		}
		return nil, provider.NewConnectError(provider.Unreachable, err)
	}

	caps := make([]model.SampleKind, 0, len(doc.Metrics))
	for _, m := range doc.Metrics {
		kind, ok := model.ParseSampleKind(m)
		if !ok {
			a.log.Debug("ignoring unknown cloud metric", "account", device.ID, "metric", m)
			continue
		}
		caps = append(caps, kind)
	}

	a.log.Info("cloud account session opened", "account", device.ID, "metrics", len(caps))
	return &session{adapter: a, accountID: device.ID, caps: caps}, nil
}

// session is one account's handle. The underlying HTTP client is stateless,
// so "disconnect" only invalidates the session object.
type session struct {
	adapter   *Adapter
	accountID string
	caps      []model.SampleKind
}

func (s *session) DiscoverCapabilities(context.Context) ([]model.SampleKind, error) {
	return s.caps, nil
}

func (s *session) PullMode() provider.PullMode { return provider.PullModeBatch }

// samplePage is one page of the samples listing.
type samplePage struct {
	Samples []struct {
		Type      string    `json:"type"`
		Value     float64   `json:"value"`
		Unit      string    `json:"unit"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"samples"`
	NextPageToken string `json:"next_page_token"`
}

// Pull walks the paginated samples listing from since onward.
func (s *session) Pull(ctx context.Context, since time.Time, emit provider.EmitFunc) error {
	a := s.adapter
	pageToken := ""
	for {
		query := url.Values{
			"since":     {since.UTC().Format(time.RFC3339)},
			"page_size": {strconv.Itoa(a.cfg.PageSize)},
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}

		var page samplePage
		path := "/v1/accounts/" + url.PathEscape(s.accountID) + "/samples"
		if err := a.getJSON(ctx, path, query, &page); err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code == http.StatusTooManyRequests {
				return &provider.RateLimitedError{RetryAfter: se.retryAfter, Err: err}
			}
			return fmt.Errorf("listing samples for account %q: %w", s.accountID, err)
		}

		for _, raw := range page.Samples {
			if err := emit(provider.RawSample{
				Kind:      raw.Type,
				Value:     raw.Value,
				Unit:      raw.Unit,
				Timestamp: raw.Timestamp,
				Source:    sourceName,
			}); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// BatteryLevel is never reported by cloud accounts.
func (s *session) BatteryLevel(context.Context) (int, bool) { return 0, false }

// Dropped returns nil: a stateless HTTP session cannot drop underneath us,
// failures surface as Pull errors.
func (s *session) Dropped() <-chan error { return nil }

func (s *session) Disconnect(context.Context) error { return nil }

// --- HTTP plumbing -----------------------------------------------------------

// statusError is a non-2xx response.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("cloud API returned %d: %s", e.code, e.body)
}

// getJSON performs a rate-limited, breaker-guarded GET and decodes the body.
func (a *Adapter) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for request budget: %w", err)
	}

	u := a.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.breaker.Execute(func() (*http.Response, error) {
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		// Only server-side failures count against the breaker; auth and
		// throttling responses mean the backend is healthy.
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, newStatusError(resp, nil)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("cloud API circuit open: %w", err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newStatusError(resp, resp.Body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func newStatusError(resp *http.Response, body io.Reader) *statusError {
	se := &statusError{code: resp.StatusCode, retryAfter: defaultRetryAfter}
	if body != nil {
		b, _ := io.ReadAll(io.LimitReader(body, 512))
		se.body = string(b)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}
