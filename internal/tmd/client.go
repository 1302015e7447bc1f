package tmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Client fetches the TMD station directory and current-weather feeds.
// Requests are retried with exponential backoff behind a circuit breaker;
// both feeds share the breaker since they sit behind the same host.
type Client struct {
	stationURL string
	weatherURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	backoff    Backoff
	log        *slog.Logger
}

type Backoff struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewClient(stationURL, weatherURL string, timeout time.Duration, log *slog.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tmd",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &Client{
		stationURL: stationURL,
		weatherURL: weatherURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    cb,
		backoff: Backoff{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		log: log,
	}
}

// FetchStations returns the raw station directory records.
func (c *Client) FetchStations(ctx context.Context) ([]map[string]any, error) {
	body, err := c.fetch(ctx, c.stationURL)
	if err != nil {
		return nil, fmt.Errorf("fetch stations: %w", err)
	}
	return c.records(body, "stations")
}

// FetchObservations returns the raw current-weather records.
func (c *Client) FetchObservations(ctx context.Context) ([]map[string]any, error) {
	body, err := c.fetch(ctx, c.weatherURL)
	if err != nil {
		return nil, fmt.Errorf("fetch observations: %w", err)
	}
	return c.records(body, "observations")
}

func (c *Client) fetch(ctx context.Context, reqURL string) ([]byte, error) {
	var attempt int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := c.breaker.Execute(func() (any, error) {
			return c.do(ctx, reqURL)
		})
		if err == nil {
			return result.([]byte), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
		if attempt >= c.backoff.MaxRetries {
			return nil, err
		}

		delay := c.backoff.InitialInterval << attempt
		if delay > c.backoff.MaxInterval {
			delay = c.backoff.MaxInterval
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

func (c *Client) do(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("TMD returned %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// records decodes a feed body and unwraps it to a plain record list. The feeds
// ship three shapes: a bare array, {"Station": [...]}, and
// {"Stations": {"Station": [...]}}. An unrecognized shape is treated as an
// empty batch rather than an error.
func (c *Client) records(body []byte, feed string) ([]map[string]any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", feed, err)
	}

	list, ok := unwrap(payload, 0)
	if !ok {
		c.log.Warn("unexpected payload shape, treating as empty", "feed", feed)
		return nil, nil
	}

	records := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			c.log.Warn("skipping non-object record", "feed", feed)
			continue
		}
		records = append(records, m)
	}
	return records, nil
}

// unwrap walks the named wrapper fields until it reaches an array.
func unwrap(v any, depth int) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	if depth >= 2 {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, key := range []string{"Station", "Stations"} {
		if inner, ok := m[key]; ok {
			if list, ok := unwrap(inner, depth+1); ok {
				return list, true
			}
		}
	}
	return nil, false
}
