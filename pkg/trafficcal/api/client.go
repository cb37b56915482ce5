package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/config"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches base forecasts from a remote forecasting service
type Client struct {
	config      config.RemoteConfig
	httpClient  HTTPClient
	rateLimiter *time.Ticker
}

// ForecastResponse is the body returned by GET /forecast
type ForecastResponse struct {
	RawForecast    float64 `json:"rawForecast"`
	SignalStrength float64 `json:"signalStrength"`
	Samples        int     `json:"samples"`
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// permanentError marks responses that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NewClient creates a new API client
func NewClient(cfg config.RemoteConfig, opts ...ClientOption) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	client := &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: time.NewTicker(time.Second / time.Duration(cfg.RateLimit)),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// BaseForecast fetches the base forecast for a property with retries. A 404
// means the service has no history for the property and is not retried.
func (c *Client) BaseForecast(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error) {
	if propertyID == "" {
		return nil, fmt.Errorf("%w: property id cannot be empty", common.ErrInvalidInput)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-c.rateLimiter.C:
			data, err := c.doRequest(ctx, propertyID, bucket)
			if err == nil {
				return data, nil
			}
			var perm *permanentError
			if errors.As(err, &perm) {
				return nil, perm.err
			}
			lastErr = err
			if attempt == c.config.MaxRetries {
				break
			}
			klog.V(2).InfoS("Forecast API request failed, retrying",
				"propertyID", propertyID,
				"attempt", attempt+1,
				"maxRetries", c.config.MaxRetries,
				"error", err)

			timer := time.NewTimer(c.getBackoffDuration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}
	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error) {
	query := url.Values{}
	query.Set("property", propertyID)
	query.Set("week", strconv.Itoa(bucket.Week))
	query.Set("year", strconv.Itoa(bucket.Year))
	endpoint := strings.TrimSuffix(c.config.URL, "/") + "/forecast?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}

	klog.V(4).InfoS("Making forecast API request",
		"url", req.URL.String(),
		"hasApiKey", c.config.APIKey != "")

	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &permanentError{fmt.Errorf("property %s not known to forecast service: %w",
			propertyID, common.ErrNoHistoricalData)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &permanentError{fmt.Errorf("forecast service rejected credentials (status %d)", resp.StatusCode)}
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limit exceeded")
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var data ForecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if data.RawForecast < 0 {
		return nil, &permanentError{fmt.Errorf("invalid raw forecast value: %f", data.RawForecast)}
	}
	if data.SignalStrength < 0 || data.SignalStrength > 1 {
		return nil, &permanentError{fmt.Errorf("invalid signal strength: %f", data.SignalStrength)}
	}

	return &types.BaseForecast{
		RawForecast:    data.RawForecast,
		SignalStrength: data.SignalStrength,
		Source:         common.SourceRemote,
		Samples:        data.Samples,
	}, nil
}

func (c *Client) getBackoffDuration(attempt int) time.Duration {
	// Exponential backoff with jitter
	backoff := c.config.RetryDelay * time.Duration(1<<uint(attempt))
	maxBackoff := 1 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	// ±20%
	return time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
}

// GetURL returns the base URL used for API requests
func (c *Client) GetURL() string {
	return c.config.URL
}

// Close cleans up client resources
func (c *Client) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
}
