package ml

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/setv/ultrascan/server/cache"
	"github.com/setv/ultrascan/server/models"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig
	cache      cache.Cache
}

type ClientConfig struct {
	// Timeout bounds one frame: connecting, retries and reading the stream.
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	CacheTTL            time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             60 * time.Second,
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		CacheTTL:            10 * time.Minute,
	}
}

type ClassifyRequest struct {
	Frames []string `json:"frames"`
}

// StatusError is returned when the classifier answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ML service error (status %d): %s", e.StatusCode, e.Body)
}

// NewClient creates a classifier client. cache may be nil.
func NewClient(baseURL string, config *ClientConfig, c cache.Cache, logger *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid ML base URL: %w", err)
	}
	if config == nil {
		config = DefaultClientConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
		config:  config,
		cache:   c,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}, nil
}

// Classify posts one PNG frame to the workflow endpoint and calls fn for
// every successful event of the response stream, in arrival order. Events
// that are unsuccessful or malformed never reach fn.
func (c *Client) Classify(ctx context.Context, workflow string, frame []byte, fn func(models.ClassifierResult)) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	cacheKey := c.cacheKey(workflow, frame)
	if c.cache != nil {
		var cached []models.ClassifierResult
		if err := c.cache.Get(ctx, cacheKey, &cached); err == nil {
			c.logger.Debug("Cache hit for frame", zap.String("workflow", workflow))
			for _, result := range cached {
				fn(result)
			}
			return nil
		}
	}

	requestData, err := json.Marshal(&ClassifyRequest{
		Frames: []string{"data:image/png;base64," + base64.StdEncoding.EncodeToString(frame)},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	response, err := c.openStream(ctx, workflow, requestData)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	var results []models.ClassifierResult
	skipped, err := DecodeStream(response.Body, c.logger, func(result models.ClassifierResult) {
		results = append(results, result)
		fn(result)
	})
	if err != nil {
		return fmt.Errorf("failed to read classifier stream: %w", err)
	}

	if skipped > 0 {
		c.logger.Debug("Skipped classifier events",
			zap.String("workflow", workflow),
			zap.Int("skipped", skipped))
	}

	if c.cache != nil {
		if err := c.cache.SetWithTTL(ctx, cacheKey, results, c.config.CacheTTL); err != nil {
			c.logger.Warn("Failed to cache classifier result", zap.Error(err))
		}
	}

	return nil
}

// openStream retries until the classifier accepts the request. Once the
// response body is handed back nothing is retried.
func (c *Client) openStream(ctx context.Context, workflow string, body []byte) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(workflow))

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying ML classification request",
				zap.Int("attempt", attempt),
				zap.String("workflow", workflow),
				zap.Error(lastErr))

			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("ML classification cancelled: %w", ctx.Err())
			}
		}

		response, err := c.post(ctx, endpoint, body)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !retryable(ctx, err) {
			break
		}
	}

	return nil, fmt.Errorf("ML classification failed: %w", lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("User-Agent", "ultrascan-backend/1.0")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		response.Body.Close()
		return nil, &StatusError{StatusCode: response.StatusCode, Body: string(bodyBytes)}
	}

	return response, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (c *Client) cacheKey(workflow string, frame []byte) string {
	sum := sha256.Sum256(frame)
	return cache.GenerateCacheKey("classify", workflow, hex.EncodeToString(sum[:]))
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("ML service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

// StartHealthChecker logs the classifier health until ctx is done.
func (c *Client) StartHealthChecker(ctx context.Context) {
	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("ML service not available at startup", zap.Error(err))
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("ML service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("ML service health check passed")
			}
		case <-ctx.Done():
			return
		}
	}
}
