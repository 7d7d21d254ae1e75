// Package client provides the upstream HTTP client for the face analysis API.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"faceapi-proxy-go/internal/config"
	"faceapi-proxy-go/internal/metrics"
	"faceapi-proxy-go/internal/model"
)

const userAgent = "faceapi-proxy-go/1.0"

// ErrResponseTooLarge is returned when the upstream body exceeds upstream.max_response_bytes.
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

// FaceAPIClient sends requests to the upstream face analysis API.
//
// Certificate verification is controlled by the tls.Config of this client's
// own transport; http.DefaultTransport and every other client are untouched.
type FaceAPIClient struct {
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *metrics.Metrics
	timeout          time.Duration
	maxResponseBytes int64
}

// NewFaceAPIClient creates a FaceAPIClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFaceAPIClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *FaceAPIClient {
	insecure := cfg.Upstream.SkipTLSVerify()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// The upstream's certificate does not match its hostname.
			InsecureSkipVerify: insecure, //nolint:gosec // scoped to this transport, see upstream.insecure_skip_verify
		},
	}

	l := logger.With("component", "faceapi_client")
	if insecure {
		l.Warn("upstream TLS certificate verification disabled")
	}

	return &FaceAPIClient{
		httpClient:       &http.Client{Transport: transport},
		logger:           l,
		metrics:          m,
		timeout:          time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		maxResponseBytes: cfg.Upstream.MaxResponseBytes,
	}
}

// Do executes an HTTP request against the upstream and reads the whole
// response body, bounded by the configured size limit.
func (c *FaceAPIClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := c.readBody(resp.Body)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	if err != nil {
		return nil, err
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Post sends body to url with the given content type. The call, including
// reading the response, is bounded by upstream.timeout_seconds and by ctx:
// when the inbound client disconnects, the upstream request is canceled too.
func (c *FaceAPIClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*model.UpstreamResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	return c.Do(req)
}

func (c *FaceAPIClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxResponseBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, c.maxResponseBytes)
	}
	return body, nil
}
