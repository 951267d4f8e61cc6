package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
	"github.com/nm-morais/waterme/pkg/logs"
	"github.com/nm-morais/waterme/pkg/message"
	"github.com/nm-morais/waterme/pkg/stream"
	"github.com/sirupsen/logrus"
)

const (
	httpClientCaller = "HTTPTelemetryClient"

	DefaultHTTPTimeout = 60 * time.Millisecond
)

// HTTPClient reads the sensor over its plain-text HTTP endpoints. There is
// no reset endpoint, so failures are only counted.
type HTTPClient struct {
	base   url.URL
	client *http.Client

	mu       sync.Mutex
	failures int
	logger   *logrus.Logger
}

// NewHTTPClient builds a client for host:port. If client is nil, one with
// DefaultHTTPTimeout is used.
func NewHTTPClient(host string, port uint16, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &HTTPClient{
		base: url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(host, strconv.Itoa(int(port))),
		},
		client: client,
		logger: logs.NewLogger(httpClientCaller),
	}
}

func (h *HTTPClient) get(ctx context.Context, path string) (string, error) {
	u := h.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, message.MaxDatagramSize))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", errors.NonFatalError(errors.CodeTransport, fmt.Sprintf("unexpected status code %d", res.StatusCode), httpClientCaller)
	}
	return strings.TrimSpace(string(body)), nil
}

func (h *HTTPClient) GetValues(ctx context.Context) Result {
	start := time.Now()
	body, err := h.get(ctx, "/moisture-temperature")
	if err != nil {
		status := Failed
		if stream.IsTimeout(err) {
			status = TimedOut
		}
		return h.fail(Result{Status: status, Err: err})
	}
	reading, decodeErr := message.ParseReading(body)
	if decodeErr != nil {
		return h.fail(Result{Status: Failed, Err: decodeErr})
	}
	h.mu.Lock()
	h.failures = 0
	h.mu.Unlock()
	return Result{Status: OK, Reading: reading, Latency: time.Since(start)}
}

func (h *HTTPClient) fail(res Result) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	res.Failures = h.failures
	h.logger.Debugf("Request %s (%d in a row): %v", res.Status, h.failures, res.Err)
	return res
}

func (h *HTTPClient) Moisture(ctx context.Context) (int, error) {
	return h.getInt(ctx, "/moisture")
}

func (h *HTTPClient) Temperature(ctx context.Context) (int, error) {
	return h.getInt(ctx, "/temperature")
}

func (h *HTTPClient) getInt(ctx context.Context, path string) (int, error) {
	body, err := h.get(ctx, path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(body)
	if err != nil {
		return 0, errors.TemporaryError(errors.CodeDecode, fmt.Sprintf("bad value %q from %s", body, path), httpClientCaller)
	}
	return v, nil
}

func (h *HTTPClient) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}
