// Package tracker is a client of the MLflow tracking REST API.
//
// It covers what the pipelines need: experiments, runs and their params and
// metrics, artifact upload through the tracking server's artifact proxy, and
// the model registry.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// MLflow error codes the client reacts to.
const (
	codeNotFound      = "RESOURCE_DOES_NOT_EXIST"
	codeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

var (
	// ErrNotFound matches API errors with code RESOURCE_DOES_NOT_EXIST.
	ErrNotFound = errors.New("resource does not exist")

	// ErrAlreadyExists matches API errors with code RESOURCE_ALREADY_EXISTS.
	ErrAlreadyExists = errors.New("resource already exists")
)

// APIError is an error answered by the tracking server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow: %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// Is lets errors.Is match an APIError against ErrNotFound and ErrAlreadyExists.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == codeNotFound
	case ErrAlreadyExists:
		return e.Code == codeAlreadyExists
	}

	return false
}

// Client talks to one MLflow tracking server. It is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	username   string
	password   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps the request rate. The default is 20 requests per second
// with bursts of 20.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithBasicAuth authenticates requests, for servers started with
// --app-name basic-auth.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// New returns a client of the tracking server at trackingURI, e.g.
// "http://mlflow:5000".
func New(trackingURI string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(trackingURI, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse tracking URI %q", trackingURI)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("tracking URI %q must be http(s)", trackingURI)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(20, 20),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

//////
// Requests.
//////

type reqConfig struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	RawBody     io.Reader
	ContentType string
}

// request sends one API call and decodes the JSON answer into T. Non-2xx
// answers become *APIError.
func request[T any](ctx context.Context, c *Client, config reqConfig) (*T, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "mlflow rate limit")
	}

	body := config.RawBody
	contentType := config.ContentType

	if config.Body != nil {
		encoded, err := json.Marshal(config.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s request", config.Path)
		}

		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	u := c.baseURL.JoinPath(config.Path)
	u.RawQuery = config.Query.Encode()

	req, err := http.NewRequestWithContext(ctx, config.Method, u.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request", config.Path)
	}

	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	klog.V(2).Infof("mlflow %s %s (request %s)", config.Method, config.Path, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", config.Method, config.Path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", config.Path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(payload, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(payload))
		}

		return nil, errors.Wrapf(apiErr, "%s %s", config.Method, config.Path)
	}

	var t T
	if len(bytes.TrimSpace(payload)) == 0 {
		return &t, nil
	}

	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", config.Path)
	}

	return &t, nil
}

// empty decodes answers whose content is ignored.
type empty struct{}

func post[T any](ctx context.Context, c *Client, path string, body any) (*T, error) {
	return request[T](ctx, c, reqConfig{Method: http.MethodPost, Path: path, Body: body})
}

func get[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	return request[T](ctx, c, reqConfig{Method: http.MethodGet, Path: path, Query: query})
}

// millis converts t to the epoch milliseconds MLflow uses for timestamps.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}
