package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/airstrike/airstrike/internal/config"
	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/http"
	"github.com/airstrike/airstrike/internal/logging"
	"github.com/airstrike/airstrike/internal/models"
)

// Job API endpoints, relative to the base URL.
const (
	PathStart  = "/api/jobs/start"
	PathStop   = "/api/jobs/stop"
	PathStatus = "/api/jobs/status"
	PathLog    = "/api/jobs/log"
	PathEvents = "/api/jobs/events"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// retryLogger implements the retryablehttp.LeveledLogger interface on top of zerolog
type retryLogger struct {
	logger *logging.Logger
}

// Error is logged at debug level: a failed request comes back as an
// *Error and the caller decides whether the operator sees it.
func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings, not all info
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Client is the remote job client. It performs no retries of its own unless
// request_retries is configured; retry cadence belongs to the reconciler.
type Client struct {
	httpClient *nethttp.Client
	baseURL    string
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewClient creates a new job API client
func NewClient(cfg *config.Config, logger *logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Component("api")

	httpClient, err := http.NewAPIClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = cfg.RequestRetries
	retryClient.RetryWaitMin = constants.PushReconnectInitialDelay
	retryClient.RetryWaitMax = constants.PushReconnectMaxDelay
	retryClient.Logger = &retryLogger{logger: logger}
	// Hand the last response back instead of a synthetic "giving up" error,
	// so status classification stays in one place
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}

	perSecond := cfg.RateLimitPerSecond
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}

	apiKey, _ := cfg.ResolveAPIKeySource("")

	return &Client{
		httpClient: retryClient.StandardClient(),
		baseURL:    strings.TrimSuffix(cfg.APIBaseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		limiter:    rate.NewLimiter(limit, constants.DefaultRateLimitBurst),
		logger:     logger,
	}, nil
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Start submits a new job and returns the server-assigned identifier.
func (c *Client) Start(ctx context.Context, target models.Target, kind models.Kind, params map[string]any) (string, error) {
	req := models.StartRequest{Target: target, Kind: kind, Config: params}

	var resp models.StartResponse
	if err := c.doRequest(ctx, "start", "", nethttp.MethodPost, PathStart, req, &resp); err != nil {
		return "", err
	}

	id := resp.ID()
	if id == "" {
		return "", newTransport("start", "", nethttp.StatusOK, nil, "response carried no job identifier")
	}

	c.logger.Info().Str("job_id", id).Str("kind", string(kind)).Str("target", target.Key()).Msg("Job accepted")
	return id, nil
}

// Stop asks the server to stop a job.
func (c *Client) Stop(ctx context.Context, jobID string) error {
	return c.doRequest(ctx, "stop", jobID, nethttp.MethodPost, PathStop, models.StopRequest{JobID: jobID}, nil)
}

// Status fetches the job's run state and progress.
func (c *Client) Status(ctx context.Context, jobID string) (*models.JobStatus, error) {
	var resp models.StatusResponse
	if err := c.doRequest(ctx, "status", jobID, nethttp.MethodGet, PathStatus+"?jobId="+url.QueryEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}

	// Legacy servers nest the payload under "data"
	if resp.State() == "" && len(resp.Data) > 0 {
		var inner models.StatusResponse
		if err := json.Unmarshal(resp.Data, &inner); err != nil {
			return nil, newTransport("status", jobID, nethttp.StatusOK, err, "undecodable status payload")
		}
		resp = inner
	}

	state, err := models.ParseServerStatus(resp.State())
	if err != nil {
		return nil, newTransport("status", jobID, nethttp.StatusOK, err, "malformed status %q", resp.State())
	}

	return &models.JobStatus{
		RunState: state,
		Progress: models.ClampProgress(resp.Progress),
		Raw:      resp.State(),
	}, nil
}

// FetchLog fetches the job's full log.
func (c *Client) FetchLog(ctx context.Context, jobID string) ([]string, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, "log", jobID, nethttp.MethodGet, PathLog+"?jobId="+url.QueryEscape(jobID), nil, &raw); err != nil {
		return nil, err
	}

	// Older servers answer with a bare array
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []string
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, newTransport("log", jobID, nethttp.StatusOK, err, "undecodable log payload")
		}
		return nonNil(entries), nil
	}

	var resp models.LogResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, newTransport("log", jobID, nethttp.StatusOK, err, "undecodable log payload")
	}
	return nonNil(resp.Lines()), nil
}

func nonNil(entries []string) []string {
	if entries == nil {
		return []string{}
	}
	return entries
}

// doRequest performs an authenticated, rate-limited request and normalizes
// every failure into an *Error. out may be nil.
func (c *Client) doRequest(ctx context.Context, op, jobID, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return newTransport(op, jobID, 0, err, "rate limiter cancelled")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return newTransport(op, jobID, 0, err, "failed to marshal request body")
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return newTransport(op, jobID, 0, err, "failed to create request")
	}

	requestID := uuid.NewString()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Str("job_id", jobID).Str("request_id", requestID).Msg("API call failed")
		return newTransport(op, jobID, 0, err, "")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return newTransport(op, jobID, resp.StatusCode, err, "failed to read response")
	}

	if resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode >= 500 {
		if resp.StatusCode == nethttp.StatusTooManyRequests {
			c.logger.Warn().Str("op", op).Str("retry_after", resp.Header.Get("Retry-After")).Msg("Throttled by job API")
		}
		return newTransport(op, jobID, resp.StatusCode, nil, "%s", nethttp.StatusText(resp.StatusCode))
	}

	var payload models.ErrorResponse
	decodeErr := json.Unmarshal(data, &payload)

	if resp.StatusCode >= 400 {
		msg := nethttp.StatusText(resp.StatusCode)
		if decodeErr == nil {
			msg = firstNonEmpty(payload.Error, payload.Message, msg)
		}
		return newRejected(op, jobID, resp.StatusCode, msg)
	}

	if decodeErr == nil && payload.Rejected() {
		return newRejected(op, jobID, resp.StatusCode, firstNonEmpty(payload.Error, payload.Message))
	}

	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return newTransport(op, jobID, resp.StatusCode, io.ErrUnexpectedEOF, "empty response body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return newTransport(op, jobID, resp.StatusCode, err, "undecodable response body")
		}
		return newTransport(op, jobID, resp.StatusCode, err, "unexpected response shape")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
