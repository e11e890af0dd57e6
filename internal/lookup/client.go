package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/openapigw/internal/config"
	"github.com/vyrodovalexey/openapigw/internal/observability"
	"github.com/vyrodovalexey/openapigw/internal/util"
)

const (
	maxResponseBytes  = 4 << 20
	envelopeCodeOK    = 200
	envelopeCodeEmpty = 404
)

// ClientConfig holds the transport and resilience settings shared by the
// remote clients.
type ClientConfig struct {
	Timeout          time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// ClientConfigFrom converts the remote section of the gateway config.
func ClientConfigFrom(cfg config.RemoteConfig) ClientConfig {
	return ClientConfig{
		Timeout:          cfg.Timeout.OrDefault(3 * time.Second),
		RetryAttempts:    cfg.RetryAttempts,
		RetryDelay:       cfg.RetryDelay.Duration(),
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout.OrDefault(30 * time.Second),
	}
}

// Option configures a remote client.
type Option func(*client)

// WithLogger sets the client logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for remote calls.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *client) {
		c.metrics = metrics
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// envelope is the platform response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// clientError is a 4xx response or an error envelope. It is not retried
// and does not trip the breaker.
type clientError struct {
	status  int
	code    int
	message string
}

func (e *clientError) Error() string {
	if e.code != 0 {
		return fmt.Sprintf("remote error: code %d: %s", e.code, e.message)
	}
	return fmt.Sprintf("remote error: status %d", e.status)
}

// client is the shared JSON-over-HTTP transport of one remote service.
type client struct {
	service string
	baseURL string
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  observability.Logger
	metrics *observability.Metrics
}

func newClient(service, baseURL string, cfg ClientConfig, opts ...Option) *client {
	c := &client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	c.logger = c.logger.With(observability.String("service", service))
	c.breaker = newBreaker(service, cfg.BreakerThreshold, cfg.BreakerTimeout, c.logger, c.metrics)
	return c
}

// get fetches path and returns the envelope data, or nil when the entity
// is absent. Identical concurrent calls share one request.
func (c *client) get(ctx context.Context, op, path string, query url.Values) (json.RawMessage, error) {
	target := c.url(path, query)
	v, err, shared := c.group.Do(target, func() (interface{}, error) {
		return c.call(ctx, op, http.MethodGet, target, nil)
	})
	if shared {
		c.logger.Debug("remote lookup shared", observability.String("operation", op))
	}
	if err != nil {
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

// post sends body as JSON and returns the envelope data.
func (c *client) post(ctx context.Context, op, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	return c.call(ctx, op, http.MethodPost, c.url(path, nil), payload)
}

// getInto decodes the envelope data of a GET into out and reports whether
// the entity exists.
func (c *client) getInto(ctx context.Context, op, path string, query url.Values, out any) (bool, error) {
	raw, err := c.get(ctx, op, path, query)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return true, nil
}

func (c *client) url(path string, query url.Values) string {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (c *client) call(ctx context.Context, op, method, target string, payload []byte) (raw json.RawMessage, err error) {
	ctx, span := observability.StartSpan(ctx, "lookup."+c.service+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lookup.service", c.service),
			attribute.String("http.method", method),
		),
	)
	start := time.Now()
	defer func() {
		c.metrics.RecordRemoteCall(c.service, op, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.logger.Debug("remote lookup completed",
			observability.String("operation", op),
			observability.Duration("duration", time.Since(start)),
			observability.Bool("found", raw != nil),
		)
	}()

	raw, err = retry.NewWithData[json.RawMessage](c.retryOptions(ctx, op)...).Do(func() (json.RawMessage, error) {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, method, target, payload)
		})
		if err != nil {
			var ce *clientError
			if isBreakerRejection(err) || errors.As(err, &ce) {
				return nil, retry.Unrecoverable(err)
			}
			return nil, err
		}
		data, _ := v.(json.RawMessage)
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.service, op, err)
	}
	return raw, nil
}

func (c *client) retryOptions(ctx context.Context, op string) []retry.Option {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)), //nolint:gosec // positive, checked above
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying remote lookup",
				observability.String("operation", op),
				observability.Int("attempt", int(n)+1), //nolint:gosec // small attempt count
				observability.Error(err),
			)
		}),
	}
	if c.cfg.RetryDelay > 0 {
		opts = append(opts,
			retry.Delay(c.cfg.RetryDelay),
			retry.MaxJitter(c.cfg.RetryDelay),
			retry.MaxDelay(10*c.cfg.RetryDelay),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.Delay(0), retry.DelayType(retry.FixedDelay))
	}
	return opts
}

// roundTrip performs one HTTP exchange. It returns nil data for absent
// entities, *clientError for 4xx, and util.ServerError for 5xx.
func (c *client) roundTrip(ctx context.Context, method, target string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set(util.HeaderContentType, util.ContentTypeJSON)
	}
	if rid := observability.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set(util.HeaderRequestID, rid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, util.NewServerError(resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, &clientError{status: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &clientError{status: resp.StatusCode, message: "malformed envelope: " + err.Error()}
	}
	switch env.Code {
	case envelopeCodeOK, 0:
	case envelopeCodeEmpty:
		return nil, nil
	default:
		return nil, &clientError{status: resp.StatusCode, code: env.Code, message: env.Message}
	}

	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, nil
	}
	return env.Data, nil
}

// notFound builds the error returned for absent entities.
func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), util.ErrNotFound)
}
