// Package clients implements the external service ports over HTTP. Every
// client sends JSON through resty and runs its calls through a circuit
// breaker.
package clients

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kostush/purchase-gateway-sub010/breaker"
)

// Endpoint locates one external service.
type Endpoint struct {
	BaseURL string
	Timeout time.Duration
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("clients: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// service is the shared plumbing of every client.
type service struct {
	http    *resty.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

func newService(name string, ep Endpoint, bs breaker.Settings, logger *slog.Logger) service {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bs.Name = name
	return service{
		http: resty.New().
			SetBaseURL(ep.BaseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		breaker: breaker.New(bs, logger),
		logger:  logger,
	}
}

type call struct {
	method string
	path   string
	params map[string]string
	query  map[string]string
	body   any
}

// send performs one request and decodes a JSON answer into T.
func send[T any](ctx context.Context, c *resty.Client, in call) (T, error) {
	var out T
	req := c.R().
		SetContext(ctx).
		SetPathParams(in.params).
		SetQueryParams(in.query).
		SetResult(&out)
	if in.body != nil {
		req.SetBody(in.body)
	}
	resp, err := req.Execute(in.method, in.path)
	if err != nil {
		return out, fmt.Errorf("clients: %s %s: %w", in.method, in.path, err)
	}
	if resp.IsError() {
		return out, &StatusError{Method: in.method, Path: in.path, Status: resp.StatusCode(), Body: resp.String()}
	}
	return out, nil
}

// guarded runs send through the client's breaker and propagates failures.
func guarded[T any](ctx context.Context, s service, in call) (T, error) {
	return breaker.Do(ctx, s.breaker, func(ctx context.Context) (T, error) {
		return send[T](ctx, s.http, in)
	})
}
