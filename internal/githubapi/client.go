package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const UserAgent = "isca-webhook-registrar"

// Client issues token-authenticated JSON requests against the hosting API.
type Client struct {
	rc *resty.Client
}

// ClientFunc customizes a Client.
type ClientFunc func(*Client)

// WithTimeout bounds every request, including connection setup.
func WithTimeout(d time.Duration) ClientFunc {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

// WithLogger routes resty's internal warnings to logger.
func WithLogger(logger *slog.Logger) ClientFunc {
	return func(c *Client) { c.rc.SetLogger(restyLogger{logger}) }
}

// New builds a client. The default timeout is 30s.
func New(cfs ...ClientFunc) *Client {
	r := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", UserAgent)

	c := &Client{rc: r}
	for _, cf := range cfs {
		cf(c)
	}
	return c
}

// Post serializes payload as JSON and posts it. A 2xx body is decoded into out
// when out is non-nil.
func (c *Client) Post(ctx context.Context, url string, payload any, token string, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.do(ctx, resty.MethodPost, url, token, data, out)
}

// Get fetches url and decodes a 2xx body into out.
func (c *Client) Get(ctx context.Context, url string, token string, out any) error {
	return c.do(ctx, resty.MethodGet, url, token, nil, out)
}

// Delete removes the resource at url.
func (c *Client) Delete(ctx context.Context, url string, token string) error {
	return c.do(ctx, resty.MethodDelete, url, token, nil, nil)
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte, out any) error {
	req := c.rc.R().
		SetContext(ctx).
		SetHeader("Authorization", "token "+token)
	if body != nil {
		// net/http derives Content-Length from the byte body.
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	res, err := req.Execute(method, url)
	if err != nil {
		return &TransportError{Method: method, URL: url, Err: err}
	}

	if !res.IsSuccess() {
		return newAPIError(res.StatusCode(), res.Body())
	}

	if out == nil || len(res.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body(), out); err != nil {
		return &APIError{StatusCode: res.StatusCode(), Message: fmt.Sprintf("invalid JSON response: %v", err)}
	}
	return nil
}

type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) { l.logger.Error(fmt.Sprintf(format, v...)) }
func (l restyLogger) Warnf(format string, v ...any)  { l.logger.Warn(fmt.Sprintf(format, v...)) }
func (l restyLogger) Debugf(format string, v ...any) { l.logger.Debug(fmt.Sprintf(format, v...)) }
