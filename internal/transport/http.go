package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// Request describes one HTTP call. Body is sent as-is when it is []byte,
// otherwise it is encoded as JSON.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   any
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// IsJSON reports whether the response declared a JSON content type.
func (r *Response) IsJSON() bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Value returns the decoded JSON document when the response is JSON and the
// raw body otherwise.
func (r *Response) Value() (any, error) {
	if !r.IsJSON() {
		return r.Body, nil
	}
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// HTTPError is returned for any response outside 2xx.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, body)
}

// IsStatus reports whether err is an HTTPError with one of codes.
func IsStatus(err error, codes ...int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	for _, code := range codes {
		if httpErr.Status == code {
			return true
		}
	}
	return false
}

type HTTPOption func(*HTTPClient)

// WithTimeout bounds every request made through the client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// WithInsecureTLS skips certificate verification, for self-signed cluster APIs.
func WithInsecureTLS() HTTPOption {
	return func(c *HTTPClient) {
		c.http.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithoutRedirects returns redirect responses as they are.
func WithoutRedirects() HTTPOption {
	return func(c *HTTPClient) {
		c.http.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

type HTTPClient struct {
	http *http.Client
}

func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send performs the request and returns whatever status came back. Only
// transport level failures are errors.
func (c *HTTPClient) Send(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	isJSON := false
	switch b := r.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		isJSON = true
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, r.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Do is Send plus an HTTPError for non-2xx responses.
func (c *HTTPClient) Do(ctx context.Context, r Request) (*Response, error) {
	resp, err := c.Send(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		method := r.Method
		if method == "" {
			method = http.MethodGet
		}
		return resp, &HTTPError{Method: method, URL: r.URL, Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}

// DoJSON performs the request and decodes a 2xx body into out when out is
// non-nil and the body is not empty.
func (c *HTTPClient) DoJSON(ctx context.Context, r Request, out any) error {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// BearerHeader builds an Authorization header map.
func BearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
