package poll

import (
	"context"
	"fmt"

	"github.com/gitopslab/e2e/internal/transport"
)

// HTTPCheck probes base+Path and accepts the statuses Accept allows.
type HTTPCheck struct {
	Method string
	Path   string
	Header map[string]string
	Body   any
	Accept func(status int) bool
}

// Candidate turns the check into a probe over candidate base URLs.
func (h HTTPCheck) Candidate(client *transport.HTTPClient) CandidateProbe[*transport.Response] {
	return func(ctx context.Context, base string) (*transport.Response, error) {
		return h.probe(ctx, client, base+h.Path)
	}
}

// URL turns the check into a probe of one absolute URL.
func (h HTTPCheck) URL(client *transport.HTTPClient, url string) Probe[*transport.Response] {
	return func(ctx context.Context) (*transport.Response, error) {
		return h.probe(ctx, client, url)
	}
}

func (h HTTPCheck) probe(ctx context.Context, client *transport.HTTPClient, url string) (*transport.Response, error) {
	resp, err := client.Send(ctx, transport.Request{Method: h.Method, URL: url, Header: h.Header, Body: h.Body})
	if err != nil {
		return nil, err
	}
	accept := h.Accept
	if accept == nil {
		accept = func(status int) bool { return status >= 200 && status < 300 }
	}
	if !accept(resp.Status) {
		return resp, fmt.Errorf("unexpected status %d", resp.Status)
	}
	return resp, nil
}
