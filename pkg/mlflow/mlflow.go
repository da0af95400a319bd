package mlflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gitopslab/e2e/internal/transport"
)

type Experiment struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
}

type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Run struct {
	Info struct {
		RunID        string `json:"run_id"`
		ExperimentID string `json:"experiment_id"`
		Status       string `json:"status"`
	} `json:"info"`
	Data struct {
		Tags []RunTag `json:"tags"`
	} `json:"data"`
}

// Tag returns the value of tag key, or "".
func (r Run) Tag(key string) string {
	for _, t := range r.Data.Tags {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}

// Client is a minimal MLflow tracking REST client.
type Client struct {
	base string
	http *transport.HTTPClient
}

func NewClient(baseURL string, hc *transport.HTTPClient) *Client {
	if hc == nil {
		hc = transport.NewHTTPClient()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// SearchExperiments doubles as the tracker's readiness check.
func (c *Client) SearchExperiments(ctx context.Context, max int) ([]Experiment, error) {
	var out struct {
		Experiments []Experiment `json:"experiments"`
	}
	err := c.http.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.base + "/api/2.0/mlflow/experiments/search",
		Body:   map[string]int{"max_results": max},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Experiments, nil
}

func (c *Client) ExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var out struct {
		Experiment Experiment `json:"experiment"`
	}
	u := c.base + "/api/2.0/mlflow/experiments/get-by-name?experiment_name=" + url.QueryEscape(name)
	if err := c.http.DoJSON(ctx, transport.Request{URL: u}, &out); err != nil {
		return nil, err
	}
	return &out.Experiment, nil
}

// RunsForCommit returns runs in experimentID tagged with commit_sha=commit.
func (c *Client) RunsForCommit(ctx context.Context, experimentID, commit string) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	err := c.http.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.base + "/api/2.0/mlflow/runs/search",
		Body: map[string]any{
			"experiment_ids": []string{experimentID},
			"filter":         fmt.Sprintf("tags.commit_sha = '%s'", commit),
			"max_results":    5,
		},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Runs, nil
}
