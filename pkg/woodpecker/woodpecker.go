package woodpecker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gitopslab/e2e/internal/transport"
)

// Repo is a CI-side repository registration.
type Repo struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	ForgeRemoteID string `json:"forge_remote_id"`
	Active        bool   `json:"active"`
}

// Trusted flags grant pipelines privileged capabilities.
type Trusted struct {
	Network  bool `json:"network"`
	Security bool `json:"security"`
	Volumes  bool `json:"volumes"`
}

type Secret struct {
	ID     int64    `json:"id,omitempty"`
	Name   string   `json:"name"`
	Value  string   `json:"value,omitempty"`
	Images []string `json:"images"`
	Events []string `json:"events"`
}

type Pipeline struct {
	ID     int64  `json:"id"`
	Number int64  `json:"number"`
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Status string `json:"status"`
}

// Client talks to the Woodpecker REST API with a session token.
type Client struct {
	base  string
	token string
	http  *transport.HTTPClient
}

func NewClient(baseURL, token string, hc *transport.HTTPClient) *Client {
	if hc == nil {
		hc = transport.NewHTTPClient()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) request(method, path string, body any) transport.Request {
	req := transport.Request{Method: method, URL: c.base + path, Body: body}
	if c.token != "" {
		req.Header = transport.BearerHeader(c.token)
	}
	return req
}

// Healthz returns nil when the server answers 200 or 204.
func (c *Client) Healthz(ctx context.Context) error {
	resp, err := c.http.Send(ctx, transport.Request{URL: c.base + "/healthz"})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK && resp.Status != http.StatusNoContent {
		return &transport.HTTPError{Method: http.MethodGet, URL: c.base + "/healthz", Status: resp.Status, Body: resp.Body}
	}
	return nil
}

// LookupRepo finds a registered repository by "<owner>/<name>".
func (c *Client) LookupRepo(ctx context.Context, fullName string) (*Repo, error) {
	var repo Repo
	if err := c.http.DoJSON(ctx, c.request(http.MethodGet, "/api/repos/lookup/"+fullName, nil), &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// ActivateRepo registers the Git host repository with the given id.
func (c *Client) ActivateRepo(ctx context.Context, forgeRemoteID int64) (*Repo, error) {
	path := "/api/repos?forge_remote_id=" + url.QueryEscape(fmt.Sprint(forgeRemoteID))
	var repo Repo
	if err := c.http.DoJSON(ctx, c.request(http.MethodPost, path, nil), &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (c *Client) UpdateTrust(ctx context.Context, repoID int64, trusted Trusted) error {
	body := map[string]any{"trusted": trusted}
	return c.http.DoJSON(ctx, c.request(http.MethodPatch, fmt.Sprintf("/api/repos/%d", repoID), body), nil)
}

// RepairRepo re-installs the forge webhook for the repository.
func (c *Client) RepairRepo(ctx context.Context, repoID int64) error {
	return c.http.DoJSON(ctx, c.request(http.MethodPost, fmt.Sprintf("/api/repos/%d/repair", repoID), nil), nil)
}

func (c *Client) Secrets(ctx context.Context, repoID int64) ([]Secret, error) {
	var secrets []Secret
	if err := c.http.DoJSON(ctx, c.request(http.MethodGet, fmt.Sprintf("/api/repos/%d/secrets", repoID), nil), &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func (c *Client) CreateSecret(ctx context.Context, repoID int64, secret Secret) error {
	if secret.Images == nil {
		secret.Images = []string{}
	}
	return c.http.DoJSON(ctx, c.request(http.MethodPost, fmt.Sprintf("/api/repos/%d/secrets", repoID), secret), nil)
}

// TriggerPipeline starts a manual run on branch.
func (c *Client) TriggerPipeline(ctx context.Context, repoID int64, branch string) (*Pipeline, error) {
	var p Pipeline
	body := map[string]string{"branch": branch}
	if err := c.http.DoJSON(ctx, c.request(http.MethodPost, fmt.Sprintf("/api/repos/%d/pipelines", repoID), body), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Pipelines lists the most recent runs, newest first.
func (c *Client) Pipelines(ctx context.Context, repoID int64, perPage int) ([]Pipeline, error) {
	var pipelines []Pipeline
	path := fmt.Sprintf("/api/repos/%d/pipelines?perPage=%d", repoID, perPage)
	if err := c.http.DoJSON(ctx, c.request(http.MethodGet, path, nil), &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}
