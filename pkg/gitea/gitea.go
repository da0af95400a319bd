package gitea

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gitopslab/e2e/internal/transport"
	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// User is the subset of a Git host account the harness needs.
type User struct {
	ID    int64
	Login string
}

// Repository represents a Git host repository
type Repository struct {
	ID            int64
	FullName      string
	DefaultBranch string
}

// File is a decoded file plus the blob sha used as its version token.
type File struct {
	Path    string
	SHA     string
	Content string
}

// FileChange is the payload for creating or updating a file.
type FileChange struct {
	Message string
	Content []byte
	Branch  string
	// SHA must carry the version token read before an update.
	SHA string
}

// CommitResult identifies the commit produced by a contents write.
type CommitResult struct {
	CommitSHA string
	FileSHA   string
}

// Options configure a Client. Token takes precedence over basic auth.
type Options struct {
	BaseURL  string
	User     string
	Password string
	Token    string
	Owner    string
	Repo     string
}

// Client wraps the go-github client pointed at a Gitea /api/v1 root.
type Client struct {
	client *gh.Client
	owner  string
	repo   string
}

// NewClient creates a client for one repository.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	var hc *http.Client
	switch {
	case opts.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		hc = oauth2.NewClient(ctx, ts)
	case opts.User != "":
		tp := &gh.BasicAuthTransport{Username: opts.User, Password: opts.Password}
		hc = tp.Client()
	}

	client := gh.NewClient(hc)
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/api/v1/")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	client.BaseURL = base
	client.UploadURL = base

	return &Client{client: client, owner: opts.Owner, repo: opts.Repo}, nil
}

// FullName returns "<owner>/<repo>".
func (c *Client) FullName() string {
	return c.owner + "/" + c.repo
}

// GetUser resolves a login to its numeric id.
func (c *Client) GetUser(ctx context.Context, login string) (*User, error) {
	u, _, err := c.client.Users.Get(ctx, login)
	if err != nil {
		return nil, wrapError(err)
	}
	return &User{ID: u.GetID(), Login: u.GetLogin()}, nil
}

// GetRepository returns the configured repository.
func (c *Client) GetRepository(ctx context.Context) (*Repository, error) {
	repo, _, err := c.client.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return nil, wrapError(err)
	}
	return &Repository{
		ID:            repo.GetID(),
		FullName:      repo.GetFullName(),
		DefaultBranch: repo.GetDefaultBranch(),
	}, nil
}

// GetFile reads path at ref. A missing file surfaces as a 404 HTTPError.
func (c *Client) GetFile(ctx context.Context, path, ref string) (*File, error) {
	var opts *gh.RepositoryContentGetOptions
	if ref != "" {
		opts = &gh.RepositoryContentGetOptions{Ref: ref}
	}
	fileContent, _, _, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, path, opts)
	if err != nil {
		return nil, wrapError(err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return &File{Path: fileContent.GetPath(), SHA: fileContent.GetSHA(), Content: content}, nil
}

// CreateFile creates path. Gitea uses POST for creation.
func (c *Client) CreateFile(ctx context.Context, path string, change FileChange) (*CommitResult, error) {
	u := fmt.Sprintf("repos/%s/%s/contents/%s", c.owner, c.repo, path)
	req, err := c.client.NewRequest(http.MethodPost, u, contentOptions(change))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	result := new(gh.RepositoryContentResponse)
	if _, err := c.client.Do(ctx, req, result); err != nil {
		return nil, wrapError(err)
	}
	return commitResult(result), nil
}

// UpdateFile replaces path, conditioned on change.SHA.
func (c *Client) UpdateFile(ctx context.Context, path string, change FileChange) (*CommitResult, error) {
	if change.SHA == "" {
		return nil, errors.New("update requires the current file sha")
	}
	result, _, err := c.client.Repositories.UpdateFile(ctx, c.owner, c.repo, path, contentOptions(change))
	if err != nil {
		return nil, wrapError(err)
	}
	return commitResult(result), nil
}

func contentOptions(change FileChange) *gh.RepositoryContentFileOptions {
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(change.Message),
		Content: change.Content,
	}
	if change.Branch != "" {
		opts.Branch = gh.String(change.Branch)
	}
	if change.SHA != "" {
		opts.SHA = gh.String(change.SHA)
	}
	return opts
}

func commitResult(r *gh.RepositoryContentResponse) *CommitResult {
	out := &CommitResult{CommitSHA: r.Commit.GetSHA()}
	if r.Content != nil {
		out.FileSHA = r.Content.GetSHA()
	}
	return out
}

// IsConflict reports whether err is the Git host rejecting a stale sha.
func IsConflict(err error) bool {
	var httpErr *transport.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.Status == http.StatusConflict {
		return true
	}
	return httpErr.Status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(string(httpErr.Body)), "sha")
}

// IsNotFound reports a 404 from the Git host.
func IsNotFound(err error) bool {
	return transport.IsStatus(err, http.StatusNotFound)
}

func wrapError(err error) error {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return err
	}
	httpErr := &transport.HTTPError{Status: ghErr.Response.StatusCode, Body: []byte(ghErr.Message)}
	if req := ghErr.Response.Request; req != nil {
		httpErr.Method = req.Method
		httpErr.URL = req.URL.String()
	}
	return httpErr
}
