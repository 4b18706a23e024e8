package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/version"
)

const (
	DefaultBaseURL  = "https://huggingface.co"
	DefaultRevision = "main"
)

// RepoFile is an entry of the hub tree listing.
type RepoFile struct {
	Type string `json:"type"` // "file" or "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
}

// Client talks to a Hugging Face style model hub.
type Client struct {
	httpClient *http.Client
	userAgent  string
	token      string
	baseURL    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.token = token
		}
	}
}

// WithTransport sets the HTTP transport.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.httpClient.Transport = transport
		}
	}
}

// WithBaseURL points the client at a mirror or a test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  version.UserAgent(),
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListFiles returns every file in the repository at revision, descending
// into directories.
func (c *Client) ListFiles(ctx context.Context, repo, revision string) ([]RepoFile, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	return c.listRecursive(ctx, repo, revision, "")
}

func (c *Client) listRecursive(ctx context.Context, repo, revision, dir string) ([]RepoFile, error) {
	entries, err := c.listPath(ctx, repo, revision, dir)
	if err != nil {
		return nil, err
	}
	var files []RepoFile
	for _, e := range entries {
		switch e.Type {
		case "file":
			files = append(files, e)
		case "directory":
			sub, err := c.listRecursive(ctx, repo, revision, e.Path)
			if err != nil {
				return nil, fmt.Errorf("list files in %s: %w", e.Path, err)
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

func (c *Client) listPath(ctx context.Context, repo, revision, dir string) ([]RepoFile, error) {
	endpoint := fmt.Sprintf("%s/api/models/%s/tree/%s", c.baseURL, repo, path.Join(url.PathEscape(revision), dir))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Repo: repo, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkResponse(resp, repo, dir); err != nil {
		return nil, err
	}
	var files []RepoFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, &NetworkError{Repo: repo, Err: fmt.Errorf("decode listing: %w", err)}
	}
	return files, nil
}

// DownloadFile streams a file from the repository. It returns the body and
// the content length (-1 if unknown).
func (c *Client) DownloadFile(ctx context.Context, repo, revision, filename string) (io.ReadCloser, int64, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	endpoint := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repo, url.PathEscape(revision), filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Repo: repo, File: filename, Err: err}
	}
	if err := checkResponse(resp, repo, filename); err != nil {
		_ = resp.Body.Close()
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkResponse(resp *http.Response, repo, file string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Repo: repo, StatusCode: resp.StatusCode}
	case http.StatusNotFound:
		return &NotFoundError{Repo: repo, File: file}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &NetworkError{
			Repo:       repo,
			File:       file,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
}
