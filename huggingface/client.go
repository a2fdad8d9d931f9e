// Package huggingface downloads model weights from the Hugging Face
// hub. Chromagen base models are published as safetensors archives with
// a JSON config in the repository root; Download fetches the matching
// files straight into a local directory.
package huggingface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/version"
)

const (
	defaultEndpoint = "https://huggingface.co"

	// Large archives over slow links take a while.
	downloadTimeout = 30 * time.Minute
)

var (
	ErrRepoNotFound = errors.New("model repository not found")
	ErrUnauthorized = errors.New("unauthorized, set HF_TOKEN for gated repositories")
	ErrRateLimited  = errors.New("rate limited by the hub")
)

// Client talks to one Hugging Face compatible endpoint. NewClient reads
// HF_ENDPOINT and HF_TOKEN from the environment; options override them.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
}

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = strings.TrimSuffix(endpoint, "/") }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(http *http.Client) Option {
	return func(c *Client) { c.http = http }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: downloadTimeout},
		endpoint: defaultEndpoint,
		token:    envconfig.Var("HF_TOKEN"),
	}
	if s := envconfig.Var("HF_ENDPOINT"); s != "" {
		c.endpoint = strings.TrimSuffix(s, "/")
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RepoFile is one file listed in a repository.
type RepoFile struct {
	Name string `json:"rfilename"`
	Size int64  `json:"size"`
	LFS  *struct {
		Size   int64  `json:"size"`
		SHA256 string `json:"sha256"`
	} `json:"lfs,omitempty"`
}

// Bytes returns the download size. LFS metadata wins when present
// since the listing size of pointer files is the pointer, not the blob.
func (f RepoFile) Bytes() int64 {
	if f.LFS != nil && f.LFS.Size > 0 {
		return f.LFS.Size
	}
	return f.Size
}

// RepoInfo is the hub metadata for one model repository.
type RepoInfo struct {
	ID        string     `json:"id"`
	SHA       string     `json:"sha"`
	Private   bool       `json:"private"`
	Gated     any        `json:"gated"`
	Downloads int64      `json:"downloads"`
	Files     []RepoFile `json:"siblings"`
}

// IsGated reports whether the repository needs an access token. The hub
// encodes the field as false, "auto" or "manual".
func (r *RepoInfo) IsGated() bool {
	switch v := r.Gated.(type) {
	case bool:
		return v
	case string:
		return v != ""
	}
	return false
}

// RepoInfo fetches repository metadata including the file listing with
// blob sizes.
func (c *Client) RepoInfo(ctx context.Context, repo string) (*RepoInfo, error) {
	if err := validateRepo(repo); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/models/%s?blobs=true", c.endpoint, repo), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := responseError(resp); err != nil {
		return nil, fmt.Errorf("%s: %w", repo, err)
	}

	var info RepoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%s: decoding repository info: %w", repo, err)
	}
	return &info, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", fmt.Sprintf("chromagen/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func responseError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRepoNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("hub returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func validateRepo(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid repository %q, expected owner/name", repo)
	}
	return nil
}
