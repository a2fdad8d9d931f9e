package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	downloadRetries   = 3
	retryDelay        = 2 * time.Second
	progressInterval  = 100 * time.Millisecond
	parallelDownloads = 4
)

// DownloadedFile records where one repository file landed.
type DownloadedFile struct {
	Name string
	Path string
	Size int64

	// Cached marks files that were already present with the expected
	// size and were not fetched again.
	Cached bool
}

// DownloadResult summarizes one Download call.
type DownloadResult struct {
	Repo     string
	Revision string
	Dir      string
	Files    []DownloadedFile
	Bytes    int64
}

type downloadOptions struct {
	revision string
	patterns []string
	progress func(downloaded, total int64)
}

type DownloadOption func(*downloadOptions)

// WithRevision pins the download to a branch, tag or commit.
func WithRevision(revision string) DownloadOption {
	return func(o *downloadOptions) {
		if revision != "" {
			o.revision = revision
		}
	}
}

// WithPatterns restricts the download to files matching any of the
// given path.Match patterns.
func WithPatterns(patterns ...string) DownloadOption {
	return func(o *downloadOptions) { o.patterns = patterns }
}

// WithProgress reports byte progress during the download. The callback
// runs serially and finishes with downloaded == total.
func WithProgress(fn func(downloaded, total int64)) DownloadOption {
	return func(o *downloadOptions) { o.progress = fn }
}

// Download fetches the matching files of repo into dir. Files already
// present with the expected size are kept, and interrupted transfers
// resume from their partial .download file.
func (c *Client) Download(ctx context.Context, repo, dir string, opts ...DownloadOption) (*DownloadResult, error) {
	options := downloadOptions{revision: "main"}
	for _, opt := range opts {
		opt(&options)
	}

	info, err := c.RepoInfo(ctx, repo)
	if err != nil {
		return nil, err
	}

	files := matchFiles(info.Files, options.patterns)
	if len(files) == 0 {
		return nil, fmt.Errorf("%s has no files matching %v", repo, options.patterns)
	}
	for _, f := range files {
		if !filepath.IsLocal(f.Name) {
			return nil, fmt.Errorf("unsafe file name %q in %s", f.Name, repo)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var total int64
	for _, f := range files {
		total += f.Bytes()
	}

	var mu sync.Mutex
	var downloaded int64
	last := time.Now()
	advance := func(n int64) {
		if options.progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		downloaded += n
		if time.Since(last) >= progressInterval {
			options.progress(downloaded, total)
			last = time.Now()
		}
	}

	result := &DownloadResult{
		Repo:     repo,
		Revision: options.revision,
		Dir:      dir,
		Files:    make([]DownloadedFile, len(files)),
		Bytes:    total,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelDownloads)
	for i, f := range files {
		g.Go(func() error {
			target := filepath.Join(dir, filepath.FromSlash(f.Name))
			if stat, err := os.Stat(target); err == nil && stat.Size() == f.Bytes() {
				result.Files[i] = DownloadedFile{Name: f.Name, Path: target, Size: f.Bytes(), Cached: true}
				advance(f.Bytes())
				return nil
			}

			if err := c.downloadFile(ctx, repo, options.revision, f.Name, target, advance); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}

			stat, err := os.Stat(target)
			if err != nil {
				return err
			}
			result.Files[i] = DownloadedFile{Name: f.Name, Path: target, Size: stat.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if options.progress != nil {
		options.progress(total, total)
	}
	return result, nil
}

func (c *Client) downloadFile(ctx context.Context, repo, revision, name, target string, advance func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, repo, revision, name)
	var lastErr error
	for attempt := range downloadRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		if err := c.fetch(ctx, url, target, advance); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("giving up after %d attempts: %w", downloadRetries, lastErr)
}

func (c *Client) fetch(ctx context.Context, url, target string, advance func(int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	partial := target + ".download"
	var offset int64
	if stat, err := os.Stat(partial); err == nil {
		offset = stat.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := responseError(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusOK && offset > 0 {
		// the server ignored the range request, start over
		offset = 0
		if err := os.Remove(partial); err != nil {
			return err
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			advance(int64(n))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(partial, target)
}

// matchFiles filters the listing to files matching any pattern. No
// patterns keeps every file.
func matchFiles(files []RepoFile, patterns []string) []RepoFile {
	if len(patterns) == 0 {
		return files
	}

	var matched []RepoFile
	for _, f := range files {
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, f.Name); ok {
				matched = append(matched, f)
				break
			}
		}
	}
	return matched
}
