package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// chunkSize is the buffer segments are streamed to disk through.
	chunkSize = 8 * 1024

	maxManifestBytes = 10 << 20

	DefaultFetchConcurrency = 16
	DefaultFetchTimeout     = 2 * time.Minute
)

// FetcherOptions configures a Fetcher. Zero values select defaults.
type FetcherOptions struct {
	Client      *http.Client
	Concurrency int
	Retries     int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Fetcher downloads manifests and media segments over HTTP.
type Fetcher struct {
	client      *http.Client
	concurrency int
	retries     int
	timeout     time.Duration
	log         *slog.Logger
}

// NewFetcher returns a Fetcher. Timeout bounds each request, not a whole batch.
func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		client:      opts.Client,
		concurrency: opts.Concurrency,
		retries:     opts.Retries,
		timeout:     opts.Timeout,
		log:         opts.Logger,
	}
	if f.client == nil {
		f.client = http.DefaultClient
	}
	if f.concurrency <= 0 {
		f.concurrency = DefaultFetchConcurrency
	}
	if f.retries < 0 {
		f.retries = 0
	}
	if f.timeout <= 0 {
		f.timeout = DefaultFetchTimeout
	}
	if f.log == nil {
		f.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return f
}

// FetchManifest returns the body of the playlist at rawURL.
func (f *Fetcher) FetchManifest(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	if len(body) > maxManifestBytes {
		return "", ErrManifestTooLarge
	}
	return string(body), nil
}

// FetchAll downloads every url into dir concurrently. The result has the same
// length and order as urls; position i holds the local path of segment i, or
// "" when that segment could not be fetched. Failures are logged, never
// returned.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, dir string) []string {
	paths := make([]string, len(urls))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, u := range urls {
		i, u := i, u
		dest := filepath.Join(dir, fmt.Sprintf(segmentFileNameFormat, i))
		g.Go(func() error {
			if err := f.fetchSegment(ctx, u, dest); err != nil {
				f.log.Warn("segment dropped",
					slog.Int("index", i),
					slog.String("url", u),
					slog.String("error", err.Error()))
				return nil
			}
			paths[i] = dest
			return nil
		})
	}
	_ = g.Wait()
	return paths
}

func (f *Fetcher) fetchSegment(ctx context.Context, rawURL, dest string) error {
	var err error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = f.download(ctx, rawURL, dest); err == nil {
			return nil
		}
	}
	return err
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}
