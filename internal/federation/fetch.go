package federation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fkg/internal/blob"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/snapshot"
)

const (
	// DefaultFetchTimeout bounds one HTTP snapshot download.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultMaxArchiveSize bounds a downloaded snapshot archive.
	DefaultMaxArchiveSize int64 = 1 << 30

	// LatestPath is where peers serve their current snapshot.
	LatestPath = "/pkg/latest"
)

// Fetcher retrieves a remote's current snapshot as a decompressed file set.
// Fetchers do not retry; the importer reports any error as a FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, remote model.Remote) (snapshot.FileSet, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, remote model.Remote) (snapshot.FileSet, error)

func (f FetcherFunc) Fetch(ctx context.Context, remote model.Remote) (snapshot.FileSet, error) {
	return f(ctx, remote)
}

// HTTPFetcher downloads `{endpoint}/pkg/latest` as a zip archive.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
	MaxSize int64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, remote model.Remote) (snapshot.FileSet, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	maxSize := f.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxArchiveSize
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimRight(remote.Endpoint, "/") + LatestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/zip")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", target, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("snapshot from %s exceeds %d bytes", target, maxSize)
	}
	return snapshot.ReadZip(data)
}

// FileFetcher reads a snapshot zip or directory from the local filesystem.
// Endpoints are file:// URLs or plain paths.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, remote model.Remote) (snapshot.FileSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := remote.Endpoint
	if strings.HasPrefix(p, "file://") {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid file url: %w", err)
		}
		p = u.Host + u.Path
	}
	return snapshot.ReadPath(p)
}

// S3Fetcher downloads a snapshot zip from an s3://bucket/key endpoint.
// When Blob is nil a client is built from the default AWS configuration on
// first use.
type S3Fetcher struct {
	Blob   *blob.S3
	Region string

	once    sync.Once
	initErr error
}

func (f *S3Fetcher) Fetch(ctx context.Context, remote model.Remote) (snapshot.FileSet, error) {
	loc, err := blob.ParseURL(remote.Endpoint)
	if err != nil {
		return nil, err
	}
	f.once.Do(func() {
		if f.Blob == nil {
			f.Blob, f.initErr = blob.NewS3(ctx, f.Region)
		}
	})
	if f.initErr != nil {
		return nil, f.initErr
	}
	if f.Blob.MaxSize == 0 {
		f.Blob.MaxSize = DefaultMaxArchiveSize
	}

	data, err := f.Blob.Get(ctx, loc)
	if err != nil {
		return nil, err
	}
	return snapshot.ReadZip(data)
}

// MuxFetcher routes a remote to a fetcher by its endpoint's URL scheme.
// Endpoints without a scheme are treated as local paths.
type MuxFetcher struct {
	schemes map[string]Fetcher
}

// NewMuxFetcher returns a mux serving http, https, s3 and file endpoints.
// Nil fetchers are replaced with zero-value ones.
func NewMuxFetcher(httpFetcher *HTTPFetcher, s3Fetcher *S3Fetcher) *MuxFetcher {
	if httpFetcher == nil {
		httpFetcher = &HTTPFetcher{}
	}
	if s3Fetcher == nil {
		s3Fetcher = &S3Fetcher{}
	}
	m := &MuxFetcher{schemes: make(map[string]Fetcher)}
	m.Handle("http", httpFetcher)
	m.Handle("https", httpFetcher)
	m.Handle("s3", s3Fetcher)
	m.Handle("file", FileFetcher{})
	m.Handle("", FileFetcher{})
	return m
}

// Handle registers f for scheme, replacing any previous fetcher.
func (m *MuxFetcher) Handle(scheme string, f Fetcher) {
	m.schemes[scheme] = f
}

func (m *MuxFetcher) Fetch(ctx context.Context, remote model.Remote) (snapshot.FileSet, error) {
	scheme := endpointScheme(remote.Endpoint)
	f, ok := m.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher for endpoint scheme %q", scheme)
	}
	return f.Fetch(ctx, remote)
}

func endpointScheme(endpoint string) string {
	i := strings.Index(endpoint, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(endpoint[:i])
}
