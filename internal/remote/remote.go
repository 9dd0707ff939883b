// Package remote opens documents that live behind a URL so they can be
// uploaded as streams.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
)

const maxErrBody = 4096

// ObjectReader streams one object out of a bucket.
type ObjectReader interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCS reads objects from Google Cloud Storage.
type GCS struct {
	Client *storage.Client
}

func (g *GCS) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.Client.Bucket(bucket).Object(object).NewReader(ctx)
}

// Opener resolves http(s):// and gs:// URIs. The storage client is created
// on first use with application default credentials unless Objects is set.
type Opener struct {
	HTTPClient *http.Client
	Objects    ObjectReader
	Log        *slog.Logger

	mu  sync.Mutex
	gcs *storage.Client
}

// IsRemote reports whether uri names something Open can fetch.
func IsRemote(uri string) bool {
	switch scheme(uri) {
	case "http", "https", "gs":
		return true
	}
	return false
}

func scheme(uri string) string {
	s, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(s)
}

// Open returns a stream for uri and the file name to upload it under.
func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", apierr.Invalid("uri", "parse %q: %v", uri, err)
	}
	log := logging.FromContext(ctx, o.Log).With("uri", uri)
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return o.openHTTP(ctx, log, u)
	case "gs":
		return o.openGCS(ctx, log, u)
	}
	return nil, "", apierr.Invalid("uri", "unsupported scheme %q", u.Scheme)
}

func (o *Opener) openHTTP(ctx context.Context, log *slog.Logger, u *url.URL) (io.ReadCloser, string, error) {
	hc := o.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", &apierr.TransportError{Method: http.MethodGet, URL: u.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		resp.Body.Close()
		return nil, "", &apierr.TransportError{
			Method:     http.MethodGet,
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	log.Debug("remote source opened", "content_length", resp.ContentLength)
	return resp.Body, nameOf(u.Path, "download"), nil
}

func (o *Opener) openGCS(ctx context.Context, log *slog.Logger, u *url.URL) (io.ReadCloser, string, error) {
	bucket, object := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return nil, "", apierr.Invalid("uri", "gs uri needs a bucket and an object: %q", u.String())
	}
	objects, err := o.objects(ctx)
	if err != nil {
		return nil, "", err
	}
	r, err := objects.NewReader(ctx, bucket, object)
	if err != nil {
		return nil, "", fmt.Errorf("open gs://%s/%s: %w", bucket, object, err)
	}
	log.Debug("remote source opened", "bucket", bucket)
	return r, nameOf(object, "object"), nil
}

func (o *Opener) objects(ctx context.Context) (ObjectReader, error) {
	if o.Objects != nil {
		return o.Objects, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs == nil {
		c, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		o.gcs = c
	}
	return &GCS{Client: o.gcs}, nil
}

// Close releases the storage client if one was created.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs == nil {
		return nil
	}
	err := o.gcs.Close()
	o.gcs = nil
	return err
}

// NameOf returns the file name a URI would be uploaded under.
func NameOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "download"
	}
	if strings.EqualFold(u.Scheme, "gs") {
		return nameOf(u.Path, "object")
	}
	return nameOf(u.Path, "download")
}

// Reader defers opening a URI until the first Read, so queued sources hold
// no connection while they wait.
type Reader struct {
	// ctx bounds the deferred open.
	ctx    context.Context
	opener *Opener
	uri    string
	rc     io.ReadCloser
	err    error
}

// Lazy returns a Reader for uri. Close it when done.
func (o *Opener) Lazy(ctx context.Context, uri string) *Reader {
	return &Reader{ctx: ctx, opener: o, uri: uri}
}

func (r *Reader) Name() string { return NameOf(r.uri) }

func (r *Reader) Read(p []byte) (int, error) {
	if r.rc == nil && r.err == nil {
		r.rc, _, r.err = r.opener.Open(r.ctx, r.uri)
	}
	if r.err != nil {
		return 0, r.err
	}
	return r.rc.Read(p)
}

func (r *Reader) Close() error {
	if r.rc == nil {
		return nil
	}
	return r.rc.Close()
}

func nameOf(p, fallback string) string {
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return fallback
	}
	return name
}
