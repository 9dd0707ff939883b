package upload

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bdragon300/tusgo"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/transport"
)

// Session is one server-side resumable upload. Writes are sequential and
// each Write call transfers one chunk.
type Session interface {
	Write(ctx context.Context, chunk []byte) error
	Offset() int64
	URL() string
}

// SessionOpener creates a Session of size bytes carrying meta.
type SessionOpener interface {
	Open(ctx context.Context, size int64, meta map[string]string) (Session, error)
}

// TusOpener opens sessions on a tus 1.0 endpoint.
type TusOpener struct {
	endpoint     *url.URL
	client       *tusgo.Client
	chunkTimeout time.Duration
}

// NewTusOpener returns an opener for endpoint. The API key is attached to
// every tus request. hc's total Timeout is dropped since a chunk may take
// longer than an API call; each chunk is bounded by chunkTimeout instead,
// and by nothing but the caller's context when chunkTimeout is zero.
func NewTusOpener(endpoint, apiKey string, hc *http.Client, chunkTimeout time.Duration) (*TusOpener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, apierr.Invalid("upload_url", "parse %q: %v", endpoint, err)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	authed := *hc
	authed.Timeout = 0
	authed.Transport = &transport.APIKeyTransport{Key: apiKey, Base: hc.Transport}
	return &TusOpener{endpoint: u, client: tusgo.NewClient(&authed, u), chunkTimeout: chunkTimeout}, nil
}

func (o *TusOpener) Open(ctx context.Context, size int64, meta map[string]string) (Session, error) {
	cl := o.client.WithContext(ctx)
	up := tusgo.Upload{}
	resp, err := cl.CreateUpload(&up, size, false, meta)
	if err != nil {
		te := &apierr.TransportError{Method: http.MethodPost, URL: o.endpoint.String(), Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}
	return &tusSession{
		upload:   &up,
		client:   o.client,
		location: up.Location,
		timeout:  o.chunkTimeout,
	}, nil
}

type tusSession struct {
	upload   *tusgo.Upload
	client   *tusgo.Client
	location string
	timeout  time.Duration
}

func (s *tusSession) Write(ctx context.Context, chunk []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	stream := tusgo.NewUploadStream(s.client.WithContext(ctx), s.upload)
	stream.ChunkSize = int64(len(chunk))
	if _, err := stream.Write(chunk); err != nil {
		return &apierr.TransportError{
			Method: http.MethodPatch,
			URL:    s.location,
			Err:    fmt.Errorf("write chunk at offset %d: %w", s.upload.RemoteOffset, err),
		}
	}
	return nil
}

func (s *tusSession) Offset() int64 { return s.upload.RemoteOffset }

func (s *tusSession) URL() string { return s.location }
