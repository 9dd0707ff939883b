// Package upload sends local files and streams to the resumable upload
// endpoint in fixed-size chunks and returns the server's resource id.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
)

const DefaultChunkSize = 5 * 1024 * 1024

// Source names what to upload. Exactly one of Path or Reader must be set.
// Name is used for metadata when uploading a Reader; when empty and Reader
// has a Name method (an *os.File) that name is used.
type Source struct {
	Path   string
	Reader io.Reader
	Name   string
}

func (s Source) Validate() error {
	switch {
	case s.Path == "" && s.Reader == nil:
		return apierr.Invalid("source", "one of file path or stream must be provided")
	case s.Path != "" && s.Reader != nil:
		return apierr.Invalid("source", "only one of file path or stream may be provided")
	}
	return nil
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	Sent    int64
	Total   int64
	Percent float64
}

type ProgressFunc func(Progress)

// Inspector returns extra metadata for a local file, or a ValidationError
// when the file is unreadable.
type Inspector func(path string) (map[string]string, error)

type Options struct {
	ChunkSize int64
	BaseID    string
	UserID    string
	// Registry holds materialized streams. A fresh one under TempDir is
	// created when nil.
	Registry *TempRegistry
	TempDir  string
	Inspect  Inspector
	Now      func() time.Time
	Log      *slog.Logger
}

// Uploader is not shared between workers; give each worker its own.
type Uploader struct {
	opener    SessionOpener
	chunkSize int64
	baseID    string
	userID    string
	registry  *TempRegistry
	inspect   Inspector
	now       func() time.Time
	log       *slog.Logger
}

func New(opener SessionOpener, opts Options) *Uploader {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewTempRegistry(opts.TempDir)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Uploader{
		opener:    opener,
		chunkSize: chunk,
		baseID:    opts.BaseID,
		userID:    opts.UserID,
		registry:  reg,
		inspect:   opts.Inspect,
		now:       now,
		log:       log,
	}
}

func (u *Uploader) Registry() *TempRegistry { return u.registry }

// CreateTempDestination creates an empty tracked file whose extension is
// taken from name, for callers that download into it before uploading.
// The file is removed by Cleanup, or by Upload when passed as its Path.
func (u *Uploader) CreateTempDestination(name string) (string, error) {
	f, err := u.registry.Create(filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("create temp destination: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = u.registry.Release(path)
		return "", fmt.Errorf("create temp destination: %w", err)
	}
	return path, nil
}

// Cleanup removes every temp file this uploader still tracks.
func (u *Uploader) Cleanup() { u.registry.Cleanup() }

// Upload transfers src and returns the resource id. Caller metadata wins
// over the defaults on key collision. A stream source is written to a temp
// file first; that file is removed before Upload returns, whatever the
// outcome.
func (u *Uploader) Upload(ctx context.Context, src Source, meta map[string]any, progress ProgressFunc) (string, error) {
	if err := src.Validate(); err != nil {
		return "", err
	}
	log := logging.FromContext(ctx, u.log)

	var path, name string
	if src.Reader != nil {
		name = streamName(src)
		tmp, err := u.materialize(src.Reader, name)
		if tmp != "" {
			defer u.release(log, tmp)
		}
		if err != nil {
			return "", err
		}
		path = tmp
	} else {
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			return "", apierr.Invalid("file_path", "%v", err)
		}
		path, name = filepath.Clean(abs), filepath.Base(abs)
		if u.registry.Owns(path) {
			defer u.release(log, path)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", apierr.Invalid("file_path", "open %s: %v", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	if info.IsDir() {
		return "", apierr.Invalid("file_path", "%s is a directory", name)
	}

	defaults := u.defaultMetadata(name, path)
	if u.inspect != nil {
		extra, err := u.inspect(path)
		if err != nil {
			return "", err
		}
		for k, v := range extra {
			defaults[k] = v
		}
	}
	wire := u.mergeMetadata(defaults, meta)

	id, err := u.send(ctx, log, f, info.Size(), wire, progress)
	if err != nil {
		return "", err
	}
	log.Info("upload complete", "file_id", id, "filename", wire[MetaFilename], "bytes", info.Size())
	return id, nil
}

func (u *Uploader) send(ctx context.Context, log *slog.Logger, r io.Reader, total int64, meta map[string]string, progress ProgressFunc) (string, error) {
	session, err := u.opener.Open(ctx, total, meta)
	if err != nil {
		return "", fmt.Errorf("open upload session: %w", err)
	}
	log.Info("upload session created", "url", session.URL(), "bytes", total, "chunk_size", u.chunkSize)

	buf := make([]byte, min(u.chunkSize, max(total, 1)))
	var sent int64
	for sent < total {
		n, err := io.ReadFull(r, buf[:min(int64(len(buf)), total-sent)])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("read chunk at offset %d: %w", sent, err)
		}
		if n == 0 {
			return "", fmt.Errorf("source shrank during upload at offset %d of %d", sent, total)
		}
		if err := session.Write(ctx, buf[:n]); err != nil {
			return "", err
		}
		sent += int64(n)
		if acked := session.Offset(); acked != sent {
			return "", &apierr.TransportError{
				Method: "PATCH",
				URL:    session.URL(),
				Err:    fmt.Errorf("server acknowledged offset %d, sent %d", acked, sent),
			}
		}
		p := Progress{Sent: sent, Total: total, Percent: min(100, float64(sent)/float64(total)*100)}
		log.Debug("chunk sent", "sent", p.Sent, "total", p.Total, "percent", p.Percent)
		if progress != nil {
			progress(p)
		}
	}

	id := ResourceID(session.URL())
	if id == "" {
		return "", &apierr.TransportError{Method: "PATCH", URL: session.URL(), Err: errors.New("upload url carries no resource id")}
	}
	return id, nil
}

func (u *Uploader) materialize(r io.Reader, name string) (string, error) {
	f, err := u.registry.Create(filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return path, fmt.Errorf("write stream to temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

func (u *Uploader) release(log *slog.Logger, path string) {
	if err := u.registry.Release(path); err != nil {
		log.Debug("temp file not removed", "path", path, "error", err)
	}
}

func streamName(src Source) string {
	if src.Name != "" {
		return src.Name
	}
	if n, ok := src.Reader.(interface{ Name() string }); ok && n.Name() != "" {
		return filepath.Base(n.Name())
	}
	return "upload"
}

// ResourceID derives the resource id from a session URL: the final path
// segment, with any "+" continuation suffix removed.
func ResourceID(sessionURL string) string {
	head, _, _ := strings.Cut(sessionURL, "+")
	head = strings.TrimRight(head, "/")
	if q := strings.IndexAny(head, "?#"); q >= 0 {
		head = head[:q]
	}
	if i := strings.LastIndex(head, "/"); i >= 0 {
		return head[i+1:]
	}
	return head
}
