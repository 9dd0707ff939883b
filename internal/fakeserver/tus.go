package fakeserver

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const tusVersion = "1.0.0"

type upload struct {
	length     int64
	offset     int64
	meta       map[string]string
	indexPolls int
}

func (u *upload) complete() bool { return u.offset >= u.length }

func tusHeaders(w http.ResponseWriter) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Cache-Control", "no-store")
}

func (s *Server) handleTusOptions(w http.ResponseWriter, r *http.Request) {
	tusHeaders(w)
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", "creation,creation-with-upload,termination")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTusCreate(w http.ResponseWriter, r *http.Request) {
	tusHeaders(w)
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		http.Error(w, "invalid Upload-Length", http.StatusBadRequest)
		return
	}
	meta, err := ParseMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")

	s.mu.Lock()
	s.uploads[id] = &upload{length: length, meta: meta}
	s.mu.Unlock()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	w.Header().Set("Location", scheme+"://"+r.Host+"/files/"+id)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleTusHead(w http.ResponseWriter, r *http.Request) {
	tusHeaders(w)
	s.mu.Lock()
	up, ok := s.uploads[chi.URLParam(r, "uploadID")]
	var offset, length int64
	if ok {
		offset, length = up.offset, up.length
	}
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTusPatch(w http.ResponseWriter, r *http.Request) {
	tusHeaders(w)
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "uploadID")

	s.mu.Lock()
	up, ok := s.uploads[id]
	if !ok {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if offset != up.offset {
		s.mu.Unlock()
		w.WriteHeader(http.StatusConflict)
		return
	}
	remaining := up.length - up.offset
	s.mu.Unlock()

	n, err := io.Copy(io.Discard, io.LimitReader(r.Body, remaining))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	up.offset += n
	newOffset := up.offset
	s.mu.Unlock()

	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// ParseMetadata decodes a tus Upload-Metadata header.
func ParseMetadata(header string) (map[string]string, error) {
	meta := map[string]string{}
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(header, ",") {
		key, enc, _ := strings.Cut(strings.TrimSpace(pair), " ")
		if key == "" {
			continue
		}
		val, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, err
		}
		meta[key] = string(val)
	}
	return meta, nil
}

// Metadata returns the upload metadata a file was created with.
func (s *Server) Metadata(fileID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[fileID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(up.meta))
	for k, v := range up.meta {
		out[k] = v
	}
	return out
}

// Uploaded reports the bytes received for fileID.
func (s *Server) Uploaded(fileID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if up, ok := s.uploads[fileID]; ok {
		return up.offset
	}
	return 0
}
