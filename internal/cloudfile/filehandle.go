package cloudfile

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Metadata is what the service learns about a remote object from response
// headers alone, before the body is consumed.
type Metadata struct {
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
	Provider     string
}

// FileHandle pairs object metadata with a single-shot body. Consuming the
// body (bytes, text, or stream) succeeds at most once per handle; Clone
// produces an independent handle over the same content.
type FileHandle struct {
	URL  string
	Meta Metadata

	mu       sync.Mutex
	body     []byte
	consumed bool
}

// NewFileHandle wraps already-buffered content. The service constructs these
// from fetch responses; tests construct them directly.
func NewFileHandle(url string, meta Metadata, body []byte) *FileHandle {
	return &FileHandle{URL: url, Meta: meta, body: body}
}

func (h *FileHandle) take() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumed {
		return nil, fmt.Errorf("file handle for %s: body already consumed", h.URL)
	}
	h.consumed = true
	return h.body, nil
}

// AsBytes consumes the body as raw bytes.
func (h *FileHandle) AsBytes() ([]byte, error) {
	return h.take()
}

// AsText consumes the body as a string.
func (h *FileHandle) AsText() (string, error) {
	b, err := h.take()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AsStream consumes the body as a reader.
func (h *FileHandle) AsStream() (io.Reader, error) {
	b, err := h.take()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

// Clone returns an unconsumed handle sharing nothing stateful with h. Valid
// even after h's body has been consumed.
func (h *FileHandle) Clone() *FileHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	body := make([]byte, len(h.body))
	copy(body, h.body)
	return &FileHandle{URL: h.URL, Meta: h.Meta, body: body}
}

// metadataFromHeaders extracts object metadata from response headers, with
// the content type defaulting to application/octet-stream.
func metadataFromHeaders(headers http.Header, provider string) Metadata {
	meta := Metadata{
		ContentType: headers.Get("Content-Type"),
		ETag:        headers.Get("ETag"),
		Provider:    provider,
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	if v := headers.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.Size = n
		}
	}
	if v := headers.Get("Last-Modified"); v != "" {
		if ts, err := http.ParseTime(v); err == nil {
			meta.LastModified = ts
		}
	}
	return meta
}
