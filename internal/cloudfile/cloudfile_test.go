package cloudfile

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srnarasim/dataprism-core/internal/credentials"
	"github.com/srnarasim/dataprism-core/internal/httpfetch"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService(
		httpfetch.New(nil, time.Minute),
		credentials.NewManager(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		5*time.Second,
	)
	t.Cleanup(s.Close)
	return s
}

func TestGetFile_MetadataAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Tue, 04 Aug 2026 10:00:00 GMT")
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	s := newTestService(t)
	h, err := s.GetFile(context.Background(), srv.URL+"/data.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, "text/csv", h.Meta.ContentType)
	assert.Equal(t, `"abc123"`, h.Meta.ETag)
	assert.False(t, h.Meta.LastModified.IsZero())

	text, err := h.AsText()
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", text)
}

func TestFileHandle_SingleShotConsumption(t *testing.T) {
	h := NewFileHandle("u", Metadata{}, []byte("x"))
	_, err := h.AsBytes()
	require.NoError(t, err)
	_, err = h.AsText()
	assert.Error(t, err, "second consumption must fail")

	clone := h.Clone()
	text, err := clone.AsText()
	require.NoError(t, err)
	assert.Equal(t, "x", text)
}

func TestGetFile_HTTPErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := newTestService(t)
	_, err := s.GetFile(context.Background(), srv.URL+"/x.csv", Options{CORSHandling: httpfetch.ModeDirect})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_403")
}

func TestGetFileSchema_CSV_CachedAfterFirstCall(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		_, _ = w.Write([]byte("id,name,score\n1,ada,9.5\n"))
	}))
	defer srv.Close()

	s := newTestService(t)
	url := srv.URL + "/scores.csv"

	schema, err := s.GetFileSchema(context.Background(), url)
	require.NoError(t, err)
	require.Len(t, schema.Columns, 3)
	assert.Equal(t, Column{Name: "id", Type: TypeString}, schema.Columns[0])
	assert.Equal(t, "csv", schema.Format)

	again, err := s.GetFileSchema(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, schema, again)
	assert.EqualValues(t, 1, gets.Load(), "second lookup must be served from cache")
}

func TestGetFileSchema_JSONTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name": "ada", "age": 36, "active": true}]`))
	}))
	defer srv.Close()

	s := newTestService(t)
	schema, err := s.GetFileSchema(context.Background(), srv.URL+"/people.json")
	require.NoError(t, err)
	assert.Equal(t, []Column{
		{Name: "active", Type: TypeBoolean},
		{Name: "age", Type: TypeNumber},
		{Name: "name", Type: TypeString},
	}, schema.Columns)
}

func TestGetFileSchema_TruncatedJSONSample(t *testing.T) {
	// The ranged sample cuts the array mid-way; the first complete object
	// must still parse.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"a": 1, "b": "x"}, {"a": 2, "b":`))
	}))
	defer srv.Close()

	s := newTestService(t)
	schema, err := s.GetFileSchema(context.Background(), srv.URL+"/rows.json")
	require.NoError(t, err)
	assert.Equal(t, []Column{{Name: "a", Type: TypeNumber}, {Name: "b", Type: TypeString}}, schema.Columns)
}

func TestGetFileSchema_ParquetUsesPeeker(t *testing.T) {
	s := newTestService(t)
	s.SetSchemaPeeker(func(ctx context.Context, url, format string) (Schema, error) {
		return Schema{Columns: []Column{{Name: "n", Type: TypeNumber}}, Format: format}, nil
	})

	schema, err := s.GetFileSchema(context.Background(), "https://bucket.s3.amazonaws.com/d.parquet")
	require.NoError(t, err)
	assert.Equal(t, "parquet", schema.Format)
	assert.Equal(t, []Column{{Name: "n", Type: TypeNumber}}, schema.Columns)
}

func TestGetMultipleFiles_SettleAll(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	s := newTestService(t)
	opts := Options{CORSHandling: httpfetch.ModeDirect}

	handles, err := s.GetMultipleFiles(context.Background(), []string{good.URL + "/a.csv", bad.URL + "/b.csv"}, opts)
	require.NoError(t, err, "one success is enough")
	require.Len(t, handles, 1)

	_, err = s.GetMultipleFiles(context.Background(), []string{bad.URL + "/a.csv", bad.URL + "/b.csv"}, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_FAILED")
}

func TestFormatFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://h/x.parquet", "parquet"},
		{"https://h/x.csv?sig=abc", "csv"},
		{"https://h/x.JSONL", "jsonl"},
		{"https://h/x.json", "json"},
		{"https://h/x.arrow", "arrow"},
		{"https://h/x.txt", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatFromURL(tt.url), tt.url)
	}
}
